package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ochronus/pan123/internal/app"
	"github.com/ochronus/pan123/internal/config"
	"github.com/ochronus/pan123/internal/transfer"
	"github.com/ochronus/pan123/internal/upload"
	"github.com/ochronus/pan123/internal/utils"
)

const barTemplate pb.ProgressBarTemplate = `{{string . "name" | printf "%-32.32s"}} {{counters . }} {{bar . "[" "=" ">" " " "]"}} {{percent . }}`

func newUploadCmd() *cobra.Command {
	var (
		parent    int64
		mode      string
		async     bool
		workers   int
		duplicate int
		noBars    bool
	)

	cmd := &cobra.Command{
		Use:   "upload <path>...",
		Short: "Upload files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("parent") {
				cfg.Upload.ParentFileID = parent
			}
			if flags.Changed("mode") {
				cfg.Upload.Mode = mode
			}
			if flags.Changed("async") {
				cfg.Upload.Async = async
			}
			if flags.Changed("workers") {
				cfg.Upload.Workers = workers
			}
			if flags.Changed("duplicate") {
				cfg.Upload.Duplicate = duplicate
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			out := cmd.OutOrStdout()
			var disp display = &logDisplay{}
			if !noBars && isTerminal(os.Stdout) {
				disp = &barDisplay{}
			}

			container, err := app.NewContainer(cfg, app.WithTransferOptions(
				transfer.WithProgress(func(job transfer.Job, p upload.Progress) { disp.progress(job, p) }),
			))
			if err != nil {
				return fmt.Errorf("failed to build container: %w", err)
			}
			if l, ok := disp.(*logDisplay); ok {
				l.log = container.Logger.WithField("component", "cli")
			} else {
				// Bars own the terminal; keep routine log lines out of it.
				quietForBars(container.Logger)
			}

			jobs, err := container.Transfers.Expand(args)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "Nothing to upload")
				return nil
			}

			if err := disp.begin(jobs); err != nil {
				return err
			}
			outcomes, runErr := container.Transfers.Run(cmd.Context(), jobs)
			disp.end(outcomes)

			printSummary(out, outcomes)
			return runErr
		},
	}

	cmd.Flags().Int64Var(&parent, "parent", 0, "Target folder ID (overrides config)")
	cmd.Flags().StringVar(&mode, "mode", "auto", "Upload mode: auto, single or multipart")
	cmd.Flags().BoolVar(&async, "async", false, "Return once data is sent instead of waiting for the server")
	cmd.Flags().IntVarP(&workers, "workers", "w", config.DefaultConfig().Upload.Workers, "Files uploaded in parallel")
	cmd.Flags().IntVar(&duplicate, "duplicate", 0, "On name conflict: 0 server default, 1 keep both, 2 overwrite")
	cmd.Flags().BoolVar(&noBars, "no-progress", false, "Log progress instead of drawing bars")
	return cmd
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func quietForBars(logger *logrus.Logger) {
	if logger.GetLevel() == logrus.InfoLevel {
		logger.SetLevel(logrus.WarnLevel)
	}
}

// display renders a batch. progress runs on worker goroutines.
type display interface {
	begin(jobs []transfer.Job) error
	progress(job transfer.Job, p upload.Progress)
	end(outcomes []transfer.Outcome)
}

type barDisplay struct {
	pool *pb.Pool
	bars map[string]*pb.ProgressBar
}

func (d *barDisplay) begin(jobs []transfer.Job) error {
	d.bars = make(map[string]*pb.ProgressBar, len(jobs))
	all := make([]*pb.ProgressBar, 0, len(jobs))
	for _, job := range jobs {
		bar := barTemplate.New(0).SetTotal(job.Size)
		bar.Set(pb.Bytes, true)
		bar.Set("name", job.Name)
		d.bars[job.Path] = bar
		all = append(all, bar)
	}

	pool, err := pb.StartPool(all...)
	if err != nil {
		return fmt.Errorf("failed to start progress bars: %w", err)
	}
	d.pool = pool
	return nil
}

func (d *barDisplay) progress(job transfer.Job, p upload.Progress) {
	if bar, ok := d.bars[job.Path]; ok {
		bar.SetCurrent(p.Loaded)
	}
}

func (d *barDisplay) end(outcomes []transfer.Outcome) {
	for _, o := range outcomes {
		bar, ok := d.bars[o.Job.Path]
		if !ok {
			continue
		}
		if o.Err == nil {
			bar.SetCurrent(o.Job.Size)
		}
		bar.Finish()
	}
	if d.pool != nil {
		_ = d.pool.Stop()
	}
}

// logDisplay reports each quarter of a file's progress as a log line.
type logDisplay struct {
	log *logrus.Entry

	mu   sync.Mutex
	seen map[string]int
}

func (d *logDisplay) begin([]transfer.Job) error {
	d.seen = make(map[string]int)
	return nil
}

func (d *logDisplay) progress(job transfer.Job, p upload.Progress) {
	quarter := int(p.Percent) / 25
	d.mu.Lock()
	last, ok := d.seen[job.Path]
	if ok && quarter <= last {
		d.mu.Unlock()
		return
	}
	d.seen[job.Path] = quarter
	d.mu.Unlock()

	if d.log != nil {
		d.log.Infof("%s: %.0f%% (%s of %s)", job.Name, p.Percent,
			utils.HumanSize(p.Loaded), utils.HumanSize(p.Total))
	}
}

func (d *logDisplay) end([]transfer.Outcome) {}

func printSummary(w io.Writer, outcomes []transfer.Outcome) {
	var ok, failed int
	for _, o := range outcomes {
		switch o.Status {
		case transfer.StatusFailed:
			failed++
			fmt.Fprintf(w, "%-8s %s: %v\n", o.Status, o.Job.Name, o.Err)
		case transfer.StatusPending:
			ok++
			fmt.Fprintf(w, "%-8s %s (preupload %s)\n", o.Status, o.Job.Name, o.Result.PreuploadID)
		default:
			ok++
			fmt.Fprintf(w, "%-8s %s -> %d (%s)\n", o.Status, o.Job.Name, o.Result.FileID, utils.HumanSize(o.Job.Size))
		}
	}
	fmt.Fprintf(w, "%d uploaded, %d failed\n", ok, failed)
}
