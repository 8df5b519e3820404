// Package transfer uploads many local files at once, each through its own
// upload session.
package transfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/ochronus/pan123/internal/upload"
)

const DefaultWorkers = 2

// Uploader runs a single upload. *upload.Engine implements it.
type Uploader interface {
	Upload(ctx context.Context, p upload.Params) (*upload.Result, error)
}

// Config controls a batch.
type Config struct {
	Workers      int
	ParentFileID int64
	SkipPatterns []string
	Mode         upload.Mode
	Async        bool
	Duplicate    int
}

// Option configures a Manager.
type Option func(*Manager)

// WithProgress receives progress for every job. It is called from worker
// goroutines.
func WithProgress(fn func(Job, upload.Progress)) Option {
	return func(m *Manager) {
		m.onProgress = fn
	}
}

// WithStart is called when a worker picks up a job.
func WithStart(fn func(Job)) Option {
	return func(m *Manager) {
		m.onStart = fn
	}
}

// Manager handles the upload orchestration
type Manager struct {
	cfg        Config
	fs         afero.Fs
	uploader   Uploader
	logger     *logrus.Entry
	onProgress func(Job, upload.Progress)
	onStart    func(Job)
}

// NewManager creates a new upload manager reading from fs.
func NewManager(cfg Config, fs afero.Fs, uploader Uploader, logger *logrus.Logger, opts ...Option) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		cfg:      cfg,
		fs:       fs,
		uploader: uploader,
		logger:   logger.WithField("component", "transfer"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Expand turns paths into jobs. Directories are walked; entries matching a
// skip pattern are left out, and skipped directories are not descended.
func (m *Manager) Expand(paths []string) ([]Job, error) {
	var jobs []Job
	for _, p := range paths {
		info, err := m.fs.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			if ShouldSkip(info.Name(), m.cfg.SkipPatterns) {
				m.logger.Infof("[%s]: skipped", p)
				continue
			}
			jobs = append(jobs, Job{Path: p, Name: info.Name(), ParentFileID: m.cfg.ParentFileID, Size: info.Size()})
			continue
		}

		root := filepath.Clean(p)
		base := filepath.Base(root)
		err = afero.Walk(m.fs, root, func(walked string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if walked != root && ShouldSkip(fi.Name(), m.cfg.SkipPatterns) {
				m.logger.Infof("[%s]: skipped", walked)
				if fi.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if fi.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, walked)
			if err != nil {
				return err
			}
			jobs = append(jobs, Job{
				Path:         walked,
				Name:         path.Join(base, filepath.ToSlash(rel)),
				ParentFileID: m.cfg.ParentFileID,
				Size:         fi.Size(),
				ContainDir:   true,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	return jobs, nil
}

// UploadPaths uploads every file under paths with cfg.Workers workers.
// Outcomes come back in job order; the error aggregates every failure.
func (m *Manager) UploadPaths(ctx context.Context, paths []string) ([]Outcome, error) {
	jobs, err := m.Expand(paths)
	if err != nil {
		return nil, err
	}
	return m.Run(ctx, jobs)
}

// Run uploads jobs concurrently. Slices within one file stay sequential.
func (m *Manager) Run(ctx context.Context, jobs []Job) ([]Outcome, error) {
	outcomes := make([]Outcome, len(jobs))
	indexes := make(chan int)

	var wg sync.WaitGroup
	workers := m.cfg.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexes {
				outcomes[idx] = m.uploadJob(ctx, jobs[idx])
			}
		}()
	}

	dispatched := 0
dispatch:
	for ; dispatched < len(jobs); dispatched++ {
		select {
		case <-ctx.Done():
			break dispatch
		case indexes <- dispatched:
		}
	}
	close(indexes)
	wg.Wait()

	for i := dispatched; i < len(jobs); i++ {
		outcomes[i] = outcomeOf(jobs[i], nil, ctx.Err())
	}

	var result *multierror.Error
	for _, o := range outcomes {
		if o.Err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", o.Job.Name, o.Err))
		}
	}
	return outcomes, result.ErrorOrNil()
}

func (m *Manager) uploadJob(ctx context.Context, job Job) Outcome {
	if err := ctx.Err(); err != nil {
		return outcomeOf(job, nil, err)
	}
	if m.onStart != nil {
		m.onStart(job)
	}
	m.logger.Infof("%s: upload started (%s)", job, humanize.IBytes(uint64(job.Size)))

	f, err := m.fs.Open(job.Path)
	if err != nil {
		m.logger.Errorf("%s: open failed: %v", job, err)
		return outcomeOf(job, nil, err)
	}
	defer f.Close()

	params := upload.Params{
		Filename:     job.Name,
		ParentFileID: job.ParentFileID,
		Source:       &fileSource{File: f, size: job.Size},
		Mode:         m.cfg.Mode,
		Async:        m.cfg.Async,
		Duplicate:    m.cfg.Duplicate,
		ContainDir:   job.ContainDir,
	}
	if m.onProgress != nil {
		params.OnProgress = func(p upload.Progress) {
			m.onProgress(job, p)
		}
	}

	res, err := m.uploader.Upload(ctx, params)
	out := outcomeOf(job, res, err)
	if err != nil {
		m.logger.Errorf("%s: upload failed: %v", job, err)
	} else {
		m.logger.WithField("file_id", res.FileID).Infof("%s: %s", job, out.Status)
	}
	return out
}

// fileSource adapts an afero.File to upload.Source.
type fileSource struct {
	afero.File
	size int64
}

func (s *fileSource) Size() int64 {
	return s.size
}
