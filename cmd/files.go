package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ochronus/pan123/internal/services/pan123"
	"github.com/ochronus/pan123/internal/services/retry"
	"github.com/ochronus/pan123/internal/utils"
)

func newTokenCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Fetch an access token and show when it expires",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := newContainer()
			if err != nil {
				return err
			}

			token, err := container.Auth.AccessToken(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if raw {
				fmt.Fprintln(out, token)
				return nil
			}

			info, _ := container.Auth.TokenInfo()
			fmt.Fprintf(out, "Token:   %s\n", info)
			fmt.Fprintf(out, "Expires: %s\n", utils.HumanTime(info.ExpiresAt))
			if container.Auth.UsingOverride() {
				fmt.Fprintln(out, "Source:  debug_token (not refreshed)")
			} else {
				fmt.Fprintf(out, "Source:  client %s\n", utils.Mask(container.Config.ClientID, 4))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print only the token")
	return cmd
}

func newUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "user",
		Short: "Show account details and quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := newContainer()
			if err != nil {
				return err
			}

			info, err := container.Client.UserInfo(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "UID:       %d\n", info.UID)
			fmt.Fprintf(out, "Nickname:  %s\n", info.Nickname)
			fmt.Fprintf(out, "VIP:       %t\n", info.VIP)
			fmt.Fprintf(out, "Used:      %s of %s\n", utils.HumanSize(info.SpaceUsed), utils.HumanSize(info.SpacePermanent))
			if info.SpaceTemp > 0 {
				fmt.Fprintf(out, "Temporary: %s\n", utils.HumanSize(info.SpaceTemp))
			}
			fmt.Fprintf(out, "Traffic:   %s\n", utils.HumanSize(info.DirectTraffic))
			return nil
		},
	}
}

func newMkdirCmd() *cobra.Command {
	var parent int64
	cmd := &cobra.Command{
		Use:   "mkdir <name>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := newContainer()
			if err != nil {
				return err
			}

			id, err := container.Client.CreateFolder(cmd.Context(), parent, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%d)\n", args[0], id)
			return nil
		},
	}
	cmd.Flags().Int64Var(&parent, "parent", 0, "Parent folder ID")
	return cmd
}

func newLsCmd() *cobra.Command {
	var (
		search string
		limit  int
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "ls [folder-id]",
		Short: "List a folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parent int64
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid folder id %q", args[0])
				}
				parent = id
			}

			container, err := newContainer()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			params := pan123.ListFilesParams{ParentFileID: parent, Limit: limit, SearchData: search}
			for {
				page, err := container.Client.ListFiles(cmd.Context(), params)
				if err != nil {
					return err
				}
				for _, f := range page.Files {
					kind, size := "file", utils.HumanSize(f.Size)
					if f.IsDir() {
						kind, size = "dir", "-"
					}
					fmt.Fprintf(out, "%-12d %-4s %10s  %s\n", f.FileID, kind, size, f.Filename)
				}
				if !all || page.LastFileID == pan123.LastPage {
					return nil
				}
				params.LastFileID = page.LastFileID
			}
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "Only names containing this text")
	cmd.Flags().IntVar(&limit, "limit", 100, "Entries per page (max 100)")
	cmd.Flags().BoolVar(&all, "all", false, "Follow pages until the end")
	return cmd
}

func newOfflineCmd() *cobra.Command {
	var (
		dir      int64
		name     string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "offline <url>...",
		Short: "Have the server download URLs into the drive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := newContainer()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var (
				tasks     []pan123.OfflineTask
				createErr error
			)
			if len(args) == 1 {
				task, err := container.Client.CreateOfflineTask(ctx, pan123.OfflineTaskParams{
					URL:      args[0],
					FileName: name,
					DirID:    dir,
				})
				if err != nil {
					return err
				}
				tasks = append(tasks, *task)
			} else {
				if name != "" {
					return fmt.Errorf("--name applies to a single URL")
				}
				// Tasks that were created are still reported when others fail.
				tasks, createErr = container.Client.BatchCreateOfflineTasks(ctx, args, dir)
				if len(tasks) == 0 && createErr != nil {
					return createErr
				}
			}

			for _, task := range tasks {
				fmt.Fprintf(out, "Task %d: %s\n", task.TaskID, task.URL)
				if !wait {
					continue
				}
				for {
					p, err := container.Client.OfflineProgress(ctx, task.TaskID)
					if err != nil {
						return err
					}
					if p.Finished() {
						fmt.Fprintf(out, "Task %d: %s\n", task.TaskID, offlineStatus(p.Status))
						break
					}
					container.Logger.Infof("Task %d: %.0f%%", task.TaskID, p.Process)
					if err := retry.Sleep(ctx, interval); err != nil {
						return err
					}
				}
			}
			return createErr
		},
	}
	cmd.Flags().Int64Var(&dir, "dir", 0, "Target folder ID")
	cmd.Flags().StringVar(&name, "name", "", "File name to save as (single URL only)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until each task finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval with --wait")
	return cmd
}

func offlineStatus(status int) string {
	switch status {
	case pan123.OfflineDone:
		return "done"
	case pan123.OfflineFailed:
		return "failed"
	case pan123.OfflineRetry:
		return "retrying"
	default:
		return "running"
	}
}
