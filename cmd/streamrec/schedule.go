package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/agleyzer/streamrec/internal/schedule"
)

// openStore loads the schedule file named by the configuration. It is
// meant for editing while the server is stopped; a running server keeps
// its own copy and overwrites the file on its next save.
func openStore(opts *globalOptions, fs afero.Fs, w io.Writer) (*schedule.Store, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	calc := schedule.NewCalculatorRange(cfg.CheckJitterMin, cfg.CheckJitterMax)
	store := schedule.NewStore(fs, cfg.SchedulesFile, calc, newLogger(cfg, w))
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

func newScheduleCmd(opts *globalOptions) *cobra.Command {
	fs := afero.NewOsFs()
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recording schedules",
	}
	cmd.AddCommand(
		newScheduleAddCmd(opts, fs),
		newScheduleListCmd(opts, fs),
		newScheduleRemoveCmd(opts, fs),
	)
	return cmd
}

func newScheduleAddCmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	var in schedule.Input
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts, fs, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			sc, err := store.Add(in)
			if err != nil {
				return fmt.Errorf("add schedule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s added, next check %s.\n", sc.ID, formatCheck(sc.NextCheck))
			return nil
		},
	}
	cmd.Flags().StringVar(&in.URL, "url", "", "page URL (required)")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name (defaults to the URL)")
	cmd.Flags().StringVar(&in.StartTime, "start", "", "window start: HH:MM with --daily, else a date-time (required)")
	cmd.Flags().StringVar(&in.EndTime, "end", "", "window end: HH:MM with --daily, else a date-time (required)")
	cmd.Flags().BoolVar(&in.Daily, "daily", false, "repeat every day between HH:MM times")
	cmd.Flags().BoolVar(&in.Repeat, "repeat", false, "repeat an absolute window weekly")
	cmd.Flags().StringVar(&in.Resolution, "resolution", schedule.DefaultResolution, "target resolution")
	cmd.Flags().StringVar(&in.FrameRate, "framerate", schedule.DefaultFrameRate, "target frame rate")
	cmd.Flags().StringVar(&in.Format, "format", schedule.DefaultFormat, "output container")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newScheduleListCmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts, fs, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			list := store.List()
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No schedules configured.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tWINDOW\tKIND\tSTATUS\tNEXT CHECK")
			for _, sc := range list {
				kind := "once"
				switch {
				case sc.Daily:
					kind = "daily"
				case sc.Repeat:
					kind = "weekly"
				}
				fmt.Fprintf(w, "%s\t%s\t%s - %s\t%s\t%s\t%s\n",
					sc.ID, sc.Name, sc.StartTime, sc.EndTime, kind, sc.Status, formatCheck(sc.NextCheck))
			}
			return w.Flush()
		},
	}
}

func newScheduleRemoveCmd(opts *globalOptions, fs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts, fs, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := store.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s removed.\n", args[0])
			return nil
		},
	}
}

func formatCheck(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}
