package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agleyzer/streamrec/internal/detect"
	"github.com/agleyzer/streamrec/internal/matcher"
	"github.com/agleyzer/streamrec/internal/variant"
)

const statusPoll = 500 * time.Millisecond

func newDetectCmd(opts *globalOptions) *cobra.Command {
	var (
		req     detect.StartRequest
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "detect <page-url>",
		Short: "Open a page, detect its stream and print the matching variant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger := newLogger(cfg, os.Stderr)
			svc, err := buildServices(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.browsers.CloseAll()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			req.URL = args[0]
			id, err := svc.detection.Start(ctx, req)
			if err != nil {
				return err
			}
			defer svc.detection.Close(id)

			st, err := waitForDetection(ctx, svc.detection, id, req.AutoDownload)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !req.AutoDownload {
				printChoice(out, st.Variants, matcher.ParsePreference(req.Resolution, req.FrameRate), logger)
				return nil
			}

			fmt.Fprintf(out, "recording %s to %s\n", st.Selected.Label(), st.Filename)
			if err := svc.detection.Close(id); err != nil {
				logger.Warn("closing browser", "error", err)
			}
			// The download outlives the browser; wait for ffmpeg without the timeout.
			waitCtx, stopWait := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stopWait()
			if err := svc.downloads.Wait(waitCtx, id); err != nil {
				if errors.Is(err, context.Canceled) {
					return svc.downloads.Stop(id)
				}
				return err
			}
			fmt.Fprintf(out, "finished %s\n", st.Filename)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Resolution, "resolution", "1080p", "target resolution, e.g. 720p or source")
	cmd.Flags().StringVar(&req.FrameRate, "framerate", "any", "target frame rate: 60, 30 or any")
	cmd.Flags().StringVar(&req.Format, "format", "mp4", "output container")
	cmd.Flags().StringVar(&req.Filename, "filename", "", "output file name")
	cmd.Flags().BoolVar(&req.AutoDownload, "download", false, "record the matching variant")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "how long to wait for a stream")
	return cmd
}

// statusSource is the part of the detection service waitForDetection polls.
type statusSource interface {
	Status(id string) (detect.Status, error)
}

// waitForDetection polls until a download started (auto mode) or variants
// are on offer.
func waitForDetection(ctx context.Context, src statusSource, id string, auto bool) (detect.Status, error) {
	ticker := time.NewTicker(statusPoll)
	defer ticker.Stop()
	for {
		st, err := src.Status(id)
		if err != nil {
			return detect.Status{}, err
		}
		if auto && st.DownloadStarted && st.Selected != nil {
			return st, nil
		}
		if !auto && st.AwaitingSelection && len(st.Variants) > 0 {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return detect.Status{}, fmt.Errorf("no stream detected: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func printChoice(w io.Writer, variants []variant.Variant, pref matcher.Preference, logger *slog.Logger) {
	chosen, ok := matcher.New(logger).Select(variants, pref)
	for _, v := range variants {
		marker := " "
		if ok && v.URI == chosen.URI {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-16s %10d  %s\n", marker, v.Label(), v.Bandwidth, v.URI)
	}
}
