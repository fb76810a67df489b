package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/streamrec/internal/browser"
	"github.com/agleyzer/streamrec/internal/cluster"
	"github.com/agleyzer/streamrec/internal/config"
	"github.com/agleyzer/streamrec/internal/detect"
	"github.com/agleyzer/streamrec/internal/download"
	"github.com/agleyzer/streamrec/internal/matcher"
	"github.com/agleyzer/streamrec/internal/metrics"
	"github.com/agleyzer/streamrec/internal/parser"
	"github.com/agleyzer/streamrec/internal/schedule"
	"github.com/agleyzer/streamrec/internal/server"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		listen   string
		raftID   string
		raftBind string
		peers    []string
		headful  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the schedule runner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}
			if cmd.Flags().Changed("raft-id") {
				cfg.RaftID = raftID
			}
			if cmd.Flags().Changed("raft-bind") {
				cfg.RaftBind = raftBind
			}
			if cmd.Flags().Changed("raft-peers") {
				cfg.RaftPeers = peers
			}
			if headful {
				cfg.Headless = false
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg, newLogger(cfg, os.Stderr))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (default :5000)")
	cmd.Flags().StringVar(&raftID, "raft-id", "", "raft node id")
	cmd.Flags().StringVar(&raftBind, "raft-bind", "", "raft bind address host:port")
	cmd.Flags().StringSliceVar(&peers, "raft-peers", nil, "raft peer addresses including this node; empty runs standalone")
	cmd.Flags().BoolVar(&headful, "headful", false, "show the browser window")
	return cmd
}

// services holds everything a detection session needs.
type services struct {
	fs        afero.Fs
	metrics   *metrics.Metrics
	calc      *schedule.Calculator
	store     *schedule.Store
	browsers  *browser.Manager
	downloads *download.FFmpeg
	detection *detect.Service
}

func buildServices(cfg config.Config, logger *slog.Logger) (*services, error) {
	s := &services{
		fs:      afero.NewOsFs(),
		metrics: metrics.New(version),
		calc:    schedule.NewCalculatorRange(cfg.CheckJitterMin, cfg.CheckJitterMax),
	}
	for _, dir := range []string{cfg.DataDir, cfg.DownloadDir, cfg.ChromeUserDataDir} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	s.store = schedule.NewStore(s.fs, cfg.SchedulesFile, s.calc, logger)
	if err := s.store.Load(); err != nil {
		return nil, err
	}

	launcher := browser.NewChromeLauncher(cfg.ChromeBinary, cfg.ChromeUserDataDir, s.fs, logger)
	launcher.Headless = cfg.Headless
	s.browsers = browser.NewManager(launcher, s.fs, cfg.ChromeUserDataDir, s.metrics, logger)
	s.downloads = download.NewFFmpeg(cfg.FFmpegPath, cfg.DownloadDir, s.fs, logger)

	s.detection = detect.NewService(s.browsers, detect.Deps{
		Fetcher:    parser.NewFetcher(nil, logger),
		Parser:     parser.HLS{},
		Selector:   matcher.New(logger),
		Prober:     download.NewFFProbe(cfg.FFprobePath, download.DefaultProbeTimeout, logger),
		Downloader: s.downloads,
		Metrics:    s.metrics,
		Logger:     logger,
	}, cfg.PollInterval)
	return s, nil
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("streamrec starting", "version", version, "data_dir", cfg.DataDir)

	svc, err := buildServices(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.browsers.CloseAll()
	defer svc.detection.CloseAll()

	var (
		gate        schedule.Gate
		clusterInfo server.Cluster
	)
	if cfg.Clustered() {
		cc := cluster.Config{
			RaftID:      cfg.RaftID,
			BindAddr:    cfg.RaftBind,
			Peers:       cfg.RaftPeers,
			SnapshotDir: cfg.RaftDir,
		}
		if level, _ := cfg.Level(); level <= slog.LevelDebug {
			cc.LogOutput = os.Stderr
			cc.LogLevel = hclog.Debug
		}
		cm, err := cluster.NewManager(cc, svc.store, logger)
		if err != nil {
			return err
		}
		if err := cm.Start(ctx); err != nil {
			return fmt.Errorf("start cluster: %w", err)
		}
		defer cm.Shutdown()
		svc.store.OnSave(cm.Publish)
		gate, clusterInfo = cm, cm
	}

	if _, err := svc.store.RefreshAll(); err != nil {
		logger.Warn("failed to refresh schedules", "error", err)
	}

	runner := schedule.NewRunner(svc.store, svc.calc, svc.detection, gate, schedule.RunnerConfig{
		TickInterval: cfg.TickInterval,
		WaitMin:      cfg.WorkerWaitMin,
		WaitMax:      cfg.WorkerWaitMax,
	}, svc.metrics, logger)

	srv := server.New(server.Deps{
		Detection: svc.detection,
		Downloads: svc.downloads,
		Schedules: svc.store,
		Cluster:   clusterInfo,
		Metrics:   svc.metrics,
		Version:   version,
	}, cfg.ListenAddr, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		runner.Start(gctx)
		<-gctx.Done()
		runner.Stop()
		runner.Wait()
		return nil
	})

	err = g.Wait()
	logger.Info("streamrec stopped")
	return err
}
