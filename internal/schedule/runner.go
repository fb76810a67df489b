package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/agleyzer/streamrec/internal/browser"
	"github.com/agleyzer/streamrec/internal/detect"
	"github.com/agleyzer/streamrec/internal/download"
	"github.com/agleyzer/streamrec/internal/metrics"
)

// Runner defaults.
const (
	DefaultTickInterval = 30 * time.Second
	DefaultWaitMin      = 20 * time.Second
	DefaultWaitMax      = 60 * time.Second
	defaultPollEvery    = time.Second
	startTimeout        = 2 * time.Minute
)

// Detector opens detection sessions for workers.
type Detector interface {
	Start(ctx context.Context, req detect.StartRequest) (string, error)
	Status(id string) (detect.Status, error)
	DownloadStatus(id string) download.State
	Close(id string) error
}

// Gate reports whether this node may trigger schedules.
type Gate interface {
	IsLeader() bool
}

// RunnerConfig tunes a Runner. Zero fields take defaults.
type RunnerConfig struct {
	TickInterval time.Duration
	WaitMin      time.Duration
	WaitMax      time.Duration
	PollEvery    time.Duration
}

// Runner evaluates every schedule on a fixed tick and spawns one detection
// worker per due check. The loop never waits for workers.
type Runner struct {
	store    *Store
	calc     *Calculator
	detector Detector
	gate     Gate
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      RunnerConfig
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	loopDone chan struct{}
	workers  sync.WaitGroup
}

// NewRunner creates a runner. gate may be nil for a standalone node.
func NewRunner(store *Store, calc *Calculator, detector Detector, gate Gate, cfg RunnerConfig, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.WaitMin <= 0 {
		cfg.WaitMin = DefaultWaitMin
	}
	if cfg.WaitMax < cfg.WaitMin {
		cfg.WaitMax = cfg.WaitMin
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = defaultPollEvery
	}
	return &Runner{
		store:    store,
		calc:     calc,
		detector: detector,
		gate:     gate,
		metrics:  m,
		logger:   logger.With("component", "scheduler"),
		cfg:      cfg,
		now:      time.Now,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.loopDone)
	r.logger.Info("scheduler loop running", "interval", r.cfg.TickInterval)

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		r.Tick(r.now())
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the tick loop. Workers in flight finish on their own.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Wait blocks until the loop has exited and every worker has returned.
func (r *Runner) Wait() {
	<-r.loopDone
	r.workers.Wait()
}

// Tick evaluates all schedules at now, persists the result and spawns a
// worker for each schedule that is due. It returns the number of workers
// spawned.
func (r *Runner) Tick(now time.Time) int {
	if r.gate != nil && !r.gate.IsLeader() {
		return 0
	}

	var due []Schedule
	err := r.store.WithLock(func(list []*Schedule) {
		for _, sc := range list {
			ev, err := r.calc.Evaluate(*sc, now)
			if err != nil {
				r.logger.Error("evaluating schedule", "id", sc.ID, "error", err)
				continue
			}
			sc.apply(ev)
			if ev.Fire {
				due = append(due, sc.clone())
			}
		}
	})
	if err != nil {
		r.logger.Error("saving schedules", "error", err)
	}

	for _, sc := range due {
		r.metrics.ScheduleTriggered()
		r.workers.Add(1)
		go func() {
			defer r.workers.Done()
			r.work(sc, now)
		}()
	}
	return len(due)
}

func (r *Runner) waitDuration() time.Duration {
	span := r.cfg.WaitMax - r.cfg.WaitMin
	if span <= 0 {
		return r.cfg.WaitMin
	}
	return r.cfg.WaitMin + rand.N(span)
}

// work runs one detection check for sc. It always closes the session.
func (r *Runner) work(sc Schedule, now time.Time) {
	id := fmt.Sprintf("sched_%s_%d", sc.ID, now.Unix())
	logger := r.logger.With("schedule", sc.ID, "session", id)
	logger.Info("performing scheduled check", "name", sc.Name, "url", sc.URL)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	defer func() {
		if err := r.detector.Close(id); err != nil && !errors.Is(err, browser.ErrNoSession) {
			logger.Warn("closing session", "error", err)
		}
	}()

	_, err := r.detector.Start(ctx, detect.StartRequest{
		SessionID:    id,
		URL:          sc.URL,
		Resolution:   sc.Resolution,
		FrameRate:    sc.FrameRate,
		Format:       sc.Format,
		AutoDownload: true,
	})
	if err != nil {
		logger.Warn("failed to start session", "error", err)
		return
	}

	deadline := time.NewTimer(r.waitDuration())
	defer deadline.Stop()
	poll := time.NewTicker(r.cfg.PollEvery)
	defer poll.Stop()

	for {
		select {
		case <-deadline.C:
			logger.Info("no download started within wait")
			return
		case <-poll.C:
		}

		if _, err := r.detector.Status(id); err != nil {
			logger.Info("session ended before download", "error", err)
			return
		}
		if r.detector.DownloadStatus(id) != download.StateNone {
			logger.Info("download started")
			if err := r.store.MarkDownloadStarted(sc.ID); err != nil {
				logger.Warn("marking schedule", "error", err)
			}
			return
		}
	}
}
