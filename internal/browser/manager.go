package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/agleyzer/streamrec/internal/metrics"
	"github.com/agleyzer/streamrec/internal/retry"
)

// Launcher starts a browser.
type Launcher interface {
	Launch(ctx context.Context, id string) (*Session, error)
}

// Manager owns the one browser session allowed at a time. Opening a session
// closes whatever session was open before.
type Manager struct {
	launcher    Launcher
	fs          afero.Fs
	userDataDir string
	policy      retry.Policy
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager creates a manager. Launch failures are retried once after
// removing stale profile locks under userDataDir.
func NewManager(launcher Launcher, fs afero.Fs, userDataDir string, m *metrics.Metrics, logger *slog.Logger) *Manager {
	mgr := &Manager{
		launcher:    launcher,
		fs:          fs,
		userDataDir: userDataDir,
		metrics:     m,
		logger:      logger,
	}
	mgr.policy = retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
		OnRetry:     mgr.beforeRetry,
	}
	return mgr
}

func (m *Manager) beforeRetry(attempt int, err error) {
	m.logger.Warn("browser failed to start, cleaning locks and retrying", "attempt", attempt, "error", err)
	removed, cerr := CleanLocks(m.fs, m.userDataDir)
	if cerr != nil {
		m.logger.Warn("lock cleanup failed", "error", cerr)
	}
	for _, p := range removed {
		m.logger.Info("removed lock file", "path", p)
	}
}

// Open closes any existing session and launches a new one under id.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.logger.Info("closing existing session", "session", m.current.ID)
		m.closeLocked()
	}

	res := retry.Do(ctx, m.policy, func(ctx context.Context) (*Session, error) {
		return m.launcher.Launch(ctx, id)
	})
	if res.Err != nil {
		m.metrics.SessionStartFailed()
		return nil, fmt.Errorf("failed to start browser: %w", res.Err)
	}

	m.current = res.Value
	m.metrics.SessionOpened()
	return res.Value, nil
}

// Close shuts down the session named id.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.ID != id {
		return ErrNoSession
	}
	m.closeLocked()
	return nil
}

// CloseAll shuts down whatever session is open.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.closeLocked()
	}
}

// Current returns the open session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) closeLocked() {
	s := m.current
	m.current = nil
	if err := s.close(); err != nil {
		m.logger.Warn("error closing browser", "session", s.ID, "error", err)
	}
	m.metrics.SessionClosed()
	m.logger.Info("browser closed", "session", s.ID)
}
