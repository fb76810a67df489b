package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/streamrec/internal/browser"
	"github.com/agleyzer/streamrec/internal/cdp"
	"github.com/agleyzer/streamrec/internal/download"
	"github.com/agleyzer/streamrec/internal/matcher"
)

// listenerReadyTimeout bounds the wait for the push source before navigating.
// The poller still sees requests made before the listener subscribed.
const listenerReadyTimeout = 5 * time.Second

// ErrInvalidRequest is returned for a start request without a page URL.
var ErrInvalidRequest = errors.New("invalid detection request")

// Browser opens and closes the single browser session.
type Browser interface {
	Open(ctx context.Context, id string) (*browser.Session, error)
	Close(id string) error
}

// StartRequest asks for a detection session on a page.
type StartRequest struct {
	// SessionID is generated when empty.
	SessionID    string `json:"browser_id,omitempty"`
	URL          string `json:"url"`
	Resolution   string `json:"resolution"`
	FrameRate    string `json:"framerate"`
	Format       string `json:"format"`
	Filename     string `json:"filename,omitempty"`
	AutoDownload bool   `json:"auto_download"`
}

type liveSession struct {
	coord  *Coordinator
	cancel context.CancelFunc
	done   chan struct{}
}

// Service runs detection sessions against the browser: it opens the
// browser, attaches the push and poll sources, navigates, and keeps the
// coordinator for status queries until the session is closed.
type Service struct {
	browser      Browser
	deps         Deps
	pollInterval time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// NewService creates a detection service.
func NewService(b Browser, deps Deps, pollInterval time.Duration) *Service {
	return &Service{
		browser:      b,
		deps:         deps,
		pollInterval: pollInterval,
		logger:       deps.Logger,
		sessions:     make(map[string]*liveSession),
	}
}

// Start opens a browser session for req.URL and begins detection. Any
// session already running is closed first.
func (s *Service) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.URL == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	s.CloseAll()

	bs, err := s.browser.Open(ctx, id)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	coord := NewCoordinator(Request{
		SessionID:    id,
		PageURL:      req.URL,
		Preference:   matcher.ParsePreference(req.Resolution, req.FrameRate),
		AutoDownload: req.AutoDownload,
		Filename:     req.Filename,
		Format:       req.Format,
	}, s.deps)

	logger := s.logger.With("session", id)
	listener := cdp.NewListener(bs.WebSocketURL, logger).SharedDetection(coord.HasDetected)
	poller := cdp.NewPoller(bs.WebSocketURL, s.pollInterval, logger)

	ls := &liveSession{coord: coord, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(ls.done)
		_ = coord.Run(runCtx, listener, poller)
	}()

	s.mu.Lock()
	s.sessions[id] = ls
	s.mu.Unlock()

	select {
	case <-listener.Ready():
	case <-time.After(listenerReadyTimeout):
		logger.Warn("push listener not ready, relying on poller")
	case <-ctx.Done():
	}

	if err := bs.Navigate(ctx, req.URL, logger); err != nil {
		_ = s.Close(id)
		return "", err
	}
	logger.Info("detection started", "url", req.URL, "autoDownload", req.AutoDownload)
	return id, nil
}

func (s *Service) session(id string) (*liveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.sessions[id]
	if !ok {
		return nil, browser.ErrNoSession
	}
	return ls, nil
}

// Status returns the detection state of a session.
func (s *Service) Status(id string) (Status, error) {
	ls, err := s.session(id)
	if err != nil {
		return Status{}, err
	}
	return ls.coord.Status(), nil
}

// Sessions lists the state of every open session.
func (s *Service) Sessions() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.sessions))
	for _, ls := range s.sessions {
		out = append(out, ls.coord.Status())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Select finalizes a manual stream choice for a session.
func (s *Service) Select(ctx context.Context, id, uri string) error {
	ls, err := s.session(id)
	if err != nil {
		return err
	}
	return ls.coord.Select(ctx, uri)
}

// DownloadStatus reports the downloader's state for a session.
func (s *Service) DownloadStatus(id string) download.State {
	return s.deps.Downloader.Status(id)
}

// Close stops detection and shuts the session's browser. Downloads keep running.
func (s *Service) Close(id string) error {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return browser.ErrNoSession
	}

	ls.cancel()
	<-ls.done

	if err := s.browser.Close(id); err != nil && !errors.Is(err, browser.ErrNoSession) {
		return err
	}
	return nil
}

// CloseAll closes every session.
func (s *Service) CloseAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Close(id); err != nil {
			s.logger.Warn("failed to close session", "session", id, "error", err)
		}
	}
}
