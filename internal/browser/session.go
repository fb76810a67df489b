// Package browser runs the single Chrome instance used for stream detection.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agleyzer/streamrec/internal/cdp"
	"github.com/agleyzer/streamrec/internal/retry"
)

// ErrNoSession is returned when an operation names a session that is not open.
var ErrNoSession = errors.New("no such browser session")

// Session is one running browser with a debuggable page.
type Session struct {
	ID string `json:"id"`
	// DebugEndpoint is the HTTP debug address as host:port.
	DebugEndpoint string `json:"debug_endpoint"`
	// WebSocketURL is the page target's debug websocket.
	WebSocketURL string    `json:"websocket_url"`
	StartedAt    time.Time `json:"started_at"`

	stop func() error
}

// NewSession describes an already running browser. stop is called once by Close.
func NewSession(id, debugEndpoint, wsURL string, stop func() error) *Session {
	return &Session{
		ID:            id,
		DebugEndpoint: debugEndpoint,
		WebSocketURL:  wsURL,
		StartedAt:     time.Now(),
		stop:          stop,
	}
}

// navigatePolicy retries transient navigation failures.
var navigatePolicy = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    time.Second,
}

// Navigate points the page at url. Event sources should be attached first
// so the initial requests are observed.
func (s *Session) Navigate(ctx context.Context, url string, logger *slog.Logger) error {
	res := retry.Do(ctx, navigatePolicy, func(ctx context.Context) (struct{}, error) {
		client, err := cdp.Dial(ctx, s.WebSocketURL, logger, nil)
		if err != nil {
			return struct{}{}, err
		}
		defer func() { _ = client.Close() }()

		if _, err := client.Call(ctx, "Page.navigate", map[string]string{"url": url}); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if res.Err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, res.Err)
	}
	logger.Info("navigated", "session", s.ID, "url", url, "attempts", res.Attempts)
	return nil
}

func (s *Session) close() error {
	if s.stop == nil {
		return nil
	}
	stop := s.stop
	s.stop = nil
	return stop()
}
