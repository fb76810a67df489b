package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agleyzer/streamrec/internal/stream"
)

// DefaultPollInterval is how often buffered responses are drained.
const DefaultPollInterval = 500 * time.Millisecond

type observedResponse struct {
	url      string
	mimeType string
}

// responseLog buffers network responses between drains.
type responseLog struct {
	mu      sync.Mutex
	entries []observedResponse
}

func (l *responseLog) add(r observedResponse) {
	l.mu.Lock()
	l.entries = append(l.entries, r)
	l.mu.Unlock()
}

func (l *responseLog) drain() []observedResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

// Poller is the fallback event source. Over its own connection it records
// every Network.responseReceived and classifies the backlog on a fixed
// interval, so detection keeps working when the Listener's connection dies.
type Poller struct {
	wsURL    string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewPoller creates a fallback source for the page at wsURL. A zero
// interval means DefaultPollInterval.
func NewPoller(wsURL string, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		wsURL:    wsURL,
		interval: interval,
		logger:   logger.With("source", stream.SourcePoll),
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled or the connection fails.
func (p *Poller) Run(ctx context.Context, out chan<- stream.Event) error {
	var backlog responseLog
	client, err := Dial(ctx, p.wsURL, p.logger, func(msg Message) {
		if msg.Method != "Network.responseReceived" {
			return
		}
		var params responseReceivedParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			p.logger.Debug("skipping malformed event", "method", msg.Method, "error", err)
			return
		}
		backlog.add(observedResponse{url: params.Response.URL, mimeType: params.Response.MIMEType})
	})
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if _, err := client.Call(ctx, "Network.enable", map[string]int{
		"maxTotalBufferSize":    maxTotalBufferSize,
		"maxResourceBufferSize": maxResourceBufferSize,
	}); err != nil {
		return fmt.Errorf("failed to enable network log: %w", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			if err := client.Err(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("poller connection lost: %w", err)
			}
			return nil
		case <-ticker.C:
		}

		for _, r := range backlog.drain() {
			if !stream.IsVideoStream(r.url, r.mimeType) {
				continue
			}
			select {
			case out <- stream.NewEvent(r.url, r.mimeType, stream.SourcePoll, p.now()):
			case <-ctx.Done():
				return nil
			}
		}
	}
}
