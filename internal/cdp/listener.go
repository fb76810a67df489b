package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agleyzer/streamrec/internal/stream"
)

// Network buffer sizes requested when enabling the Network domain.
const (
	maxTotalBufferSize    = 100000000
	maxResourceBufferSize = 50000000
	maxPostDataSize       = 50000000
)

type requestPausedParams struct {
	RequestID string `json:"requestId"`
	Request   struct {
		URL string `json:"url"`
	} `json:"request"`
}

type requestWillBeSentParams struct {
	Request struct {
		URL string `json:"url"`
	} `json:"request"`
}

type responseReceivedParams struct {
	Response struct {
		URL      string `json:"url"`
		MIMEType string `json:"mimeType"`
	} `json:"response"`
}

// Listener is the push event source: it subscribes to network events on a
// page's debug websocket and classifies them as they arrive.
type Listener struct {
	wsURL    string
	logger   *slog.Logger
	now      func() time.Time
	detected func() bool

	ready     chan struct{}
	readyOnce sync.Once
}

// NewListener creates a push source for the page at wsURL.
func NewListener(wsURL string, logger *slog.Logger) *Listener {
	return &Listener{
		wsURL:  wsURL,
		logger: logger.With("source", stream.SourcePush),
		now:    time.Now,
		ready:  make(chan struct{}),
	}
}

// SharedDetection makes the listener consult detected, which reports
// whether any source of the session has produced a stream yet, before
// treating a paused playlist as the session's first.
func (l *Listener) SharedDetection(detected func() bool) *Listener {
	l.detected = detected
	return l
}

// Ready is closed once the listener has subscribed to network events.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Run publishes qualifying events to out until ctx is cancelled or the
// connection drops.
func (l *Listener) Run(ctx context.Context, out chan<- stream.Event) error {
	// Only touched from the client's read goroutine.
	seenAny := false

	nothingSeen := func() bool {
		if seenAny {
			return false
		}
		return l.detected == nil || !l.detected()
	}

	emit := func(ev stream.Event) {
		seenAny = true
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	var client *Client
	handler := func(msg Message) {
		switch msg.Method {
		case "Network.responseReceived":
			var p responseReceivedParams
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				l.logger.Debug("skipping malformed event", "method", msg.Method, "error", err)
				return
			}
			if stream.IsVideoStream(p.Response.URL, p.Response.MIMEType) {
				emit(stream.NewEvent(p.Response.URL, p.Response.MIMEType, stream.SourcePush, l.now()))
			}

		case "Network.requestWillBeSent":
			var p requestWillBeSentParams
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				l.logger.Debug("skipping malformed event", "method", msg.Method, "error", err)
				return
			}
			if stream.ShouldProcessPaused(p.Request.URL, nothingSeen()) && stream.IsVideoStream(p.Request.URL, stream.HLSMIMEType) {
				emit(stream.NewEvent(p.Request.URL, stream.HLSMIMEType, stream.SourcePush, l.now()))
			}

		case "Fetch.requestPaused":
			var p requestPausedParams
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				l.logger.Debug("skipping malformed event", "method", msg.Method, "error", err)
				return
			}
			// A paused request stalls the page until it is continued.
			if err := client.Send(ctx, "Fetch.continueRequest", map[string]string{"requestId": p.RequestID}); err != nil {
				l.logger.Debug("failed to continue request", "requestId", p.RequestID, "error", err)
			}
			if stream.ShouldProcessPaused(p.Request.URL, nothingSeen()) && stream.IsVideoStream(p.Request.URL, stream.HLSMIMEType) {
				ev := stream.NewEvent(p.Request.URL, stream.HLSMIMEType, stream.SourcePush, l.now())
				ev.Type = stream.TypeHLS
				emit(ev)
			}
		}
	}

	ready := make(chan struct{})
	c, err := Dial(ctx, l.wsURL, l.logger, func(msg Message) {
		<-ready
		handler(msg)
	})
	if err != nil {
		return err
	}
	client = c
	close(ready)
	defer func() { _ = client.Close() }()

	if err := enableDomains(ctx, client); err != nil {
		return err
	}
	l.readyOnce.Do(func() { close(l.ready) })
	l.logger.Debug("listening for network events")

	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		if err := client.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("listener connection lost: %w", err)
		}
		return nil
	}
}

func enableDomains(ctx context.Context, client *Client) error {
	steps := []struct {
		method string
		params any
	}{
		{"Network.enable", map[string]int{
			"maxTotalBufferSize":    maxTotalBufferSize,
			"maxResourceBufferSize": maxResourceBufferSize,
			"maxPostDataSize":       maxPostDataSize,
		}},
		{"Page.enable", nil},
		{"Fetch.enable", map[string]any{
			"patterns": []map[string]string{{"urlPattern": "*", "requestStage": "Request"}},
		}},
		{"Runtime.enable", nil},
	}
	for _, s := range steps {
		if _, err := client.Call(ctx, s.method, s.params); err != nil {
			return fmt.Errorf("failed to enable domain: %w", err)
		}
	}
	return nil
}
