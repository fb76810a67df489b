// Package cdp speaks the subset of the Chrome DevTools Protocol needed to
// watch a page's network traffic.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// maxFrameSize bounds a single protocol frame. Evaluate results and
// response metadata can exceed the websocket default.
const maxFrameSize = 16 << 20

// ErrClosed is returned by calls made after the connection went away.
var ErrClosed = errors.New("cdp connection closed")

// Message is a protocol frame: a command response when ID is set and Method
// is empty, an event otherwise.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// RemoteError is an error reported by the browser for a command.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

type command struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// EventHandler receives protocol events on the connection's read goroutine.
// It must not block on Call.
type EventHandler func(Message)

// Client is a single debug protocol connection.
type Client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	handler EventHandler

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan Message

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Dial connects to a page's webSocketDebuggerUrl and starts reading frames.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger, handler EventHandler) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{"streamrec"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		logger:  logger,
		handler: handler,
		pending: make(map[int64]chan Message),
		ctx:     readCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			c.err = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("skipping malformed frame", "error", err)
			continue
		}

		if msg.Method == "" {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		if c.handler != nil {
			c.handler(msg)
		}
	}
}

// Call sends a command and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, id, method, params); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Send writes a command without waiting for the response. Safe to use from
// an EventHandler.
func (c *Client) Send(ctx context.Context, method string, params any) error {
	return c.write(ctx, c.nextID.Add(1), method, params)
}

func (c *Client) write(ctx context.Context, id int64, method string, params any) error {
	if params == nil {
		params = struct{}{}
	}
	data, err := json.Marshal(command{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", method, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	return nil
}

// Done is closed when the connection stops reading.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
	return err
}

// Target is one entry of the browser's /json listing.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ErrNoTarget means the browser exposes no debuggable page.
var ErrNoTarget = errors.New("no debuggable page target")

// Discover asks the browser's HTTP debug endpoint (host:port or URL) for
// its targets and returns the first page's websocket URL.
func Discover(ctx context.Context, client *http.Client, endpoint string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	base := endpoint
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/json", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to list targets: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var targets []Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("failed to decode targets: %w", err)
	}

	fallback := ""
	for _, t := range targets {
		if t.WebSocketDebuggerURL == "" {
			continue
		}
		if t.Type == "page" {
			return t.WebSocketDebuggerURL, nil
		}
		if fallback == "" {
			fallback = t.WebSocketDebuggerURL
		}
	}
	if fallback == "" {
		return "", ErrNoTarget
	}
	return fallback, nil
}
