// Package cdptest provides an in-process fake browser debug endpoint.
package cdptest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Command is a command received by the fake browser.
type Command struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Responder computes the result for a command. Nil results become {}.
// A non-nil error is reported as a protocol error.
type Responder func(method string, params json.RawMessage) (any, error)

// Browser serves /json, /json/version and one page websocket.
type Browser struct {
	server *httptest.Server

	mu       sync.Mutex
	respond  Responder
	conns    []*websocket.Conn
	commands []Command
	changed  chan struct{}
}

// NewBrowser starts a fake browser. Close it when done.
func NewBrowser() *Browser {
	b := &Browser{changed: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/json", b.handleTargets)
	mux.HandleFunc("/json/list", b.handleTargets)
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"Browser": "FakeChrome/1.0"})
	})
	mux.HandleFunc("/devtools/page/1", b.handlePage)
	b.server = httptest.NewServer(mux)
	return b
}

// SetResponder installs fn for subsequent commands.
func (b *Browser) SetResponder(fn Responder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.respond = fn
}

// Endpoint is the HTTP debug endpoint as host:port.
func (b *Browser) Endpoint() string {
	return strings.TrimPrefix(b.server.URL, "http://")
}

// PageURL is the page target's webSocketDebuggerUrl.
func (b *Browser) PageURL() string {
	return "ws://" + b.Endpoint() + "/devtools/page/1"
}

// Close disconnects every client and stops the server.
func (b *Browser) Close() {
	b.mu.Lock()
	for _, c := range b.conns {
		_ = c.Close(websocket.StatusGoingAway, "")
	}
	b.conns = nil
	b.mu.Unlock()
	b.server.Close()
}

// Push sends an event to every connected client.
func (b *Browser) Push(method string, params any) {
	data, _ := json.Marshal(map[string]any{"method": method, "params": params})
	b.PushRaw(data)
}

// PushRaw sends an arbitrary frame to every connected client.
func (b *Browser) PushRaw(data []byte) {
	b.mu.Lock()
	conns := append([]*websocket.Conn(nil), b.conns...)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, c := range conns {
		_ = c.Write(ctx, websocket.MessageText, data)
	}
}

// Commands returns every command received so far.
func (b *Browser) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.commands...)
}

// CommandsFor returns received commands with the given method.
func (b *Browser) CommandsFor(method string) []Command {
	var out []Command
	for _, c := range b.Commands() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// WaitFor blocks until at least n commands with method arrived or timeout passes.
func (b *Browser) WaitFor(method string, n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		count := 0
		for _, c := range b.commands {
			if c.Method == method {
				count++
			}
		}
		changed := b.changed
		b.mu.Unlock()

		if count >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

func (b *Browser) handleTargets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode([]map[string]string{
		{"id": "worker", "type": "service_worker", "url": "https://example.com/sw.js"},
		{
			"id":                   "1",
			"type":                 "page",
			"url":                  "about:blank",
			"webSocketDebuggerUrl": b.PageURL(),
		},
	})
}

func (b *Browser) handlePage(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(16 << 20)

	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}

		b.mu.Lock()
		b.commands = append(b.commands, cmd)
		close(b.changed)
		b.changed = make(chan struct{})
		respond := b.respond
		b.mu.Unlock()

		var (
			result any = struct{}{}
			rerr   error
		)
		if respond != nil {
			result, rerr = respond(cmd.Method, cmd.Params)
			if result == nil {
				result = struct{}{}
			}
		}

		reply := map[string]any{"id": cmd.ID}
		if rerr != nil {
			reply["error"] = map[string]any{"code": -32000, "message": rerr.Error()}
		} else {
			reply["result"] = result
		}
		out, _ := json.Marshal(reply)
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
	}
}
