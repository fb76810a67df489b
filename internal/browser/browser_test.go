package browser

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/agleyzer/streamrec/internal/cdp/cdptest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLauncher struct {
	mu       sync.Mutex
	failures int
	launched []string
	stopped  []string
}

func (f *fakeLauncher) Launch(ctx context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, ErrExited
	}
	f.launched = append(f.launched, id)
	return NewSession(id, "127.0.0.1:9222", "ws://127.0.0.1:9222/devtools/page/1", func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stopped = append(f.stopped, id)
		return nil
	}), nil
}

func TestManager_OpenClosesPrevious(t *testing.T) {
	l := &fakeLauncher{}
	m := NewManager(l, afero.NewMemMapFs(), "/profile", nil, testLogger())
	ctx := context.Background()

	if _, err := m.Open(ctx, "a"); err != nil {
		t.Fatalf("Open(a) error = %v", err)
	}
	if _, err := m.Open(ctx, "b"); err != nil {
		t.Fatalf("Open(b) error = %v", err)
	}

	if got := m.Current(); got == nil || got.ID != "b" {
		t.Errorf("Current() = %+v, want b", got)
	}
	if len(l.stopped) != 1 || l.stopped[0] != "a" {
		t.Errorf("stopped = %v, want [a]", l.stopped)
	}

	if err := m.Close("a"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Close(a) error = %v, want ErrNoSession", err)
	}
	if err := m.Close("b"); err != nil {
		t.Errorf("Close(b) error = %v", err)
	}
	if m.Current() != nil {
		t.Error("Current() should be nil after Close")
	}
}

func TestManager_RetriesAfterLockCleanup(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, p := range []string{"/profile/SingletonLock", "/profile/Default/lockfile", "/profile/Default/Preferences"} {
		if err := afero.WriteFile(fs, p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	l := &fakeLauncher{failures: 1}
	m := NewManager(l, fs, "/profile", nil, testLogger())
	m.policy.BaseDelay, m.policy.MaxDelay = time.Millisecond, time.Millisecond

	if _, err := m.Open(context.Background(), "s"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for _, p := range []string{"/profile/SingletonLock", "/profile/Default/lockfile"} {
		if ok, _ := afero.Exists(fs, p); ok {
			t.Errorf("%s not removed", p)
		}
	}
	if ok, _ := afero.Exists(fs, "/profile/Default/Preferences"); !ok {
		t.Error("Preferences removed")
	}
}

func TestManager_GivesUpAfterTwoAttempts(t *testing.T) {
	l := &fakeLauncher{failures: 5}
	m := NewManager(l, afero.NewMemMapFs(), "/profile", nil, testLogger())
	m.policy.BaseDelay, m.policy.MaxDelay = time.Millisecond, time.Millisecond

	_, err := m.Open(context.Background(), "s")
	if !errors.Is(err, ErrExited) {
		t.Fatalf("Open() error = %v, want ErrExited", err)
	}
	if l.failures != 3 {
		t.Errorf("launch attempts = %d, want 2", 5-l.failures)
	}
	if m.Current() != nil {
		t.Error("failed open left a current session")
	}
}

func TestCleanLocks(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, p := range []string{"/p/SingletonLock", "/p/a/b/lockfile", "/p/a/Cookies"} {
		_ = afero.WriteFile(fs, p, nil, 0o644)
	}
	removed, err := CleanLocks(fs, "/p")
	if err != nil {
		t.Fatalf("CleanLocks() error = %v", err)
	}
	sort.Strings(removed)
	want := []string{filepath.Join("/p", "SingletonLock"), filepath.Join("/p", "a", "b", "lockfile")}
	sort.Strings(want)
	if strings.Join(removed, ",") != strings.Join(want, ",") {
		t.Errorf("removed = %v, want %v", removed, want)
	}
}

func TestResetPreferences(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/p/Default/Preferences"
	_ = afero.WriteFile(fs, path, []byte(`{"profile":{"exit_type":"Crashed","exited_cleanly":false},"session":{"restore_on_startup":1,"startup_urls":["https://a"]}}`), 0o644)

	if err := ResetPreferences(fs, "/p"); err != nil {
		t.Fatalf("ResetPreferences() error = %v", err)
	}
	data, _ := afero.ReadFile(fs, path)
	for _, want := range []string{`"exit_type":"Normal"`, `"exited_cleanly":true`, `"restore_on_startup":5`, `"startup_urls":[]`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("preferences missing %s: %s", want, data)
		}
	}

	if err := ResetPreferences(afero.NewMemMapFs(), "/missing"); err != nil {
		t.Errorf("missing preferences error = %v", err)
	}
}

func TestSession_Navigate(t *testing.T) {
	b := cdptest.NewBrowser()
	defer b.Close()

	s := NewSession("s", b.Endpoint(), b.PageURL(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Navigate(ctx, "https://www.example.com/live", testLogger()); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	cmds := b.CommandsFor("Page.navigate")
	if len(cmds) != 1 || !strings.Contains(string(cmds[0].Params), "https://www.example.com/live") {
		t.Errorf("Page.navigate commands = %+v", cmds)
	}
}

// fakeChrome writes a script that behaves like Chrome's startup: it
// publishes a debug port in the profile and runs until interrupted.
func fakeChrome(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}
	path := filepath.Join(t.TempDir(), "chrome")
	script := "#!/bin/sh\n" +
		"for a; do case \"$a\" in --user-data-dir=*) dir=\"${a#--user-data-dir=}\";; esac; done\n" +
		body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestChromeLauncher_Launch(t *testing.T) {
	b := cdptest.NewBrowser()
	defer b.Close()
	port := b.Endpoint()[strings.LastIndex(b.Endpoint(), ":")+1:]

	bin := fakeChrome(t, `printf '`+port+`\n/devtools/browser/x\n' > "$dir/DevToolsActivePort"
trap 'exit 0' INT TERM
while :; do sleep 0.05; done`)

	l := NewChromeLauncher(bin, t.TempDir(), afero.NewOsFs(), testLogger())
	l.StartTimeout = 5 * time.Second

	s, err := l.Launch(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if s.WebSocketURL != b.PageURL() {
		t.Errorf("WebSocketURL = %q, want %q", s.WebSocketURL, b.PageURL())
	}
	if err := s.close(); err != nil {
		t.Errorf("close() error = %v", err)
	}
}

func TestChromeLauncher_EarlyExit(t *testing.T) {
	bin := fakeChrome(t, `exit 3`)
	l := NewChromeLauncher(bin, t.TempDir(), afero.NewOsFs(), testLogger())
	l.StartTimeout = 5 * time.Second

	if _, err := l.Launch(context.Background(), "s1"); !errors.Is(err, ErrExited) {
		t.Errorf("Launch() error = %v, want ErrExited", err)
	}
}
