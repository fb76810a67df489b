package browser

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/agleyzer/streamrec/internal/cdp"
)

const (
	devToolsPortFile = "DevToolsActivePort"
	stopTimeout      = 5 * time.Second

	// Preferences value meaning "open the new tab page" on startup.
	restoreNothing = 5
)

// ErrExited means Chrome quit before its debug endpoint came up.
var ErrExited = errors.New("chrome exited during startup")

var chromeFlags = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
	"--remote-debugging-port=0",
	"--remote-allow-origins=*",
	"--disable-gpu",
	"--disable-software-rasterizer",
	"--disable-extensions",
	"--disable-background-networking",
	"--disable-sync",
	"--disable-translate",
	"--disable-default-apps",
	"--disable-notifications",
	"--disable-session-crashed-bubble",
	"--disable-infobars",
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-restore-session-state",
	"--disable-background-timer-throttling",
	"--window-size=1920,1080",
}

// ChromeLauncher starts Chrome with remote debugging against a persistent
// profile directory, so cookies survive between sessions.
type ChromeLauncher struct {
	Binary       string
	UserDataDir  string
	Headless     bool
	StartTimeout time.Duration

	fs     afero.Fs
	logger *slog.Logger
}

// NewChromeLauncher creates a launcher. fs must see the same files as Chrome.
func NewChromeLauncher(binary, userDataDir string, fs afero.Fs, logger *slog.Logger) *ChromeLauncher {
	if binary == "" {
		binary = "google-chrome"
	}
	return &ChromeLauncher{
		Binary:       binary,
		UserDataDir:  userDataDir,
		StartTimeout: 30 * time.Second,
		fs:           fs,
		logger:       logger,
	}
}

// Launch starts a browser on about:blank and waits for its page target.
func (l *ChromeLauncher) Launch(ctx context.Context, id string) (*Session, error) {
	if err := l.fs.MkdirAll(l.UserDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create user data dir: %w", err)
	}
	if err := ResetPreferences(l.fs, l.UserDataDir); err != nil {
		l.logger.Warn("could not reset chrome preferences", "error", err)
	}
	portFile := filepath.Join(l.UserDataDir, devToolsPortFile)
	_ = l.fs.Remove(portFile)

	args := append([]string{}, chromeFlags...)
	if l.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, "--user-data-dir="+l.UserDataDir, "about:blank")

	cmd := exec.Command(l.Binary, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	stop := func() error {
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-exited:
			return nil
		case <-time.After(stopTimeout):
			l.logger.Warn("chrome did not exit, killing", "session", id)
			_ = cmd.Process.Kill()
			<-exited
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, l.StartTimeout)
	defer cancel()

	endpoint, wsURL, err := l.waitReady(ctx, portFile, exited)
	if err != nil {
		_ = stop()
		return nil, err
	}

	l.logger.Info("chrome started", "session", id, "endpoint", endpoint, "pid", cmd.Process.Pid)
	return NewSession(id, endpoint, wsURL, stop), nil
}

func (l *ChromeLauncher) waitReady(ctx context.Context, portFile string, exited <-chan error) (string, string, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			if err != nil {
				return "", "", fmt.Errorf("%w: %v", ErrExited, err)
			}
			return "", "", ErrExited
		case <-ctx.Done():
			return "", "", fmt.Errorf("timed out waiting for chrome: %w", ctx.Err())
		case <-ticker.C:
		}

		port, ok := readPort(l.fs, portFile)
		if !ok {
			continue
		}
		endpoint := "127.0.0.1:" + port
		wsURL, err := cdp.Discover(ctx, nil, endpoint)
		if err != nil {
			l.logger.Debug("debug endpoint not ready", "endpoint", endpoint, "error", err)
			continue
		}
		return endpoint, wsURL, nil
	}
}

// readPort returns the first line of Chrome's DevToolsActivePort file.
func readPort(fs afero.Fs, path string) (string, bool) {
	f, err := fs.Open(path)
	if err != nil {
		return "", false
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return "", false
	}
	port := strings.TrimSpace(sc.Text())
	return port, port != ""
}

// CleanLocks removes stale profile locks left by a crashed Chrome.
func CleanLocks(fs afero.Fs, userDataDir string) ([]string, error) {
	var removed []string
	err := afero.Walk(fs, userDataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if name := info.Name(); name != "SingletonLock" && name != "lockfile" {
			return nil
		}
		if err := fs.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		removed = append(removed, path)
		return nil
	})
	return removed, err
}

// ResetPreferences clears the crash flag and session restore settings in the
// profile so Chrome starts without a restore prompt or stale tabs.
func ResetPreferences(fs afero.Fs, userDataDir string) error {
	path := filepath.Join(userDataDir, "Default", "Preferences")
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read preferences: %w", err)
	}

	var prefs map[string]any
	if err := json.Unmarshal(data, &prefs); err != nil {
		return fmt.Errorf("failed to decode preferences: %w", err)
	}

	changed := false
	if profile, ok := prefs["profile"].(map[string]any); ok {
		if profile["exit_type"] != "Normal" {
			profile["exit_type"] = "Normal"
			changed = true
		}
		if profile["exited_cleanly"] != true {
			profile["exited_cleanly"] = true
			changed = true
		}
	}
	if session, ok := prefs["session"].(map[string]any); ok {
		if v, _ := session["restore_on_startup"].(float64); v != restoreNothing {
			session["restore_on_startup"] = restoreNothing
			changed = true
		}
		if urls, _ := session["startup_urls"].([]any); len(urls) > 0 {
			session["startup_urls"] = []any{}
			changed = true
		}
	}
	if !changed {
		return nil
	}

	out, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	return afero.WriteFile(fs, path, out, 0o644)
}
