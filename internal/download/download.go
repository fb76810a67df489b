// Package download records selected streams to disk with ffmpeg and probes
// streams with ffprobe.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/agleyzer/streamrec/internal/variant"
)

// State is the lifecycle of one session's download.
type State string

const (
	StateNone      State = "none"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	// ErrBusy is returned when a session already has a running download.
	ErrBusy = errors.New("download already running for session")
	// ErrUnknownSession is returned by Stop for sessions without a download.
	ErrUnknownSession = errors.New("no download for session")
)

// stopGrace is how long ffmpeg gets to finalize the file after an interrupt.
const stopGrace = 10 * time.Second

// Info describes one download.
type Info struct {
	SessionID   string           `json:"browser_id"`
	StreamURL   string           `json:"stream_url"`
	OutputPath  string           `json:"output_path"`
	Filename    string           `json:"filename"`
	Label       string           `json:"resolution_name"`
	Metadata    variant.Metadata `json:"metadata"`
	State       State            `json:"state"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	SizeBytes   int64            `json:"file_size"`
	Error       string           `json:"error,omitempty"`
}

type job struct {
	info Info
	cmd  *exec.Cmd
	done chan struct{}
}

// FFmpeg runs one ffmpeg stream copy per session.
type FFmpeg struct {
	binary string
	dir    string
	fs     afero.Fs
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*job
}

// NewFFmpeg creates a downloader writing into dir.
func NewFFmpeg(binary, dir string, fs afero.Fs, logger *slog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{
		binary: binary,
		dir:    dir,
		fs:     fs,
		logger: logger,
		now:    time.Now,
		jobs:   make(map[string]*job),
	}
}

// Start begins copying streamURL into filename and returns once ffmpeg runs.
func (f *FFmpeg) Start(sessionID, streamURL, filename string, meta variant.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if j, ok := f.jobs[sessionID]; ok && j.info.State == StateRunning {
		return ErrBusy
	}

	if err := f.fs.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}
	out := filepath.Join(f.dir, filename)

	cmd := exec.Command(f.binary,
		"-i", streamURL,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-y",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, max: 64 << 10}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	j := &job{
		info: Info{
			SessionID:  sessionID,
			StreamURL:  streamURL,
			OutputPath: out,
			Filename:   filename,
			Label:      label(meta),
			Metadata:   meta,
			State:      StateRunning,
			StartedAt:  f.now(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	f.jobs[sessionID] = j
	f.logger.Info("download started", "session", sessionID, "output", out, "label", j.info.Label)

	go f.wait(j, &stderr)
	return nil
}

func (f *FFmpeg) wait(j *job, stderr *bytes.Buffer) {
	err := j.cmd.Wait()

	f.mu.Lock()
	done := f.now()
	j.info.CompletedAt = &done
	if err != nil {
		j.info.State = StateFailed
		j.info.Error = lastLine(stderr.String())
		if j.info.Error == "" {
			j.info.Error = err.Error()
		}
	} else {
		j.info.State = StateCompleted
	}
	info := j.info
	f.mu.Unlock()
	close(j.done)

	if err != nil {
		f.logger.Error("download failed", "session", info.SessionID, "error", info.Error)
		return
	}
	f.logger.Info("download completed", "session", info.SessionID, "output", info.OutputPath)
}

// Status reports the state of a session's download.
func (f *FFmpeg) Status(sessionID string) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[sessionID]; ok {
		return j.info.State
	}
	return StateNone
}

// Stop interrupts a running download so ffmpeg can finalize the file, and
// kills it if it does not exit in time.
func (f *FFmpeg) Stop(sessionID string) error {
	f.mu.Lock()
	j, ok := f.jobs[sessionID]
	f.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	select {
	case <-j.done:
		return nil
	default:
	}

	if err := j.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = j.cmd.Process.Kill()
	}
	select {
	case <-j.done:
	case <-time.After(stopGrace):
		f.logger.Warn("ffmpeg ignored interrupt, killing", "session", sessionID)
		_ = j.cmd.Process.Kill()
		<-j.done
	}
	return nil
}

// Wait blocks until the session's download exits or ctx ends.
func (f *FFmpeg) Wait(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	j, ok := f.jobs[sessionID]
	f.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active lists every known download, most recent first, with current file sizes.
func (f *FFmpeg) Active() []Info {
	f.mu.Lock()
	out := make([]Info, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j.info)
	}
	f.mu.Unlock()

	for i := range out {
		if st, err := f.fs.Stat(out[i].OutputPath); err == nil {
			out[i].SizeBytes = st.Size()
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	return out
}

// Filename picks the output file name. A custom name gets the format as
// extension unless it already has one; otherwise the name is derived from
// the stream label and the current time.
func Filename(custom, name, format string, now time.Time) string {
	if format == "" {
		format = "mp4"
	}
	if custom != "" {
		if strings.Contains(custom, ".") {
			return custom
		}
		return custom + "." + format
	}
	if name == "" {
		name = "video"
	}
	return fmt.Sprintf("video_%s_%d.%s", name, now.Unix(), format)
}

func label(m variant.Metadata) string {
	switch {
	case m.Resolution != "" && m.FrameRate > 0:
		return fmt.Sprintf("%s@%dfps", m.Resolution, int(m.FrameRate))
	case m.Resolution != "":
		return m.Resolution
	default:
		return "unknown"
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
