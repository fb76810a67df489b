// Package integration runs the streamrec binary end to end.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// Instance is one running streamrec serve process.
type Instance struct {
	ID       string
	HTTPPort int
	RaftAddr string
	DataDir  string

	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// URL returns the base URL of the instance API.
func (i *Instance) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", i.HTTPPort)
}

// TestHarness starts streamrec processes and talks to their APIs.
type TestHarness struct {
	t         *testing.T
	binary    string
	instances []*Instance
}

// NewTestHarness locates the binary and registers cleanup. The test is
// skipped when no binary has been built.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()
	h := &TestHarness{t: t, binary: findBinary(t)}
	t.Cleanup(h.Cleanup)
	return h
}

// Run executes a one-shot streamrec command against dataDir.
func (h *TestHarness) Run(dataDir string, args ...string) (string, error) {
	h.t.Helper()
	full := append([]string{"--env-file", "", "--data-dir", dataDir}, args...)
	out, err := exec.Command(h.binary, full...).CombinedOutput()
	return string(out), err
}

// Serve starts `streamrec serve` and waits for /health. Extra arguments
// are appended to the command line.
func (h *TestHarness) Serve(id, dataDir string, extra ...string) *Instance {
	h.t.Helper()

	inst := &Instance{
		ID:       id,
		HTTPPort: findAvailablePort(h.t),
		DataDir:  dataDir,
	}
	args := []string{
		"--env-file", "",
		"--data-dir", dataDir,
		"serve",
		"--listen", fmt.Sprintf("127.0.0.1:%d", inst.HTTPPort),
	}
	args = append(args, extra...)

	ctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	inst.cmd = exec.CommandContext(ctx, h.binary, args...)
	inst.cmd.Stdout = os.Stdout
	inst.cmd.Stderr = os.Stderr
	if err := inst.cmd.Start(); err != nil {
		cancel()
		h.t.Fatalf("failed to start %s: %v", id, err)
	}
	h.instances = append(h.instances, inst)

	waitForServer(h.t, inst.URL()+"/health", 15*time.Second)
	h.t.Logf("started %s on port %d", id, inst.HTTPPort)
	return inst
}

// Stop interrupts an instance and waits for it to exit.
func (h *TestHarness) Stop(inst *Instance) {
	h.t.Helper()
	if inst.cmd == nil || inst.cmd.Process == nil {
		return
	}
	_ = inst.cmd.Process.Signal(os.Interrupt)

	done := make(chan struct{})
	go func() {
		_ = inst.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		inst.cancel()
		<-done
	}
	inst.cmd = nil
}

// Cleanup stops every instance still running.
func (h *TestHarness) Cleanup() {
	for _, inst := range h.instances {
		if inst.cmd != nil && inst.cmd.Process != nil {
			inst.cancel()
			_ = inst.cmd.Wait()
			inst.cmd = nil
		}
	}
}

// Health returns the decoded /health body.
func (h *TestHarness) Health(inst *Instance) (map[string]any, error) {
	var body map[string]any
	err := h.do(inst, http.MethodGet, "/health", nil, &body)
	return body, err
}

// ScheduleView is the subset of a schedule the tests inspect.
type ScheduleView struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Daily     bool   `json:"daily"`
}

// AddSchedule posts a schedule and returns the created record.
func (h *TestHarness) AddSchedule(inst *Instance, in map[string]any) (ScheduleView, error) {
	var body struct {
		Success  bool         `json:"success"`
		Error    string       `json:"error"`
		Schedule ScheduleView `json:"schedule"`
	}
	if err := h.do(inst, http.MethodPost, "/api/schedules", in, &body); err != nil {
		return ScheduleView{}, err
	}
	if !body.Success {
		return ScheduleView{}, fmt.Errorf("add schedule: %s", body.Error)
	}
	return body.Schedule, nil
}

// ListSchedules returns every schedule an instance knows.
func (h *TestHarness) ListSchedules(inst *Instance) ([]ScheduleView, error) {
	var body struct {
		Schedules []ScheduleView `json:"schedules"`
	}
	err := h.do(inst, http.MethodGet, "/api/schedules", nil, &body)
	return body.Schedules, err
}

func (h *TestHarness) do(inst *Instance, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, inst.URL()+path, reqBody)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, data)
	}
	return nil
}

// WaitForCondition polls until condition holds or the timeout expires.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}

// findBinary locates a built streamrec binary.
func findBinary(t *testing.T) string {
	t.Helper()
	if path := os.Getenv("STREAMREC_BINARY"); path != "" {
		return path
	}
	for _, path := range []string{"../../streamrec", "./streamrec", "../streamrec"} {
		if _, err := os.Stat(path); err == nil {
			abs, _ := filepath.Abs(path)
			return abs
		}
	}
	t.Skip("streamrec binary not found; run 'go build -o streamrec ./cmd/streamrec' first")
	return ""
}

func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
