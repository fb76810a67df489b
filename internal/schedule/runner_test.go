package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/agleyzer/streamrec/internal/browser"
	"github.com/agleyzer/streamrec/internal/detect"
	"github.com/agleyzer/streamrec/internal/download"
)

type fakeDetector struct {
	mu        sync.Mutex
	downloads bool
	startErr  error
	started   []detect.StartRequest
	open      map[string]bool
	closed    []string
}

func (d *fakeDetector) Start(ctx context.Context, req detect.StartRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = append(d.started, req)
	if d.startErr != nil {
		return "", d.startErr
	}
	if d.open == nil {
		d.open = make(map[string]bool)
	}
	d.open[req.SessionID] = true
	return req.SessionID, nil
}

func (d *fakeDetector) Status(id string) (detect.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open[id] {
		return detect.Status{}, browser.ErrNoSession
	}
	return detect.Status{SessionID: id}, nil
}

func (d *fakeDetector) DownloadStatus(id string) download.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.downloads && d.open[id] {
		return download.StateRunning
	}
	return download.StateNone
}

func (d *fakeDetector) Close(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, id)
	if !d.open[id] {
		return browser.ErrNoSession
	}
	delete(d.open, id)
	return nil
}

func (d *fakeDetector) counts() (started, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.started), len(d.closed)
}

type staticGate bool

func (g staticGate) IsLeader() bool { return bool(g) }

func newTestRunner(t *testing.T, det Detector, gate Gate, now time.Time) (*Runner, *Store) {
	t.Helper()
	store := newTestStore(t, afero.NewMemMapFs(), now)
	r := NewRunner(store, store.calc, det, gate, RunnerConfig{
		TickInterval: time.Hour,
		WaitMin:      50 * time.Millisecond,
		WaitMax:      50 * time.Millisecond,
		PollEvery:    time.Millisecond,
	}, nil, testLogger())
	return r, store
}

func TestRunner_OneWorkerPerWindow(t *testing.T) {
	det := &fakeDetector{downloads: true}
	start := at(10, 17, 59)
	r, store := newTestRunner(t, det, nil, start)

	sc, err := store.Add(Input{URL: "https://example.com/live", StartTime: "18:00", EndTime: "18:30", Daily: true, Resolution: "720p"})
	if err != nil {
		t.Fatal(err)
	}

	spawned := 0
	for now := start; now.Before(at(11, 18, 31)); now = now.Add(time.Minute) {
		spawned += r.Tick(now)
		r.workers.Wait()
	}

	if spawned != 2 {
		t.Errorf("spawned %d workers over two daily windows, want 2", spawned)
	}
	started, closed := det.counts()
	if started != 2 || closed != 2 {
		t.Errorf("started %d, closed %d sessions, want 2 and 2", started, closed)
	}

	first := det.started[0]
	if !first.AutoDownload || first.URL != sc.URL || first.Resolution != "720p" || first.Format != DefaultFormat {
		t.Errorf("start request = %+v", first)
	}
	wantID := "sched_" + sc.ID + "_" + "1773165600"
	if first.SessionID != wantID {
		t.Errorf("session id = %q, want %q", first.SessionID, wantID)
	}

	got, _ := store.Get(sc.ID)
	if got.Status != StatusDownloadStarted || got.NextCheck != nil {
		t.Errorf("after download: status %s next %v", got.Status, got.NextCheck)
	}
}

func TestRunner_NoDoubleFire(t *testing.T) {
	det := &fakeDetector{}
	now := at(10, 10, 0)
	r, store := newTestRunner(t, det, nil, now)
	if _, err := store.Add(Input{URL: "https://example.com", StartTime: "2026-03-10T10:00", EndTime: "2026-03-10T10:20"}); err != nil {
		t.Fatal(err)
	}

	if n := r.Tick(now); n != 1 {
		t.Fatalf("first tick spawned %d, want 1", n)
	}
	if n := r.Tick(now); n != 0 {
		t.Errorf("repeated tick spawned %d, want 0", n)
	}
	if n := r.Tick(now.Add(30 * time.Second)); n != 0 {
		t.Errorf("tick before next check spawned %d, want 0", n)
	}
	r.workers.Wait()

	// Without a download the schedule is checked again every jitter interval.
	total := 1
	for ts := now.Add(time.Minute); ts.Before(at(10, 10, 20)); ts = ts.Add(30 * time.Second) {
		total += r.Tick(ts)
		r.workers.Wait()
	}
	if total != 4 {
		t.Errorf("checks in a 20 minute window = %d, want 4", total)
	}
	started, closed := det.counts()
	if started != total || closed != total {
		t.Errorf("started %d, closed %d, want %d each", started, closed, total)
	}

	r.Tick(at(10, 10, 21))
	got := store.List()[0]
	if got.Status != StatusCompleted {
		t.Errorf("status after window = %s, want completed", got.Status)
	}
}

func TestRunner_StartFailureKeepsSchedule(t *testing.T) {
	det := &fakeDetector{startErr: errors.New("chrome exited")}
	now := at(10, 10, 0)
	r, store := newTestRunner(t, det, nil, now)
	sc, _ := store.Add(Input{URL: "https://example.com", StartTime: "2026-03-10T10:00", EndTime: "2026-03-10T11:00"})

	r.Tick(now)
	r.workers.Wait()

	_, closed := det.counts()
	if closed != 1 {
		t.Errorf("closed %d sessions after failed start, want 1", closed)
	}
	got, _ := store.Get(sc.ID)
	if got.Status != StatusActive || got.NextCheck == nil {
		t.Errorf("schedule after failure = %s next %v, want active and rearmed", got.Status, got.NextCheck)
	}
}

func TestRunner_FollowerDoesNothing(t *testing.T) {
	det := &fakeDetector{}
	now := at(10, 10, 0)
	r, store := newTestRunner(t, det, staticGate(false), now)
	sc, _ := store.Add(Input{URL: "https://example.com", StartTime: "2026-03-10T10:00", EndTime: "2026-03-10T11:00"})

	if n := r.Tick(now); n != 0 {
		t.Errorf("follower spawned %d workers", n)
	}
	got, _ := store.Get(sc.ID)
	if got.Status != StatusPending {
		t.Errorf("follower changed status to %s", got.Status)
	}
}

func TestRunner_StopIsPrompt(t *testing.T) {
	det := &fakeDetector{}
	r, _ := newTestRunner(t, det, staticGate(true), at(10, 9, 0))

	r.Start(context.Background())
	r.Stop()
	r.Stop()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop within a second")
	}
}

func TestRunner_ContextCancel(t *testing.T) {
	r, _ := newTestRunner(t, &fakeDetector{}, nil, at(10, 9, 0))
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner ignored context cancellation")
	}
}

func TestRunner_WaitDuration(t *testing.T) {
	r := NewRunner(nil, nil, nil, nil, RunnerConfig{}, nil, testLogger())
	for range 100 {
		d := r.waitDuration()
		if d < DefaultWaitMin || d >= DefaultWaitMax {
			t.Fatalf("wait %s outside [%s, %s)", d, DefaultWaitMin, DefaultWaitMax)
		}
	}
}
