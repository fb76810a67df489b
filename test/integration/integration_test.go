package integration

import (
	"strings"
	"testing"
	"time"
)

// futureWindow keeps the runner from opening a browser during the test.
var futureWindow = map[string]any{
	"url":        "https://example.com/live",
	"name":       "launch event",
	"start_time": "2099-01-01T10:00",
	"end_time":   "2099-01-01T12:00",
}

// TestSchedulesSurviveRestart adds a schedule over HTTP, restarts the
// server and expects the schedule to be loaded from disk.
func TestSchedulesSurviveRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := NewTestHarness(t)
	dataDir := t.TempDir()

	inst := h.Serve("standalone", dataDir)

	health, err := h.Health(inst)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("health status = %v", health["status"])
	}
	if _, ok := health["cluster"]; ok {
		t.Error("standalone server reported cluster info")
	}

	added, err := h.AddSchedule(inst, futureWindow)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added.Status != "pending" {
		t.Errorf("status = %q, want pending", added.Status)
	}

	h.Stop(inst)
	inst = h.Serve("standalone-restarted", dataDir)

	list, err := h.ListSchedules(inst)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != added.ID || list[0].Name != "launch event" {
		t.Fatalf("schedules after restart = %+v", list)
	}
}

// TestScheduleCLISeedsServer edits the schedule file with the CLI and
// expects serve to pick it up.
func TestScheduleCLISeedsServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := NewTestHarness(t)
	dataDir := t.TempDir()

	out, err := h.Run(dataDir, "schedule", "add",
		"--url", "https://example.com/nightly",
		"--start", "03:00", "--end", "03:30", "--daily")
	if err != nil {
		t.Fatalf("schedule add: %v\n%s", err, out)
	}
	if !strings.Contains(out, "added") {
		t.Errorf("schedule add output = %q", out)
	}

	if _, err := h.Run(dataDir, "schedule", "add", "--url", "not a url", "--start", "03:00", "--end", "04:00", "--daily"); err == nil {
		t.Error("schedule add accepted an invalid URL")
	}

	inst := h.Serve("seeded", dataDir)
	var list []ScheduleView
	h.WaitForCondition(func() bool {
		list, err = h.ListSchedules(inst)
		return err == nil && len(list) == 1
	}, 5*time.Second, "seeded schedule listed")

	if !list[0].Daily || list[0].StartTime != "03:00" || list[0].Name != "https://example.com/nightly" {
		t.Errorf("seeded schedule = %+v", list[0])
	}
}
