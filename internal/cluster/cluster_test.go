package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/agleyzer/streamrec/internal/schedule"
)

func TestManager_NewManager(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
			},
		},
		{
			name:    "missing raft-id",
			config:  Config{BindAddr: "127.0.0.1:9000", Peers: []string{"127.0.0.1:9000"}},
			wantErr: true,
		},
		{
			name:    "missing bind-addr",
			config:  Config{RaftID: "node1", Peers: []string{"127.0.0.1:9000"}},
			wantErr: true,
		},
		{
			name:    "missing peers",
			config:  Config{RaftID: "node1", BindAddr: "127.0.0.1:9000"},
			wantErr: true,
		},
		{
			name:    "invalid bind-addr",
			config:  Config{RaftID: "node1", BindAddr: "invalid", Peers: []string{"127.0.0.1:9000"}},
			wantErr: true,
		},
		{
			name:    "invalid peer",
			config:  Config{RaftID: "node1", BindAddr: "127.0.0.1:9000", Peers: []string{"nohost"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.config, &fakeReplica{}, testLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManager_NotStarted(t *testing.T) {
	m, err := NewManager(Config{RaftID: "n", BindAddr: "127.0.0.1:9000", Peers: []string{"127.0.0.1:9000"}}, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if m.IsLeader() || m.State() != "NotStarted" || m.LeaderAddr() != "" {
		t.Errorf("unstarted manager reports leader=%v state=%s", m.IsLeader(), m.State())
	}
	if err := m.ReplaceSchedules(nil); err == nil {
		t.Error("ReplaceSchedules succeeded before Start")
	}
}

func TestManager_ReplicatesSchedules(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	replicas := []*fakeReplica{{}, {}, {}}
	managers := createTestCluster(t, testLogger(), replicas)
	defer func() {
		for _, m := range managers {
			m.Shutdown()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	leader := waitForLeader(ctx, t, managers)

	leaders := 0
	for _, m := range managers {
		if m.IsLeader() {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("%d leaders, want 1", leaders)
	}

	leader.Publish(sampleSchedules())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		done := true
		for i, m := range managers {
			if m == leader {
				continue
			}
			if len(replicas[i].last()) != 2 {
				done = false
			}
		}
		if done {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for i, m := range managers {
		got := replicas[i].last()
		if m == leader {
			if got != nil {
				t.Errorf("leader store received its own list")
			}
			continue
		}
		if len(got) != 2 || got[1].Status != schedule.StatusDownloadStarted {
			t.Errorf("follower %d has %+v", i, got)
		}
		if len(m.Schedules()) != 2 {
			t.Errorf("follower %d fsm has %d schedules", i, len(m.Schedules()))
		}
	}
}

func TestManager_StartAndShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	config := Config{
		RaftID:           "node1",
		BindAddr:         "127.0.0.1:21100",
		Peers:            []string{"127.0.0.1:21100"},
		HeartbeatTimeout: 100 * time.Millisecond,
		ElectionTimeout:  100 * time.Millisecond,
		SnapshotInterval: time.Hour,
		SnapshotDir:      t.TempDir(),
	}
	manager, err := NewManager(config, &fakeReplica{}, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := manager.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded")
	}
	if manager.State() == "NotStarted" {
		t.Error("Manager should be started")
	}

	if err := manager.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := manager.Shutdown(); err != nil {
		t.Errorf("Second Shutdown() error = %v", err)
	}
	if err := manager.ReplaceSchedules(nil); err == nil {
		t.Error("ReplaceSchedules succeeded after Shutdown")
	}
}

func waitForLeader(ctx context.Context, t *testing.T, managers []*Manager) *Manager {
	t.Helper()
	if err := managers[0].WaitForLeader(ctx); err != nil {
		t.Fatalf("WaitForLeader() error = %v", err)
	}
	for {
		for _, m := range managers {
			if m.IsLeader() {
				return m
			}
		}
		select {
		case <-ctx.Done():
			t.Fatal("no node became leader")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// createTestCluster starts one node per replica on fixed local ports.
func createTestCluster(t *testing.T, logger *slog.Logger, replicas []*fakeReplica) []*Manager {
	t.Helper()

	basePort := 21000
	peers := make([]string, len(replicas))
	for i := range replicas {
		peers[i] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
	}

	managers := make([]*Manager, len(replicas))
	for i := range replicas {
		config := Config{
			RaftID:            peers[i],
			BindAddr:          peers[i],
			Peers:             peers,
			HeartbeatTimeout:  100 * time.Millisecond,
			ElectionTimeout:   100 * time.Millisecond,
			SnapshotInterval:  time.Hour,
			SnapshotThreshold: 10000,
		}

		manager, err := NewManager(config, replicas[i], logger)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if err := manager.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		managers[i] = manager
	}

	return managers
}
