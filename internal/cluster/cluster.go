package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/streamrec/internal/schedule"
)

// Manager runs this node's Raft instance and replicates schedule lists.
type Manager struct {
	config    Config
	raft      *raft.Raft
	fsm       *ScheduleFSM
	transport *raft.NetworkTransport
	logger    *slog.Logger
	mu        sync.RWMutex
	shutdown  bool

	// current mirrors raft for the FSM, which must not take mu.
	current atomic.Pointer[raft.Raft]
	pending chan []schedule.Schedule
	done    chan struct{}
}

// NewManager creates a cluster manager that writes replicated lists into
// replica on followers.
func NewManager(config Config, replica Replica, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Manager{
		config:  config,
		logger:  logger.With("component", "cluster"),
		pending: make(chan []schedule.Schedule, 1),
		done:    make(chan struct{}),
	}
	m.fsm = NewScheduleFSM(replica, m.leading, m.logger)
	return m, nil
}

// Start initializes and starts the Raft cluster.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.raft != nil {
		return fmt.Errorf("cluster already started")
	}

	// Create Raft configuration
	raftConfig := raft.DefaultConfig()
	// Use bind address as LocalID for consistency with bootstrap configuration
	raftConfig.LocalID = raft.ServerID(m.config.BindAddr)
	raftConfig.HeartbeatTimeout = m.config.HeartbeatTimeout
	raftConfig.ElectionTimeout = m.config.ElectionTimeout
	raftConfig.LeaderLeaseTimeout = m.config.HeartbeatTimeout
	raftConfig.SnapshotInterval = m.config.SnapshotInterval
	raftConfig.SnapshotThreshold = m.config.SnapshotThreshold

	raftLogger := newRaftLogger(m.config.LogOutput, m.config.LogLevel)
	raftConfig.Logger = raftLogger

	// Logs stay in memory; the schedule file is the durable copy.
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	var snapshotStore raft.SnapshotStore = raft.NewInmemSnapshotStore()
	if m.config.SnapshotDir != "" {
		fileStore, err := raft.NewFileSnapshotStoreWithLogger(m.config.SnapshotDir, 2, raftLogger)
		if err != nil {
			return fmt.Errorf("create snapshot store: %w", err)
		}
		snapshotStore = fileStore
	}

	// Create network transport
	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.config.BindAddr, addr, 3, 10*time.Second, nil)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	m.transport = transport

	// Create Raft instance
	r, err := raft.NewRaft(raftConfig, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r
	m.current.Store(r)

	// Bootstrap cluster if this is the first node
	configuration := raft.Configuration{
		Servers: make([]raft.Server, 0, len(m.config.Peers)),
	}

	for _, peer := range m.config.Peers {
		// Use peer address as both ID and address for simplicity
		configuration.Servers = append(configuration.Servers, raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		})
	}

	// Bootstrap the cluster
	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		m.logger.Error("failed to bootstrap cluster", "error", err)
		// Continue anyway - node might be joining existing cluster
	}

	go m.publishLoop()

	m.logger.Info("cluster started",
		"node_id", m.config.RaftID,
		"bind", m.config.BindAddr,
		"peers", len(m.config.Peers))

	return nil
}

// ReplaceSchedules replicates list to every node. Only the leader can apply.
func (m *Manager) ReplaceSchedules(list []schedule.Schedule) error {
	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return fmt.Errorf("cluster is shut down")
	}
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return fmt.Errorf("cluster not started")
	}

	cmd := Command{
		Type: CommandReplaceSchedules,
		Data: ReplaceSchedulesCommand{Schedules: list},
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	future := r.Apply(data, m.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return resp
	}

	return nil
}

// Publish queues list for replication and returns at once. Only the latest
// queued list is sent; it is meant as a schedule store save hook.
func (m *Manager) Publish(list []schedule.Schedule) {
	for {
		select {
		case m.pending <- list:
			return
		default:
		}
		select {
		case <-m.pending:
		default:
		}
	}
}

func (m *Manager) publishLoop() {
	for {
		select {
		case <-m.done:
			return
		case list := <-m.pending:
			if !m.IsLeader() {
				m.logger.Warn("schedule change on follower is not replicated", "leader", m.LeaderAddr())
				continue
			}
			if err := m.ReplaceSchedules(list); err != nil {
				m.logger.Error("failed to replicate schedules", "error", err)
			}
		}
	}
}

// Schedules returns the last replicated schedule list.
func (m *Manager) Schedules() []schedule.Schedule {
	return m.fsm.Schedules()
}

// IsLeader returns true if this node is the Raft leader.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return false
	}

	return r.State() == raft.Leader
}

func (m *Manager) leading() bool {
	r := m.current.Load()
	return r != nil && r.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return ""
	}

	leaderAddr, _ := r.LeaderWithID()
	return string(leaderAddr)
}

// State returns the current Raft state.
func (m *Manager) State() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return "NotStarted"
	}

	switch r.State() {
	case raft.Follower:
		return "Follower"
	case raft.Candidate:
		return "Candidate"
	case raft.Leader:
		return "Leader"
	case raft.Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Peers returns the list of peer addresses.
func (m *Manager) Peers() []string {
	return m.config.Peers
}

// NodeID returns this node's Raft ID.
func (m *Manager) NodeID() string {
	return m.config.RaftID
}

// Shutdown gracefully shuts down the Raft cluster.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}

	m.shutdown = true
	close(m.done)

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Error("failed to shutdown raft", "error", err)
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}

	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Error("failed to close transport", "error", err)
			return fmt.Errorf("close transport: %w", err)
		}
	}

	m.logger.Info("cluster shut down")
	return nil
}

// WaitForLeader blocks until a leader is elected or context is canceled.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.LeaderAddr() != "" {
				return nil
			}
		}
	}
}
