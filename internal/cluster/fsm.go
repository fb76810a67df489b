// Package cluster replicates the schedule list over Raft so only the leader
// triggers schedules while followers keep an up-to-date copy.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/streamrec/internal/schedule"
)

func init() {
	gob.Register(ReplaceSchedulesCommand{})
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandReplaceSchedules swaps in the full schedule list.
	CommandReplaceSchedules CommandType = 1
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// ReplaceSchedulesCommand carries the leader's schedule list after a save.
type ReplaceSchedulesCommand struct {
	Schedules []schedule.Schedule
}

// Replica receives replicated schedule lists.
type Replica interface {
	Replace(list []schedule.Schedule) error
}

// ScheduleFSM implements raft.FSM over the schedule list. The latest list
// is kept for snapshots and handed to the local replica unless skip reports
// that this node produced it.
type ScheduleFSM struct {
	mu        sync.RWMutex
	schedules []schedule.Schedule
	replica   Replica
	skip      func() bool
	logger    *slog.Logger
}

// NewScheduleFSM creates an FSM writing into replica. skip may be nil.
func NewScheduleFSM(replica Replica, skip func() bool, logger *slog.Logger) *ScheduleFSM {
	return &ScheduleFSM{
		replica: replica,
		skip:    skip,
		logger:  logger,
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *ScheduleFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Type {
	case CommandReplaceSchedules:
		replace, ok := cmd.Data.(ReplaceSchedulesCommand)
		if !ok {
			return fmt.Errorf("invalid replace schedules command data")
		}
		return f.replace(replace.Schedules, "apply")
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

func (f *ScheduleFSM) replace(list []schedule.Schedule, origin string) error {
	f.mu.Lock()
	f.schedules = list
	f.mu.Unlock()

	if f.replica == nil || (f.skip != nil && f.skip()) {
		return nil
	}
	if err := f.replica.Replace(list); err != nil {
		f.logger.Error("failed to store replicated schedules", "error", err)
		return fmt.Errorf("replace schedules: %w", err)
	}
	f.logger.Debug("replicated schedules", "origin", origin, "count", len(list))
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *ScheduleFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{schedules: f.Schedules()}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *ScheduleFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var list []schedule.Schedule
	if err := gob.NewDecoder(snapshot).Decode(&list); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if err := f.replace(list, "snapshot"); err != nil {
		return err
	}
	f.logger.Info("restored schedules from snapshot", "count", len(list))
	return nil
}

// Schedules returns a copy of the last replicated list.
func (f *ScheduleFSM) Schedules() []schedule.Schedule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]schedule.Schedule(nil), f.schedules...)
}

type fsmSnapshot struct {
	schedules []schedule.Schedule
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.schedules); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
