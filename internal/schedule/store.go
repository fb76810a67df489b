package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Store is the JSON-file-backed owner of all schedules. Every read and
// write happens under one lock; the file is rewritten after each mutation.
type Store struct {
	fs     afero.Fs
	path   string
	calc   *Calculator
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	schedules []*Schedule
	onSave    func([]Schedule)
}

// NewStore creates a store persisted at path. Call Load before use.
func NewStore(fs afero.Fs, path string, calc *Calculator, logger *slog.Logger) *Store {
	return &Store{
		fs:     fs,
		path:   path,
		calc:   calc,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// OnSave registers a callback that receives a copy of every saved list.
func (s *Store) OnSave(fn func([]Schedule)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSave = fn
}

// Path returns the file the store persists to.
func (s *Store) Path() string {
	return s.path
}

// Load reads the schedule file. A missing file is an empty store.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.schedules = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schedules file: %w", err)
	}

	var list []*Schedule
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("unmarshal schedules: %w", err)
	}
	s.schedules = list
	s.logger.Info("loaded schedules", "count", len(list), "path", s.path)
	return nil
}

// saveLocked writes the list atomically through a temp file and rename.
func (s *Store) saveLocked() error {
	list := make([]*Schedule, len(s.schedules))
	copy(list, s.schedules)
	if list == nil {
		list = []*Schedule{}
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedules: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create schedules dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write schedules file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename schedules file: %w", err)
	}

	if s.onSave != nil {
		s.onSave(s.snapshotLocked())
	}
	return nil
}

func (s *Store) snapshotLocked() []Schedule {
	out := make([]Schedule, len(s.schedules))
	for i, sc := range s.schedules {
		out[i] = sc.clone()
	}
	return out
}

func (s *Store) findLocked(id string) (*Schedule, int) {
	for i, sc := range s.schedules {
		if sc.ID == id {
			return sc, i
		}
	}
	return nil, -1
}

// Add validates in and stores a new pending schedule.
func (s *Store) Add(in Input) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := in.normalize(now.Location()); err != nil {
		return Schedule{}, err
	}

	sc := &Schedule{
		ID:        uuid.NewString(),
		CreatedAt: now,
		Status:    StatusPending,
	}
	setInput(sc, in)

	next, err := s.calc.NextCheck(*sc, now)
	if err != nil {
		return Schedule{}, err
	}
	sc.NextCheck = next

	s.schedules = append(s.schedules, sc)
	if err := s.saveLocked(); err != nil {
		return Schedule{}, err
	}
	s.logger.Info("added schedule", "id", sc.ID, "name", sc.Name, "daily", sc.Daily)
	return sc.clone(), nil
}

// Update replaces a schedule's editable fields and resets it to pending.
func (s *Store) Update(id string, in Input) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, _ := s.findLocked(id)
	if sc == nil {
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := s.now()
	if err := in.normalize(now.Location()); err != nil {
		return Schedule{}, err
	}

	updated := sc.clone()
	setInput(&updated, in)
	updated.Status = StatusPending
	next, err := s.calc.NextCheck(updated, now)
	if err != nil {
		return Schedule{}, err
	}
	updated.NextCheck = next
	*sc = updated

	if err := s.saveLocked(); err != nil {
		return Schedule{}, err
	}
	s.logger.Info("updated schedule", "id", id)
	return sc.clone(), nil
}

func setInput(sc *Schedule, in Input) {
	sc.URL = in.URL
	sc.Name = in.Name
	sc.Resolution = in.Resolution
	sc.FrameRate = in.FrameRate
	sc.Format = in.Format
	sc.StartTime = in.StartTime
	sc.EndTime = in.EndTime
	sc.Repeat = in.Repeat
	sc.Daily = in.Daily
}

// Remove deletes a schedule.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, i := s.findLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.schedules = append(s.schedules[:i], s.schedules[i+1:]...)
	if err := s.saveLocked(); err != nil {
		return err
	}
	s.logger.Info("removed schedule", "id", id)
	return nil
}

// Get returns a copy of one schedule.
func (s *Store) Get(id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, _ := s.findLocked(id)
	if sc == nil {
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sc.clone(), nil
}

// List returns copies of all schedules in insertion order.
func (s *Store) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// RefreshAll recomputes every schedule's next check and returns how many
// schedules were refreshed.
func (s *Store) RefreshAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, sc := range s.schedules {
		next, err := s.calc.NextCheck(*sc, now)
		if err != nil {
			s.logger.Warn("skipping schedule with invalid window", "id", sc.ID, "error", err)
			continue
		}
		sc.NextCheck = next
	}
	if err := s.saveLocked(); err != nil {
		return 0, err
	}
	s.logger.Info("refreshed schedule check times", "count", len(s.schedules))
	return len(s.schedules), nil
}

// WithLock runs fn over the live schedules while holding the store lock
// and saves afterwards.
func (s *Store) WithLock(fn func([]*Schedule)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.schedules)
	return s.saveLocked()
}

// MarkDownloadStarted records that a worker saw a download begin. No more
// checks happen until the next window occurrence.
func (s *Store) MarkDownloadStarted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, _ := s.findLocked(id)
	if sc == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sc.Status = StatusDownloadStarted
	sc.NextCheck = nil
	return s.saveLocked()
}

// Replace swaps in a full list, as received from the cluster leader.
// Replicated lists are persisted without notifying OnSave.
func (s *Store) Replace(list []Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules = make([]*Schedule, len(list))
	for i := range list {
		sc := list[i].clone()
		s.schedules[i] = &sc
	}

	onSave := s.onSave
	s.onSave = nil
	defer func() { s.onSave = onSave }()
	return s.saveLocked()
}
