package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"opticbrake/internal/model"
)

// MemoryStore keeps encoded records in maps, so loads never alias saved
// slices.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	snapshots   map[string][]byte
	runs        map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.snapshots = make(map[string][]byte)
	s.runs = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snapshot model.PopulationSnapshot) error {
	if err := ValidateName(snapshot.Name); err != nil {
		return err
	}
	payload, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	s.snapshots[snapshot.Name] = payload
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, name string) (model.PopulationSnapshot, bool, error) {
	s.mu.RLock()
	payload, ok := s.snapshots[name]
	s.mu.RUnlock()
	if !ok {
		return model.PopulationSnapshot{}, false, nil
	}
	snapshot, err := DecodeSnapshot(payload)
	if err != nil {
		return model.PopulationSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.snapshots))
	for name := range s.snapshots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) DeleteSnapshot(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, name)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	if err := ValidateName(run.ID); err != nil {
		return err
	}
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	s.runs[run.ID] = payload
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	payload, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return model.RunRecord{}, false, nil
	}
	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, err
	}
	return run, true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	payloads := make([][]byte, 0, len(s.runs))
	for _, payload := range s.runs {
		payloads = append(payloads, payload)
	}
	s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(payloads))
	for _, payload := range payloads {
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

var errNotInitialized = errors.New("store is not initialized")

// sortRuns orders runs by start time, oldest first, then by id.
func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
