package sbx

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for tests. Explicitly injected, reset
// between cases.
type MemStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	s := &MemStore{}
	s.Reset()
	return s
}

// Reset drops all records.
func (s *MemStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
}

func (s *MemStore) CreateSandbox(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("sandbox %s already exists", rec.ID)
	}
	stored := cloneRecord(rec)
	s.records[rec.ID] = stored
	return nil
}

func (s *MemStore) GetSandbox(id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemStore) ListSandboxRecords() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) UpdateSandboxStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	return nil
}

func (s *MemStore) SetSandboxStarted(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.StartedAt = &at
	return nil
}

func (s *MemStore) DeleteSandboxRecord(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func cloneRecord(rec *Record) *Record {
	out := *rec
	out.URLs = make(map[string]string, len(rec.URLs))
	for k, v := range rec.URLs {
		out.URLs[k] = v
	}
	out.Labels = make(map[string]string, len(rec.Labels))
	for k, v := range rec.Labels {
		out.Labels[k] = v
	}
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		out.StartedAt = &t
	}
	return &out
}
