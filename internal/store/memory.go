package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	events      []model.Event
	checkpoints map[string][]model.CheckpointRecord
	snapshots   []model.Snapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]model.CheckpointRecord),
	}
}

func (s *MemoryStore) AppendEvents(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := uint64(0)
	if n := len(s.events); n > 0 {
		last = s.events[n-1].Seq
	}
	for _, e := range events {
		if e.Seq <= last {
			return fmt.Errorf("event seq %d not after %d", e.Seq, last)
		}
		last = e.Seq
	}
	for _, e := range events {
		s.events = append(s.events, copyEvent(e))
	}
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, f model.EventFilter) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if f.Match(e) {
			result = append(result, copyEvent(e))
		}
	}
	return limit(result, f.Limit), nil
}

func (s *MemoryStore) LastSeq(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n := len(s.events); n > 0 {
		return s.events[n-1].Seq, nil
	}
	return 0, nil
}

func (s *MemoryStore) AppendCheckpoints(_ context.Context, cps []model.CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cp := range cps {
		if got := len(s.checkpoints[cp.Source]); cp.Index != got {
			return fmt.Errorf("checkpoint %s/%d out of order, expected index %d", cp.Source, cp.Index, got)
		}
		s.checkpoints[cp.Source] = append(s.checkpoints[cp.Source], cp)
	}
	return nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, source string) ([]model.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.checkpoints[source]
	out := make([]model.CheckpointRecord, len(cps))
	copy(out, cps)
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *snap
	c.Data = append([]byte(nil), snap.Data...)
	s.snapshots = append(s.snapshots, c)
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Snapshot
	for i := range s.snapshots {
		if best == nil || s.snapshots[i].Seq >= best.Seq {
			best = &s.snapshots[i]
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	c := *best
	c.Data = append([]byte(nil), best.Data...)
	return &c, nil
}

// copyEvent detaches the attrs map so callers cannot mutate the journal.
func copyEvent(e model.Event) model.Event {
	if e.Attrs != nil {
		attrs := make(map[string]string, len(e.Attrs))
		for k, v := range e.Attrs {
			attrs[k] = v
		}
		e.Attrs = attrs
	}
	return e
}
