package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AppendEvents(ctx context.Context, events []model.Event) error {
	if err := s.primary.AppendEvents(ctx, events); err != nil {
		return err
	}
	if n := len(events); n > 0 {
		s.rdb.Set(ctx, lastSeqKey(), events[n-1].Seq, s.ttl)
	}
	return nil
}

func (s *CachedStore) AppendCheckpoints(ctx context.Context, cps []model.CheckpointRecord) error {
	if err := s.primary.AppendCheckpoints(ctx, cps); err != nil {
		return err
	}
	// Invalidate every touched queue; next read will re-populate.
	seen := make(map[string]bool)
	for _, cp := range cps {
		if !seen[cp.Source] {
			seen[cp.Source] = true
			s.rdb.Del(ctx, checkpointsKey(cp.Source))
		}
	}
	return nil
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListCheckpoints(ctx context.Context, source string) ([]model.CheckpointRecord, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, checkpointsKey(source)).Bytes()
	if err == nil {
		var cps []model.CheckpointRecord
		if json.Unmarshal(data, &cps) == nil {
			return cps, nil
		}
	}

	// Cache miss: read from primary.
	cps, err := s.primary.ListCheckpoints(ctx, source)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(cps); err == nil {
		s.rdb.Set(ctx, checkpointsKey(source), data, s.ttl)
	}
	return cps, nil
}

func (s *CachedStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey()).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

func (s *CachedStore) LastSeq(ctx context.Context) (uint64, error) {
	if seq, err := s.rdb.Get(ctx, lastSeqKey()).Uint64(); err == nil {
		return seq, nil
	}
	seq, err := s.primary.LastSeq(ctx)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, lastSeqKey(), seq, s.ttl)
	return seq, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, f)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.Snapshot) {
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey(), data, s.ttl)
	}
}

func checkpointsKey(source string) string { return fmt.Sprintf("settlement:checkpoints:%s", source) }
func snapshotKey() string                 { return "settlement:snapshot:latest" }
func lastSeqKey() string                  { return "settlement:events:last_seq" }
