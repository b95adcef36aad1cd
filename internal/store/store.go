// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The event journal is append-only; the
// engine owns sequencing and writes each commit's events in Seq order.
type Store interface {
	// --- Event journal ---

	// AppendEvents journals the events of one commit.
	AppendEvents(ctx context.Context, events []model.Event) error

	// ListEvents returns journaled events matching f in Seq order.
	ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error)

	// LastSeq returns the highest journaled Seq, or 0 for an empty journal.
	LastSeq(ctx context.Context) (uint64, error)

	// --- Checkpoint index ---

	// AppendCheckpoints indexes queue checkpoints as they are created.
	AppendCheckpoints(ctx context.Context, cps []model.CheckpointRecord) error

	// ListCheckpoints returns the checkpoints of one queue in index order.
	ListCheckpoints(ctx context.Context, source string) ([]model.CheckpointRecord, error)

	// --- Snapshots ---

	// SaveSnapshot persists a full state snapshot.
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error

	// LatestSnapshot returns the snapshot with the highest Seq, or
	// ErrNotFound.
	LatestSnapshot(ctx context.Context) (*model.Snapshot, error)
}

// limit applies f.Limit to events already filtered and ordered.
func limit(events []model.Event, n int) []model.Event {
	if n > 0 && len(events) > n {
		return events[:n]
	}
	return events
}
