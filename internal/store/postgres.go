package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

// PostgresSchema creates the journal, checkpoint index and snapshot tables.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS events (
    seq       BIGINT PRIMARY KEY,
    id        UUID          NOT NULL UNIQUE,
    kind      TEXT          NOT NULL,
    source    TEXT          NOT NULL,
    owner     TEXT          NOT NULL DEFAULT '',
    receiver  TEXT          NOT NULL DEFAULT '',
    ticket    TEXT          NOT NULL DEFAULT '',
    shares    NUMERIC(78,0) NOT NULL DEFAULT 0,
    assets    NUMERIC(78,0) NOT NULL DEFAULT 0,
    attrs     JSONB,
    timestamp TIMESTAMPTZ   NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_owner    ON events(owner);
CREATE INDEX IF NOT EXISTS idx_events_receiver ON events(receiver);
CREATE INDEX IF NOT EXISTS idx_events_kind     ON events(kind);

CREATE TABLE IF NOT EXISTS checkpoints (
    source             TEXT          NOT NULL,
    idx                INTEGER       NOT NULL,
    cumulative_tickets NUMERIC(78,0) NOT NULL,
    cumulative_assets  NUMERIC(78,0) NOT NULL,
    created_at         TIMESTAMPTZ   NOT NULL,
    PRIMARY KEY (source, idx)
);

CREATE TABLE IF NOT EXISTS snapshots (
    seq        BIGINT PRIMARY KEY,
    data       BYTEA       NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as NUMERIC so no precision is lost beyond 64 bits.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("store.Migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append events: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		attrs, err := marshalAttrs(e.Attrs)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO events (seq, id, kind, source, owner, receiver, ticket, shares, assets, attrs, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::JSONB, $11)`,
			int64(e.Seq), e.ID, string(e.Kind), e.Source, e.Owner, e.Receiver, e.Ticket,
			e.Shares.String(), e.Assets.String(), attrs, e.Timestamp,
		); err != nil {
			return fmt.Errorf("append event %d: %w", e.Seq, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id::TEXT, kind, source, owner, receiver, ticket,
		        shares::TEXT, assets::TEXT, COALESCE(attrs::TEXT, ''), timestamp
		 FROM events
		 WHERE seq > $1
		   AND ($2 = '' OR kind = $2)
		   AND ($3 = '' OR owner = $3 OR receiver = $3)
		 ORDER BY seq
		 LIMIT NULLIF($4::INTEGER, 0)`,
		int64(f.AfterSeq), string(f.Kind), f.Owner, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return uint64(seq), nil
}

func (s *PostgresStore) AppendCheckpoints(ctx context.Context, cps []model.CheckpointRecord) error {
	if len(cps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, cp := range cps {
		batch.Queue(
			`INSERT INTO checkpoints (source, idx, cumulative_tickets, cumulative_assets, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
			cp.Source, cp.Index, cp.CumulativeTickets.String(), cp.CumulativeAssets.String(), cp.CreatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append checkpoints: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, source string) ([]model.CheckpointRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source, idx, cumulative_tickets::TEXT, cumulative_assets::TEXT, created_at
		 FROM checkpoints WHERE source = $1 ORDER BY idx`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []model.CheckpointRecord
	for rows.Next() {
		var cp model.CheckpointRecord
		var tickets, assets string
		if err := rows.Scan(&cp.Source, &cp.Index, &tickets, &assets, &cp.CreatedAt); err != nil {
			return nil, err
		}
		cp.CumulativeTickets, _ = decimal.NewFromString(tickets)
		cp.CumulativeAssets, _ = decimal.NewFromString(assets)
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (seq, data, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (seq) DO UPDATE SET data = EXCLUDED.data, created_at = EXCLUDED.created_at`,
		int64(snap.Seq), snap.Data, snap.CreatedAt)
	return err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var snap model.Snapshot
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT seq, data, created_at FROM snapshots ORDER BY seq DESC LIMIT 1`).
		Scan(&seq, &snap.Data, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.Seq = uint64(seq)
	return &snap, nil
}

// rowScanner is the subset of pgx.Rows that scanEvents needs.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanEvents reads rows selected as seq, id, kind, source, owner, receiver,
// ticket, shares, assets, attrs, timestamp.
func scanEvents(rows rowScanner) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var seq int64
		var kind, sharesS, assetsS, attrsS string

		if err := rows.Scan(&seq, &e.ID, &kind, &e.Source, &e.Owner, &e.Receiver, &e.Ticket,
			&sharesS, &assetsS, &attrsS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Kind = model.EventKind(kind)
		e.Shares, _ = decimal.NewFromString(sharesS)
		e.Assets, _ = decimal.NewFromString(assetsS)
		if attrsS != "" {
			if err := json.Unmarshal([]byte(attrsS), &e.Attrs); err != nil {
				return nil, fmt.Errorf("event %d attrs: %w", e.Seq, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func marshalAttrs(attrs map[string]string) (*string, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attrs: %w", err)
	}
	s := string(b)
	return &s, nil
}
