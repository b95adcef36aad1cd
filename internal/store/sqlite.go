package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
    seq       INTEGER PRIMARY KEY,
    id        TEXT NOT NULL UNIQUE,
    kind      TEXT NOT NULL,
    source    TEXT NOT NULL,
    owner     TEXT NOT NULL DEFAULT '',
    receiver  TEXT NOT NULL DEFAULT '',
    ticket    TEXT NOT NULL DEFAULT '',
    shares    TEXT NOT NULL DEFAULT '0',
    assets    TEXT NOT NULL DEFAULT '0',
    attrs     TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_owner    ON events(owner);
CREATE INDEX IF NOT EXISTS idx_events_receiver ON events(receiver);
CREATE INDEX IF NOT EXISTS idx_events_kind     ON events(kind);

CREATE TABLE IF NOT EXISTS checkpoints (
    source             TEXT    NOT NULL,
    idx                INTEGER NOT NULL,
    cumulative_tickets TEXT    NOT NULL,
    cumulative_assets  TEXT    NOT NULL,
    created_at         TEXT    NOT NULL,
    PRIMARY KEY (source, idx)
);

CREATE TABLE IF NOT EXISTS snapshots (
    seq        INTEGER PRIMARY KEY,
    data       BLOB NOT NULL,
    created_at TEXT NOT NULL
);
`

// SQLiteStore implements Store on a single SQLite file (pure Go, no CGo).
// Amounts are TEXT decimals; 256-bit values do not fit SQLite's numerics.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. ":memory:" gives a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.AppendEvents: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (seq, id, kind, source, owner, receiver, ticket, shares, assets, attrs, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store.AppendEvents: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		attrs := ""
		if len(e.Attrs) > 0 {
			b, err := json.Marshal(e.Attrs)
			if err != nil {
				return fmt.Errorf("store.AppendEvents: attrs: %w", err)
			}
			attrs = string(b)
		}
		if _, err := stmt.ExecContext(ctx,
			int64(e.Seq), e.ID, string(e.Kind), e.Source, e.Owner, e.Receiver, e.Ticket,
			e.Shares.String(), e.Assets.String(), attrs, formatTime(e.Timestamp),
		); err != nil {
			return fmt.Errorf("store.AppendEvents: insert %d: %w", e.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.AppendEvents: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	lim := f.Limit
	if lim <= 0 {
		lim = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, kind, source, owner, receiver, ticket, shares, assets, attrs, timestamp
		FROM events
		WHERE seq > ?
		  AND (? = '' OR kind = ?)
		  AND (? = '' OR owner = ? OR receiver = ?)
		ORDER BY seq
		LIMIT ?
	`, int64(f.AfterSeq), string(f.Kind), string(f.Kind), f.Owner, f.Owner, f.Owner, lim)
	if err != nil {
		return nil, fmt.Errorf("store.ListEvents: query: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var seq int64
		var kind, sharesS, assetsS, attrsS, ts string
		if err := rows.Scan(&seq, &e.ID, &kind, &e.Source, &e.Owner, &e.Receiver, &e.Ticket,
			&sharesS, &assetsS, &attrsS, &ts); err != nil {
			return nil, fmt.Errorf("store.ListEvents: scan row: %w", err)
		}
		e.Seq = uint64(seq)
		e.Kind = model.EventKind(kind)
		e.Shares, _ = decimal.NewFromString(sharesS)
		e.Assets, _ = decimal.NewFromString(assetsS)
		if attrsS != "" {
			if err := json.Unmarshal([]byte(attrsS), &e.Attrs); err != nil {
				return nil, fmt.Errorf("store.ListEvents: attrs of %d: %w", e.Seq, err)
			}
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("store.LastSeq: %w", err)
	}
	return uint64(seq), nil
}

func (s *SQLiteStore) AppendCheckpoints(ctx context.Context, cps []model.CheckpointRecord) error {
	for _, cp := range cps {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoints (source, idx, cumulative_tickets, cumulative_assets, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			cp.Source, cp.Index, cp.CumulativeTickets.String(), cp.CumulativeAssets.String(), formatTime(cp.CreatedAt),
		); err != nil {
			return fmt.Errorf("store.AppendCheckpoints: %s/%d: %w", cp.Source, cp.Index, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, source string) ([]model.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, idx, cumulative_tickets, cumulative_assets, created_at
		FROM checkpoints WHERE source = ? ORDER BY idx
	`, source)
	if err != nil {
		return nil, fmt.Errorf("store.ListCheckpoints: query: %w", err)
	}
	defer rows.Close()

	var cps []model.CheckpointRecord
	for rows.Next() {
		var cp model.CheckpointRecord
		var tickets, assets, created string
		if err := rows.Scan(&cp.Source, &cp.Index, &tickets, &assets, &created); err != nil {
			return nil, fmt.Errorf("store.ListCheckpoints: scan row: %w", err)
		}
		cp.CumulativeTickets, _ = decimal.NewFromString(tickets)
		cp.CumulativeAssets, _ = decimal.NewFromString(assets)
		cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (seq, data, created_at) VALUES (?, ?, ?)`,
		int64(snap.Seq), snap.Data, formatTime(snap.CreatedAt),
	); err != nil {
		return fmt.Errorf("store.SaveSnapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var snap model.Snapshot
	var seq int64
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, data, created_at FROM snapshots ORDER BY seq DESC LIMIT 1`).
		Scan(&seq, &snap.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.LatestSnapshot: %w", err)
	}
	snap.Seq = uint64(seq)
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &snap, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
