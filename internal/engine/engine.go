// Package engine runs units of work against the settlement state.
//
// Every call runs against a copy of the whole state: the asset book, the
// rewards gate, the vault and the synthetic token. Keyed collections are
// copied on write and append-only logs are shared, so a copy costs what the
// previous unit of work touched rather than the size of the state. On
// success the copy replaces the live state, its writes are folded into the
// shared storage, and the events it emitted are sequenced, journaled and
// broadcast. On failure the copy is dropped, so a failed call never leaves
// partial effects behind. Calls are serialized behind one mutex; views take
// the read lock.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/stakewise/v3-core-sub000/internal/assets"
	"github.com/stakewise/v3-core-sub000/internal/harvest"
	"github.com/stakewise/v3-core-sub000/internal/metrics"
	"github.com/stakewise/v3-core-sub000/internal/model"
	"github.com/stakewise/v3-core-sub000/internal/store"
	"github.com/stakewise/v3-core-sub000/internal/synth"
	"github.com/stakewise/v3-core-sub000/internal/vault"
)

// Broadcaster receives committed events. Broadcast must not block.
type Broadcaster interface {
	Broadcast(e model.Event)
}

// Config configures an engine.
type Config struct {
	Vault vault.Config
	// Synth enables the synthetic token when non-nil.
	Synth *synth.Config
	// Faucet lets any caller mint underlying assets. Development only.
	Faucet bool
	// SnapshotEvery is the number of commits between state snapshots.
	SnapshotEvery int
	Clock         func() time.Time
}

// State is the full settlement state one unit of work runs against.
type State struct {
	Book  *assets.Book
	Gate  *harvest.MerkleGate
	Vault *vault.Vault
	Synth *synth.Controller
}

func (s *State) clone() *State {
	gate := s.Gate.Clone()
	v := s.Vault.Clone(gate)
	c := &State{Book: s.Book.Clone(), Gate: gate, Vault: v}
	if s.Synth != nil {
		c.Synth = s.Synth.Clone(v)
	}
	return c
}

// commit folds the writes of s into the storage it shares with the state it
// was cloned from. That state must not be used afterwards.
func (s *State) commit() {
	s.Book.Commit()
	s.Vault.Commit()
	if s.Synth != nil {
		s.Synth.Commit()
	}
}

// Engine serializes units of work over the settlement state.
type Engine struct {
	cfg   Config
	store store.Store
	hub   Broadcaster

	// protocol holds the accounts the engine moves value for on its own.
	// They never act as callers.
	protocol map[common.Address]struct{}

	mu      sync.RWMutex
	state   *State
	seq     uint64
	commits int
}

// New creates an engine over st. The state is restored from the latest
// snapshot when there is one. hub may be nil.
func New(ctx context.Context, cfg Config, st store.Store, hub Broadcaster) (*Engine, error) {
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = 1
	}
	if cfg.Synth != nil {
		cfg.Vault.Capabilities |= vault.CapSyntheticToken
	}
	e := &Engine{cfg: cfg, store: st, hub: hub, protocol: protocolAccounts(cfg)}

	snap, err := st.LatestSnapshot(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if e.state, err = e.genesis(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("engine: load snapshot: %w", err)
	default:
		if e.state, err = decodeState(cfg, snap.Data); err != nil {
			return nil, fmt.Errorf("engine: restore snapshot %d: %w", snap.Seq, err)
		}
		e.seq = snap.Seq
		slog.Info("state restored", "seq", snap.Seq, "created_at", snap.CreatedAt)
	}

	last, err := st.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: last seq: %w", err)
	}
	if last > e.seq {
		if snap != nil {
			slog.Warn("journal ahead of snapshot", "snapshot_seq", snap.Seq, "journal_seq", last)
		}
		e.seq = last
	}
	e.observe(e.state)
	return e, nil
}

func (e *Engine) genesis() (*State, error) {
	gate := harvest.NewMerkleGate(e.cfg.Vault.Keeper)
	v, err := vault.New(e.cfg.Vault, gate)
	if err != nil {
		return nil, fmt.Errorf("engine: create vault: %w", err)
	}
	s := &State{Book: assets.NewBook(), Gate: gate, Vault: v}
	if e.cfg.Synth != nil {
		if s.Synth, err = synth.New(*e.cfg.Synth, v); err != nil {
			return nil, fmt.Errorf("engine: create synthetic token: %w", err)
		}
	}
	return s, nil
}

func protocolAccounts(cfg Config) map[common.Address]struct{} {
	out := make(map[common.Address]struct{})
	for _, a := range []common.Address{cfg.Vault.Address, cfg.Vault.Validators, cfg.Vault.MevEscrow} {
		out[a] = struct{}{}
	}
	if cfg.Synth != nil {
		out[cfg.Synth.Pool] = struct{}{}
		out[cfg.Synth.Escrow] = struct{}{}
	}
	delete(out, common.Address{})
	return out
}

func (e *Engine) checkCaller(caller common.Address) error {
	if _, ok := e.protocol[caller]; ok {
		return fmt.Errorf("engine: %s is a protocol account: %w", caller.Hex(), model.ErrAccessDenied)
	}
	return nil
}

// Call is one named operation with JSON parameters.
type Call struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Execute runs one call as a unit of work. Protocol accounts cannot call.
func (e *Engine) Execute(ctx context.Context, caller common.Address, call Call) (any, error) {
	if err := e.checkCaller(caller); err != nil {
		return nil, err
	}
	h, err := lookup(call.Method)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, call.Method, func(s *State, env *txEnv) (any, error) {
		return h(&callCtx{state: s, env: env, caller: caller, cfg: &e.cfg}, call.Params)
	})
}

// Multicall runs calls in order as one unit of work: either all of them
// commit or none does. A failing permit is skipped so a batch still goes
// through when the allowance was already granted.
func (e *Engine) Multicall(ctx context.Context, caller common.Address, calls []Call) ([]any, error) {
	if err := e.checkCaller(caller); err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("%w: empty multicall", model.ErrInvalidParams)
	}
	handlers := make([]handler, len(calls))
	for i, c := range calls {
		if c.Method == MethodMulticall {
			return nil, fmt.Errorf("%w: nested multicall at %d", model.ErrInvalidParams, i)
		}
		h, err := lookup(c.Method)
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		handlers[i] = h
	}
	out, err := e.run(ctx, MethodMulticall, func(s *State, env *txEnv) (any, error) {
		results := make([]any, len(calls))
		for i, c := range calls {
			cc := &callCtx{state: s, env: env, caller: caller, cfg: &e.cfg}
			res, err := handlers[i](cc, c.Params)
			if err != nil {
				if c.Method == MethodPermit {
					slog.Debug("permit skipped in multicall", "index", i, "err", err)
					continue
				}
				return nil, fmt.Errorf("call %d (%s): %w", i, c.Method, err)
			}
			results[i] = res
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]any), nil
}

// run executes fn against a copy of the state and commits it on success.
func (e *Engine) run(ctx context.Context, method string, fn func(s *State, env *txEnv) (any, error)) (any, error) {
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.state.clone()
	env := &txEnv{now: e.cfg.Clock(), book: next.Book}
	out, err := fn(next, env)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues(method, string(model.CategoryOf(err))).Inc()
		slog.Debug("unit of work failed", "method", method, "err", err)
		return nil, err
	}

	next.commit()
	e.state = next
	e.commits++
	events := e.seal(env)
	metrics.OperationsTotal.WithLabelValues(method, "ok").Inc()

	// The state is committed. Effects below are best effort and must not
	// fail the call.
	e.persist(context.WithoutCancel(ctx), events)
	for _, ev := range events {
		metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		if e.hub != nil {
			e.hub.Broadcast(ev)
		}
	}
	e.observe(next)

	slog.Info("unit of work committed",
		"method", method,
		"events", len(events),
		"seq", e.seq,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// seal assigns sequence numbers, IDs and the commit time to the events of a
// unit of work.
func (e *Engine) seal(env *txEnv) []model.Event {
	for i := range env.events {
		e.seq++
		env.events[i].Seq = e.seq
		env.events[i].ID = uuid.NewString()
		env.events[i].Timestamp = env.now
	}
	return env.events
}

func (e *Engine) persist(ctx context.Context, events []model.Event) {
	if len(events) > 0 {
		if err := e.store.AppendEvents(ctx, events); err != nil {
			metrics.PersistErrors.WithLabelValues("events").Inc()
			slog.Error("journal append failed", "first_seq", events[0].Seq, "count", len(events), "err", err)
		}
	}
	if cps := checkpointRecords(events); len(cps) > 0 {
		if err := e.store.AppendCheckpoints(ctx, cps); err != nil {
			metrics.PersistErrors.WithLabelValues("checkpoints").Inc()
			slog.Error("checkpoint index append failed", "count", len(cps), "err", err)
		}
	}
	if e.commits%e.cfg.SnapshotEvery != 0 {
		return
	}
	data, err := encodeState(e.state)
	if err != nil {
		metrics.PersistErrors.WithLabelValues("snapshot").Inc()
		slog.Error("snapshot encode failed", "seq", e.seq, "err", err)
		return
	}
	snap := &model.Snapshot{Seq: e.seq, Data: data, CreatedAt: time.Now().UTC()}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		metrics.PersistErrors.WithLabelValues("snapshot").Inc()
		slog.Error("snapshot save failed", "seq", e.seq, "err", err)
	}
}

// checkpointRecords extracts the checkpoint index entries from events.
func checkpointRecords(events []model.Event) []model.CheckpointRecord {
	var out []model.CheckpointRecord
	for _, ev := range events {
		if ev.Kind != model.EventCheckpointCreated {
			continue
		}
		idx, err := strconv.Atoi(ev.Attrs["index"])
		if err != nil {
			continue
		}
		tickets, err1 := decimal.NewFromString(ev.Attrs["cumulative_tickets"])
		cumAssets, err2 := decimal.NewFromString(ev.Attrs["cumulative_assets"])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, model.CheckpointRecord{
			Source:            ev.Source,
			Index:             idx,
			CumulativeTickets: tickets,
			CumulativeAssets:  cumAssets,
			CreatedAt:         ev.Timestamp,
		})
	}
	return out
}

// observe refreshes the state gauges.
func (e *Engine) observe(s *State) {
	v := s.Vault
	metrics.VaultTotalAssets.Set(v.TotalAssets().Float64())
	metrics.VaultTotalShares.Set(v.TotalShares().Float64())
	metrics.HarvestNonce.Set(float64(v.Ledger().Nonce()))
	metrics.QueuedUnits.WithLabelValues(vault.Source).Set(v.Exits().Queued().Float64())
	metrics.UnclaimedAssets.WithLabelValues(vault.Source).Set(v.Exits().Unclaimed().Float64())
	if s.Synth == nil {
		return
	}
	metrics.SyntheticSupply.Set(s.Synth.Token().TotalShares().Float64())
	metrics.QueuedUnits.WithLabelValues(synth.RedemptionSource).Set(s.Synth.Redemptions().Queued().Float64())
	metrics.UnclaimedAssets.WithLabelValues(synth.RedemptionSource).Set(s.Synth.Redemptions().Unclaimed().Float64())
	metrics.QueuedUnits.WithLabelValues(synth.EscrowSource).Set(s.Synth.Escrow().Queued().Float64())
	metrics.UnclaimedAssets.WithLabelValues(synth.EscrowSource).Set(s.Synth.Escrow().Unclaimed().Float64())
}

// Seq returns the sequence number of the last committed event.
func (e *Engine) Seq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}

// Events returns journaled events.
func (e *Engine) Events(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	return e.store.ListEvents(ctx, f)
}

// Checkpoints returns the indexed checkpoints of one queue.
func (e *Engine) Checkpoints(ctx context.Context, source string) ([]model.CheckpointRecord, error) {
	return e.store.ListCheckpoints(ctx, source)
}

// txEnv is the model.Env of one unit of work.
type txEnv struct {
	now    time.Time
	book   *assets.Book
	events []model.Event
}

func (t *txEnv) Now() time.Time      { return t.now }
func (t *txEnv) Emit(ev model.Event) { t.events = append(t.events, ev) }

func (t *txEnv) BalanceOf(account common.Address) *uint256.Int {
	return t.book.BalanceOf(account)
}

func (t *txEnv) Transfer(from, to common.Address, amount *uint256.Int) error {
	return t.book.Transfer(from, to, amount)
}
