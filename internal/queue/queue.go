// Package queue implements the deferred settlement queue shared by the vault
// exit queue, the synthetic redemption queue and the escrow.
//
// Requests receive tickets: a ticket owns the half-open range
// [Start, Start+Units) of the global issuance order. As liquidity arrives the
// queue appends checkpoints in prefix-sum form, so any ticket resolves to its
// settled assets with a binary search and a walk over the checkpoints it
// overlaps. Checkpoints are append-only.
//
// The queue never moves value on its own. A Pool supplies conversions,
// retires the backing of settled units and pays receivers out.
package queue

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/cow"
	"github.com/stakewise/v3-core-sub000/internal/ledger"
	"github.com/stakewise/v3-core-sub000/internal/model"
)

// SettledTicket is returned by EnterQueue when a request settled immediately.
var SettledTicket = new(uint256.Int).SetAllOne()

// NotFound is returned by GetQueueIndex for tickets no checkpoint reached yet.
const NotFound = -1

// Pool is the side of the ledger a queue settles against.
type Pool interface {
	// ConvertToAssets prices queued units at the current rate.
	ConvertToAssets(units *uint256.Int) *uint256.Int
	// ConvertToShares is the inverse of ConvertToAssets, rounding down.
	ConvertToShares(assets *uint256.Int) *uint256.Int
	// Retire removes settled units and their assets from circulation.
	Retire(units, assets *uint256.Int) error
	// Payout transfers settled assets to receiver.
	Payout(env model.Env, receiver common.Address, assets *uint256.Int) error
	// Liquidity is the pool's balance of the underlying, reserved or not.
	Liquidity(env model.Env) *uint256.Int
}

// Config configures a queue.
type Config struct {
	// Name tags events emitted by the queue.
	Name string
	// ClaimDelay is the minimum time between a request and its claim.
	ClaimDelay time.Duration
	// InstantSettle allows EnterQueue to settle immediately when nothing is
	// queued and available liquidity covers the request plus InstantBuffer.
	InstantSettle bool
	InstantBuffer *uint256.Int
}

// Ticket is a pending request. M carries per-instantiation terms and is
// treated as immutable.
type Ticket[M any] struct {
	Start       *uint256.Int   `json:"start"`
	Units       *uint256.Int   `json:"units"`
	Owner       common.Address `json:"owner"`
	Receiver    common.Address `json:"receiver"`
	RequestedAt time.Time      `json:"requested_at"`
	Meta        M              `json:"meta"`
}

func (t *Ticket[M]) clone() *Ticket[M] {
	c := *t
	c.Start = t.Start.Clone()
	c.Units = t.Units.Clone()
	return &c
}

// Checkpoint records how much of the queue had settled, in prefix-sum form.
type Checkpoint struct {
	CumulativeTickets *uint256.Int `json:"cumulative_tickets"`
	CumulativeAssets  *uint256.Int `json:"cumulative_assets"`
}

// Claimed is the outcome of a successful claim.
type Claimed struct {
	Units  *uint256.Int
	Assets *uint256.Int
	// Next is the ticket holding the unsettled remainder, nil when the
	// request is fully settled.
	Next *uint256.Int
}

// Queue is a deferred FIFO settlement queue. Not safe for concurrent use.
type Queue[M any] struct {
	cfg  Config
	pool Pool

	totalTickets *uint256.Int
	unclaimed    *uint256.Int
	checkpoints  []Checkpoint
	tickets      *cow.Map[uint256.Int, *Ticket[M]]
}

// New creates an empty queue over pool.
func New[M any](cfg Config, pool Pool) *Queue[M] {
	if cfg.InstantBuffer == nil {
		cfg.InstantBuffer = new(uint256.Int)
	}
	return &Queue[M]{
		cfg:          cfg,
		pool:         pool,
		totalTickets: new(uint256.Int),
		unclaimed:    new(uint256.Int),
		tickets:      cow.NewMap[uint256.Int, *Ticket[M]](),
	}
}

// Clone returns a copy of the queue bound to pool. Checkpoints are shared
// because they are append-only: the clipped capacity makes the first append
// on either side reallocate. Tickets are immutable and shared copy-on-write.
func (q *Queue[M]) Clone(pool Pool) *Queue[M] {
	c := &Queue[M]{
		cfg:          q.cfg,
		pool:         pool,
		totalTickets: q.totalTickets.Clone(),
		unclaimed:    q.unclaimed.Clone(),
		checkpoints:  q.checkpoints[:len(q.checkpoints):len(q.checkpoints)],
		tickets:      q.tickets.Clone(),
	}
	c.cfg.InstantBuffer = q.cfg.InstantBuffer.Clone()
	return c
}

// Commit folds the ticket writes of a committed unit of work into the
// storage shared with earlier clones, which must be discarded.
func (q *Queue[M]) Commit() {
	q.tickets.Commit()
}

func (q *Queue[M]) Config() Config             { return q.cfg }
func (q *Queue[M]) TotalTickets() *uint256.Int { return q.totalTickets.Clone() }
func (q *Queue[M]) Unclaimed() *uint256.Int    { return q.unclaimed.Clone() }
func (q *Queue[M]) CheckpointCount() int       { return len(q.checkpoints) }

// Queued returns the units issued but not yet covered by a checkpoint.
func (q *Queue[M]) Queued() *uint256.Int {
	return new(uint256.Int).Sub(q.totalTickets, q.settledTickets())
}

// QueuedAssets prices the queued units at the current rate.
func (q *Queue[M]) QueuedAssets() *uint256.Int {
	return q.pool.ConvertToAssets(q.Queued())
}

// Available is the pool liquidity not already reserved for claims.
func (q *Queue[M]) Available(env model.Env) *uint256.Int {
	return ledger.SubSat(q.pool.Liquidity(env), q.unclaimed)
}

// Checkpoints returns a copy of all checkpoints.
func (q *Queue[M]) Checkpoints() []Checkpoint {
	out := make([]Checkpoint, len(q.checkpoints))
	for i, cp := range q.checkpoints {
		out[i] = Checkpoint{CumulativeTickets: cp.CumulativeTickets.Clone(), CumulativeAssets: cp.CumulativeAssets.Clone()}
	}
	return out
}

// Ticket returns a copy of the pending ticket starting at start.
func (q *Queue[M]) Ticket(start *uint256.Int) (*Ticket[M], bool) {
	t, ok := q.tickets.Get(*start)
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Tickets returns pending tickets of receiver in issuance order. A zero
// receiver returns every ticket.
func (q *Queue[M]) Tickets(receiver common.Address) []*Ticket[M] {
	var out []*Ticket[M]
	q.tickets.Range(func(_ uint256.Int, t *Ticket[M]) bool {
		if receiver == (common.Address{}) || t.Receiver == receiver {
			out = append(out, t.clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Lt(out[j].Start) })
	return out
}

// SetClaimDelay updates the minimum claim delay.
func (q *Queue[M]) SetClaimDelay(d time.Duration) error {
	if d < 0 {
		return model.ErrInvalidAmount
	}
	if d == q.cfg.ClaimDelay {
		return model.ErrValueNotChanged
	}
	q.cfg.ClaimDelay = d
	return nil
}

// EnterQueue issues a ticket for units already removed from owner's live
// balance by the caller. When instant settlement applies the request is
// retired and paid out at once and SettledTicket is returned.
func (q *Queue[M]) EnterQueue(env model.Env, owner, receiver common.Address, units *uint256.Int, meta M) (*uint256.Int, error) {
	if units == nil || units.IsZero() {
		return nil, model.ErrInvalidAmount
	}
	if receiver == (common.Address{}) {
		return nil, model.ErrZeroAddress
	}

	if q.cfg.InstantSettle && q.Queued().IsZero() {
		assets := q.pool.ConvertToAssets(units)
		need, overflow := ledger.Add(assets, q.cfg.InstantBuffer)
		if !assets.IsZero() && !overflow && !q.Available(env).Lt(need) {
			if err := q.pool.Retire(units, assets); err != nil {
				return nil, fmt.Errorf("%s: retire instant settlement: %w", q.cfg.Name, err)
			}
			env.Emit(model.Event{
				Kind:     model.EventInstantSettled,
				Source:   q.cfg.Name,
				Owner:    owner.Hex(),
				Receiver: receiver.Hex(),
				Shares:   model.Dec(units),
				Assets:   model.Dec(assets),
			})
			if err := q.pool.Payout(env, receiver, assets); err != nil {
				return nil, fmt.Errorf("%s: instant payout: %w", q.cfg.Name, err)
			}
			return SettledTicket.Clone(), nil
		}
	}

	start := q.totalTickets.Clone()
	total, overflow := ledger.Add(q.totalTickets, units)
	if overflow {
		return nil, ledger.ErrOverflow
	}
	q.totalTickets = total
	q.tickets.Set(*start, &Ticket[M]{
		Start:       start.Clone(),
		Units:       units.Clone(),
		Owner:       owner,
		Receiver:    receiver,
		RequestedAt: env.Now(),
		Meta:        meta,
	})
	env.Emit(model.Event{
		Kind:     model.EventTicketIssued,
		Source:   q.cfg.Name,
		Owner:    owner.Hex(),
		Receiver: receiver.Hex(),
		Ticket:   start.Dec(),
		Shares:   model.Dec(units),
		Attrs:    map[string]string{"queued": q.Queued().Dec()},
	})
	return start, nil
}

// Process advances the queue with the pool's unreserved liquidity.
func (q *Queue[M]) Process(env model.Env) (*Checkpoint, error) {
	return q.Advance(env, q.Available(env))
}

// Advance settles as much of the queue, oldest first, as available assets
// cover at the current rate and appends one checkpoint. It returns nil
// without appending when no unit can be settled.
func (q *Queue[M]) Advance(env model.Env, available *uint256.Int) (*Checkpoint, error) {
	queued := q.Queued()
	if queued.IsZero() || available.IsZero() {
		return nil, nil
	}
	units, assets := queued, q.pool.ConvertToAssets(queued)
	if available.Lt(assets) {
		units = ledger.Min(q.pool.ConvertToShares(available), queued)
		assets = q.pool.ConvertToAssets(units)
	}
	if units.IsZero() {
		return nil, nil
	}
	return q.Checkpoint(env, units, assets)
}

// Checkpoint settles exactly units of the queue for assets. Callers that
// already know the settlement price (the escrow) use it directly.
func (q *Queue[M]) Checkpoint(env model.Env, units, assets *uint256.Int) (*Checkpoint, error) {
	queued := q.Queued()
	if units.IsZero() || units.Gt(queued) {
		return nil, fmt.Errorf("%s: settle %s of %s queued: %w", q.cfg.Name, units, queued, model.ErrInvalidAmount)
	}
	if err := q.pool.Retire(units, assets); err != nil {
		return nil, fmt.Errorf("%s: retire settled backing: %w", q.cfg.Name, err)
	}
	unclaimed, overflow := ledger.Add(q.unclaimed, assets)
	if overflow {
		return nil, ledger.ErrOverflow
	}
	q.unclaimed = unclaimed

	cp := Checkpoint{
		CumulativeTickets: new(uint256.Int).Add(q.settledTickets(), units),
		CumulativeAssets:  new(uint256.Int).Add(q.settledAssets(), assets),
	}
	q.checkpoints = append(q.checkpoints, cp)
	env.Emit(model.Event{
		Kind:   model.EventCheckpointCreated,
		Source: q.cfg.Name,
		Shares: model.Dec(units),
		Assets: model.Dec(assets),
		Attrs: map[string]string{
			"index":              strconv.Itoa(len(q.checkpoints) - 1),
			"cumulative_tickets": cp.CumulativeTickets.Dec(),
			"cumulative_assets":  cp.CumulativeAssets.Dec(),
		},
	})
	return &Checkpoint{CumulativeTickets: cp.CumulativeTickets.Clone(), CumulativeAssets: cp.CumulativeAssets.Clone()}, nil
}

// GetQueueIndex returns the first checkpoint whose cumulative tickets exceed
// ticket, or NotFound.
func (q *Queue[M]) GetQueueIndex(ticket *uint256.Int) int {
	i := sort.Search(len(q.checkpoints), func(i int) bool {
		return q.checkpoints[i].CumulativeTickets.Gt(ticket)
	})
	if i == len(q.checkpoints) {
		return NotFound
	}
	return i
}

// CalculateSettled resolves the range [start, start+units) against the
// checkpoints from index on. index must be the checkpoint covering start.
func (q *Queue[M]) CalculateSettled(start, units *uint256.Int, index int) (left, settledUnits, settledAssets *uint256.Int, err error) {
	if index < 0 || index >= len(q.checkpoints) {
		return nil, nil, nil, fmt.Errorf("%s: index %d: %w", q.cfg.Name, index, model.ErrInvalidCheckpointIndex)
	}
	prevTickets, _ := q.prev(index)
	if start.Lt(prevTickets) || !start.Lt(q.checkpoints[index].CumulativeTickets) {
		return nil, nil, nil, fmt.Errorf("%s: index %d does not cover ticket %s: %w", q.cfg.Name, index, start, model.ErrInvalidCheckpointIndex)
	}

	end, overflow := ledger.Add(start, units)
	if overflow {
		return nil, nil, nil, ledger.ErrOverflow
	}
	cur := start.Clone()
	settledUnits, settledAssets = new(uint256.Int), new(uint256.Int)
	for i := index; i < len(q.checkpoints) && cur.Lt(end); i++ {
		cp := q.checkpoints[i]
		prevTickets, prevAssets := q.prev(i)
		cpUnits := new(uint256.Int).Sub(cp.CumulativeTickets, prevTickets)
		cpAssets := new(uint256.Int).Sub(cp.CumulativeAssets, prevAssets)

		hi := ledger.Min(end, cp.CumulativeTickets)
		overlap := new(uint256.Int).Sub(hi, cur)
		assets := cpAssets
		if !overlap.Eq(cpUnits) {
			assets = ledger.MulDiv(overlap, cpAssets, cpUnits)
		}
		settledUnits.Add(settledUnits, overlap)
		settledAssets.Add(settledAssets, assets)
		cur = hi
	}
	return new(uint256.Int).Sub(end, cur), settledUnits, settledAssets, nil
}

// Claim pays the receiver of ticket the assets settled since the ticket was
// last claimed. A partially settled ticket is reissued at its first
// unsettled unit, keeping its request time.
func (q *Queue[M]) Claim(env model.Env, caller common.Address, ticket *uint256.Int, index int) (*Claimed, error) {
	t, ok := q.tickets.Get(*ticket)
	if !ok {
		return nil, fmt.Errorf("%s: ticket %s: %w", q.cfg.Name, ticket, model.ErrInvalidTicket)
	}
	if caller != t.Receiver {
		return nil, fmt.Errorf("%s: ticket %s: %w", q.cfg.Name, ticket, model.ErrAccessDenied)
	}
	if q.GetQueueIndex(t.Start) == NotFound {
		return nil, fmt.Errorf("%s: ticket %s: %w", q.cfg.Name, ticket, model.ErrExitRequestNotProcessed)
	}
	left, units, assets, err := q.CalculateSettled(t.Start, t.Units, index)
	if err != nil {
		return nil, err
	}
	if units.IsZero() {
		return nil, fmt.Errorf("%s: ticket %s: %w", q.cfg.Name, ticket, model.ErrExitRequestNotProcessed)
	}
	if env.Now().Before(t.RequestedAt.Add(q.cfg.ClaimDelay)) {
		return nil, fmt.Errorf("%s: ticket %s claimable after %s: %w", q.cfg.Name, ticket,
			t.RequestedAt.Add(q.cfg.ClaimDelay).Format(time.RFC3339), model.ErrTooEarly)
	}

	if q.unclaimed.Lt(assets) {
		return nil, fmt.Errorf("%s: claim %s of %s reserved: %w", q.cfg.Name, assets, q.unclaimed, model.ErrInsufficientAssets)
	}

	q.tickets.Delete(*ticket)
	out := &Claimed{Units: units, Assets: assets}
	if !left.IsZero() {
		next := t.clone()
		next.Start = new(uint256.Int).Add(t.Start, units)
		next.Units = left
		q.tickets.Set(*next.Start, next)
		out.Next = next.Start.Clone()
	}
	q.unclaimed = new(uint256.Int).Sub(q.unclaimed, assets)

	attrs := map[string]string{"left": left.Dec()}
	if out.Next != nil {
		attrs["next_ticket"] = out.Next.Dec()
	}
	env.Emit(model.Event{
		Kind:     model.EventSettlementClaimed,
		Source:   q.cfg.Name,
		Owner:    t.Owner.Hex(),
		Receiver: t.Receiver.Hex(),
		Ticket:   ticket.Dec(),
		Shares:   model.Dec(units),
		Assets:   model.Dec(assets),
		Attrs:    attrs,
	})
	if err := q.pool.Payout(env, t.Receiver, assets); err != nil {
		return nil, fmt.Errorf("%s: payout: %w", q.cfg.Name, err)
	}
	return out, nil
}

// ClaimableAt reports what a claim of ticket would pay now, without the
// delay check. Unreached tickets return zeros.
func (q *Queue[M]) ClaimableAt(ticket *uint256.Int) (index int, units, assets *uint256.Int, err error) {
	t, ok := q.tickets.Get(*ticket)
	if !ok {
		return NotFound, nil, nil, fmt.Errorf("%s: ticket %s: %w", q.cfg.Name, ticket, model.ErrInvalidTicket)
	}
	index = q.GetQueueIndex(t.Start)
	if index == NotFound {
		return NotFound, new(uint256.Int), new(uint256.Int), nil
	}
	_, units, assets, err = q.CalculateSettled(t.Start, t.Units, index)
	return index, units, assets, err
}

func (q *Queue[M]) prev(i int) (tickets, assets *uint256.Int) {
	if i == 0 {
		return new(uint256.Int), new(uint256.Int)
	}
	cp := q.checkpoints[i-1]
	return cp.CumulativeTickets, cp.CumulativeAssets
}

func (q *Queue[M]) settledTickets() *uint256.Int {
	t, _ := q.prev(len(q.checkpoints))
	return t
}

func (q *Queue[M]) settledAssets() *uint256.Int {
	_, a := q.prev(len(q.checkpoints))
	return a
}
