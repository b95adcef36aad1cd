// Package model defines the domain types shared across the settlement engine.
// Ledger math runs on uint256 integers; values leaving the engine (events,
// persistence, API views) use shopspring/decimal so no float64 touches money.
package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MaxPercent is 100% in basis points.
const MaxPercent = 10_000

// EventKind names an engine event.
type EventKind string

const (
	EventDeposited          EventKind = "deposited"
	EventSharesTransferred  EventKind = "shares_transferred"
	EventPermitApproved     EventKind = "permit_approved"
	EventHarvested          EventKind = "harvested"
	EventTicketIssued       EventKind = "ticket_issued"
	EventInstantSettled     EventKind = "instant_settled"
	EventCheckpointCreated  EventKind = "checkpoint_created"
	EventSettlementClaimed  EventKind = "settlement_claimed"
	EventPositionMinted     EventKind = "position_minted"
	EventPositionBurned     EventKind = "position_burned"
	EventPositionLiquidated EventKind = "position_liquidated"
	EventPositionRedeemed   EventKind = "position_redeemed"
	EventEscrowRegistered   EventKind = "escrow_registered"
	EventEscrowProcessed    EventKind = "escrow_processed"
	EventEscrowClaimed      EventKind = "escrow_claimed"
	EventFeeAccrued         EventKind = "fee_accrued"
	EventConfigUpdated      EventKind = "config_updated"
	EventRootPublished      EventKind = "root_published"
	EventLiquidityMoved     EventKind = "liquidity_moved"
)

// Event is an immutable record of something the engine did. Once journaled,
// events are never modified or deleted.
type Event struct {
	ID        string            `json:"id" db:"id"`
	Seq       uint64            `json:"seq" db:"seq"`
	Kind      EventKind         `json:"kind" db:"kind"`
	Source    string            `json:"source" db:"source"` // vault, redemption, escrow, synthetic, oracle
	Owner     string            `json:"owner,omitempty" db:"owner"`
	Receiver  string            `json:"receiver,omitempty" db:"receiver"`
	Ticket    string            `json:"ticket,omitempty" db:"ticket"`
	Shares    decimal.Decimal   `json:"shares" db:"shares"`
	Assets    decimal.Decimal   `json:"assets" db:"assets"`
	Attrs     map[string]string `json:"attrs,omitempty" db:"attrs"`
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
}

// EventFilter selects journaled events.
type EventFilter struct {
	Kind     EventKind
	Owner    string
	AfterSeq uint64
	Limit    int
}

// Match reports whether e passes the filter (ignoring Limit).
func (f EventFilter) Match(e Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Owner != "" && e.Owner != f.Owner && e.Receiver != f.Owner {
		return false
	}
	return e.Seq > f.AfterSeq
}

// CheckpointRecord is the indexed form of a queue checkpoint.
type CheckpointRecord struct {
	Source            string          `json:"source" db:"source"`
	Index             int             `json:"index" db:"idx"`
	CumulativeTickets decimal.Decimal `json:"cumulative_tickets" db:"cumulative_tickets"`
	CumulativeAssets  decimal.Decimal `json:"cumulative_assets" db:"cumulative_assets"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Snapshot is a serialized copy of the full engine state as of event Seq.
type Snapshot struct {
	Seq       uint64    `json:"seq" db:"seq"`
	Data      []byte    `json:"data" db:"data"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Env is what a unit of work gives the state it runs against: a fixed
// clock, an event sink and the asset book.
type Env interface {
	Now() time.Time
	Emit(e Event)
	BalanceOf(account common.Address) *uint256.Int
	Transfer(from, to common.Address, amount *uint256.Int) error
}

// Dec converts a ledger amount into a decimal for events and views.
func Dec(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), 0)
}

// DecSigned converts a signed amount into a decimal.
func DecSigned(x *big.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, 0)
}

// FromDec converts a non-negative integral decimal back into a ledger amount.
func FromDec(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return nil, ErrInvalidAmount
	}
	x, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, ErrInvalidAmount
	}
	return x, nil
}
