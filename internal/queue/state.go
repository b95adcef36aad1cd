package queue

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// State is the serializable form of a Queue.
type State[M any] struct {
	ClaimDelay   time.Duration `json:"claim_delay"`
	TotalTickets *uint256.Int  `json:"total_tickets"`
	Unclaimed    *uint256.Int  `json:"unclaimed"`
	Checkpoints  []Checkpoint  `json:"checkpoints"`
	Tickets      []*Ticket[M]  `json:"tickets"`
}

// State exports the queue for snapshots.
func (q *Queue[M]) State() State[M] {
	return State[M]{
		ClaimDelay:   q.cfg.ClaimDelay,
		TotalTickets: q.totalTickets.Clone(),
		Unclaimed:    q.unclaimed.Clone(),
		Checkpoints:  q.Checkpoints(),
		Tickets:      q.Tickets(common.Address{}),
	}
}

// FromState rebuilds a queue from a snapshot.
func FromState[M any](cfg Config, pool Pool, s State[M]) *Queue[M] {
	cfg.ClaimDelay = s.ClaimDelay
	q := New[M](cfg, pool)
	if s.TotalTickets != nil {
		q.totalTickets = s.TotalTickets.Clone()
	}
	if s.Unclaimed != nil {
		q.unclaimed = s.Unclaimed.Clone()
	}
	q.checkpoints = append(q.checkpoints, s.Checkpoints...)
	for _, t := range s.Tickets {
		q.tickets.Set(*t.Start, t.clone())
	}
	return q
}
