package synth

import (
	"bytes"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/cow"
	"github.com/stakewise/v3-core-sub000/internal/ledger"
	"github.com/stakewise/v3-core-sub000/internal/queue"
	"github.com/stakewise/v3-core-sub000/internal/vault"
)

// State is the serializable form of a Controller.
type State struct {
	Token                 ledger.State             `json:"token"`
	Ltv                   LtvConfig                `json:"ltv"`
	Redeemer              common.Address           `json:"redeemer"`
	RewardPerSecond       *uint256.Int             `json:"reward_per_second"`
	LastUpdate            time.Time                `json:"last_update"`
	CumulativeFeePerShare *uint256.Int             `json:"cumulative_fee_per_share"`
	Positions             []*Position              `json:"positions"`
	Redemptions           queue.State[struct{}]    `json:"redemptions"`
	Escrow                queue.State[EscrowTerms] `json:"escrow"`
	EscrowPositions       []*EscrowPosition        `json:"escrow_positions"`
	Pending               []PendingExit            `json:"pending"`
}

// Clone returns a copy of the controller over v and installs the copy as v's
// collateral guard. Positions are shared copy-on-write; pending exits are
// copied.
func (c *Controller) Clone(v *vault.Vault) *Controller {
	n := &Controller{
		cfg:                   c.cfg,
		vault:                 v,
		token:                 c.token.Clone(),
		lastUpdate:            c.lastUpdate,
		cumulativeFeePerShare: c.cumulativeFeePerShare.Clone(),
		positions:             c.positions.Clone(),
		escrows:               c.escrows.Clone(),
		pending:               c.Pending(),
	}
	n.cfg.RewardPerSecond = c.cfg.RewardPerSecond.Clone()
	n.redemptions = c.redemptions.Clone(redemptionPool{n})
	n.escrow = c.escrow.Clone(escrowPool{n})
	v.SetGuard(n)
	return n
}

// Commit folds the writes of a committed unit of work into the storage
// shared with earlier clones, which must be discarded.
func (c *Controller) Commit() {
	c.token.Commit()
	c.positions.Commit()
	c.escrows.Commit()
	c.redemptions.Commit()
	c.escrow.Commit()
}

// State exports the controller for snapshots.
func (c *Controller) State() State {
	s := State{
		Token:                 c.token.State(),
		Ltv:                   c.cfg.Ltv,
		Redeemer:              c.cfg.Redeemer,
		RewardPerSecond:       c.cfg.RewardPerSecond.Clone(),
		LastUpdate:            c.lastUpdate,
		CumulativeFeePerShare: c.cumulativeFeePerShare.Clone(),
		Redemptions:           c.redemptions.State(),
		Escrow:                c.escrow.State(),
		Pending:               c.Pending(),
	}
	c.positions.Range(func(_ common.Address, p *Position) bool {
		s.Positions = append(s.Positions, p.clone())
		return true
	})
	sort.Slice(s.Positions, func(i, j int) bool {
		return bytes.Compare(s.Positions[i].Owner[:], s.Positions[j].Owner[:]) < 0
	})
	c.escrows.Range(func(_ uint256.Int, p *EscrowPosition) bool {
		s.EscrowPositions = append(s.EscrowPositions, p.clone())
		return true
	})
	sortEscrows(s.EscrowPositions)
	return s
}

// FromState rebuilds a controller over v from a snapshot taken under cfg.
func FromState(cfg Config, v *vault.Vault, s State) *Controller {
	cfg.Ltv = s.Ltv
	cfg.Redeemer = s.Redeemer
	cfg.FeePercent = s.Token.FeePercent
	cfg.Treasury = s.Token.FeeRecipient
	cfg.RedemptionDelay = s.Redemptions.ClaimDelay
	cfg.RewardPerSecond = new(uint256.Int)
	if s.RewardPerSecond != nil {
		cfg.RewardPerSecond = s.RewardPerSecond.Clone()
	}
	c := &Controller{
		cfg:                   cfg,
		vault:                 v,
		token:                 ledger.FromState(s.Token),
		lastUpdate:            s.LastUpdate,
		cumulativeFeePerShare: ledger.WAD.Clone(),
		positions:             cow.NewMap[common.Address, *Position](),
		escrows:               cow.NewMap[uint256.Int, *EscrowPosition](),
	}
	if s.CumulativeFeePerShare != nil {
		c.cumulativeFeePerShare = s.CumulativeFeePerShare.Clone()
	}
	for _, p := range s.Positions {
		c.positions.Set(p.Owner, p.clone())
	}
	for _, p := range s.EscrowPositions {
		c.escrows.Set(*p.ID, p.clone())
	}
	for _, e := range s.Pending {
		c.pending = append(c.pending, e.clone())
	}
	c.redemptions = queue.FromState[struct{}](c.redemptionConfig(), redemptionPool{c}, s.Redemptions)
	c.escrow = queue.FromState[EscrowTerms](queue.Config{Name: EscrowSource}, escrowPool{c}, s.Escrow)
	v.SetGuard(c)
	return c
}

func sortEscrows(ps []*EscrowPosition) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID.Lt(ps[j].ID) })
}
