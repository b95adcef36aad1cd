package synth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/ledger"
	"github.com/stakewise/v3-core-sub000/internal/model"
	"github.com/stakewise/v3-core-sub000/internal/queue"
)

// EscrowTerms ties an escrow ticket to its position and the vault exit that
// funds it.
type EscrowTerms struct {
	Position    *uint256.Int `json:"position"`
	VaultTicket *uint256.Int `json:"vault_ticket,omitempty"`
}

// EscrowPosition is a position whose collateral left the vault. ID is the
// escrow ticket it was registered under.
type EscrowPosition struct {
	ID    *uint256.Int   `json:"id"`
	Owner common.Address `json:"owner"`
	// Ticket is the escrow ticket still waiting for exited assets, nil once
	// all of them were collected into ExitedAssets.
	Ticket          *uint256.Int `json:"ticket,omitempty"`
	ExitedAssets    *uint256.Int `json:"exited_assets"`
	SyntheticShares *uint256.Int `json:"synthetic_shares"`
	FeeSnapshot     *uint256.Int `json:"fee_snapshot"`
}

func (p *EscrowPosition) clone() *EscrowPosition {
	c := *p
	c.ID = p.ID.Clone()
	if p.Ticket != nil {
		c.Ticket = p.Ticket.Clone()
	}
	c.ExitedAssets = p.ExitedAssets.Clone()
	c.SyntheticShares = p.SyntheticShares.Clone()
	c.FeeSnapshot = p.FeeSnapshot.Clone()
	return &c
}

// PendingExit is a vault exit whose assets have not reached the escrow yet,
// in escrow ticket order. VaultTicket is nil for exits the vault paid at
// once; Paid then holds what arrived.
type PendingExit struct {
	VaultTicket *uint256.Int `json:"vault_ticket,omitempty"`
	Units       *uint256.Int `json:"units"`
	Paid        *uint256.Int `json:"paid,omitempty"`
}

func (e PendingExit) clone() PendingExit {
	c := PendingExit{Units: e.Units.Clone()}
	if e.VaultTicket != nil {
		c.VaultTicket = e.VaultTicket.Clone()
	}
	if e.Paid != nil {
		c.Paid = e.Paid.Clone()
	}
	return c
}

// EscrowPosition returns a copy of the escrow position id with its debt
// scaled to the current fee per share.
func (c *Controller) EscrowPosition(id *uint256.Int) (*EscrowPosition, bool) {
	p, ok := c.escrows.Get(*id)
	if !ok {
		return nil, false
	}
	out := p.clone()
	out.SyntheticShares = c.scale(p.SyntheticShares, p.FeeSnapshot)
	out.FeeSnapshot = c.cumulativeFeePerShare.Clone()
	return out, true
}

// EscrowPositions returns every escrow position of owner, or all of them for
// a zero owner.
func (c *Controller) EscrowPositions(owner common.Address) []*EscrowPosition {
	var out []*EscrowPosition
	c.escrows.Range(func(_ uint256.Int, p *EscrowPosition) bool {
		if owner == (common.Address{}) || p.Owner == owner {
			e, _ := c.EscrowPosition(p.ID)
			out = append(out, e)
		}
		return true
	})
	sortEscrows(out)
	return out
}

// Pending returns the vault exits not yet processed into the escrow.
func (c *Controller) Pending() []PendingExit {
	out := make([]PendingExit, len(c.pending))
	for i, e := range c.pending {
		out[i] = e.clone()
	}
	return out
}

// TransferToEscrow moves shares of caller's debt, with the matching part of
// its vault shares, out of the vault. The remaining position keeps its LTV.
// The vault shares exit through the vault queue to the escrow account.
func (c *Controller) TransferToEscrow(env model.Env, caller common.Address, shares *uint256.Int) (*uint256.Int, error) {
	if shares == nil || shares.IsZero() {
		return nil, model.ErrInvalidAmount
	}
	if c.vault.HarvestRequired() {
		return nil, model.ErrNotHarvested
	}
	if _, ok := c.positions.Get(caller); !ok {
		return nil, ErrNoPosition
	}
	if err := c.sync(env); err != nil {
		return nil, err
	}
	p, err := c.position(caller)
	if err != nil {
		return nil, err
	}
	if shares.Eq(MaxMint) {
		shares = p.Shares.Clone()
	}
	if shares.Gt(p.Shares) {
		return nil, invalidShares(shares, p.Shares)
	}
	exitShares := ledger.MulDiv(c.vault.BalanceOf(caller), shares, p.Shares)
	if exitShares.IsZero() {
		return nil, fmt.Errorf("synth: no collateral behind %s shares: %w", shares, model.ErrInvalidShares)
	}
	c.reduce(p, shares)

	before := env.BalanceOf(c.cfg.Escrow)
	vaultTicket, err := c.vault.ExitCollateral(env, caller, c.cfg.Escrow, exitShares)
	if err != nil {
		return nil, err
	}
	id := c.escrow.TotalTickets()
	terms := EscrowTerms{Position: id.Clone()}
	exit := PendingExit{Units: exitShares.Clone()}
	if vaultTicket.Eq(queue.SettledTicket) {
		exit.Paid = ledger.SubSat(env.BalanceOf(c.cfg.Escrow), before)
	} else {
		terms.VaultTicket = vaultTicket.Clone()
		exit.VaultTicket = vaultTicket.Clone()
	}
	if _, err := c.escrow.EnterQueue(env, caller, c.cfg.Escrow, exitShares, terms); err != nil {
		return nil, err
	}
	c.escrows.Set(*id, &EscrowPosition{
		ID:              id.Clone(),
		Owner:           caller,
		Ticket:          id.Clone(),
		ExitedAssets:    new(uint256.Int),
		SyntheticShares: shares.Clone(),
		FeeSnapshot:     c.cumulativeFeePerShare.Clone(),
	})
	c.pending = append(c.pending, exit)

	attrs := map[string]string{"vault_shares": exitShares.Dec()}
	if exit.VaultTicket != nil {
		attrs["vault_ticket"] = exit.VaultTicket.Dec()
	}
	env.Emit(model.Event{
		Kind:     model.EventEscrowRegistered,
		Source:   EscrowSource,
		Owner:    caller.Hex(),
		Receiver: c.cfg.Escrow.Hex(),
		Ticket:   id.Dec(),
		Shares:   model.Dec(shares),
		Attrs:    attrs,
	})
	return id, nil
}

// ProcessEscrow claims settled vault exits into the escrow, oldest first, and
// checkpoints the escrow queue with exactly what each one paid. It stops at
// the first exit the vault has not settled or whose claim delay has not
// passed, and returns how many exits it processed.
func (c *Controller) ProcessEscrow(env model.Env) (int, error) {
	n := 0
	for len(c.pending) > 0 {
		head := c.pending[0]
		units, assets, next := head.Units, head.Paid, (*uint256.Int)(nil)
		if head.VaultTicket != nil {
			index := c.vault.Exits().GetQueueIndex(head.VaultTicket)
			if index == queue.NotFound {
				break
			}
			claimed, err := c.vault.ClaimCollateralExit(env, head.VaultTicket, index)
			if isTooEarly(err) {
				break
			}
			if err != nil {
				return n, err
			}
			units, assets, next = claimed.Units, claimed.Assets, claimed.Next
		}
		if next != nil {
			c.pending[0] = PendingExit{VaultTicket: next, Units: new(uint256.Int).Sub(head.Units, units)}
		} else {
			c.pending = c.pending[1:]
		}
		if _, err := c.escrow.Checkpoint(env, units, assets); err != nil {
			return n, err
		}
		ev := model.Event{
			Kind:   model.EventEscrowProcessed,
			Source: EscrowSource,
			Shares: model.Dec(units),
			Assets: model.Dec(assets),
		}
		if head.VaultTicket != nil {
			ev.Ticket = head.VaultTicket.Dec()
		}
		env.Emit(ev)
		n++
		if next != nil {
			break
		}
	}
	return n, nil
}

// ClaimEscrow repays shares of the escrow position's debt from caller's token
// balance and pays receiver the proportional exited assets. MaxMint repays
// the whole debt.
func (c *Controller) ClaimEscrow(env model.Env, caller common.Address, id, shares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	p, err := c.escrowPosition(env, id)
	if err != nil {
		return nil, err
	}
	if caller != p.Owner {
		return nil, model.ErrAccessDenied
	}
	if receiver == (common.Address{}) {
		return nil, model.ErrZeroAddress
	}
	if shares != nil && shares.Eq(MaxMint) {
		shares = p.SyntheticShares.Clone()
	}
	if err := c.checkEscrowShares(p, shares); err != nil {
		return nil, err
	}
	assets := ledger.MulDiv(p.ExitedAssets, shares, p.SyntheticShares)
	if err := c.token.Redeem(caller, shares, c.token.ConvertToAssets(shares)); err != nil {
		return nil, err
	}
	c.reduceEscrow(p, shares, assets)
	env.Emit(model.Event{
		Kind:     model.EventEscrowClaimed,
		Source:   EscrowSource,
		Owner:    p.Owner.Hex(),
		Receiver: receiver.Hex(),
		Ticket:   p.ID.Dec(),
		Shares:   model.Dec(shares),
		Assets:   model.Dec(assets),
	})
	if err := env.Transfer(c.cfg.Escrow, receiver, assets); err != nil {
		return nil, err
	}
	return assets, c.releaseRemainder(env, p)
}

// LiquidateEscrow liquidates an unhealthy escrow position against its exited
// assets.
func (c *Controller) LiquidateEscrow(env model.Env, caller common.Address, id, shares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	if !c.cfg.Ltv.LiquidationEnabled() {
		return nil, model.ErrLiquidationDisabled
	}
	return c.closeEscrow(env, caller, id, shares, receiver, true)
}

// RedeemEscrow is LiquidateEscrow for the redeemer: no health check and no
// bonus.
func (c *Controller) RedeemEscrow(env model.Env, caller common.Address, id, shares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	if caller != c.cfg.Redeemer || caller == (common.Address{}) {
		return nil, model.ErrAccessDenied
	}
	return c.closeEscrow(env, caller, id, shares, receiver, false)
}

func (c *Controller) closeEscrow(env model.Env, caller common.Address, id, shares *uint256.Int, receiver common.Address, liquidation bool) (*uint256.Int, error) {
	if receiver == (common.Address{}) {
		return nil, model.ErrZeroAddress
	}
	p, err := c.escrowPosition(env, id)
	if err != nil {
		return nil, err
	}
	if err := c.checkEscrowShares(p, shares); err != nil {
		return nil, err
	}
	kind, bonus := model.EventPositionRedeemed, uint64(model.MaxPercent)
	if liquidation {
		kind, bonus = model.EventPositionLiquidated, c.cfg.Ltv.LiqBonusPercent
		debt := c.token.ConvertToAssetsUp(p.SyntheticShares)
		if !debt.Gt(ledger.Percent(p.ExitedAssets, c.cfg.Ltv.LiqThresholdPercent)) {
			return nil, fmt.Errorf("synth: escrow debt %s of %s: %w", debt, p.ExitedAssets, model.ErrInvalidHealthFactor)
		}
	}
	assets := c.token.ConvertToAssets(shares)
	received := ledger.Percent(assets, bonus)
	if received.Gt(p.ExitedAssets) {
		return nil, fmt.Errorf("synth: %s over exited %s: %w", received, p.ExitedAssets, model.ErrInvalidReceivedAssets)
	}
	if err := c.token.Redeem(caller, shares, assets); err != nil {
		return nil, err
	}
	c.reduceEscrow(p, shares, received)
	env.Emit(model.Event{
		Kind:     kind,
		Source:   EscrowSource,
		Owner:    p.Owner.Hex(),
		Receiver: receiver.Hex(),
		Ticket:   p.ID.Dec(),
		Shares:   model.Dec(shares),
		Assets:   model.Dec(received),
		Attrs:    map[string]string{"caller": caller.Hex()},
	})
	if err := env.Transfer(c.cfg.Escrow, receiver, received); err != nil {
		return nil, err
	}
	return received, c.releaseRemainder(env, p)
}

// escrowPosition syncs position id and collects what the escrow queue
// settled for it. It fails until every exited asset was collected.
func (c *Controller) escrowPosition(env model.Env, id *uint256.Int) (*EscrowPosition, error) {
	if id == nil {
		return nil, ErrNoPosition
	}
	if _, ok := c.escrows.Get(*id); !ok {
		return nil, ErrNoPosition
	}
	if err := c.sync(env); err != nil {
		return nil, err
	}
	p, _ := c.escrows.Edit(*id, (*EscrowPosition).clone)
	p.SyntheticShares = c.scale(p.SyntheticShares, p.FeeSnapshot)
	p.FeeSnapshot = c.cumulativeFeePerShare.Clone()

	if p.Ticket != nil {
		if index := c.escrow.GetQueueIndex(p.Ticket); index != queue.NotFound {
			claimed, err := c.escrow.Claim(env, c.cfg.Escrow, p.Ticket, index)
			if err != nil {
				return nil, err
			}
			p.ExitedAssets = new(uint256.Int).Add(p.ExitedAssets, claimed.Assets)
			p.Ticket = claimed.Next
		}
	}
	if p.Ticket != nil {
		return nil, fmt.Errorf("synth: escrow %s: %w", id, model.ErrExitRequestNotProcessed)
	}
	return p, nil
}

func (c *Controller) checkEscrowShares(p *EscrowPosition, shares *uint256.Int) error {
	if shares == nil || shares.IsZero() {
		return model.ErrInvalidAmount
	}
	if shares.Gt(p.SyntheticShares) {
		return invalidShares(shares, p.SyntheticShares)
	}
	return nil
}

func (c *Controller) reduceEscrow(p *EscrowPosition, shares, assets *uint256.Int) {
	p.SyntheticShares = new(uint256.Int).Sub(p.SyntheticShares, shares)
	p.ExitedAssets = ledger.SubSat(p.ExitedAssets, assets)
}

// releaseRemainder closes a position without debt, returning any exited
// assets left to its owner.
func (c *Controller) releaseRemainder(env model.Env, p *EscrowPosition) error {
	if !p.SyntheticShares.IsZero() {
		return nil
	}
	c.escrows.Delete(*p.ID)
	if p.ExitedAssets.IsZero() {
		return nil
	}
	return env.Transfer(c.cfg.Escrow, p.Owner, p.ExitedAssets)
}

// escrowPool adapts the escrow account to the escrow queue. Vault shares were
// retired by the vault queue already, so settlement retires nothing here.
type escrowPool struct{ c *Controller }

func (p escrowPool) ConvertToAssets(units *uint256.Int) *uint256.Int {
	return p.c.vault.ConvertToAssets(units)
}
func (p escrowPool) ConvertToShares(assets *uint256.Int) *uint256.Int {
	return p.c.vault.ConvertToShares(assets)
}
func (p escrowPool) Retire(units, assets *uint256.Int) error { return nil }
func (p escrowPool) Payout(env model.Env, receiver common.Address, assets *uint256.Int) error {
	return env.Transfer(p.c.cfg.Escrow, receiver, assets)
}
func (p escrowPool) Liquidity(env model.Env) *uint256.Int {
	return env.BalanceOf(p.c.cfg.Escrow)
}
