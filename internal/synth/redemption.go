package synth

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/model"
	"github.com/stakewise/v3-core-sub000/internal/queue"
)

// EnterRedemptionQueue locks token shares of caller until the redeemer or a
// swapper settles them for assets payable to receiver.
func (c *Controller) EnterRedemptionQueue(env model.Env, caller, receiver common.Address, shares *uint256.Int) (*uint256.Int, error) {
	if shares == nil || shares.IsZero() {
		return nil, model.ErrInvalidShares
	}
	if err := c.sync(env); err != nil {
		return nil, err
	}
	if err := c.token.Lock(caller, shares); err != nil {
		return nil, err
	}
	return c.redemptions.EnterQueue(env, caller, receiver, shares, struct{}{})
}

// RedeemPositions unwinds shares of owner's debt with token shares waiting in
// the redemption queue. The matching collateral moves to the redemption pool
// and settles the oldest queued shares at the current rate.
func (c *Controller) RedeemPositions(env model.Env, caller, owner common.Address, shares *uint256.Int) (*uint256.Int, error) {
	if caller != c.cfg.Redeemer || caller == (common.Address{}) {
		return nil, model.ErrAccessDenied
	}
	if shares == nil || shares.IsZero() {
		return nil, model.ErrInvalidAmount
	}
	if c.vault.HarvestRequired() {
		return nil, model.ErrNotHarvested
	}
	if _, ok := c.positions.Get(owner); !ok {
		return nil, ErrNoPosition
	}
	if err := c.sync(env); err != nil {
		return nil, err
	}
	p, err := c.position(owner)
	if err != nil {
		return nil, err
	}
	if queued := c.redemptions.Queued(); shares.Gt(queued) {
		return nil, invalidShares(shares, queued)
	}
	if shares.Gt(p.Shares) {
		return nil, invalidShares(shares, p.Shares)
	}
	assets := c.token.ConvertToAssets(shares)
	if collateral := c.CollateralAssets(owner); assets.Gt(collateral) {
		return nil, model.ErrInvalidReceivedAssets
	}

	c.reduce(p, shares)
	if err := c.vault.RedeemCollateral(env, owner, c.cfg.Pool, c.vault.ConvertToSharesUp(assets), assets); err != nil {
		return nil, err
	}
	if _, err := c.redemptions.Checkpoint(env, shares, assets); err != nil {
		return nil, err
	}
	env.Emit(model.Event{
		Kind:     model.EventPositionRedeemed,
		Source:   RedemptionSource,
		Owner:    owner.Hex(),
		Receiver: c.cfg.Pool.Hex(),
		Shares:   model.Dec(shares),
		Assets:   model.Dec(assets),
		Attrs:    map[string]string{"caller": caller.Hex()},
	})
	return assets, nil
}

// ProcessRedemptions settles queued shares with pool liquidity not already
// reserved for claims.
func (c *Controller) ProcessRedemptions(env model.Env) (*queue.Checkpoint, error) {
	if err := c.sync(env); err != nil {
		return nil, err
	}
	return c.redemptions.Process(env)
}

// ClaimRedemption pays caller the settled part of a redemption ticket.
func (c *Controller) ClaimRedemption(env model.Env, caller common.Address, ticket *uint256.Int, index int) (*queue.Claimed, error) {
	return c.redemptions.Claim(env, caller, ticket, index)
}

// redemptionPool adapts the token to the redemption queue.
type redemptionPool struct{ c *Controller }

func (p redemptionPool) ConvertToAssets(units *uint256.Int) *uint256.Int {
	return p.c.token.ConvertToAssets(units)
}
func (p redemptionPool) ConvertToShares(assets *uint256.Int) *uint256.Int {
	return p.c.token.ConvertToShares(assets)
}
func (p redemptionPool) Retire(units, assets *uint256.Int) error {
	return p.c.token.Retire(units, assets)
}
func (p redemptionPool) Payout(env model.Env, receiver common.Address, assets *uint256.Int) error {
	return env.Transfer(p.c.cfg.Pool, receiver, assets)
}
func (p redemptionPool) Liquidity(env model.Env) *uint256.Int {
	return env.BalanceOf(p.c.cfg.Pool)
}
