package synth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/ledger"
	"github.com/stakewise/v3-core-sub000/internal/model"
)

// Mint mints token shares to receiver against caller's vault shares and
// returns their value. MaxMint mints up to the LTV limit.
func (c *Controller) Mint(env model.Env, caller, receiver common.Address, shares *uint256.Int, referrer common.Address) (*uint256.Int, error) {
	if receiver == (common.Address{}) {
		return nil, model.ErrZeroAddress
	}
	if shares == nil || shares.IsZero() {
		return nil, model.ErrInvalidAmount
	}
	if err := c.requireFreshVault(); err != nil {
		return nil, err
	}
	if err := c.sync(env); err != nil {
		return nil, err
	}

	p, ok := c.positions.Edit(caller, (*Position).clone)
	if !ok {
		p = &Position{Owner: caller, Shares: new(uint256.Int), FeeSnapshot: c.cumulativeFeePerShare.Clone()}
	}
	c.syncPosition(p)

	if shares.Eq(MaxMint) {
		shares = c.MaxMintShares(caller)
		if shares.IsZero() {
			return nil, fmt.Errorf("synth: nothing to mint for %s: %w", caller.Hex(), model.ErrInvalidShares)
		}
	}
	debt, overflow := ledger.Add(p.Shares, shares)
	if overflow {
		return nil, ledger.ErrOverflow
	}
	if err := c.checkLtv(caller, debt); err != nil {
		return nil, err
	}

	assets := c.token.ConvertToAssetsUp(shares)
	total, overflow := ledger.Add(c.token.TotalAssets(), assets)
	if overflow || total.Gt(c.token.Capacity()) {
		return nil, fmt.Errorf("synth: mint %s assets: %w", assets, model.ErrCapacityExceeded)
	}
	if err := c.token.Mint(receiver, shares, assets); err != nil {
		return nil, err
	}
	p.Shares = debt
	c.positions.Set(caller, p)

	ev := model.Event{
		Kind:     model.EventPositionMinted,
		Source:   Source,
		Owner:    caller.Hex(),
		Receiver: receiver.Hex(),
		Shares:   model.Dec(shares),
		Assets:   model.Dec(assets),
	}
	if referrer != (common.Address{}) {
		ev.Attrs = map[string]string{"referrer": referrer.Hex()}
	}
	env.Emit(ev)
	return assets, nil
}

// Burn burns token shares of caller against its own position and returns the
// value freed.
func (c *Controller) Burn(env model.Env, caller common.Address, shares *uint256.Int) (*uint256.Int, error) {
	if shares == nil || shares.IsZero() {
		return nil, model.ErrInvalidAmount
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
	if shares.Gt(p.Shares) {
		return nil, invalidShares(shares, p.Shares)
	}
	assets := c.token.ConvertToAssets(shares)
	if err := c.token.Redeem(caller, shares, assets); err != nil {
		return nil, err
	}
	c.reduce(p, shares)
	env.Emit(model.Event{
		Kind:   model.EventPositionBurned,
		Source: Source,
		Owner:  caller.Hex(),
		Shares: model.Dec(shares),
		Assets: model.Dec(assets),
	})
	return assets, nil
}

// Liquidate burns token shares of caller against owner's unhealthy position
// and pays receiver their value plus the liquidation bonus out of owner's
// collateral.
func (c *Controller) Liquidate(env model.Env, caller, owner common.Address, shares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	if !c.cfg.Ltv.LiquidationEnabled() {
		return nil, model.ErrLiquidationDisabled
	}
	return c.close(env, caller, owner, shares, receiver, true)
}

// Redeem is Liquidate for the redeemer: no health check and no bonus.
func (c *Controller) Redeem(env model.Env, caller, owner common.Address, shares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	if caller != c.cfg.Redeemer || caller == (common.Address{}) {
		return nil, model.ErrAccessDenied
	}
	return c.close(env, caller, owner, shares, receiver, false)
}

func (c *Controller) close(env model.Env, caller, owner common.Address, shares *uint256.Int, receiver common.Address, liquidation bool) (*uint256.Int, error) {
	if receiver == (common.Address{}) {
		return nil, model.ErrZeroAddress
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
	if shares.Gt(p.Shares) {
		return nil, invalidShares(shares, p.Shares)
	}

	collateral := c.CollateralAssets(owner)
	kind, bonus := model.EventPositionRedeemed, uint64(model.MaxPercent)
	if liquidation {
		kind, bonus = model.EventPositionLiquidated, c.cfg.Ltv.LiqBonusPercent
		debt := c.token.ConvertToAssetsUp(p.Shares)
		if !debt.Gt(ledger.Percent(collateral, c.cfg.Ltv.LiqThresholdPercent)) {
			return nil, fmt.Errorf("synth: debt %s of collateral %s: %w", debt, collateral, model.ErrInvalidHealthFactor)
		}
	}
	assets := c.token.ConvertToAssets(shares)
	received := ledger.Percent(assets, bonus)
	if received.Gt(collateral) {
		return nil, fmt.Errorf("synth: %s over collateral %s: %w", received, collateral, model.ErrInvalidReceivedAssets)
	}

	if err := c.token.Redeem(caller, shares, assets); err != nil {
		return nil, err
	}
	c.reduce(p, shares)
	env.Emit(model.Event{
		Kind:     kind,
		Source:   Source,
		Owner:    owner.Hex(),
		Receiver: receiver.Hex(),
		Shares:   model.Dec(shares),
		Assets:   model.Dec(received),
		Attrs:    map[string]string{"caller": caller.Hex()},
	})
	if err := c.vault.RedeemCollateral(env, owner, receiver, c.vault.ConvertToSharesUp(received), received); err != nil {
		return nil, err
	}
	return received, nil
}
