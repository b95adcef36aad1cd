package synth

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/ledger"
	"github.com/stakewise/v3-core-sub000/internal/model"
)

// sync accrues token rewards since the last update, mints the treasury fee
// and raises the cumulative fee per share by the dilution it caused.
func (c *Controller) sync(env model.Env) error {
	now := env.Now()
	if c.lastUpdate.IsZero() {
		c.lastUpdate = now
		return nil
	}
	elapsed := now.Sub(c.lastUpdate) / time.Second
	if elapsed <= 0 {
		return nil
	}
	c.lastUpdate = c.lastUpdate.Add(elapsed * time.Second)

	totalShares := c.token.TotalShares()
	if totalShares.IsZero() || c.cfg.RewardPerSecond.IsZero() {
		return nil
	}
	rate, overflow := new(uint256.Int).MulOverflow(c.cfg.RewardPerSecond, uint256.NewInt(uint64(elapsed)))
	if overflow {
		return ledger.ErrOverflow
	}
	profit := ledger.MulDiv(c.token.TotalAssets(), rate, ledger.WAD)
	if profit.IsZero() {
		return nil
	}
	h, err := c.token.ApplyDelta(profit.ToBig(), nil, c.token.Nonce()+1)
	if err != nil {
		return err
	}
	if !h.FeeShares.IsZero() {
		growth := ledger.MulDiv(c.cumulativeFeePerShare, h.FeeShares, totalShares)
		c.cumulativeFeePerShare = new(uint256.Int).Add(c.cumulativeFeePerShare, growth)
	}
	env.Emit(model.Event{
		Kind:     model.EventFeeAccrued,
		Source:   Source,
		Receiver: c.token.FeeRecipient().Hex(),
		Shares:   model.Dec(h.FeeShares),
		Assets:   model.Dec(profit),
		Attrs: map[string]string{
			"cumulative_fee_per_share": c.cumulativeFeePerShare.Dec(),
			"total_assets":             c.token.TotalAssets().Dec(),
		},
	})
	return nil
}

// scale converts shares recorded at snapshot to the current fee per share.
func (c *Controller) scale(shares, snapshot *uint256.Int) *uint256.Int {
	if snapshot.Eq(c.cumulativeFeePerShare) || snapshot.IsZero() {
		return shares.Clone()
	}
	return ledger.MulDiv(shares, c.cumulativeFeePerShare, snapshot)
}

func (c *Controller) debtShares(p *Position) *uint256.Int {
	return c.scale(p.Shares, p.FeeSnapshot)
}

func (c *Controller) syncPosition(p *Position) {
	p.Shares = c.debtShares(p)
	p.FeeSnapshot = c.cumulativeFeePerShare.Clone()
}

// SwapAssetsToShares buys token shares queued for redemption with assets of
// caller. Assets too small to buy a single share, or an empty queue, swap
// nothing and return zero.
func (c *Controller) SwapAssetsToShares(env model.Env, caller, receiver common.Address, assets *uint256.Int) (*uint256.Int, error) {
	if receiver == (common.Address{}) {
		return nil, model.ErrZeroAddress
	}
	if err := c.sync(env); err != nil {
		return nil, err
	}
	shares := ledger.Min(c.token.ConvertToShares(assets), c.redemptions.Queued())
	if shares.IsZero() {
		return new(uint256.Int), nil
	}
	cost := c.token.ConvertToAssetsUp(shares)
	if _, err := c.redemptions.Checkpoint(env, shares, cost); err != nil {
		return nil, err
	}
	if err := c.token.Mint(receiver, shares, cost); err != nil {
		return nil, err
	}
	if err := env.Transfer(caller, c.cfg.Pool, cost); err != nil {
		return nil, err
	}
	return shares, nil
}
