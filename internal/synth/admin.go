package synth

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

func (c *Controller) requireAdmin(caller common.Address) error {
	if caller != c.cfg.Admin {
		return model.ErrAccessDenied
	}
	return nil
}

func (c *Controller) configUpdated(env model.Env, caller common.Address, key, value string) {
	env.Emit(model.Event{
		Kind:   model.EventConfigUpdated,
		Source: Source,
		Owner:  caller.Hex(),
		Attrs:  map[string]string{"key": key, "value": value},
	})
}

// SetLtvConfig replaces the LTV, liquidation threshold and bonus.
func (c *Controller) SetLtvConfig(env model.Env, caller common.Address, cfg LtvConfig) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg == c.cfg.Ltv {
		return model.ErrValueNotChanged
	}
	c.cfg.Ltv = cfg
	threshold := "disabled"
	if cfg.LiquidationEnabled() {
		threshold = strconv.FormatUint(cfg.LiqThresholdPercent, 10)
	}
	env.Emit(model.Event{
		Kind:   model.EventConfigUpdated,
		Source: Source,
		Owner:  caller.Hex(),
		Attrs: map[string]string{
			"key":                   "ltv",
			"ltv_percent":           strconv.FormatUint(cfg.LtvPercent, 10),
			"liq_threshold_percent": threshold,
			"liq_bonus_percent":     strconv.FormatUint(cfg.LiqBonusPercent, 10),
		},
	})
	return nil
}

// SetRedeemer sets the account allowed to redeem positions. Zero disables
// redemptions.
func (c *Controller) SetRedeemer(env model.Env, caller, redeemer common.Address) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	if redeemer == c.cfg.Redeemer {
		return model.ErrValueNotChanged
	}
	c.cfg.Redeemer = redeemer
	c.configUpdated(env, caller, "redeemer", redeemer.Hex())
	return nil
}

// SetFeePercent updates the treasury fee. Rewards accrued so far are charged
// at the old fee.
func (c *Controller) SetFeePercent(env model.Env, caller common.Address, bps uint64) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	if err := c.sync(env); err != nil {
		return err
	}
	if err := c.token.SetFeePercent(bps); err != nil {
		return err
	}
	c.cfg.FeePercent = bps
	c.configUpdated(env, caller, "synthetic_fee_percent", strconv.FormatUint(bps, 10))
	return nil
}

// SetTreasury updates the fee recipient.
func (c *Controller) SetTreasury(env model.Env, caller, treasury common.Address) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	if err := c.token.SetFeeRecipient(treasury); err != nil {
		return err
	}
	c.cfg.Treasury = treasury
	c.configUpdated(env, caller, "treasury", treasury.Hex())
	return nil
}

// SetRewardPerSecond updates the WAD-scaled reward rate after accruing at the
// old one.
func (c *Controller) SetRewardPerSecond(env model.Env, caller common.Address, rate *uint256.Int) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	if rate == nil {
		return model.ErrInvalidAmount
	}
	if rate.Eq(c.cfg.RewardPerSecond) {
		return model.ErrValueNotChanged
	}
	if err := c.sync(env); err != nil {
		return err
	}
	c.cfg.RewardPerSecond = rate.Clone()
	c.configUpdated(env, caller, "reward_per_second", rate.Dec())
	return nil
}

// SetCapacity caps the total value of minted tokens. Zero removes the cap.
func (c *Controller) SetCapacity(env model.Env, caller common.Address, capacity *uint256.Int) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	if capacity == nil {
		return model.ErrInvalidAmount
	}
	if err := c.token.SetCapacity(capacity); err != nil {
		return err
	}
	c.cfg.Capacity = capacity.Clone()
	c.configUpdated(env, caller, "synthetic_capacity", capacity.Dec())
	return nil
}

// SetRedemptionDelay updates the claim delay of the redemption queue.
func (c *Controller) SetRedemptionDelay(env model.Env, caller common.Address, d time.Duration) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	if err := c.redemptions.SetClaimDelay(d); err != nil {
		return err
	}
	c.cfg.RedemptionDelay = d
	c.configUpdated(env, caller, "redemption_delay", d.String())
	return nil
}
