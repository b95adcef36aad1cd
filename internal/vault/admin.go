package vault

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

func (v *Vault) configUpdated(env model.Env, caller common.Address, key, value string) {
	env.Emit(model.Event{
		Kind:   model.EventConfigUpdated,
		Source: Source,
		Owner:  caller.Hex(),
		Attrs:  map[string]string{"key": key, "value": value},
	})
}

func (v *Vault) requireAdmin(caller common.Address) error {
	if caller != v.cfg.Admin {
		return model.ErrAccessDenied
	}
	return nil
}

// SetFeePercent updates the fee charged on rewards.
func (v *Vault) SetFeePercent(env model.Env, caller common.Address, bps uint64) error {
	if err := v.requireAdmin(caller); err != nil {
		return err
	}
	if err := v.ledger.SetFeePercent(bps); err != nil {
		return err
	}
	v.configUpdated(env, caller, "fee_percent", strconv.FormatUint(bps, 10))
	return nil
}

// SetFeeRecipient updates the account fee shares are minted to.
func (v *Vault) SetFeeRecipient(env model.Env, caller, recipient common.Address) error {
	if err := v.requireAdmin(caller); err != nil {
		return err
	}
	if err := v.ledger.SetFeeRecipient(recipient); err != nil {
		return err
	}
	v.configUpdated(env, caller, "fee_recipient", recipient.Hex())
	return nil
}

// SetCapacity updates the deposit cap. Zero removes it.
func (v *Vault) SetCapacity(env model.Env, caller common.Address, capacity *uint256.Int) error {
	if err := v.requireAdmin(caller); err != nil {
		return err
	}
	if capacity == nil {
		return model.ErrInvalidAmount
	}
	if err := v.ledger.SetCapacity(capacity); err != nil {
		return err
	}
	v.configUpdated(env, caller, "capacity", capacity.Dec())
	return nil
}

// SetClaimDelay updates the minimum time between exit request and claim.
func (v *Vault) SetClaimDelay(env model.Env, caller common.Address, d time.Duration) error {
	if err := v.requireAdmin(caller); err != nil {
		return err
	}
	if err := v.exits.SetClaimDelay(d); err != nil {
		return err
	}
	v.cfg.ClaimDelay = d
	v.configUpdated(env, caller, "claim_delay", d.String())
	return nil
}

// SetBlocked adds or removes account from the blocklist.
func (v *Vault) SetBlocked(env model.Env, caller, account common.Address, blocked bool) error {
	if err := v.requireAdmin(caller); err != nil {
		return err
	}
	if !v.Has(CapBlocklist) {
		return model.ErrUnknownCall
	}
	if v.IsBlocked(account) == blocked {
		return model.ErrValueNotChanged
	}
	if blocked {
		v.blocked.Set(account, struct{}{})
	} else {
		v.blocked.Delete(account)
	}
	v.configUpdated(env, caller, "blocked:"+account.Hex(), strconv.FormatBool(blocked))
	return nil
}
