package vault

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/cow"
	"github.com/stakewise/v3-core-sub000/internal/harvest"
	"github.com/stakewise/v3-core-sub000/internal/ledger"
	"github.com/stakewise/v3-core-sub000/internal/queue"
)

// State is the serializable form of a Vault.
type State struct {
	Ledger          ledger.State              `json:"ledger"`
	Exits           queue.State[struct{}]     `json:"exits"`
	Blocked         []common.Address          `json:"blocked,omitempty"`
	PermitNonces    map[common.Address]uint64 `json:"permit_nonces,omitempty"`
	LastReward      string                    `json:"last_reward"`
	LastUnlockedMev *uint256.Int              `json:"last_unlocked_mev"`
	Collateralized  bool                      `json:"collateralized"`
	ClaimDelay      time.Duration             `json:"claim_delay"`
}

// Clone returns a copy of the vault reading attestations from gate. Keyed
// collections are shared copy-on-write. The collateral guard is not copied;
// callers rewire it.
func (v *Vault) Clone(gate harvest.Gate) *Vault {
	c := &Vault{
		cfg:             v.cfg,
		ledger:          v.ledger.Clone(),
		gate:            gate,
		blocked:         v.blocked.Clone(),
		permitNonces:    v.permitNonces.Clone(),
		lastReward:      new(big.Int).Set(v.lastReward),
		lastUnlockedMev: v.lastUnlockedMev.Clone(),
		collateralized:  v.collateralized,
	}
	c.exits = v.exits.Clone(pool{c})
	return c
}

// Commit folds the writes of a committed unit of work into the storage
// shared with earlier clones, which must be discarded.
func (v *Vault) Commit() {
	v.ledger.Commit()
	v.exits.Commit()
	v.blocked.Commit()
	v.permitNonces.Commit()
}

// State exports the vault for snapshots.
func (v *Vault) State() State {
	s := State{
		Ledger:          v.ledger.State(),
		Exits:           v.exits.State(),
		PermitNonces:    make(map[common.Address]uint64, v.permitNonces.Len()),
		LastReward:      v.lastReward.String(),
		LastUnlockedMev: v.lastUnlockedMev.Clone(),
		Collateralized:  v.collateralized,
		ClaimDelay:      v.cfg.ClaimDelay,
	}
	v.blocked.Range(func(k common.Address, _ struct{}) bool {
		s.Blocked = append(s.Blocked, k)
		return true
	})
	v.permitNonces.Range(func(k common.Address, n uint64) bool {
		s.PermitNonces[k] = n
		return true
	})
	return s
}

// FromState rebuilds a vault from a snapshot taken under cfg.
func FromState(cfg Config, gate harvest.Gate, s State) *Vault {
	cfg.ClaimDelay = s.ClaimDelay
	v := &Vault{
		cfg:             cfg,
		ledger:          ledger.FromState(s.Ledger),
		gate:            gate,
		blocked:         cow.NewMap[common.Address, struct{}](),
		permitNonces:    cow.NewMap[common.Address, uint64](),
		lastReward:      new(big.Int),
		lastUnlockedMev: new(uint256.Int),
		collateralized:  s.Collateralized,
	}
	if r, ok := new(big.Int).SetString(s.LastReward, 10); ok {
		v.lastReward = r
	}
	if s.LastUnlockedMev != nil {
		v.lastUnlockedMev = s.LastUnlockedMev.Clone()
	}
	for _, a := range s.Blocked {
		v.blocked.Set(a, struct{}{})
	}
	for k, n := range s.PermitNonces {
		v.permitNonces.Set(k, n)
	}
	v.exits = queue.FromState[struct{}](v.queueConfig(), pool{v}, s.Exits)
	return v
}
