package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/cow"
)

// State is the serializable form of a Ledger.
type State struct {
	TotalAssets  *uint256.Int                                       `json:"total_assets"`
	TotalShares  *uint256.Int                                       `json:"total_shares"`
	FeePercent   uint64                                             `json:"fee_percent"`
	FeeRecipient common.Address                                     `json:"fee_recipient"`
	Capacity     *uint256.Int                                       `json:"capacity"`
	Nonce        uint64                                             `json:"nonce"`
	Balances     map[common.Address]*uint256.Int                    `json:"balances"`
	Allowances   map[common.Address]map[common.Address]*uint256.Int `json:"allowances,omitempty"`
}

// State exports the ledger for snapshots.
func (l *Ledger) State() State {
	s := State{
		TotalAssets:  l.totalAssets.Clone(),
		TotalShares:  l.totalShares.Clone(),
		FeePercent:   l.feePercent,
		FeeRecipient: l.feeRecipient,
		Capacity:     l.capacity.Clone(),
		Nonce:        l.nonce,
		Balances:     make(map[common.Address]*uint256.Int, l.balances.Len()),
	}
	l.balances.Range(func(k common.Address, v *uint256.Int) bool {
		s.Balances[k] = v.Clone()
		return true
	})
	l.allowances.Range(func(k allowanceKey, v *uint256.Int) bool {
		if s.Allowances == nil {
			s.Allowances = make(map[common.Address]map[common.Address]*uint256.Int)
		}
		m, ok := s.Allowances[k.owner]
		if !ok {
			m = make(map[common.Address]*uint256.Int)
			s.Allowances[k.owner] = m
		}
		m[k.spender] = v.Clone()
		return true
	})
	return s
}

// FromState rebuilds a ledger from a snapshot.
func FromState(s State) *Ledger {
	l := &Ledger{
		totalAssets:  orZero(s.TotalAssets),
		totalShares:  orZero(s.TotalShares),
		feePercent:   s.FeePercent,
		feeRecipient: s.FeeRecipient,
		capacity:     orZero(s.Capacity),
		nonce:        s.Nonce,
		balances:     cow.NewMap[common.Address, *uint256.Int](),
		allowances:   cow.NewMap[allowanceKey, *uint256.Int](),
	}
	if l.capacity.IsZero() {
		l.capacity.SetAllOne()
	}
	for k, v := range s.Balances {
		if v != nil && !v.IsZero() {
			l.balances.Set(k, v.Clone())
		}
	}
	for owner, m := range s.Allowances {
		for spender, v := range m {
			if v != nil && !v.IsZero() {
				l.allowances.Set(allowanceKey{owner, spender}, v.Clone())
			}
		}
	}
	return l
}

func orZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x.Clone()
}
