// Package assets holds the in-process book of the underlying asset. It stands
// in for the external token: every movement of the underlying (deposits,
// payouts, escrow funding, validator withdrawals) is a book entry, so value
// conservation can be checked across the whole engine.
package assets

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/cow"
	"github.com/stakewise/v3-core-sub000/internal/model"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = fmt.Errorf("assets: %w", model.ErrInsufficientAssets)

	// ErrOverflow is returned when a credit would overflow 256 bits.
	ErrOverflow = errors.New("assets: balance overflow")
)

// Book tracks balances of the underlying asset. Not safe for concurrent use;
// the engine serializes access.
type Book struct {
	balances *cow.Map[common.Address, *uint256.Int]
	supply   *uint256.Int
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		balances: cow.NewMap[common.Address, *uint256.Int](),
		supply:   new(uint256.Int),
	}
}

// BalanceOf returns a copy of the balance of account.
func (b *Book) BalanceOf(account common.Address) *uint256.Int {
	if bal, ok := b.balances.Get(account); ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

// Supply returns the total amount in circulation.
func (b *Book) Supply() *uint256.Int {
	return b.supply.Clone()
}

// Mint credits account with newly arrived assets (validator withdrawals,
// unlocked MEV, faucet funding in development).
func (b *Book) Mint(account common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	supply, overflow := new(uint256.Int).AddOverflow(b.supply, amount)
	if overflow {
		return ErrOverflow
	}
	b.supply = supply
	b.credit(account, amount)
	return nil
}

// Burn removes assets from account (assets sent to validators).
func (b *Book) Burn(account common.Address, amount *uint256.Int) error {
	if err := b.debit(account, amount); err != nil {
		return err
	}
	b.supply = new(uint256.Int).Sub(b.supply, amount)
	return nil
}

// Transfer moves amount from one account to another. A transfer to self
// still requires from to hold amount.
func (b *Book) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if from == to {
		if b.BalanceOf(from).Lt(amount) {
			return fmt.Errorf("transfer %s -> self: %w", from.Hex(), ErrInsufficientBalance)
		}
		return nil
	}
	if err := b.debit(from, amount); err != nil {
		return fmt.Errorf("transfer %s -> %s: %w", from.Hex(), to.Hex(), err)
	}
	b.credit(to, amount)
	return nil
}

// Balances returns a copy of all non-zero balances.
func (b *Book) Balances() map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int, b.balances.Len())
	b.balances.Range(func(k common.Address, v *uint256.Int) bool {
		out[k] = v.Clone()
		return true
	})
	return out
}

// Clone returns a copy of the book. Balances are shared with b until either
// side writes them.
func (b *Book) Clone() *Book {
	return &Book{
		balances: b.balances.Clone(),
		supply:   b.supply.Clone(),
	}
}

// Commit folds the writes of a committed unit of work into the shared
// balances. Copies cloned before the commit must be discarded.
func (b *Book) Commit() {
	b.balances.Commit()
}

// Restore replaces the book contents, recomputing supply.
func (b *Book) Restore(balances map[common.Address]*uint256.Int) {
	b.balances = cow.NewMap[common.Address, *uint256.Int]()
	b.supply = new(uint256.Int)
	for k, v := range balances {
		if v == nil || v.IsZero() {
			continue
		}
		b.balances.Set(k, v.Clone())
		b.supply.Add(b.supply, v)
	}
}

func (b *Book) credit(account common.Address, amount *uint256.Int) {
	bal := b.BalanceOf(account)
	b.balances.Set(account, bal.Add(bal, amount))
}

func (b *Book) debit(account common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	bal, ok := b.balances.Get(account)
	if !ok || bal.Lt(amount) {
		return ErrInsufficientBalance
	}
	if bal.Eq(amount) {
		b.balances.Delete(account)
		return nil
	}
	b.balances.Set(account, new(uint256.Int).Sub(bal, amount))
	return nil
}
