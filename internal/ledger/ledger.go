// Package ledger implements the share accounting shared by the vault and the
// synthetic token: total assets, total shares, per-account balances,
// allowances and the conversion between shares and assets.
//
// All amounts are uint256 integers. Conversions round down in favour of the
// ledger; the *Up variants round up and are used when measuring debt.
//
// A Ledger is not safe for concurrent use. The engine runs every unit of work
// on a clone and swaps it in on success. Clones share balances and
// allowances copy-on-write, so cloning does not grow with the number of
// holders.
package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/cow"
	"github.com/stakewise/v3-core-sub000/internal/model"
)

const maxPercent = model.MaxPercent

// ErrOverflow is returned when a total would exceed 256 bits.
var ErrOverflow = errors.New("ledger: arithmetic overflow")

// Config configures a new ledger.
type Config struct {
	FeePercent   uint64
	FeeRecipient common.Address
	// Capacity caps TotalAssets after a deposit. Nil means unlimited.
	Capacity *uint256.Int
	// Nonce is the last attestation nonce already reflected in TotalAssets.
	Nonce uint64
}

// Harvest describes the effect of one applied attestation.
type Harvest struct {
	Nonce     uint64
	Delta     *big.Int
	Unlocked  *uint256.Int
	FeeAssets *uint256.Int
	FeeShares *uint256.Int
}

// Ledger is a share ledger over an underlying asset.
type Ledger struct {
	totalAssets  *uint256.Int
	totalShares  *uint256.Int
	feePercent   uint64
	feeRecipient common.Address
	capacity     *uint256.Int
	nonce        uint64

	balances   *cow.Map[common.Address, *uint256.Int]
	allowances *cow.Map[allowanceKey, *uint256.Int]
}

type allowanceKey struct {
	owner, spender common.Address
}

// New creates an empty ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.FeePercent > maxPercent {
		return nil, model.ErrInvalidFeePercent
	}
	if cfg.FeePercent > 0 && cfg.FeeRecipient == (common.Address{}) {
		return nil, model.ErrZeroAddress
	}
	capacity := new(uint256.Int).SetAllOne()
	if cfg.Capacity != nil && !cfg.Capacity.IsZero() {
		capacity = cfg.Capacity.Clone()
	}
	return &Ledger{
		totalAssets:  new(uint256.Int),
		totalShares:  new(uint256.Int),
		feePercent:   cfg.FeePercent,
		feeRecipient: cfg.FeeRecipient,
		capacity:     capacity,
		nonce:        cfg.Nonce,
		balances:     cow.NewMap[common.Address, *uint256.Int](),
		allowances:   cow.NewMap[allowanceKey, *uint256.Int](),
	}, nil
}

func (l *Ledger) TotalAssets() *uint256.Int    { return l.totalAssets.Clone() }
func (l *Ledger) TotalShares() *uint256.Int    { return l.totalShares.Clone() }
func (l *Ledger) FeePercent() uint64           { return l.feePercent }
func (l *Ledger) FeeRecipient() common.Address { return l.feeRecipient }
func (l *Ledger) Capacity() *uint256.Int       { return l.capacity.Clone() }
func (l *Ledger) Nonce() uint64                { return l.nonce }

// ConvertToShares returns floor(assets * totalShares / totalAssets). An empty
// ledger converts 1:1; a ledger with shares but no assets converts to zero.
func (l *Ledger) ConvertToShares(assets *uint256.Int) *uint256.Int {
	if l.totalShares.IsZero() {
		return assets.Clone()
	}
	if l.totalAssets.IsZero() {
		return new(uint256.Int)
	}
	return MulDiv(assets, l.totalShares, l.totalAssets)
}

// ConvertToSharesUp is ConvertToShares rounded up.
func (l *Ledger) ConvertToSharesUp(assets *uint256.Int) *uint256.Int {
	if l.totalShares.IsZero() {
		return assets.Clone()
	}
	if l.totalAssets.IsZero() {
		return new(uint256.Int)
	}
	return MulDivUp(assets, l.totalShares, l.totalAssets)
}

// ConvertToAssets returns floor(shares * totalAssets / totalShares).
func (l *Ledger) ConvertToAssets(shares *uint256.Int) *uint256.Int {
	if l.totalShares.IsZero() {
		return shares.Clone()
	}
	return MulDiv(shares, l.totalAssets, l.totalShares)
}

// ConvertToAssetsUp is ConvertToAssets rounded up.
func (l *Ledger) ConvertToAssetsUp(shares *uint256.Int) *uint256.Int {
	if l.totalShares.IsZero() {
		return shares.Clone()
	}
	return MulDivUp(shares, l.totalAssets, l.totalShares)
}

// BalanceOf returns the live share balance of account.
func (l *Ledger) BalanceOf(account common.Address) *uint256.Int {
	if bal, ok := l.balances.Get(account); ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

// Allowance returns how many of owner's shares spender may move.
func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	if a, ok := l.allowances.Get(allowanceKey{owner, spender}); ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

// Deposit converts assets into shares at the current rate and mints them to
// receiver. The caller moves the underlying.
func (l *Ledger) Deposit(receiver common.Address, assets *uint256.Int) (*uint256.Int, error) {
	if assets.IsZero() {
		return nil, model.ErrInvalidAmount
	}
	if receiver == (common.Address{}) {
		return nil, model.ErrZeroAddress
	}
	total, overflow := Add(l.totalAssets, assets)
	if overflow || total.Gt(l.capacity) {
		return nil, model.ErrCapacityExceeded
	}
	shares := l.ConvertToShares(assets)
	if shares.IsZero() {
		return nil, model.ErrInvalidShares
	}
	if err := l.Mint(receiver, shares, assets); err != nil {
		return nil, err
	}
	return shares, nil
}

// Mint adds shares backed by assets to both totals and credits receiver.
func (l *Ledger) Mint(receiver common.Address, shares, assets *uint256.Int) error {
	totalShares, o1 := Add(l.totalShares, shares)
	totalAssets, o2 := Add(l.totalAssets, assets)
	if o1 || o2 {
		return ErrOverflow
	}
	l.totalShares = totalShares
	l.totalAssets = totalAssets
	l.credit(receiver, shares)
	return nil
}

// Redeem debits owner and removes shares and assets from the totals.
func (l *Ledger) Redeem(owner common.Address, shares, assets *uint256.Int) error {
	if err := l.debit(owner, shares); err != nil {
		return err
	}
	return l.Retire(shares, assets)
}

// Lock debits owner without touching the totals. Locked shares keep earning
// (or losing) until Retire removes them.
func (l *Ledger) Lock(owner common.Address, shares *uint256.Int) error {
	return l.debit(owner, shares)
}

// Retire removes previously locked shares and the assets they settled for.
func (l *Ledger) Retire(shares, assets *uint256.Int) error {
	if shares.Gt(l.totalShares) {
		return fmt.Errorf("retire %s shares of %s: %w", shares, l.totalShares, model.ErrInsufficientShares)
	}
	if assets.Gt(l.totalAssets) {
		return fmt.Errorf("retire %s assets of %s: %w", assets, l.totalAssets, model.ErrInsufficientAssets)
	}
	l.totalShares = new(uint256.Int).Sub(l.totalShares, shares)
	l.totalAssets = new(uint256.Int).Sub(l.totalAssets, assets)
	return nil
}

// Transfer moves shares between accounts.
func (l *Ledger) Transfer(from, to common.Address, shares *uint256.Int) error {
	if to == (common.Address{}) {
		return model.ErrZeroAddress
	}
	if from == to || shares.IsZero() {
		return nil
	}
	if err := l.debit(from, shares); err != nil {
		return err
	}
	l.credit(to, shares)
	return nil
}

// Approve sets the allowance of spender over owner's shares.
func (l *Ledger) Approve(owner, spender common.Address, shares *uint256.Int) error {
	if spender == (common.Address{}) {
		return model.ErrZeroAddress
	}
	key := allowanceKey{owner, spender}
	if shares.IsZero() {
		l.allowances.Delete(key)
		return nil
	}
	l.allowances.Set(key, shares.Clone())
	return nil
}

// SpendAllowance consumes shares of spender's allowance over owner. The owner
// spends its own shares freely; a max allowance is never decremented.
func (l *Ledger) SpendAllowance(owner, spender common.Address, shares *uint256.Int) error {
	if owner == spender {
		return nil
	}
	current := l.Allowance(owner, spender)
	if current.Lt(shares) {
		return model.ErrAccessDenied
	}
	if current.Eq(new(uint256.Int).SetAllOne()) {
		return nil
	}
	return l.Approve(owner, spender, current.Sub(current, shares))
}

// ApplyDelta applies a signed change in total assets reported for nonce,
// plus unlocked assets that arrived outside the reported delta. A positive
// delta mints the fee, priced at the rate before the reward is added, to the
// fee recipient. A negative delta reduces total assets and leaves every share
// balance untouched.
func (l *Ledger) ApplyDelta(delta *big.Int, unlocked *uint256.Int, nonce uint64) (Harvest, error) {
	if nonce != l.nonce+1 {
		return Harvest{}, fmt.Errorf("%w: got nonce %d, want %d", model.ErrStaleAttestation, nonce, l.nonce+1)
	}
	if unlocked == nil {
		unlocked = new(uint256.Int)
	}
	h := Harvest{
		Nonce:     nonce,
		Delta:     new(big.Int).Set(delta),
		Unlocked:  unlocked.Clone(),
		FeeAssets: new(uint256.Int),
		FeeShares: new(uint256.Int),
	}
	base, overflow := Add(l.totalAssets, unlocked)
	if overflow {
		return Harvest{}, ErrOverflow
	}
	abs, overflow := uint256.FromBig(new(big.Int).Abs(delta))
	if overflow {
		return Harvest{}, fmt.Errorf("delta %s: %w", delta, model.ErrInvalidAmount)
	}

	if delta.Sign() > 0 {
		h.FeeAssets = Percent(abs, l.feePercent)
		h.FeeShares = l.ConvertToShares(h.FeeAssets)
		total, overflow := Add(base, abs)
		if overflow {
			return Harvest{}, ErrOverflow
		}
		l.totalAssets = total
		if !h.FeeShares.IsZero() {
			l.totalShares = new(uint256.Int).Add(l.totalShares, h.FeeShares)
			l.credit(l.feeRecipient, h.FeeShares)
		}
	} else {
		if abs.Gt(base) {
			return Harvest{}, fmt.Errorf("penalty %s exceeds %s: %w", abs, base, model.ErrInsufficientAssets)
		}
		l.totalAssets = new(uint256.Int).Sub(base, abs)
	}
	l.nonce = nonce
	return h, nil
}

// SetFeePercent updates the fee charged on positive deltas.
func (l *Ledger) SetFeePercent(p uint64) error {
	if p > maxPercent {
		return model.ErrInvalidFeePercent
	}
	if p == l.feePercent {
		return model.ErrValueNotChanged
	}
	l.feePercent = p
	return nil
}

// SetFeeRecipient updates the account fee shares are minted to.
func (l *Ledger) SetFeeRecipient(a common.Address) error {
	if a == (common.Address{}) {
		return model.ErrZeroAddress
	}
	if a == l.feeRecipient {
		return model.ErrValueNotChanged
	}
	l.feeRecipient = a
	return nil
}

// SetCapacity updates the deposit cap. Zero means unlimited.
func (l *Ledger) SetCapacity(c *uint256.Int) error {
	next := new(uint256.Int).SetAllOne()
	if !c.IsZero() {
		next = c.Clone()
	}
	if next.Eq(l.capacity) {
		return model.ErrValueNotChanged
	}
	l.capacity = next
	return nil
}

// Clone returns a copy of the ledger. Balances and allowances are shared
// with l until either side writes them; stored amounts are never modified
// in place.
func (l *Ledger) Clone() *Ledger {
	return &Ledger{
		totalAssets:  l.totalAssets.Clone(),
		totalShares:  l.totalShares.Clone(),
		feePercent:   l.feePercent,
		feeRecipient: l.feeRecipient,
		capacity:     l.capacity.Clone(),
		nonce:        l.nonce,
		balances:     l.balances.Clone(),
		allowances:   l.allowances.Clone(),
	}
}

// Commit folds the writes of a committed unit of work into the storage
// shared with earlier clones, which must be discarded.
func (l *Ledger) Commit() {
	l.balances.Commit()
	l.allowances.Commit()
}

func (l *Ledger) credit(account common.Address, shares *uint256.Int) {
	if shares.IsZero() {
		return
	}
	bal := l.BalanceOf(account)
	l.balances.Set(account, bal.Add(bal, shares))
}

func (l *Ledger) debit(account common.Address, shares *uint256.Int) error {
	if shares.IsZero() {
		return nil
	}
	bal, ok := l.balances.Get(account)
	if !ok || bal.Lt(shares) {
		return fmt.Errorf("%s holds %s, needs %s: %w", account.Hex(), l.BalanceOf(account), shares, model.ErrInsufficientShares)
	}
	if bal.Eq(shares) {
		l.balances.Delete(account)
		return nil
	}
	l.balances.Set(account, new(uint256.Int).Sub(bal, shares))
	return nil
}
