// Package vault composes a share ledger and an exit queue around the asset
// book: deposits, exits, harvests and share transfers of one staking vault.
package vault

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/cow"
	"github.com/stakewise/v3-core-sub000/internal/harvest"
	"github.com/stakewise/v3-core-sub000/internal/ledger"
	"github.com/stakewise/v3-core-sub000/internal/model"
	"github.com/stakewise/v3-core-sub000/internal/queue"
)

// Source tags vault events.
const Source = "vault"

// Capability is a set of optional vault behaviours.
type Capability uint8

const (
	// CapBlocklist rejects deposits and transfers involving blocked accounts.
	CapBlocklist Capability = 1 << iota
	// CapSyntheticToken consults the collateral guard before shares leave
	// an owner.
	CapSyntheticToken
)

// CollateralGuard checks that an owner's remaining shares still back the
// synthetic debt minted against them.
type CollateralGuard interface {
	CheckCollateral(owner common.Address) error
	// EscrowAccount receives collateral exits. Its tickets are claimed only
	// through ClaimCollateralExit.
	EscrowAccount() common.Address
}

// Config configures a vault.
type Config struct {
	Address      common.Address
	Admin        common.Address
	Keeper       common.Address
	Validators   common.Address
	MevEscrow    common.Address
	ChainID      uint64
	FeeRecipient common.Address
	FeePercent   uint64
	Capacity     *uint256.Int
	ClaimDelay   time.Duration
	Capabilities Capability

	InstantSettle bool
	InstantBuffer *uint256.Int
}

// Vault is a staking vault. Not safe for concurrent use.
type Vault struct {
	cfg    Config
	ledger *ledger.Ledger
	exits  *queue.Queue[struct{}]
	gate   harvest.Gate
	guard  CollateralGuard

	blocked         *cow.Map[common.Address, struct{}]
	permitNonces    *cow.Map[common.Address, uint64]
	lastReward      *big.Int
	lastUnlockedMev *uint256.Int
	collateralized  bool
}

// HarvestResult reports what UpdateState applied.
type HarvestResult struct {
	Nonce      uint64
	Delta      *big.Int
	Unlocked   *uint256.Int
	FeeShares  *uint256.Int
	Checkpoint *queue.Checkpoint
}

// New creates an empty vault. Its ledger starts at the gate's latest nonce so
// only roots published afterwards apply.
func New(cfg Config, gate harvest.Gate) (*Vault, error) {
	if cfg.Address == (common.Address{}) || cfg.Admin == (common.Address{}) {
		return nil, model.ErrZeroAddress
	}
	l, err := ledger.New(ledger.Config{
		FeePercent:   cfg.FeePercent,
		FeeRecipient: cfg.FeeRecipient,
		Capacity:     cfg.Capacity,
		Nonce:        gate.LatestNonce(),
	})
	if err != nil {
		return nil, err
	}
	v := &Vault{
		cfg:             cfg,
		ledger:          l,
		gate:            gate,
		blocked:         cow.NewMap[common.Address, struct{}](),
		permitNonces:    cow.NewMap[common.Address, uint64](),
		lastReward:      new(big.Int),
		lastUnlockedMev: new(uint256.Int),
	}
	v.exits = queue.New[struct{}](v.queueConfig(), pool{v})
	return v, nil
}

func (v *Vault) queueConfig() queue.Config {
	return queue.Config{
		Name:          Source,
		ClaimDelay:    v.cfg.ClaimDelay,
		InstantSettle: v.cfg.InstantSettle,
		InstantBuffer: v.cfg.InstantBuffer,
	}
}

// SetGuard wires the collateral guard consulted when CapSyntheticToken is set.
func (v *Vault) SetGuard(g CollateralGuard) { v.guard = g }

func (v *Vault) Address() common.Address         { return v.cfg.Address }
func (v *Vault) Admin() common.Address           { return v.cfg.Admin }
func (v *Vault) Keeper() common.Address          { return v.cfg.Keeper }
func (v *Vault) Has(c Capability) bool           { return v.cfg.Capabilities&c != 0 }
func (v *Vault) Ledger() *ledger.Ledger          { return v.ledger }
func (v *Vault) Exits() *queue.Queue[struct{}]   { return v.exits }
func (v *Vault) IsCollateralized() bool          { return v.collateralized }
func (v *Vault) IsBlocked(a common.Address) bool {
	_, ok := v.blocked.Get(a)
	return ok
}

func (v *Vault) PermitNonce(a common.Address) uint64 {
	n, _ := v.permitNonces.Get(a)
	return n
}

func (v *Vault) TotalAssets() *uint256.Int { return v.ledger.TotalAssets() }
func (v *Vault) TotalShares() *uint256.Int { return v.ledger.TotalShares() }
func (v *Vault) BalanceOf(a common.Address) *uint256.Int {
	return v.ledger.BalanceOf(a)
}
func (v *Vault) ConvertToShares(assets *uint256.Int) *uint256.Int {
	return v.ledger.ConvertToShares(assets)
}
func (v *Vault) ConvertToSharesUp(assets *uint256.Int) *uint256.Int {
	return v.ledger.ConvertToSharesUp(assets)
}
func (v *Vault) ConvertToAssets(shares *uint256.Int) *uint256.Int {
	return v.ledger.ConvertToAssets(shares)
}

// HarvestRequired reports whether the vault must apply a newer attestation
// before accepting deposits or exits. Uncollateralized vaults never need to.
func (v *Vault) HarvestRequired() bool {
	return v.collateralized && v.gate.HarvestRequired(v.ledger.Nonce())
}

// WithdrawableAssets is the liquid balance not reserved for settled claims
// nor needed by the queued exits.
func (v *Vault) WithdrawableAssets(env model.Env) *uint256.Int {
	reserved, _ := ledger.Add(v.exits.Unclaimed(), v.exits.QueuedAssets())
	return ledger.SubSat(env.BalanceOf(v.cfg.Address), reserved)
}

// Deposit pulls assets from caller and mints shares to receiver.
func (v *Vault) Deposit(env model.Env, caller, receiver common.Address, assets *uint256.Int, referrer common.Address) (*uint256.Int, error) {
	if caller == v.cfg.Address {
		return nil, fmt.Errorf("vault: deposit from the vault account: %w", model.ErrAccessDenied)
	}
	if err := v.checkBlocked(caller, receiver); err != nil {
		return nil, err
	}
	if v.HarvestRequired() {
		return nil, model.ErrNotHarvested
	}
	shares, err := v.ledger.Deposit(receiver, assets)
	if err != nil {
		return nil, err
	}
	if err := env.Transfer(caller, v.cfg.Address, assets); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	ev := model.Event{
		Kind:     model.EventDeposited,
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
	return shares, nil
}

// EnterExitQueue locks shares of owner and queues them for settlement to
// receiver. A caller other than owner spends its allowance.
func (v *Vault) EnterExitQueue(env model.Env, caller, owner, receiver common.Address, shares *uint256.Int) (*uint256.Int, error) {
	if shares == nil || shares.IsZero() {
		return nil, model.ErrInvalidShares
	}
	if v.HarvestRequired() {
		return nil, model.ErrNotHarvested
	}
	if err := v.ledger.SpendAllowance(owner, caller, shares); err != nil {
		return nil, err
	}
	if err := v.ledger.Lock(owner, shares); err != nil {
		return nil, err
	}
	if err := v.checkCollateral(owner); err != nil {
		return nil, err
	}
	return v.exits.EnterQueue(env, owner, receiver, shares, struct{}{})
}

// ExitCollateral queues shares of owner without allowance or collateral
// checks. Only the synthetic token uses it, when it already moved the debt.
func (v *Vault) ExitCollateral(env model.Env, owner, receiver common.Address, shares *uint256.Int) (*uint256.Int, error) {
	if err := v.ledger.Lock(owner, shares); err != nil {
		return nil, err
	}
	return v.exits.EnterQueue(env, owner, receiver, shares, struct{}{})
}

// ClaimExitedAssets pays caller the settled part of ticket. The escrow
// account of the collateral guard cannot claim here.
func (v *Vault) ClaimExitedAssets(env model.Env, caller common.Address, ticket *uint256.Int, index int) (*queue.Claimed, error) {
	if v.guard != nil && caller == v.guard.EscrowAccount() {
		return nil, fmt.Errorf("vault: %s claims through the synthetic token: %w", caller.Hex(), model.ErrAccessDenied)
	}
	return v.exits.Claim(env, caller, ticket, index)
}

// ClaimCollateralExit claims a ticket queued by ExitCollateral into the
// guard's escrow account.
func (v *Vault) ClaimCollateralExit(env model.Env, ticket *uint256.Int, index int) (*queue.Claimed, error) {
	if v.guard == nil {
		return nil, model.ErrAccessDenied
	}
	return v.exits.Claim(env, v.guard.EscrowAccount(), ticket, index)
}

// RedeemCollateral burns shares of owner and pays assets to receiver out of
// withdrawable liquidity.
func (v *Vault) RedeemCollateral(env model.Env, owner, receiver common.Address, shares, assets *uint256.Int) error {
	if assets.Gt(v.WithdrawableAssets(env)) {
		return fmt.Errorf("redeem %s: %w", assets, model.ErrInsufficientAssets)
	}
	if err := v.ledger.Redeem(owner, shares, assets); err != nil {
		return err
	}
	return env.Transfer(v.cfg.Address, receiver, assets)
}

// UpdateState applies the next attestation and settles as much of the exit
// queue as the liquid balance allows.
func (v *Vault) UpdateState(env model.Env, a harvest.Attestation) (*HarvestResult, error) {
	res, err := v.gate.Resolve(v.cfg.Address, a)
	if err != nil {
		return nil, err
	}
	if res.UnlockedMev.Lt(v.lastUnlockedMev) {
		return nil, fmt.Errorf("unlocked mev decreased from %s to %s: %w", v.lastUnlockedMev, res.UnlockedMev, model.ErrInvalidAmount)
	}
	delta := new(big.Int).Sub(res.Reward, v.lastReward)
	unlocked := new(uint256.Int).Sub(res.UnlockedMev, v.lastUnlockedMev)

	h, err := v.ledger.ApplyDelta(delta, unlocked, res.Nonce)
	if err != nil {
		return nil, err
	}
	v.lastReward = new(big.Int).Set(res.Reward)
	v.lastUnlockedMev = res.UnlockedMev.Clone()

	env.Emit(model.Event{
		Kind:   model.EventHarvested,
		Source: Source,
		Shares: model.Dec(h.FeeShares),
		Assets: model.DecSigned(delta),
		Attrs: map[string]string{
			"nonce":        strconv.FormatUint(res.Nonce, 10),
			"unlocked":     unlocked.Dec(),
			"fee_assets":   h.FeeAssets.Dec(),
			"total_assets": v.ledger.TotalAssets().Dec(),
		},
	})
	if !unlocked.IsZero() {
		if err := env.Transfer(v.cfg.MevEscrow, v.cfg.Address, unlocked); err != nil {
			return nil, fmt.Errorf("pull unlocked mev: %w", err)
		}
	}
	cp, err := v.exits.Process(env)
	if err != nil {
		return nil, err
	}
	return &HarvestResult{Nonce: res.Nonce, Delta: delta, Unlocked: unlocked, FeeShares: h.FeeShares, Checkpoint: cp}, nil
}

// ProcessExits settles queued exits with liquidity that arrived since the
// last harvest.
func (v *Vault) ProcessExits(env model.Env) (*queue.Checkpoint, error) {
	return v.exits.Process(env)
}

// Stake sends withdrawable assets to the validators.
func (v *Vault) Stake(env model.Env, caller common.Address, assets *uint256.Int) error {
	if caller != v.cfg.Keeper && caller != v.cfg.Admin {
		return model.ErrAccessDenied
	}
	if assets.IsZero() {
		return model.ErrInvalidAmount
	}
	if assets.Gt(v.WithdrawableAssets(env)) {
		return fmt.Errorf("stake %s: %w", assets, model.ErrInsufficientAssets)
	}
	v.collateralized = true
	env.Emit(model.Event{
		Kind:     model.EventLiquidityMoved,
		Source:   Source,
		Owner:    v.cfg.Address.Hex(),
		Receiver: v.cfg.Validators.Hex(),
		Assets:   model.Dec(assets),
	})
	return env.Transfer(v.cfg.Address, v.cfg.Validators, assets)
}

// ReceiveLiquidity returns assets from the validators to the vault.
func (v *Vault) ReceiveLiquidity(env model.Env, caller common.Address, assets *uint256.Int) error {
	if caller != v.cfg.Keeper && caller != v.cfg.Admin {
		return model.ErrAccessDenied
	}
	if assets.IsZero() {
		return model.ErrInvalidAmount
	}
	env.Emit(model.Event{
		Kind:     model.EventLiquidityMoved,
		Source:   Source,
		Owner:    v.cfg.Validators.Hex(),
		Receiver: v.cfg.Address.Hex(),
		Assets:   model.Dec(assets),
	})
	return env.Transfer(v.cfg.Validators, v.cfg.Address, assets)
}

// Transfer moves shares from caller to to.
func (v *Vault) Transfer(env model.Env, caller, to common.Address, shares *uint256.Int) error {
	return v.transfer(env, caller, to, shares)
}

// TransferFrom moves shares of from to to, spending caller's allowance.
func (v *Vault) TransferFrom(env model.Env, caller, from, to common.Address, shares *uint256.Int) error {
	if err := v.ledger.SpendAllowance(from, caller, shares); err != nil {
		return err
	}
	return v.transfer(env, from, to, shares)
}

func (v *Vault) transfer(env model.Env, from, to common.Address, shares *uint256.Int) error {
	if err := v.checkBlocked(from, to); err != nil {
		return err
	}
	if v.HarvestRequired() {
		return model.ErrNotHarvested
	}
	if err := v.ledger.Transfer(from, to, shares); err != nil {
		return err
	}
	if err := v.checkCollateral(from); err != nil {
		return err
	}
	env.Emit(model.Event{
		Kind:     model.EventSharesTransferred,
		Source:   Source,
		Owner:    from.Hex(),
		Receiver: to.Hex(),
		Shares:   model.Dec(shares),
	})
	return nil
}

// Approve sets spender's allowance over caller's shares.
func (v *Vault) Approve(env model.Env, caller, spender common.Address, shares *uint256.Int) error {
	return v.ledger.Approve(caller, spender, shares)
}

func (v *Vault) checkBlocked(accounts ...common.Address) error {
	if !v.Has(CapBlocklist) {
		return nil
	}
	for _, a := range accounts {
		if v.IsBlocked(a) {
			return fmt.Errorf("%s: %w", a.Hex(), model.ErrBlocklisted)
		}
	}
	return nil
}

func (v *Vault) checkCollateral(owner common.Address) error {
	if !v.Has(CapSyntheticToken) || v.guard == nil {
		return nil
	}
	return v.guard.CheckCollateral(owner)
}

// pool adapts the vault to the exit queue.
type pool struct{ v *Vault }

func (p pool) ConvertToAssets(units *uint256.Int) *uint256.Int {
	return p.v.ledger.ConvertToAssets(units)
}

func (p pool) ConvertToShares(assets *uint256.Int) *uint256.Int {
	return p.v.ledger.ConvertToShares(assets)
}

func (p pool) Retire(units, assets *uint256.Int) error { return p.v.ledger.Retire(units, assets) }
func (p pool) Liquidity(env model.Env) *uint256.Int    { return env.BalanceOf(p.v.cfg.Address) }
func (p pool) Payout(env model.Env, receiver common.Address, assets *uint256.Int) error {
	return env.Transfer(p.v.cfg.Address, receiver, assets)
}
