// Package synth implements the synthetic token minted against vault shares.
//
// The token is itself a share ledger: its total assets grow at a configured
// reward rate and the treasury takes a fee of that growth as freshly minted
// shares. Positions record the token shares an owner minted against its vault
// collateral. Every treasury mint raises the cumulative fee per share, and a
// position's debt is scaled by that growth the next time it is touched, so
// debt rises over time without per-position bookkeeping.
//
// Two settlement queues hang off the token. The redemption queue locks token
// shares of holders until the redeemer unwinds positions into the redemption
// pool. The escrow queue tracks positions that left the vault: their
// collateral exits through the vault queue to the escrow account and is paid
// out as the owner repays the debt.
package synth

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/cow"
	"github.com/stakewise/v3-core-sub000/internal/ledger"
	"github.com/stakewise/v3-core-sub000/internal/model"
	"github.com/stakewise/v3-core-sub000/internal/queue"
	"github.com/stakewise/v3-core-sub000/internal/vault"
)

const (
	// Source tags position events.
	Source = "synthetic"
	// RedemptionSource tags redemption queue events.
	RedemptionSource = "redemption"
	// EscrowSource tags escrow events.
	EscrowSource = "escrow"
)

// LiquidationDisabled as the liquidation threshold turns liquidations off.
const LiquidationDisabled uint64 = math.MaxUint64

// MaxMint asks Mint for the largest amount the LTV allows. TransferToEscrow
// and ClaimEscrow read it as "the whole position".
var MaxMint = new(uint256.Int).SetAllOne()

// ErrNoPosition is returned for owners without a collateral position.
var ErrNoPosition = fmt.Errorf("synth: %w", model.ErrInvalidPosition)

// LtvConfig holds the collateral limits, all in basis points.
type LtvConfig struct {
	LtvPercent          uint64 `json:"ltv_percent" yaml:"ltv_percent"`
	LiqThresholdPercent uint64 `json:"liq_threshold_percent" yaml:"liq_threshold_percent"`
	LiqBonusPercent     uint64 `json:"liq_bonus_percent" yaml:"liq_bonus_percent"`
}

// LiquidationEnabled reports whether the threshold is not the disabled
// sentinel.
func (c LtvConfig) LiquidationEnabled() bool {
	return c.LiqThresholdPercent != LiquidationDisabled
}

// Validate checks the limits against each other.
func (c LtvConfig) Validate() error {
	if !c.LiquidationEnabled() {
		if c.LtvPercent == 0 || c.LtvPercent > model.MaxPercent {
			return model.ErrInvalidLtvPercent
		}
		if c.LiqBonusPercent != 0 {
			return model.ErrInvalidLiqBonus
		}
		return nil
	}
	if c.LiqThresholdPercent == 0 || c.LiqThresholdPercent >= model.MaxPercent {
		return model.ErrInvalidLiqThreshold
	}
	if c.LtvPercent == 0 || c.LtvPercent > c.LiqThresholdPercent {
		return model.ErrInvalidLtvPercent
	}
	// The bonus must not push the seized collateral above the position's
	// value at the threshold.
	if c.LiqBonusPercent < model.MaxPercent || c.LiqThresholdPercent*c.LiqBonusPercent > model.MaxPercent*model.MaxPercent {
		return model.ErrInvalidLiqBonus
	}
	return nil
}

// Config configures the synthetic token.
type Config struct {
	// Pool holds the underlying that backs the redemption queue.
	Pool common.Address
	// Escrow holds the underlying exited by escrowed positions.
	Escrow   common.Address
	Admin    common.Address
	Redeemer common.Address
	Treasury common.Address

	FeePercent uint64
	// RewardPerSecond is the WAD-scaled growth of total assets per second.
	RewardPerSecond *uint256.Int
	Capacity        *uint256.Int
	Ltv             LtvConfig
	RedemptionDelay time.Duration
}

// Position is a collateral position of one owner.
type Position struct {
	Owner common.Address `json:"owner"`
	// Shares is the token debt as of the fee snapshot.
	Shares      *uint256.Int `json:"shares"`
	FeeSnapshot *uint256.Int `json:"fee_snapshot"`
}

func (p *Position) clone() *Position {
	return &Position{Owner: p.Owner, Shares: p.Shares.Clone(), FeeSnapshot: p.FeeSnapshot.Clone()}
}

// Controller is the synthetic token and its positions. Not safe for
// concurrent use.
type Controller struct {
	cfg   Config
	vault *vault.Vault
	token *ledger.Ledger

	lastUpdate            time.Time
	cumulativeFeePerShare *uint256.Int
	positions             *cow.Map[common.Address, *Position]

	redemptions *queue.Queue[struct{}]
	escrow      *queue.Queue[EscrowTerms]
	escrows     *cow.Map[uint256.Int, *EscrowPosition]
	pending     []PendingExit
}

// New creates the token over v and installs it as v's collateral guard.
func New(cfg Config, v *vault.Vault) (*Controller, error) {
	if cfg.Admin == (common.Address{}) || cfg.Pool == (common.Address{}) || cfg.Escrow == (common.Address{}) {
		return nil, model.ErrZeroAddress
	}
	if err := cfg.Ltv.Validate(); err != nil {
		return nil, err
	}
	if cfg.RewardPerSecond == nil {
		cfg.RewardPerSecond = new(uint256.Int)
	}
	token, err := ledger.New(ledger.Config{
		FeePercent:   cfg.FeePercent,
		FeeRecipient: cfg.Treasury,
		Capacity:     cfg.Capacity,
	})
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:                   cfg,
		vault:                 v,
		token:                 token,
		cumulativeFeePerShare: ledger.WAD.Clone(),
		positions:             cow.NewMap[common.Address, *Position](),
		escrows:               cow.NewMap[uint256.Int, *EscrowPosition](),
	}
	c.redemptions = queue.New[struct{}](c.redemptionConfig(), redemptionPool{c})
	c.escrow = queue.New[EscrowTerms](queue.Config{Name: EscrowSource}, escrowPool{c})
	v.SetGuard(c)
	return c, nil
}

func (c *Controller) redemptionConfig() queue.Config {
	return queue.Config{Name: RedemptionSource, ClaimDelay: c.cfg.RedemptionDelay}
}

func (c *Controller) Config() Config                      { return c.cfg }
func (c *Controller) Vault() *vault.Vault                 { return c.vault }
func (c *Controller) Token() *ledger.Ledger               { return c.token }
func (c *Controller) Redemptions() *queue.Queue[struct{}] { return c.redemptions }
func (c *Controller) Escrow() *queue.Queue[EscrowTerms]   { return c.escrow }
func (c *Controller) CumulativeFeePerShare() *uint256.Int {
	return c.cumulativeFeePerShare.Clone()
}

// Position returns owner's position with its debt scaled to the current fee
// per share.
func (c *Controller) Position(owner common.Address) (Position, bool) {
	p, ok := c.positions.Get(owner)
	if !ok {
		return Position{}, false
	}
	return Position{Owner: owner, Shares: c.debtShares(p), FeeSnapshot: c.cumulativeFeePerShare.Clone()}, true
}

// DebtAssets is the value of owner's debt, rounded up.
func (c *Controller) DebtAssets(owner common.Address) *uint256.Int {
	p, ok := c.positions.Get(owner)
	if !ok {
		return new(uint256.Int)
	}
	return c.token.ConvertToAssetsUp(c.debtShares(p))
}

// CollateralAssets is the value of owner's vault shares.
func (c *Controller) CollateralAssets(owner common.Address) *uint256.Int {
	return c.vault.ConvertToAssets(c.vault.BalanceOf(owner))
}

// MaxMintShares is how many more token shares owner may mint now.
func (c *Controller) MaxMintShares(owner common.Address) *uint256.Int {
	limit := c.token.ConvertToShares(ledger.Percent(c.CollateralAssets(owner), c.cfg.Ltv.LtvPercent))
	if p, ok := c.positions.Get(owner); ok {
		return ledger.SubSat(limit, c.debtShares(p))
	}
	return limit
}

// CheckCollateral fails with ErrLowLtv when owner's debt exceeds the LTV of
// its current vault shares. The vault calls it after shares left owner.
func (c *Controller) CheckCollateral(owner common.Address) error {
	p, ok := c.positions.Get(owner)
	if !ok {
		return nil
	}
	return c.checkLtv(owner, c.debtShares(p))
}

// EscrowAccount implements vault.CollateralGuard.
func (c *Controller) EscrowAccount() common.Address { return c.cfg.Escrow }

func (c *Controller) checkLtv(owner common.Address, debtShares *uint256.Int) error {
	debt := c.token.ConvertToAssetsUp(debtShares)
	limit := ledger.Percent(c.CollateralAssets(owner), c.cfg.Ltv.LtvPercent)
	if debt.Gt(limit) {
		return fmt.Errorf("synth: debt %s above limit %s for %s: %w", debt, limit, owner.Hex(), model.ErrLowLtv)
	}
	return nil
}

func (c *Controller) requireFreshVault() error {
	if !c.vault.IsCollateralized() {
		return model.ErrNotCollateralized
	}
	if c.vault.HarvestRequired() {
		return model.ErrNotHarvested
	}
	return nil
}

// position returns owner's position synced to the current fee per share,
// private to this copy of the controller.
func (c *Controller) position(owner common.Address) (*Position, error) {
	p, ok := c.positions.Edit(owner, (*Position).clone)
	if !ok {
		return nil, ErrNoPosition
	}
	c.syncPosition(p)
	return p, nil
}

func (c *Controller) reduce(p *Position, shares *uint256.Int) {
	p.Shares = new(uint256.Int).Sub(p.Shares, shares)
	if p.Shares.IsZero() {
		c.positions.Delete(p.Owner)
	}
}

func invalidShares(shares, limit *uint256.Int) error {
	return fmt.Errorf("synth: %s shares over %s: %w", shares, limit, model.ErrInvalidShares)
}

func isTooEarly(err error) bool { return errors.Is(err, model.ErrTooEarly) }
