package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/stakewise/v3-core-sub000/internal/harvest"
	"github.com/stakewise/v3-core-sub000/internal/model"
	"github.com/stakewise/v3-core-sub000/internal/queue"
	"github.com/stakewise/v3-core-sub000/internal/synth"
	"github.com/stakewise/v3-core-sub000/internal/vault"
)

// Call methods.
const (
	MethodMulticall = "multicall"

	MethodDeposit           = "deposit"
	MethodDepositAndMint    = "deposit_and_mint"
	MethodEnterExitQueue    = "enter_exit_queue"
	MethodClaimExitedAssets = "claim_exited_assets"
	MethodUpdateState       = "update_state"
	MethodProcessExits      = "process_exits"
	MethodStake             = "stake"
	MethodReceiveLiquidity  = "receive_liquidity"
	MethodTransfer          = "transfer"
	MethodTransferFrom      = "transfer_from"
	MethodApprove           = "approve"
	MethodPermit            = "permit"

	MethodPublishRoot    = "publish_root"
	MethodPublishRewards = "publish_rewards"

	MethodMint                 = "mint"
	MethodBurn                 = "burn"
	MethodLiquidate            = "liquidate"
	MethodRedeem               = "redeem"
	MethodTransferToEscrow     = "transfer_to_escrow"
	MethodProcessEscrow        = "process_escrow"
	MethodClaimEscrow          = "claim_escrow"
	MethodLiquidateEscrow      = "liquidate_escrow"
	MethodRedeemEscrow         = "redeem_escrow"
	MethodEnterRedemptionQueue = "enter_redemption_queue"
	MethodRedeemPositions      = "redeem_positions"
	MethodProcessRedemptions   = "process_redemptions"
	MethodClaimRedemption      = "claim_redemption"
	MethodSwapAssetsToShares   = "swap_assets_to_shares"
	MethodTransferSynthetic    = "transfer_synthetic"

	MethodSetFeePercent          = "set_fee_percent"
	MethodSetFeeRecipient        = "set_fee_recipient"
	MethodSetCapacity            = "set_capacity"
	MethodSetClaimDelay          = "set_claim_delay"
	MethodSetBlocked             = "set_blocked"
	MethodSetLtvConfig           = "set_ltv_config"
	MethodSetRedeemer            = "set_redeemer"
	MethodSetSyntheticFeePercent = "set_synthetic_fee_percent"
	MethodSetTreasury            = "set_treasury"
	MethodSetRewardPerSecond     = "set_reward_per_second"
	MethodSetSyntheticCapacity   = "set_synthetic_capacity"
	MethodSetRedemptionDelay     = "set_redemption_delay"

	MethodFaucet = "faucet"
)

// ErrSyntheticDisabled is returned for synthetic token calls on an engine
// configured without one.
var ErrSyntheticDisabled = fmt.Errorf("engine: synthetic token not configured: %w", model.ErrUnknownCall)

type callCtx struct {
	state  *State
	env    model.Env
	caller common.Address
	cfg    *Config
}

func (c *callCtx) synth() (*synth.Controller, error) {
	if c.state.Synth == nil {
		return nil, ErrSyntheticDisabled
	}
	return c.state.Synth, nil
}

type handler func(c *callCtx, params json.RawMessage) (any, error)

// bind decodes the params of a call into P.
func bind[P any](fn func(c *callCtx, p P) (any, error)) handler {
	return func(c *callCtx, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrInvalidParams, err)
			}
		}
		return fn(c, p)
	}
}

var handlers = map[string]handler{
	MethodDeposit:           bind(deposit),
	MethodDepositAndMint:    bind(depositAndMint),
	MethodEnterExitQueue:    bind(enterExitQueue),
	MethodClaimExitedAssets: bind(claimExitedAssets),
	MethodUpdateState:       bind(updateState),
	MethodProcessExits:      bind(processExits),
	MethodStake:             bind(stake),
	MethodReceiveLiquidity:  bind(receiveLiquidity),
	MethodTransfer:          bind(transfer),
	MethodTransferFrom:      bind(transferFrom),
	MethodApprove:           bind(approve),
	MethodPermit:            bind(permit),

	MethodPublishRoot:    bind(publishRoot),
	MethodPublishRewards: bind(publishRewards),

	MethodMint:                 bind(mint),
	MethodBurn:                 bind(burn),
	MethodLiquidate:            bind(liquidate),
	MethodRedeem:               bind(redeem),
	MethodTransferToEscrow:     bind(transferToEscrow),
	MethodProcessEscrow:        bind(processEscrow),
	MethodClaimEscrow:          bind(claimEscrow),
	MethodLiquidateEscrow:      bind(liquidateEscrow),
	MethodRedeemEscrow:         bind(redeemEscrow),
	MethodEnterRedemptionQueue: bind(enterRedemptionQueue),
	MethodRedeemPositions:      bind(redeemPositions),
	MethodProcessRedemptions:   bind(processRedemptions),
	MethodClaimRedemption:      bind(claimRedemption),
	MethodSwapAssetsToShares:   bind(swapAssetsToShares),
	MethodTransferSynthetic:    bind(transferSynthetic),

	MethodSetFeePercent:          bind(setFeePercent),
	MethodSetFeeRecipient:        bind(setFeeRecipient),
	MethodSetCapacity:            bind(setCapacity),
	MethodSetClaimDelay:          bind(setClaimDelay),
	MethodSetBlocked:             bind(setBlocked),
	MethodSetLtvConfig:           bind(setLtvConfig),
	MethodSetRedeemer:            bind(setRedeemer),
	MethodSetSyntheticFeePercent: bind(setSyntheticFeePercent),
	MethodSetTreasury:            bind(setTreasury),
	MethodSetRewardPerSecond:     bind(setRewardPerSecond),
	MethodSetSyntheticCapacity:   bind(setSyntheticCapacity),
	MethodSetRedemptionDelay:     bind(setRedemptionDelay),

	MethodFaucet: bind(faucet),
}

func lookup(method string) (handler, error) {
	h, ok := handlers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownCall, method)
	}
	return h, nil
}

// Methods returns the names of all calls Execute accepts.
func Methods() []string {
	out := make([]string, 0, len(handlers))
	for m := range handlers {
		out = append(out, m)
	}
	return out
}

// --- Params ---

// Amount is a JSON amount: a decimal string, a bare integer or "max". An
// absent amount is zero.
type Amount struct{ x *uint256.Int }

// NewAmount wraps x.
func NewAmount(x *uint256.Int) Amount { return Amount{x: x.Clone()} }

// Max is the "max" amount.
func Max() Amount { return Amount{x: synth.MaxMint.Clone()} }

// Int returns a copy of the amount.
func (a Amount) Int() *uint256.Int {
	if a.x == nil {
		return new(uint256.Int)
	}
	return a.x.Clone()
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "max" {
		a.x = synth.MaxMint.Clone()
		return nil
	}
	x, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("amount %q: %w", s, model.ErrInvalidAmount)
	}
	a.x = x
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	x := a.Int()
	if x.Eq(synth.MaxMint) {
		return []byte(`"max"`), nil
	}
	return []byte(`"` + x.Dec() + `"`), nil
}

// DepositParams are the params of deposit and deposit_and_mint.
type DepositParams struct {
	Receiver common.Address `json:"receiver"`
	Assets   Amount         `json:"assets"`
	Referrer common.Address `json:"referrer"`
	// MintShares is read by deposit_and_mint only.
	MintShares Amount `json:"mint_shares"`
}

// ExitParams are the params of enter_exit_queue. Owner defaults to the
// caller.
type ExitParams struct {
	Owner    common.Address `json:"owner"`
	Receiver common.Address `json:"receiver"`
	Shares   Amount         `json:"shares"`
}

// ClaimParams are the params of claim_exited_assets and claim_redemption.
type ClaimParams struct {
	Ticket Amount `json:"ticket"`
	Index  int    `json:"index"`
}

// AssetsParams carries a bare amount of underlying.
type AssetsParams struct {
	Assets Amount `json:"assets"`
}

// TransferParams are the params of transfer, transfer_from, approve and
// transfer_synthetic.
type TransferParams struct {
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Spender common.Address `json:"spender"`
	Shares  Amount         `json:"shares"`
}

// PermitParams are the params of permit. Deadline is in unix seconds.
type PermitParams struct {
	Owner     common.Address `json:"owner"`
	Spender   common.Address `json:"spender"`
	Value     Amount         `json:"value"`
	Deadline  int64          `json:"deadline"`
	Signature hexutil.Bytes  `json:"signature"`
}

// RootParams are the params of publish_root.
type RootParams struct {
	Root common.Hash `json:"root"`
}

// RewardEntry is one vault's row in publish_rewards. Reward may be negative.
type RewardEntry struct {
	Vault       common.Address  `json:"vault"`
	Reward      decimal.Decimal `json:"reward"`
	UnlockedMev Amount          `json:"unlocked_mev_reward"`
}

// RewardsParams are the params of publish_rewards.
type RewardsParams struct {
	Entries []RewardEntry `json:"entries"`
}

// MintParams are the params of mint.
type MintParams struct {
	Receiver common.Address `json:"receiver"`
	Shares   Amount         `json:"shares"`
	Referrer common.Address `json:"referrer"`
}

// SharesParams carries a bare amount of shares.
type SharesParams struct {
	Shares Amount `json:"shares"`
}

// CloseParams are the params of liquidate and redeem.
type CloseParams struct {
	Owner    common.Address `json:"owner"`
	Shares   Amount         `json:"shares"`
	Receiver common.Address `json:"receiver"`
}

// EscrowParams are the params of the escrow position calls. Receiver
// defaults to the caller.
type EscrowParams struct {
	PositionID Amount         `json:"position_id"`
	Shares     Amount         `json:"shares"`
	Receiver   common.Address `json:"receiver"`
}

// RedemptionParams are the params of enter_redemption_queue and
// swap_assets_to_shares. Receiver defaults to the caller.
type RedemptionParams struct {
	Receiver common.Address `json:"receiver"`
	Shares   Amount         `json:"shares"`
	Assets   Amount         `json:"assets"`
}

// RedeemPositionsParams are the params of redeem_positions.
type RedeemPositionsParams struct {
	Owner  common.Address `json:"owner"`
	Shares Amount         `json:"shares"`
}

// PercentParams carries a fee in basis points.
type PercentParams struct {
	Percent uint64 `json:"percent"`
}

// AddressParams carries an account for the address setters.
type AddressParams struct {
	Address common.Address `json:"address"`
}

// AmountParams carries an amount for the capacity and rate setters.
type AmountParams struct {
	Amount Amount `json:"amount"`
}

// DelayParams carries a delay in seconds.
type DelayParams struct {
	Seconds uint64 `json:"seconds"`
}

// BlockedParams are the params of set_blocked.
type BlockedParams struct {
	Account common.Address `json:"account"`
	Blocked bool           `json:"blocked"`
}

// FaucetParams are the params of faucet.
type FaucetParams struct {
	Account common.Address `json:"account"`
	Assets  Amount         `json:"assets"`
}

// --- Results ---

// SharesResult reports shares.
type SharesResult struct {
	Shares decimal.Decimal `json:"shares"`
}

// AssetsResult reports assets.
type AssetsResult struct {
	Assets decimal.Decimal `json:"assets"`
}

// TicketResult reports a queue ticket. Settled marks requests paid at once.
type TicketResult struct {
	Ticket  decimal.Decimal `json:"ticket"`
	Settled bool            `json:"settled"`
}

// ClaimResult reports a claim.
type ClaimResult struct {
	Units  decimal.Decimal  `json:"units"`
	Assets decimal.Decimal  `json:"assets"`
	Next   *decimal.Decimal `json:"next_ticket,omitempty"`
}

// CheckpointResult reports a new checkpoint, or none.
type CheckpointResult struct {
	Created           bool            `json:"created"`
	CumulativeTickets decimal.Decimal `json:"cumulative_tickets"`
	CumulativeAssets  decimal.Decimal `json:"cumulative_assets"`
}

// HarvestResult reports an applied attestation.
type HarvestResult struct {
	Nonce      uint64           `json:"nonce"`
	Delta      decimal.Decimal  `json:"delta"`
	Unlocked   decimal.Decimal  `json:"unlocked"`
	FeeShares  decimal.Decimal  `json:"fee_shares"`
	Checkpoint CheckpointResult `json:"checkpoint"`
}

// DepositAndMintResult reports deposit_and_mint.
type DepositAndMintResult struct {
	Shares         decimal.Decimal `json:"shares"`
	MintedAssets   decimal.Decimal `json:"minted_assets"`
	SyntheticDebt  decimal.Decimal `json:"synthetic_debt"`
}

// PublishResult reports a published root and, for publish_rewards, the
// payload each vault harvests with.
type PublishResult struct {
	Nonce    uint64                             `json:"nonce"`
	Payloads map[common.Address]harvest.Payload `json:"payloads,omitempty"`
}

// ProcessedResult reports how many escrow exits were processed.
type ProcessedResult struct {
	Processed int `json:"processed"`
}

// PositionIDResult reports a new escrow position.
type PositionIDResult struct {
	PositionID decimal.Decimal `json:"position_id"`
}

type empty struct{}

func ticketResult(t *uint256.Int) TicketResult {
	return TicketResult{Ticket: model.Dec(t), Settled: t.Eq(queue.SettledTicket)}
}

func claimResult(c *queue.Claimed) ClaimResult {
	r := ClaimResult{Units: model.Dec(c.Units), Assets: model.Dec(c.Assets)}
	if c.Next != nil {
		next := model.Dec(c.Next)
		r.Next = &next
	}
	return r
}

func checkpointResult(cp *queue.Checkpoint) CheckpointResult {
	if cp == nil {
		return CheckpointResult{}
	}
	return CheckpointResult{
		Created:           true,
		CumulativeTickets: model.Dec(cp.CumulativeTickets),
		CumulativeAssets:  model.Dec(cp.CumulativeAssets),
	}
}

func orCaller(a, caller common.Address) common.Address {
	if a == (common.Address{}) {
		return caller
	}
	return a
}

// --- Vault ---

func deposit(c *callCtx, p DepositParams) (any, error) {
	shares, err := c.state.Vault.Deposit(c.env, c.caller, orCaller(p.Receiver, c.caller), p.Assets.Int(), p.Referrer)
	if err != nil {
		return nil, err
	}
	return SharesResult{Shares: model.Dec(shares)}, nil
}

// depositAndMint deposits for the caller and mints synthetic shares against
// the new position, to the receiver.
func depositAndMint(c *callCtx, p DepositParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	shares, err := c.state.Vault.Deposit(c.env, c.caller, c.caller, p.Assets.Int(), p.Referrer)
	if err != nil {
		return nil, err
	}
	minted, err := ctl.Mint(c.env, c.caller, orCaller(p.Receiver, c.caller), p.MintShares.Int(), p.Referrer)
	if err != nil {
		return nil, err
	}
	return DepositAndMintResult{
		Shares:        model.Dec(shares),
		MintedAssets:  model.Dec(minted),
		SyntheticDebt: model.Dec(ctl.DebtAssets(c.caller)),
	}, nil
}

func enterExitQueue(c *callCtx, p ExitParams) (any, error) {
	owner := orCaller(p.Owner, c.caller)
	ticket, err := c.state.Vault.EnterExitQueue(c.env, c.caller, owner, orCaller(p.Receiver, c.caller), p.Shares.Int())
	if err != nil {
		return nil, err
	}
	return ticketResult(ticket), nil
}

func claimExitedAssets(c *callCtx, p ClaimParams) (any, error) {
	claimed, err := c.state.Vault.ClaimExitedAssets(c.env, c.caller, p.Ticket.Int(), p.Index)
	if err != nil {
		return nil, err
	}
	return claimResult(claimed), nil
}

// updateState is open to anyone: the attestation carries its own proof.
func updateState(c *callCtx, p harvest.Payload) (any, error) {
	a, err := harvest.ParsePayload(p)
	if err != nil {
		return nil, err
	}
	res, err := c.state.Vault.UpdateState(c.env, a)
	if err != nil {
		return nil, err
	}
	return HarvestResult{
		Nonce:      res.Nonce,
		Delta:      model.DecSigned(res.Delta),
		Unlocked:   model.Dec(res.Unlocked),
		FeeShares:  model.Dec(res.FeeShares),
		Checkpoint: checkpointResult(res.Checkpoint),
	}, nil
}

func processExits(c *callCtx, _ empty) (any, error) {
	cp, err := c.state.Vault.ProcessExits(c.env)
	if err != nil {
		return nil, err
	}
	return checkpointResult(cp), nil
}

func stake(c *callCtx, p AssetsParams) (any, error) {
	return empty{}, c.state.Vault.Stake(c.env, c.caller, p.Assets.Int())
}

func receiveLiquidity(c *callCtx, p AssetsParams) (any, error) {
	return empty{}, c.state.Vault.ReceiveLiquidity(c.env, c.caller, p.Assets.Int())
}

func transfer(c *callCtx, p TransferParams) (any, error) {
	return empty{}, c.state.Vault.Transfer(c.env, c.caller, p.To, p.Shares.Int())
}

func transferFrom(c *callCtx, p TransferParams) (any, error) {
	return empty{}, c.state.Vault.TransferFrom(c.env, c.caller, p.From, p.To, p.Shares.Int())
}

func approve(c *callCtx, p TransferParams) (any, error) {
	return empty{}, c.state.Vault.Approve(c.env, c.caller, p.Spender, p.Shares.Int())
}

// permit may be submitted by anyone holding the signature.
func permit(c *callCtx, p PermitParams) (any, error) {
	return empty{}, c.state.Vault.Permit(c.env, vault.Permit{
		Owner:     p.Owner,
		Spender:   p.Spender,
		Value:     p.Value.Int(),
		Deadline:  time.Unix(p.Deadline, 0).UTC(),
		Signature: p.Signature,
	})
}

// --- Oracle ---

func publishRoot(c *callCtx, p RootParams) (any, error) {
	nonce, err := c.state.Gate.Publish(c.env, c.caller, p.Root)
	if err != nil {
		return nil, err
	}
	return PublishResult{Nonce: nonce}, nil
}

func publishRewards(c *callCtx, p RewardsParams) (any, error) {
	entries := make([]harvest.Entry, len(p.Entries))
	for i, e := range p.Entries {
		if !e.Reward.Equal(e.Reward.Truncate(0)) {
			return nil, fmt.Errorf("entry %d: reward %s: %w", i, e.Reward, model.ErrInvalidAmount)
		}
		entries[i] = harvest.Entry{Vault: e.Vault, Reward: e.Reward.BigInt(), UnlockedMev: e.UnlockedMev.Int()}
	}
	atts, err := c.state.Gate.PublishRewards(c.env, c.caller, entries)
	if err != nil {
		return nil, err
	}
	res := PublishResult{Payloads: make(map[common.Address]harvest.Payload, len(atts))}
	for addr, a := range atts {
		res.Nonce = a.Nonce
		res.Payloads[addr] = a.ToPayload()
	}
	return res, nil
}

// --- Synthetic token ---

func mint(c *callCtx, p MintParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	minted, err := ctl.Mint(c.env, c.caller, orCaller(p.Receiver, c.caller), p.Shares.Int(), p.Referrer)
	if err != nil {
		return nil, err
	}
	return AssetsResult{Assets: model.Dec(minted)}, nil
}

func burn(c *callCtx, p SharesParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	freed, err := ctl.Burn(c.env, c.caller, p.Shares.Int())
	if err != nil {
		return nil, err
	}
	return AssetsResult{Assets: model.Dec(freed)}, nil
}

func liquidate(c *callCtx, p CloseParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	received, err := ctl.Liquidate(c.env, c.caller, p.Owner, p.Shares.Int(), orCaller(p.Receiver, c.caller))
	if err != nil {
		return nil, err
	}
	return AssetsResult{Assets: model.Dec(received)}, nil
}

func redeem(c *callCtx, p CloseParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	received, err := ctl.Redeem(c.env, c.caller, p.Owner, p.Shares.Int(), orCaller(p.Receiver, c.caller))
	if err != nil {
		return nil, err
	}
	return AssetsResult{Assets: model.Dec(received)}, nil
}

func transferToEscrow(c *callCtx, p SharesParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	id, err := ctl.TransferToEscrow(c.env, c.caller, p.Shares.Int())
	if err != nil {
		return nil, err
	}
	return PositionIDResult{PositionID: model.Dec(id)}, nil
}

func processEscrow(c *callCtx, _ empty) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	n, err := ctl.ProcessEscrow(c.env)
	if err != nil {
		return nil, err
	}
	return ProcessedResult{Processed: n}, nil
}

func claimEscrow(c *callCtx, p EscrowParams) (any, error) {
	return closeEscrow(c, p, (*synth.Controller).ClaimEscrow)
}

func liquidateEscrow(c *callCtx, p EscrowParams) (any, error) {
	return closeEscrow(c, p, (*synth.Controller).LiquidateEscrow)
}

func redeemEscrow(c *callCtx, p EscrowParams) (any, error) {
	return closeEscrow(c, p, (*synth.Controller).RedeemEscrow)
}

type escrowOp func(c *synth.Controller, env model.Env, caller common.Address, id, shares *uint256.Int, receiver common.Address) (*uint256.Int, error)

func closeEscrow(c *callCtx, p EscrowParams, op escrowOp) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	paid, err := op(ctl, c.env, c.caller, p.PositionID.Int(), p.Shares.Int(), orCaller(p.Receiver, c.caller))
	if err != nil {
		return nil, err
	}
	return AssetsResult{Assets: model.Dec(paid)}, nil
}

func enterRedemptionQueue(c *callCtx, p RedemptionParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	ticket, err := ctl.EnterRedemptionQueue(c.env, c.caller, orCaller(p.Receiver, c.caller), p.Shares.Int())
	if err != nil {
		return nil, err
	}
	return ticketResult(ticket), nil
}

func redeemPositions(c *callCtx, p RedeemPositionsParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	redeemed, err := ctl.RedeemPositions(c.env, c.caller, p.Owner, p.Shares.Int())
	if err != nil {
		return nil, err
	}
	return AssetsResult{Assets: model.Dec(redeemed)}, nil
}

func processRedemptions(c *callCtx, _ empty) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	cp, err := ctl.ProcessRedemptions(c.env)
	if err != nil {
		return nil, err
	}
	return checkpointResult(cp), nil
}

func claimRedemption(c *callCtx, p ClaimParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	claimed, err := ctl.ClaimRedemption(c.env, c.caller, p.Ticket.Int(), p.Index)
	if err != nil {
		return nil, err
	}
	return claimResult(claimed), nil
}

func swapAssetsToShares(c *callCtx, p RedemptionParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	shares, err := ctl.SwapAssetsToShares(c.env, c.caller, orCaller(p.Receiver, c.caller), p.Assets.Int())
	if err != nil {
		return nil, err
	}
	return SharesResult{Shares: model.Dec(shares)}, nil
}

// transferSynthetic moves synthetic token shares between holders.
func transferSynthetic(c *callCtx, p TransferParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	shares := p.Shares.Int()
	if shares.IsZero() {
		return nil, model.ErrInvalidShares
	}
	if p.To == (common.Address{}) {
		return nil, model.ErrZeroAddress
	}
	if err := ctl.Token().Transfer(c.caller, p.To, shares); err != nil {
		return nil, err
	}
	c.env.Emit(model.Event{
		Kind:     model.EventSharesTransferred,
		Source:   synth.Source,
		Owner:    c.caller.Hex(),
		Receiver: p.To.Hex(),
		Shares:   model.Dec(shares),
	})
	return empty{}, nil
}

// --- Admin ---

func setFeePercent(c *callCtx, p PercentParams) (any, error) {
	return empty{}, c.state.Vault.SetFeePercent(c.env, c.caller, p.Percent)
}

func setFeeRecipient(c *callCtx, p AddressParams) (any, error) {
	return empty{}, c.state.Vault.SetFeeRecipient(c.env, c.caller, p.Address)
}

func setCapacity(c *callCtx, p AmountParams) (any, error) {
	return empty{}, c.state.Vault.SetCapacity(c.env, c.caller, p.Amount.Int())
}

func setClaimDelay(c *callCtx, p DelayParams) (any, error) {
	return empty{}, c.state.Vault.SetClaimDelay(c.env, c.caller, time.Duration(p.Seconds)*time.Second)
}

func setBlocked(c *callCtx, p BlockedParams) (any, error) {
	return empty{}, c.state.Vault.SetBlocked(c.env, c.caller, p.Account, p.Blocked)
}

func setLtvConfig(c *callCtx, p synth.LtvConfig) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	return empty{}, ctl.SetLtvConfig(c.env, c.caller, p)
}

func setRedeemer(c *callCtx, p AddressParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	return empty{}, ctl.SetRedeemer(c.env, c.caller, p.Address)
}

func setSyntheticFeePercent(c *callCtx, p PercentParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	return empty{}, ctl.SetFeePercent(c.env, c.caller, p.Percent)
}

func setTreasury(c *callCtx, p AddressParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	return empty{}, ctl.SetTreasury(c.env, c.caller, p.Address)
}

func setRewardPerSecond(c *callCtx, p AmountParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	return empty{}, ctl.SetRewardPerSecond(c.env, c.caller, p.Amount.Int())
}

func setSyntheticCapacity(c *callCtx, p AmountParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	return empty{}, ctl.SetCapacity(c.env, c.caller, p.Amount.Int())
}

func setRedemptionDelay(c *callCtx, p DelayParams) (any, error) {
	ctl, err := c.synth()
	if err != nil {
		return nil, err
	}
	return empty{}, ctl.SetRedemptionDelay(c.env, c.caller, time.Duration(p.Seconds)*time.Second)
}

// faucet mints underlying to account. It exists for development networks
// and is refused unless the engine was configured with Faucet.
func faucet(c *callCtx, p FaucetParams) (any, error) {
	if !c.cfg.Faucet {
		return nil, model.ErrAccessDenied
	}
	if p.Account == (common.Address{}) {
		return nil, model.ErrZeroAddress
	}
	amount := p.Assets.Int()
	if amount.IsZero() {
		return nil, model.ErrInvalidAmount
	}
	if err := c.state.Book.Mint(p.Account, amount); err != nil {
		return nil, err
	}
	c.env.Emit(model.Event{
		Kind:     model.EventLiquidityMoved,
		Source:   "faucet",
		Owner:    c.caller.Hex(),
		Receiver: p.Account.Hex(),
		Assets:   model.Dec(amount),
	})
	return AssetsResult{Assets: model.Dec(amount)}, nil
}
