package engine

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/stakewise/v3-core-sub000/internal/harvest"
	"github.com/stakewise/v3-core-sub000/internal/ledger"
	"github.com/stakewise/v3-core-sub000/internal/model"
	"github.com/stakewise/v3-core-sub000/internal/queue"
	"github.com/stakewise/v3-core-sub000/internal/synth"
	"github.com/stakewise/v3-core-sub000/internal/vault"
)

// VaultView is the public state of the vault.
type VaultView struct {
	Address          common.Address  `json:"address"`
	TotalAssets      decimal.Decimal `json:"total_assets"`
	TotalShares      decimal.Decimal `json:"total_shares"`
	FeePercent       uint64          `json:"fee_percent"`
	FeeRecipient     common.Address  `json:"fee_recipient"`
	Capacity         decimal.Decimal `json:"capacity"`
	Nonce            uint64          `json:"nonce"`
	GateNonce        uint64          `json:"gate_nonce"`
	HarvestRequired  bool            `json:"harvest_required"`
	Collateralized   bool            `json:"collateralized"`
	Liquidity        decimal.Decimal `json:"liquidity"`
	Withdrawable     decimal.Decimal `json:"withdrawable"`
	Exits            QueueView       `json:"exits"`
	SyntheticEnabled bool            `json:"synthetic_enabled"`
	Synthetic        *SyntheticView  `json:"synthetic,omitempty"`
}

// QueueView summarizes a settlement queue.
type QueueView struct {
	Name         string          `json:"name"`
	TotalTickets decimal.Decimal `json:"total_tickets"`
	Queued       decimal.Decimal `json:"queued"`
	QueuedAssets decimal.Decimal `json:"queued_assets"`
	Unclaimed    decimal.Decimal `json:"unclaimed"`
	Checkpoints  int             `json:"checkpoints"`
	ClaimDelay   string          `json:"claim_delay"`
}

// SyntheticView is the public state of the synthetic token.
type SyntheticView struct {
	TotalAssets           decimal.Decimal `json:"total_assets"`
	TotalShares           decimal.Decimal `json:"total_shares"`
	FeePercent            uint64          `json:"fee_percent"`
	Treasury              common.Address  `json:"treasury"`
	Capacity              decimal.Decimal `json:"capacity"`
	RewardPerSecond       decimal.Decimal `json:"reward_per_second"`
	CumulativeFeePerShare decimal.Decimal `json:"cumulative_fee_per_share"`
	Ltv                   synth.LtvConfig `json:"ltv"`
	LiquidationEnabled    bool            `json:"liquidation_enabled"`
	Redeemer              common.Address  `json:"redeemer"`
	Redemptions           QueueView       `json:"redemptions"`
	Escrow                QueueView       `json:"escrow"`
	PendingExits          int             `json:"pending_exits"`
}

// TicketView is a pending queue ticket and what claiming it would pay now.
type TicketView struct {
	Queue           string          `json:"queue"`
	Ticket          decimal.Decimal `json:"ticket"`
	Units           decimal.Decimal `json:"units"`
	Owner           common.Address  `json:"owner"`
	Receiver        common.Address  `json:"receiver"`
	RequestedAt     time.Time       `json:"requested_at"`
	ClaimableAfter  time.Time       `json:"claimable_after"`
	Index           int             `json:"index"`
	ClaimableUnits  decimal.Decimal `json:"claimable_units"`
	ClaimableAssets decimal.Decimal `json:"claimable_assets"`
}

// PositionView is a collateral position with its current health.
type PositionView struct {
	Owner            common.Address  `json:"owner"`
	DebtShares       decimal.Decimal `json:"debt_shares"`
	DebtAssets       decimal.Decimal `json:"debt_assets"`
	CollateralShares decimal.Decimal `json:"collateral_shares"`
	CollateralAssets decimal.Decimal `json:"collateral_assets"`
	MaxMintShares    decimal.Decimal `json:"max_mint_shares"`
	// LtvPercent is the debt over the collateral value in basis points.
	LtvPercent decimal.Decimal `json:"ltv_percent"`
	Healthy    bool            `json:"healthy"`
}

// EscrowView is an escrow position.
type EscrowView struct {
	PositionID      decimal.Decimal  `json:"position_id"`
	Owner           common.Address   `json:"owner"`
	Ticket          *decimal.Decimal `json:"ticket,omitempty"`
	Processed       bool             `json:"processed"`
	ExitedAssets    decimal.Decimal  `json:"exited_assets"`
	SyntheticShares decimal.Decimal  `json:"synthetic_shares"`
}

// AccountView is everything the engine knows about one account.
type AccountView struct {
	Address     common.Address  `json:"address"`
	Assets      decimal.Decimal `json:"assets"`
	Shares      decimal.Decimal `json:"shares"`
	SharesValue decimal.Decimal `json:"shares_value"`
	PermitNonce uint64          `json:"permit_nonce"`
	Blocked     bool            `json:"blocked"`
	ExitTickets []TicketView    `json:"exit_tickets"`

	SyntheticShares   *decimal.Decimal `json:"synthetic_shares,omitempty"`
	Position          *PositionView    `json:"position,omitempty"`
	RedemptionTickets []TicketView     `json:"redemption_tickets,omitempty"`
	EscrowPositions   []EscrowView     `json:"escrow_positions,omitempty"`
}

// view runs fn against the live state under the read lock.
func (e *Engine) view(fn func(s *State, env *txEnv)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e.state, &txEnv{now: e.cfg.Clock(), book: e.state.Book})
}

// Vault returns the vault view.
func (e *Engine) Vault() VaultView {
	var out VaultView
	e.view(func(s *State, env *txEnv) {
		v := s.Vault
		l := v.Ledger()
		out = VaultView{
			Address:          v.Address(),
			TotalAssets:      model.Dec(l.TotalAssets()),
			TotalShares:      model.Dec(l.TotalShares()),
			FeePercent:       l.FeePercent(),
			FeeRecipient:     l.FeeRecipient(),
			Capacity:         model.Dec(l.Capacity()),
			Nonce:            l.Nonce(),
			GateNonce:        s.Gate.LatestNonce(),
			HarvestRequired:  v.HarvestRequired(),
			Collateralized:   v.IsCollateralized(),
			Liquidity:        model.Dec(env.BalanceOf(v.Address())),
			Withdrawable:     model.Dec(v.WithdrawableAssets(env)),
			Exits:            queueView(v.Exits()),
			SyntheticEnabled: v.Has(vault.CapSyntheticToken),
		}
		if s.Synth != nil {
			sv := syntheticView(s.Synth)
			out.Synthetic = &sv
		}
	})
	return out
}

// Roots returns the published rewards roots, oldest first.
func (e *Engine) Roots() []harvest.Root {
	var out []harvest.Root
	e.view(func(s *State, _ *txEnv) { out = s.Gate.Roots() })
	return out
}

// Account returns the view of one account.
func (e *Engine) Account(addr common.Address) AccountView {
	var out AccountView
	e.view(func(s *State, env *txEnv) {
		v := s.Vault
		shares := v.BalanceOf(addr)
		out = AccountView{
			Address:     addr,
			Assets:      model.Dec(env.BalanceOf(addr)),
			Shares:      model.Dec(shares),
			SharesValue: model.Dec(v.ConvertToAssets(shares)),
			PermitNonce: v.PermitNonce(addr),
			Blocked:     v.IsBlocked(addr),
			ExitTickets: ticketViews(v.Exits(), addr),
		}
		if s.Synth == nil {
			return
		}
		ctl := s.Synth
		bal := model.Dec(ctl.Token().BalanceOf(addr))
		out.SyntheticShares = &bal
		if pv, ok := positionView(ctl, addr); ok {
			out.Position = &pv
		}
		out.RedemptionTickets = ticketViews(ctl.Redemptions(), addr)
		for _, p := range ctl.EscrowPositions(addr) {
			out.EscrowPositions = append(out.EscrowPositions, escrowView(p))
		}
	})
	return out
}

// Ticket returns a pending ticket of the named queue.
func (e *Engine) Ticket(queueName string, id *uint256.Int) (TicketView, error) {
	var (
		out TicketView
		err error
	)
	e.view(func(s *State, _ *txEnv) {
		switch queueName {
		case vault.Source:
			out, err = ticketView(s.Vault.Exits(), id)
		case synth.RedemptionSource, synth.EscrowSource:
			if s.Synth == nil {
				err = ErrSyntheticDisabled
				return
			}
			if queueName == synth.RedemptionSource {
				out, err = ticketView(s.Synth.Redemptions(), id)
			} else {
				out, err = ticketView(s.Synth.Escrow(), id)
			}
		default:
			err = fmt.Errorf("queue %q: %w", queueName, model.ErrInvalidTicket)
		}
	})
	return out, err
}

// Position returns the collateral position of owner.
func (e *Engine) Position(owner common.Address) (PositionView, error) {
	var (
		out PositionView
		err error
	)
	e.view(func(s *State, _ *txEnv) {
		if s.Synth == nil {
			err = ErrSyntheticDisabled
			return
		}
		var ok bool
		if out, ok = positionView(s.Synth, owner); !ok {
			err = synth.ErrNoPosition
		}
	})
	return out, err
}

// EscrowPosition returns one escrow position.
func (e *Engine) EscrowPosition(id *uint256.Int) (EscrowView, error) {
	var (
		out EscrowView
		err error
	)
	e.view(func(s *State, _ *txEnv) {
		if s.Synth == nil {
			err = ErrSyntheticDisabled
			return
		}
		p, ok := s.Synth.EscrowPosition(id)
		if !ok {
			err = fmt.Errorf("escrow position %s: %w", id, model.ErrInvalidPosition)
			return
		}
		out = escrowView(p)
	})
	return out, err
}

func queueView[M any](q *queue.Queue[M]) QueueView {
	return QueueView{
		Name:         q.Config().Name,
		TotalTickets: model.Dec(q.TotalTickets()),
		Queued:       model.Dec(q.Queued()),
		QueuedAssets: model.Dec(q.QueuedAssets()),
		Unclaimed:    model.Dec(q.Unclaimed()),
		Checkpoints:  q.CheckpointCount(),
		ClaimDelay:   q.Config().ClaimDelay.String(),
	}
}

func syntheticView(c *synth.Controller) SyntheticView {
	cfg := c.Config()
	t := c.Token()
	return SyntheticView{
		TotalAssets:           model.Dec(t.TotalAssets()),
		TotalShares:           model.Dec(t.TotalShares()),
		FeePercent:            t.FeePercent(),
		Treasury:              t.FeeRecipient(),
		Capacity:              model.Dec(t.Capacity()),
		RewardPerSecond:       model.Dec(cfg.RewardPerSecond),
		CumulativeFeePerShare: model.Dec(c.CumulativeFeePerShare()),
		Ltv:                   cfg.Ltv,
		LiquidationEnabled:    cfg.Ltv.LiquidationEnabled(),
		Redeemer:              cfg.Redeemer,
		Redemptions:           queueView(c.Redemptions()),
		Escrow:                queueView(c.Escrow()),
		PendingExits:          len(c.Pending()),
	}
}

func ticketView[M any](q *queue.Queue[M], id *uint256.Int) (TicketView, error) {
	t, ok := q.Ticket(id)
	if !ok {
		return TicketView{}, fmt.Errorf("%s ticket %s: %w", q.Config().Name, id, model.ErrInvalidTicket)
	}
	idx, units, assets, err := q.ClaimableAt(id)
	if err != nil {
		return TicketView{}, err
	}
	return TicketView{
		Queue:           q.Config().Name,
		Ticket:          model.Dec(t.Start),
		Units:           model.Dec(t.Units),
		Owner:           t.Owner,
		Receiver:        t.Receiver,
		RequestedAt:     t.RequestedAt,
		ClaimableAfter:  t.RequestedAt.Add(q.Config().ClaimDelay),
		Index:           idx,
		ClaimableUnits:  model.Dec(units),
		ClaimableAssets: model.Dec(assets),
	}, nil
}

func ticketViews[M any](q *queue.Queue[M], receiver common.Address) []TicketView {
	out := []TicketView{}
	for _, t := range q.Tickets(receiver) {
		if tv, err := ticketView(q, t.Start); err == nil {
			out = append(out, tv)
		}
	}
	return out
}

func positionView(c *synth.Controller, owner common.Address) (PositionView, bool) {
	p, ok := c.Position(owner)
	if !ok {
		return PositionView{}, false
	}
	debt := c.DebtAssets(owner)
	collateral := c.CollateralAssets(owner)
	pv := PositionView{
		Owner:            owner,
		DebtShares:       model.Dec(p.Shares),
		DebtAssets:       model.Dec(debt),
		CollateralShares: model.Dec(c.Vault().BalanceOf(owner)),
		CollateralAssets: model.Dec(collateral),
		MaxMintShares:    model.Dec(c.MaxMintShares(owner)),
		Healthy:          true,
	}
	if !collateral.IsZero() {
		pv.LtvPercent = model.Dec(ledger.MulDiv(debt, uint256.NewInt(model.MaxPercent), collateral))
	}
	if ltv := c.Config().Ltv; ltv.LiquidationEnabled() {
		pv.Healthy = !debt.Gt(ledger.Percent(collateral, ltv.LiqThresholdPercent))
	}
	return pv, true
}

func escrowView(p *synth.EscrowPosition) EscrowView {
	ev := EscrowView{
		PositionID:      model.Dec(p.ID),
		Owner:           p.Owner,
		Processed:       p.Ticket == nil,
		ExitedAssets:    model.Dec(p.ExitedAssets),
		SyntheticShares: model.Dec(p.SyntheticShares),
	}
	if p.Ticket != nil {
		t := model.Dec(p.Ticket)
		ev.Ticket = &t
	}
	return ev
}
