package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakewise/v3-core-sub000/internal/engine"
	"github.com/stakewise/v3-core-sub000/internal/harvest"
	"github.com/stakewise/v3-core-sub000/internal/model"
	"github.com/stakewise/v3-core-sub000/internal/store"
	"github.com/stakewise/v3-core-sub000/internal/synth"
	"github.com/stakewise/v3-core-sub000/internal/vault"
)

var (
	vaultAddr  = common.HexToAddress("0x7a017")
	admin      = common.HexToAddress("0xad")
	keeper     = common.HexToAddress("0x4ee9")
	validators = common.HexToAddress("0xbeac")
	mevEscrow  = common.HexToAddress("0x3e7")
	poolAddr   = common.HexToAddress("0x9001")
	escrowAddr = common.HexToAddress("0xe5c")
	redeemer   = common.HexToAddress("0x4edee")
	alice      = common.HexToAddress("0xa11ce")
	bob        = common.HexToAddress("0xb0b")
)

var ctx = context.Background()

type recorder struct{ events []model.Event }

func (r *recorder) Broadcast(e model.Event) { r.events = append(r.events, e) }

func vaultConfig() vault.Config {
	return vault.Config{
		Address:    vaultAddr,
		Admin:      admin,
		Keeper:     keeper,
		Validators: validators,
		MevEscrow:  mevEscrow,
		ChainID:    1,
	}
}

func synthConfig() *synth.Config {
	return &synth.Config{
		Pool:     poolAddr,
		Escrow:   escrowAddr,
		Admin:    admin,
		Redeemer: redeemer,
		Ltv:      synth.LtvConfig{LtvPercent: 9000, LiqThresholdPercent: 9200, LiqBonusPercent: 10500},
	}
}

func testConfig(withSynth bool) engine.Config {
	now := time.Unix(1_700_000_000, 0).UTC()
	cfg := engine.Config{
		Vault:  vaultConfig(),
		Faucet: true,
		Clock:  func() time.Time { return now },
	}
	if withSynth {
		cfg.Synth = synthConfig()
	}
	return cfg
}

func newEngine(t *testing.T, st store.Store, withSynth bool) (*engine.Engine, *recorder) {
	t.Helper()
	hub := &recorder{}
	e, err := engine.New(ctx, testConfig(withSynth), st, hub)
	require.NoError(t, err)
	return e, hub
}

func call(t *testing.T, e *engine.Engine, caller common.Address, method string, params any) any {
	t.Helper()
	out, err := try(e, caller, method, params)
	require.NoError(t, err, method)
	return out
}

func try(e *engine.Engine, caller common.Address, method string, params any) (any, error) {
	return e.Execute(ctx, caller, mustCall(method, params))
}

func mustCall(method string, params any) engine.Call {
	raw, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	return engine.Call{Method: method, Params: raw}
}

type m = map[string]any

func dec(x int64) decimal.Decimal { return decimal.NewFromInt(x) }

// fund mints underlying to who and deposits it.
func fund(t *testing.T, e *engine.Engine, who common.Address, amount string) {
	t.Helper()
	call(t, e, who, engine.MethodFaucet, m{"account": who, "assets": amount})
	call(t, e, who, engine.MethodDeposit, m{"assets": amount})
}

// harvest publishes reward for the vault and applies it.
func harvestReward(t *testing.T, e *engine.Engine, reward int64) engine.HarvestResult {
	t.Helper()
	out := call(t, e, keeper, engine.MethodPublishRewards, m{
		"entries": []m{{"vault": vaultAddr, "reward": reward}},
	})
	payload := out.(engine.PublishResult).Payloads[vaultAddr]
	return call(t, e, alice, engine.MethodUpdateState, payload).(engine.HarvestResult)
}

// --- Unit of work ---

func TestEngine_ExitSettlesAndClaims(t *testing.T) {
	st := store.NewMemoryStore()
	e, hub := newEngine(t, st, false)
	fund(t, e, alice, "1000")
	call(t, e, keeper, engine.MethodStake, m{"assets": "600"})

	tr := call(t, e, alice, engine.MethodEnterExitQueue, m{"shares": "500"}).(engine.TicketResult)
	assert.False(t, tr.Settled)
	assert.True(t, tr.Ticket.IsZero())

	hr := harvestReward(t, e, 0)
	assert.Equal(t, uint64(1), hr.Nonce)
	require.True(t, hr.Checkpoint.Created)
	assert.True(t, hr.Checkpoint.CumulativeAssets.Equal(dec(400)))

	cr := call(t, e, alice, engine.MethodClaimExitedAssets, m{"ticket": "0", "index": 0}).(engine.ClaimResult)
	assert.True(t, cr.Assets.Equal(dec(400)))
	require.NotNil(t, cr.Next)
	assert.True(t, cr.Next.Equal(dec(400)))

	call(t, e, keeper, engine.MethodReceiveLiquidity, m{"assets": "100"})
	cp := call(t, e, alice, engine.MethodProcessExits, nil).(engine.CheckpointResult)
	assert.True(t, cp.CumulativeTickets.Equal(dec(500)))

	tv, err := e.Ticket(vault.Source, uint256.NewInt(400))
	require.NoError(t, err)
	assert.Equal(t, 1, tv.Index)
	assert.True(t, tv.ClaimableAssets.Equal(dec(100)))

	cr = call(t, e, alice, engine.MethodClaimExitedAssets, m{"ticket": "400", "index": 1}).(engine.ClaimResult)
	assert.True(t, cr.Assets.Equal(dec(100)))
	assert.Nil(t, cr.Next)

	acct := e.Account(alice)
	assert.True(t, acct.Assets.Equal(dec(500)))
	assert.True(t, acct.Shares.Equal(dec(500)))
	assert.Empty(t, acct.ExitTickets)

	// Journal, checkpoint index and broadcast see the same events in order.
	events, err := st.ListEvents(ctx, model.EventFilter{})
	require.NoError(t, err)
	require.Equal(t, len(hub.events), len(events))
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, ev.ID, hub.events[i].ID)
	}
	assert.Equal(t, e.Seq(), events[len(events)-1].Seq)

	cps, err := e.Checkpoints(ctx, vault.Source)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, 1, cps[1].Index)
	assert.True(t, cps[1].CumulativeAssets.Equal(dec(500)))
}

func TestEngine_FailedCallLeavesNoTrace(t *testing.T) {
	st := store.NewMemoryStore()
	e, hub := newEngine(t, st, false)
	fund(t, e, alice, "100")
	before := e.Vault()
	seq := e.Seq()
	published := len(hub.events)

	// The ledger mints before the asset transfer fails.
	_, err := try(e, alice, engine.MethodDeposit, m{"assets": "50"})
	assert.ErrorIs(t, err, model.ErrInsufficientAssets)

	assertSameJSON(t, before, e.Vault())
	assert.Equal(t, seq, e.Seq())
	assert.Len(t, hub.events, published)
	last, err := st.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq, last)
}

func TestEngine_RejectsProtocolCallers(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryStore(), true)
	fund(t, e, alice, "100")
	before := e.Vault()
	seq := e.Seq()

	for _, caller := range []common.Address{vaultAddr, validators, mevEscrow, poolAddr, escrowAddr} {
		_, err := try(e, caller, engine.MethodDeposit, m{"assets": "100", "receiver": bob})
		assert.ErrorIs(t, err, model.ErrAccessDenied, caller.Hex())
		assert.Equal(t, model.CategoryAuthorization, model.CategoryOf(err))

		_, err = e.Multicall(ctx, caller, []engine.Call{
			mustCall(engine.MethodClaimExitedAssets, m{"ticket": "0", "index": 0}),
		})
		assert.ErrorIs(t, err, model.ErrAccessDenied, caller.Hex())
	}
	assertSameJSON(t, before, e.Vault())
	assert.True(t, e.Account(bob).Shares.IsZero())
	assert.Equal(t, seq, e.Seq())
}

func TestEngine_StateSurvivesManyCommits(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryStore(), false)
	fund(t, e, alice, "100")
	fund(t, e, bob, "50")
	call(t, e, alice, engine.MethodTransfer, m{"to": bob, "shares": "30"})

	// The first call of the batch moves shares before the second one fails.
	_, err := e.Multicall(ctx, bob, []engine.Call{
		mustCall(engine.MethodTransfer, m{"to": alice, "shares": "80"}),
		mustCall(engine.MethodEnterExitQueue, m{"shares": "1"}),
	})
	assert.ErrorIs(t, err, model.ErrInsufficientShares)
	assert.True(t, e.Account(alice).Shares.Equal(dec(70)))
	assert.True(t, e.Account(bob).Shares.Equal(dec(80)))

	for i := 0; i < 20; i++ {
		call(t, e, bob, engine.MethodTransfer, m{"to": alice, "shares": "1"})
	}
	call(t, e, alice, engine.MethodEnterExitQueue, m{"shares": "10"})
	assert.True(t, e.Account(alice).Shares.Equal(dec(80)))
	assert.True(t, e.Account(bob).Shares.Equal(dec(60)))
	assert.Len(t, e.Account(alice).ExitTickets, 1)
}

func TestEngine_ErrorsCarryCategories(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryStore(), false)

	tests := []struct {
		name   string
		caller common.Address
		method string
		params any
		want   error
		cat    model.Category
	}{
		{"unknown method", alice, "withdraw_everything", nil, model.ErrUnknownCall, model.CategoryInput},
		{"bad params", alice, engine.MethodDeposit, m{"assets": "-5"}, model.ErrInvalidParams, model.CategoryInput},
		{"synthetic disabled", alice, engine.MethodMint, m{"shares": "1"}, model.ErrUnknownCall, model.CategoryInput},
		{"admin only", alice, engine.MethodSetFeePercent, m{"percent": 500}, model.ErrAccessDenied, model.CategoryAuthorization},
		{"keeper only", alice, engine.MethodPublishRoot, m{"root": common.HexToHash("0x01")}, model.ErrAccessDenied, model.CategoryAuthorization},
		{"no change", admin, engine.MethodSetFeePercent, m{"percent": 0}, model.ErrValueNotChanged, model.CategoryIdempotence},
		{"unknown ticket", alice, engine.MethodClaimExitedAssets, m{"ticket": "7", "index": 0}, model.ErrInvalidTicket, model.CategoryInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := try(e, tt.caller, tt.method, tt.params)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.cat, model.CategoryOf(err))
		})
	}
}

func TestEngine_FaucetDisabled(t *testing.T) {
	cfg := testConfig(false)
	cfg.Faucet = false
	e, err := engine.New(ctx, cfg, store.NewMemoryStore(), nil)
	require.NoError(t, err)
	_, err = try(e, alice, engine.MethodFaucet, m{"account": alice, "assets": "1"})
	assert.ErrorIs(t, err, model.ErrAccessDenied)
}

// --- Multicall ---

func TestMulticall_AllOrNothing(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryStore(), false)
	call(t, e, alice, engine.MethodFaucet, m{"account": alice, "assets": "100"})

	_, err := e.Multicall(ctx, alice, []engine.Call{
		mustCall(engine.MethodDeposit, m{"assets": "100"}),
		mustCall(engine.MethodEnterExitQueue, m{"shares": "101"}),
	})
	assert.ErrorIs(t, err, model.ErrInsufficientShares)
	acct := e.Account(alice)
	assert.True(t, acct.Assets.Equal(dec(100)))
	assert.True(t, acct.Shares.IsZero())

	out, err := e.Multicall(ctx, alice, []engine.Call{
		mustCall(engine.MethodDeposit, m{"assets": "100"}),
		mustCall(engine.MethodEnterExitQueue, m{"shares": "40"}),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].(engine.SharesResult).Shares.Equal(dec(100)))
	assert.True(t, e.Account(alice).Shares.Equal(dec(60)))
}

func TestMulticall_RejectsNestingAndEmpty(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryStore(), false)

	_, err := e.Multicall(ctx, alice, nil)
	assert.ErrorIs(t, err, model.ErrInvalidParams)

	_, err = e.Multicall(ctx, alice, []engine.Call{{Method: engine.MethodMulticall}})
	assert.ErrorIs(t, err, model.ErrInvalidParams)

	_, err = e.Multicall(ctx, alice, []engine.Call{{Method: "nope"}})
	assert.ErrorIs(t, err, model.ErrUnknownCall)
}

func TestMulticall_PermitThenTransferFrom(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryStore(), false)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	fund(t, e, owner, "100")

	ref, err := vault.New(vaultConfig(), harvest.NewMerkleGate(keeper))
	require.NoError(t, err)
	deadline := time.Unix(1_700_003_600, 0).UTC()
	digest := ref.PermitDigest(owner, bob, uint256.NewInt(30), 0, deadline)
	sig, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)

	permit := mustCall(engine.MethodPermit, m{
		"owner":     owner,
		"spender":   bob,
		"value":     "30",
		"deadline":  deadline.Unix(),
		"signature": hexutil.Bytes(sig),
	})
	pull := mustCall(engine.MethodTransferFrom, m{"from": owner, "to": bob, "shares": "30"})

	_, err = e.Multicall(ctx, bob, []engine.Call{permit, pull})
	require.NoError(t, err)
	assert.True(t, e.Account(bob).Shares.Equal(dec(30)))
	assert.Equal(t, uint64(1), e.Account(owner).PermitNonce)

	// The replayed permit fails and is skipped; the pull then lacks allowance.
	_, err = e.Multicall(ctx, bob, []engine.Call{permit, pull})
	assert.ErrorIs(t, err, model.ErrAccessDenied)

	// Outside a batch the replay is an error.
	_, err = e.Execute(ctx, bob, permit)
	assert.ErrorIs(t, err, model.ErrInvalidSignature)

	// A batch still goes through when the allowance was granted another way.
	call(t, e, owner, engine.MethodApprove, m{"spender": bob, "shares": "10"})
	out, err := e.Multicall(ctx, bob, []engine.Call{
		permit,
		mustCall(engine.MethodTransferFrom, m{"from": owner, "to": bob, "shares": "10"}),
	})
	require.NoError(t, err)
	assert.Nil(t, out[0])
	assert.True(t, e.Account(bob).Shares.Equal(dec(40)))
}

// --- Synthetic token ---

func TestEngine_SyntheticPositions(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryStore(), true)
	call(t, e, alice, engine.MethodFaucet, m{"account": alice, "assets": "1000"})

	_, err := e.Multicall(ctx, alice, []engine.Call{
		mustCall(engine.MethodDeposit, m{"assets": "1000"}),
		mustCall(engine.MethodMint, m{"shares": "100"}),
	})
	assert.ErrorIs(t, err, model.ErrNotCollateralized)

	call(t, e, alice, engine.MethodDeposit, m{"assets": "1000"})
	call(t, e, keeper, engine.MethodStake, m{"assets": "100"})

	minted := call(t, e, alice, engine.MethodMint, m{"shares": "600", "receiver": bob}).(engine.AssetsResult)
	assert.True(t, minted.Assets.Equal(dec(600)))

	pv, err := e.Position(alice)
	require.NoError(t, err)
	assert.True(t, pv.DebtShares.Equal(dec(600)))
	assert.True(t, pv.CollateralAssets.Equal(dec(1000)))
	assert.True(t, pv.MaxMintShares.Equal(dec(300)))
	assert.True(t, pv.LtvPercent.Equal(dec(6000)))
	assert.True(t, pv.Healthy)

	_, err = try(e, alice, engine.MethodEnterExitQueue, m{"shares": "500"})
	assert.ErrorIs(t, err, model.ErrLowLtv)

	acct := e.Account(bob)
	require.NotNil(t, acct.SyntheticShares)
	assert.True(t, acct.SyntheticShares.Equal(dec(600)))

	vv := e.Vault()
	assert.True(t, vv.SyntheticEnabled)
	require.NotNil(t, vv.Synthetic)
	assert.True(t, vv.Synthetic.TotalShares.Equal(dec(600)))

	_, err = e.Position(bob)
	assert.ErrorIs(t, err, model.ErrInvalidPosition)
}

func TestEngine_DepositAndMint(t *testing.T) {
	e, _ := newEngine(t, store.NewMemoryStore(), true)
	fund(t, e, bob, "100")
	call(t, e, keeper, engine.MethodStake, m{"assets": "50"})
	call(t, e, alice, engine.MethodFaucet, m{"account": alice, "assets": "1000"})

	out := call(t, e, alice, engine.MethodDepositAndMint, m{"assets": "1000", "mint_shares": "max"}).(engine.DepositAndMintResult)
	assert.True(t, out.Shares.Equal(dec(1000)))
	assert.True(t, out.MintedAssets.Equal(dec(900)))
	assert.True(t, out.SyntheticDebt.Equal(dec(900)))
}

// --- Snapshots ---

func TestEngine_RestoresFromSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	e, _ := newEngine(t, st, true)
	fund(t, e, alice, "1000")
	call(t, e, keeper, engine.MethodStake, m{"assets": "400"})
	call(t, e, alice, engine.MethodMint, m{"shares": "300"})
	call(t, e, alice, engine.MethodEnterExitQueue, m{"shares": "200"})
	harvestReward(t, e, 25)

	restored, _ := newEngine(t, st, true)
	assert.Equal(t, e.Seq(), restored.Seq())
	assertSameJSON(t, e.Vault(), restored.Vault())
	assertSameJSON(t, e.Account(alice), restored.Account(alice))
	assert.Equal(t, e.Roots(), restored.Roots())

	// The restored engine keeps sequencing where the journal left off.
	call(t, restored, alice, engine.MethodProcessExits, nil)
	last, err := st.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, restored.Seq(), last)
}

func TestEngine_SnapshotMustMatchConfig(t *testing.T) {
	st := store.NewMemoryStore()
	e, _ := newEngine(t, st, true)
	fund(t, e, alice, "10")

	_, err := engine.New(ctx, testConfig(false), st, nil)
	assert.Error(t, err)
}

func TestEngine_SnapshotEvery(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testConfig(false)
	cfg.SnapshotEvery = 3
	e, err := engine.New(ctx, cfg, st, nil)
	require.NoError(t, err)

	call(t, e, alice, engine.MethodFaucet, m{"account": alice, "assets": "10"})
	call(t, e, alice, engine.MethodDeposit, m{"assets": "5"})
	_, err = st.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	call(t, e, alice, engine.MethodDeposit, m{"assets": "5"})
	snap, err := st.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.Seq(), snap.Seq)
}

func assertSameJSON(t *testing.T, want, got any) {
	t.Helper()
	w, err := json.Marshal(want)
	require.NoError(t, err)
	g, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(w), string(g))
}
