package synth

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakewise/v3-core-sub000/internal/model"
)

func TestEscrow_ClaimAfterVaultExit(t *testing.T) {
	f := newFixture(t, nil)
	f.mint(t, alice, alice, 60)

	id, err := f.ctl.TransferToEscrow(f.env, alice, u(30))
	require.NoError(t, err)
	assert.True(t, id.IsZero())
	assert.True(t, f.vault.BalanceOf(alice).Eq(u(50)))
	assert.True(t, f.ctl.DebtAssets(alice).Eq(u(30)))
	require.Len(t, f.ctl.Pending(), 1)

	_, err = f.ctl.ClaimEscrow(f.env, alice, id, MaxMint, alice)
	assert.ErrorIs(t, err, model.ErrExitRequestNotProcessed)

	_, err = f.vault.ProcessExits(f.env)
	require.NoError(t, err)
	n, err := f.ctl.ProcessEscrow(f.env)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.ctl.Pending())
	assert.True(t, f.env.BalanceOf(escrowAddr).Eq(u(50)))

	_, err = f.ctl.ClaimEscrow(f.env, bob, id, MaxMint, bob)
	assert.ErrorIs(t, err, model.ErrAccessDenied)

	got, err := f.ctl.ClaimEscrow(f.env, alice, id, MaxMint, alice)
	require.NoError(t, err)
	assert.True(t, got.Eq(u(50)))
	assert.True(t, f.env.BalanceOf(alice).Eq(u(99_950)))
	assert.True(t, f.ctl.Token().BalanceOf(alice).Eq(u(30)))
	_, ok := f.ctl.EscrowPosition(id)
	assert.False(t, ok)
}

func TestEscrow_VaultTicketClaimedOnlyByProcess(t *testing.T) {
	f := newFixture(t, nil)
	f.mint(t, alice, alice, 60)
	_, err := f.ctl.TransferToEscrow(f.env, alice, u(30))
	require.NoError(t, err)
	_, err = f.vault.ProcessExits(f.env)
	require.NoError(t, err)

	pending := f.ctl.Pending()
	require.Len(t, pending, 1)
	ticket := pending[0].VaultTicket
	require.NotNil(t, ticket)
	index := f.vault.Exits().GetQueueIndex(ticket)

	_, err = f.vault.ClaimExitedAssets(f.env, escrowAddr, ticket, index)
	assert.ErrorIs(t, err, model.ErrAccessDenied)

	n, err := f.ctl.ProcessEscrow(f.env)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.ctl.Pending())
	assert.True(t, f.env.BalanceOf(escrowAddr).Eq(u(50)))
}

func TestEscrow_ProcessWaitsForVault(t *testing.T) {
	f := newFixture(t, nil)
	f.mint(t, alice, alice, 60)
	_, err := f.ctl.TransferToEscrow(f.env, alice, u(60))
	require.NoError(t, err)

	n, err := f.ctl.ProcessEscrow(f.env)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.ctl.Pending(), 1)
	_, ok := f.ctl.Position(alice)
	assert.False(t, ok)
}

func TestEscrow_LiquidateRedeemAndClaim(t *testing.T) {
	f := newFixture(t, nil)
	f.mint(t, alice, liquidator, 90)
	require.NoError(t, f.ctl.Token().Transfer(liquidator, redeemer, u(40)))
	require.NoError(t, f.ctl.Token().Transfer(liquidator, alice, u(10)))

	id, err := f.ctl.TransferToEscrow(f.env, alice, MaxMint)
	require.NoError(t, err)
	assert.True(t, f.vault.BalanceOf(alice).IsZero())

	// The penalty leaves 90 of liquidity for the 100 exiting shares.
	f.harvest(t, -10)
	n, err := f.ctl.ProcessEscrow(f.env)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, f.env.BalanceOf(escrowAddr).Eq(u(90)))

	got, err := f.ctl.LiquidateEscrow(f.env, liquidator, id, u(40), liquidator)
	require.NoError(t, err)
	assert.True(t, got.Eq(u(42)))
	assert.True(t, f.env.BalanceOf(liquidator).Eq(u(100_042)))

	_, err = f.ctl.RedeemEscrow(f.env, redeemer, id, u(50), redeemer)
	assert.ErrorIs(t, err, model.ErrInvalidReceivedAssets)
	got, err = f.ctl.RedeemEscrow(f.env, redeemer, id, u(40), redeemer)
	require.NoError(t, err)
	assert.True(t, got.Eq(u(40)))

	p, ok := f.ctl.EscrowPosition(id)
	require.True(t, ok)
	assert.True(t, p.SyntheticShares.Eq(u(10)))
	assert.True(t, p.ExitedAssets.Eq(u(8)))

	got, err = f.ctl.ClaimEscrow(f.env, alice, id, MaxMint, alice)
	require.NoError(t, err)
	assert.True(t, got.Eq(u(8)))
	assert.True(t, f.env.BalanceOf(alice).Eq(u(99_908)))
	assert.True(t, f.env.BalanceOf(escrowAddr).IsZero())
	assert.True(t, f.ctl.Token().TotalShares().IsZero())
}

func TestEscrow_HealthyPositionCannotBeLiquidated(t *testing.T) {
	f := newFixture(t, nil)
	f.mint(t, alice, liquidator, 50)
	id, err := f.ctl.TransferToEscrow(f.env, alice, u(30))
	require.NoError(t, err)
	_, err = f.vault.ProcessExits(f.env)
	require.NoError(t, err)
	_, err = f.ctl.ProcessEscrow(f.env)
	require.NoError(t, err)

	_, err = f.ctl.LiquidateEscrow(f.env, liquidator, id, u(10), liquidator)
	assert.ErrorIs(t, err, model.ErrInvalidHealthFactor)
	_, err = f.ctl.LiquidateEscrow(f.env, liquidator, new(uint256.Int).SetUint64(7), u(10), liquidator)
	assert.ErrorIs(t, err, model.ErrInvalidPosition)
}
