package queue

import (
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakewise/v3-core-sub000/internal/assets"
	"github.com/stakewise/v3-core-sub000/internal/ledger"
	"github.com/stakewise/v3-core-sub000/internal/model"
)

func u(x uint64) *uint256.Int {
	return uint256.NewInt(x)
}

var (
	alice    = common.HexToAddress("0xa11ce")
	bob      = common.HexToAddress("0xb0b")
	poolAddr = common.HexToAddress("0x9001")
)

// testEnv is a fixed-clock environment over an asset book.
type testEnv struct {
	now    time.Time
	book   *assets.Book
	events []model.Event
}

func (e *testEnv) Now() time.Time      { return e.now }
func (e *testEnv) Emit(ev model.Event) { e.events = append(e.events, ev) }
func (e *testEnv) BalanceOf(a common.Address) *uint256.Int {
	return e.book.BalanceOf(a)
}
func (e *testEnv) Transfer(from, to common.Address, amount *uint256.Int) error {
	return e.book.Transfer(from, to, amount)
}

func (e *testEnv) count(kind model.EventKind) int {
	n := 0
	for _, ev := range e.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// sharePool settles a share ledger against the pool's book balance.
type sharePool struct {
	l *ledger.Ledger
}

func (p *sharePool) ConvertToAssets(units *uint256.Int) *uint256.Int {
	return p.l.ConvertToAssets(units)
}

func (p *sharePool) ConvertToShares(a *uint256.Int) *uint256.Int {
	return p.l.ConvertToShares(a)
}

func (p *sharePool) Retire(units, a *uint256.Int) error   { return p.l.Retire(units, a) }
func (p *sharePool) Liquidity(env model.Env) *uint256.Int { return env.BalanceOf(poolAddr) }
func (p *sharePool) Payout(env model.Env, to common.Address, a *uint256.Int) error {
	return env.Transfer(poolAddr, to, a)
}

type fixture struct {
	env  *testEnv
	pool *sharePool
	q    *Queue[struct{}]
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	l, err := ledger.New(ledger.Config{})
	require.NoError(t, err)
	pool := &sharePool{l: l}
	if cfg.Name == "" {
		cfg.Name = "vault"
	}
	return &fixture{
		env:  &testEnv{now: time.Unix(1_700_000_000, 0).UTC(), book: assets.NewBook()},
		pool: pool,
		q:    New[struct{}](cfg, pool),
	}
}

// deposit mints shares to owner and the matching assets to the pool.
func (f *fixture) deposit(t *testing.T, owner common.Address, amount uint64) {
	t.Helper()
	_, err := f.pool.l.Deposit(owner, u(amount))
	require.NoError(t, err)
	require.NoError(t, f.env.book.Mint(poolAddr, u(amount)))
}

// stake moves pool liquidity out of the book.
func (f *fixture) stake(t *testing.T, amount uint64) {
	t.Helper()
	require.NoError(t, f.env.book.Burn(poolAddr, u(amount)))
}

func (f *fixture) enter(t *testing.T, owner common.Address, units uint64) *uint256.Int {
	t.Helper()
	require.NoError(t, f.pool.l.Lock(owner, u(units)))
	ticket, err := f.q.EnterQueue(f.env, owner, owner, u(units), struct{}{})
	require.NoError(t, err)
	return ticket
}

// --- EnterQueue ---

func TestEnterQueue_ZeroUnits(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.q.EnterQueue(f.env, alice, alice, u(0), struct{}{})
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
}

func TestEnterQueue_IssuesConsecutiveTickets(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 100)
	f.deposit(t, bob, 50)

	t0 := f.enter(t, alice, 60)
	t1 := f.enter(t, bob, 50)
	t2 := f.enter(t, alice, 40)

	assert.True(t, t0.Eq(u(0)))
	assert.True(t, t1.Eq(u(60)))
	assert.True(t, t2.Eq(u(110)))
	assert.True(t, f.q.Queued().Eq(u(150)))
	assert.Equal(t, 3, f.env.count(model.EventTicketIssued))

	last := f.env.events[len(f.env.events)-1]
	assert.Equal(t, "150", last.Attrs["queued"])
	assert.Len(t, f.q.Tickets(alice), 2)
}

func TestEnterQueue_InstantSettle(t *testing.T) {
	f := newFixture(t, Config{InstantSettle: true})
	f.deposit(t, alice, 100)

	ticket := f.enter(t, alice, 40)
	assert.True(t, ticket.Eq(SettledTicket))
	assert.True(t, f.env.book.BalanceOf(alice).Eq(u(40)))
	assert.True(t, f.pool.l.TotalShares().Eq(u(60)))
	assert.True(t, f.pool.l.TotalAssets().Eq(u(60)))
	assert.True(t, f.q.TotalTickets().IsZero())
	assert.Equal(t, 1, f.env.count(model.EventInstantSettled))
}

func TestEnterQueue_InstantSettleRespectsBuffer(t *testing.T) {
	f := newFixture(t, Config{InstantSettle: true, InstantBuffer: u(10)})
	f.deposit(t, alice, 100)
	f.stake(t, 55) // 45 liquid

	ticket := f.enter(t, alice, 40)
	assert.True(t, ticket.Eq(u(0)), "45 liquid does not cover 40 plus a buffer of 10")
	assert.True(t, f.q.Queued().Eq(u(40)))
}

func TestEnterQueue_NoInstantSettleBehindQueue(t *testing.T) {
	f := newFixture(t, Config{InstantSettle: true})
	f.deposit(t, alice, 100)
	f.stake(t, 100)
	first := f.enter(t, alice, 50)
	require.True(t, first.Eq(u(0)))

	require.NoError(t, f.env.book.Mint(poolAddr, u(100)))
	second := f.enter(t, alice, 10)
	assert.True(t, second.Eq(u(50)), "requests behind a queue must wait their turn")
}

// --- Advance ---

func TestAdvance_TwoCheckpointsOneClaim(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 100)
	ticket := f.enter(t, alice, 100)

	cp, err := f.q.Advance(f.env, u(30))
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.CumulativeTickets.Eq(u(30)))
	assert.True(t, f.q.Queued().Eq(u(70)))

	cp, err = f.q.Advance(f.env, u(70))
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.CumulativeTickets.Eq(u(100)))
	assert.True(t, cp.CumulativeAssets.Eq(u(100)))
	assert.Equal(t, 2, f.q.CheckpointCount())

	idx := f.q.GetQueueIndex(ticket)
	require.Equal(t, 0, idx)
	claimed, err := f.q.Claim(f.env, alice, ticket, idx)
	require.NoError(t, err)
	assert.True(t, claimed.Assets.Eq(u(100)))
	assert.Nil(t, claimed.Next)
	assert.True(t, f.env.book.BalanceOf(alice).Eq(u(100)))
	assert.True(t, f.q.Unclaimed().IsZero())
	assert.True(t, f.pool.l.TotalShares().IsZero())
}

func TestAdvance_NoLiquidityIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 100)
	f.stake(t, 100)
	f.enter(t, alice, 100)

	for i := 0; i < 2; i++ {
		cp, err := f.q.Process(f.env)
		require.NoError(t, err)
		assert.Nil(t, cp)
	}
	assert.Equal(t, 0, f.q.CheckpointCount())
	assert.True(t, f.pool.l.TotalShares().Eq(u(100)))
	assert.True(t, f.pool.l.TotalAssets().Eq(u(100)))
	assert.Equal(t, 0, f.env.count(model.EventCheckpointCreated))
}

func TestAdvance_RepeatedWithoutNewLiquidityIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 100)
	f.stake(t, 60)
	f.enter(t, alice, 100)

	_, err := f.q.Process(f.env)
	require.NoError(t, err)
	shares, total := f.pool.l.TotalShares(), f.pool.l.TotalAssets()

	cp, err := f.q.Process(f.env)
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Equal(t, 1, f.q.CheckpointCount())
	assert.True(t, f.pool.l.TotalShares().Eq(shares))
	assert.True(t, f.pool.l.TotalAssets().Eq(total))
}

func TestAdvance_UsesCurrentRate(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 100)
	f.enter(t, alice, 100)
	_, err := f.pool.l.ApplyDelta(big.NewInt(-20), nil, 1)
	require.NoError(t, err)

	cp, err := f.q.Process(f.env)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.CumulativeTickets.Eq(u(100)))
	assert.True(t, cp.CumulativeAssets.Eq(u(80)), "checkpoint must price at the post-penalty rate")
}

func TestCheckpoint_RejectsMoreThanQueued(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 10)
	f.enter(t, alice, 10)
	_, err := f.q.Checkpoint(f.env, u(11), u(11))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
}

// --- GetQueueIndex / CalculateSettled ---

func TestGetQueueIndex(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 100)
	f.stake(t, 100)
	f.enter(t, alice, 100)

	assert.Equal(t, NotFound, f.q.GetQueueIndex(u(0)))
	_, _ = f.q.Advance(f.env, u(30))
	_, _ = f.q.Advance(f.env, u(30))

	cases := []struct {
		ticket uint64
		want   int
	}{
		{0, 0}, {29, 0}, {30, 1}, {59, 1}, {60, NotFound}, {99, NotFound},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, f.q.GetQueueIndex(u(tc.ticket)), "ticket %d", tc.ticket)
	}
}

func TestCalculateSettled_InvalidIndex(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 50)
	f.deposit(t, bob, 50)
	f.enter(t, alice, 50)
	bobTicket := f.enter(t, bob, 50)
	_, _ = f.q.Advance(f.env, u(50))
	_, _ = f.q.Advance(f.env, u(50))

	for _, idx := range []int{-1, 0, 2, 5} {
		_, _, _, err := f.q.CalculateSettled(bobTicket, u(50), idx)
		assert.ErrorIs(t, err, model.ErrInvalidCheckpointIndex, "index %d", idx)
	}
	_, err := f.q.Claim(f.env, bob, bobTicket, 0)
	assert.ErrorIs(t, err, model.ErrInvalidCheckpointIndex)

	left, units, assetsOut, err := f.q.CalculateSettled(bobTicket, u(50), 1)
	require.NoError(t, err)
	assert.True(t, left.IsZero())
	assert.True(t, units.Eq(u(50)))
	assert.True(t, assetsOut.Eq(u(50)))
}

func TestCalculateSettled_ProRatesPartialOverlap(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 100)
	f.stake(t, 100)
	ticket := f.enter(t, alice, 100)
	_, err := f.q.Checkpoint(f.env, u(40), u(20)) // settled at half value
	require.NoError(t, err)

	left, units, assetsOut, err := f.q.CalculateSettled(u(10), u(20), 0)
	require.NoError(t, err)
	assert.True(t, left.IsZero())
	assert.True(t, units.Eq(u(20)))
	assert.True(t, assetsOut.Eq(u(10)))

	left, units, _, err = f.q.CalculateSettled(ticket, u(100), 0)
	require.NoError(t, err)
	assert.True(t, left.Eq(u(60)))
	assert.True(t, units.Eq(u(40)))
}

// --- Claim ---

func TestClaim_PartialThenRest(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 100)
	f.stake(t, 100)
	ticket := f.enter(t, alice, 100)

	require.NoError(t, f.env.book.Mint(poolAddr, u(30)))
	_, err := f.q.Process(f.env)
	require.NoError(t, err)

	claimed, err := f.q.Claim(f.env, alice, ticket, f.q.GetQueueIndex(ticket))
	require.NoError(t, err)
	assert.True(t, claimed.Assets.Eq(u(30)))
	require.NotNil(t, claimed.Next)
	assert.True(t, claimed.Next.Eq(u(30)))

	_, ok := f.q.Ticket(ticket)
	assert.False(t, ok, "claimed ticket must be removed")
	rest, ok := f.q.Ticket(claimed.Next)
	require.True(t, ok)
	assert.True(t, rest.Units.Eq(u(70)))

	_, err = f.q.Claim(f.env, alice, claimed.Next, 0)
	assert.ErrorIs(t, err, model.ErrExitRequestNotProcessed)

	require.NoError(t, f.env.book.Mint(poolAddr, u(70)))
	_, err = f.q.Process(f.env)
	require.NoError(t, err)

	final, err := f.q.Claim(f.env, alice, claimed.Next, f.q.GetQueueIndex(claimed.Next))
	require.NoError(t, err)
	assert.True(t, final.Assets.Eq(u(70)))
	assert.Nil(t, final.Next)
	assert.True(t, f.env.book.BalanceOf(alice).Eq(u(100)))
}

func TestClaim_TwiceFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 10)
	ticket := f.enter(t, alice, 10)
	_, _ = f.q.Process(f.env)

	_, err := f.q.Claim(f.env, alice, ticket, 0)
	require.NoError(t, err)
	_, err = f.q.Claim(f.env, alice, ticket, 0)
	assert.ErrorIs(t, err, model.ErrInvalidTicket)
}

func TestClaim_OnlyReceiver(t *testing.T) {
	f := newFixture(t, Config{})
	f.deposit(t, alice, 10)
	ticket := f.enter(t, alice, 10)
	_, _ = f.q.Process(f.env)

	_, err := f.q.Claim(f.env, bob, ticket, 0)
	assert.ErrorIs(t, err, model.ErrAccessDenied)
}

func TestClaim_TooEarly(t *testing.T) {
	f := newFixture(t, Config{ClaimDelay: 24 * time.Hour})
	f.deposit(t, alice, 10)
	ticket := f.enter(t, alice, 10)
	_, _ = f.q.Process(f.env)

	f.env.now = f.env.now.Add(23 * time.Hour)
	_, err := f.q.Claim(f.env, alice, ticket, 0)
	assert.ErrorIs(t, err, model.ErrTooEarly)

	f.env.now = f.env.now.Add(time.Hour)
	_, err = f.q.Claim(f.env, alice, ticket, 0)
	assert.NoError(t, err)
}

func TestClaim_RemainderKeepsRequestTime(t *testing.T) {
	f := newFixture(t, Config{ClaimDelay: time.Hour})
	f.deposit(t, alice, 100)
	f.stake(t, 50)
	ticket := f.enter(t, alice, 100)
	requested := f.env.now
	_, _ = f.q.Process(f.env)

	f.env.now = f.env.now.Add(2 * time.Hour)
	claimed, err := f.q.Claim(f.env, alice, ticket, 0)
	require.NoError(t, err)
	rest, ok := f.q.Ticket(claimed.Next)
	require.True(t, ok)
	assert.True(t, rest.RequestedAt.Equal(requested))
}

// --- Properties ---

func TestConservation_RandomSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	f := newFixture(t, Config{})
	users := []common.Address{alice, bob, common.HexToAddress("0xc4"), common.HexToAddress("0xd5")}

	type pending struct {
		owner  common.Address
		ticket *uint256.Int
	}
	var tickets []pending
	nonce := uint64(0)

	for step := 0; step < 200; step++ {
		switch rng.Intn(4) {
		case 0:
			who := users[rng.Intn(len(users))]
			amount := uint64(rng.Intn(1000) + 100)
			f.deposit(t, who, amount)
			f.stake(t, amount)
		case 1:
			who := users[rng.Intn(len(users))]
			bal := f.pool.l.BalanceOf(who)
			if bal.IsZero() {
				continue
			}
			units := uint64(rng.Int63n(int64(bal.Uint64())) + 1)
			tickets = append(tickets, pending{who, f.enter(t, who, units)})
		case 2:
			nonce++
			_, err := f.pool.l.ApplyDelta(big.NewInt(int64(rng.Intn(50))), nil, nonce)
			require.NoError(t, err)
		case 3:
			require.NoError(t, f.env.book.Mint(poolAddr, u(uint64(rng.Intn(800)))))
			_, err := f.q.Process(f.env)
			require.NoError(t, err)
		}
	}

	// Drain: bring every staked asset back and settle the whole queue.
	require.NoError(t, f.env.book.Mint(poolAddr, f.pool.l.TotalAssets()))
	_, err := f.q.Process(f.env)
	require.NoError(t, err)
	require.True(t, f.q.Queued().IsZero())

	cps := f.q.Checkpoints()
	for i := 1; i < len(cps); i++ {
		assert.False(t, cps[i].CumulativeTickets.Lt(cps[i-1].CumulativeTickets), "tickets decrease at %d", i)
		assert.False(t, cps[i].CumulativeAssets.Lt(cps[i-1].CumulativeAssets), "assets decrease at %d", i)
	}

	paid := new(uint256.Int)
	for _, p := range tickets {
		claimed, err := f.q.Claim(f.env, p.owner, p.ticket, f.q.GetQueueIndex(p.ticket))
		require.NoError(t, err)
		assert.Nil(t, claimed.Next)
		paid.Add(paid, claimed.Assets)
	}
	if len(cps) == 0 {
		assert.True(t, paid.IsZero())
		return
	}
	attributed := cps[len(cps)-1].CumulativeAssets
	require.False(t, paid.Gt(attributed), "paid %s exceeds attributed %s", paid, attributed)

	dust := new(uint256.Int).Sub(attributed, paid)
	assert.False(t, dust.Gt(u(uint64(len(tickets)*len(cps)))), "rounding dust %s too large", dust)
	assert.True(t, f.q.Unclaimed().Eq(dust))
}
