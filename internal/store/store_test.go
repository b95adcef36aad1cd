package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakewise/v3-core-sub000/internal/model"
	"github.com/stakewise/v3-core-sub000/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func event(seq uint64, kind model.EventKind, owner string) model.Event {
	return model.Event{
		ID:        fmt.Sprintf("00000000-0000-0000-0000-%012d", seq),
		Seq:       seq,
		Kind:      kind,
		Source:    "vault",
		Owner:     owner,
		Shares:    decimal.RequireFromString("115792089237316195423570985008687907853269984665640564039457584007913129639935"),
		Assets:    decimal.NewFromInt(-20),
		Attrs:     map[string]string{"nonce": "1"},
		Timestamp: t0.Add(time.Duration(seq) * time.Second),
	}
}

// backends returns every store that runs without external services, plus
// the Redis cache when REDIS_URL points at a scratch database.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	sq, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	out := map[string]store.Store{
		"memory": store.NewMemoryStore(),
		"sqlite": sq,
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		opt, err := redis.ParseURL(url)
		require.NoError(t, err)
		rdb := redis.NewClient(opt)
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		t.Cleanup(func() { rdb.Close() })
		out["redis"] = store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	}
	return out
}

func TestStore_EventJournal(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seq, err := st.LastSeq(ctx)
			require.NoError(t, err)
			assert.Zero(t, seq)

			require.NoError(t, st.AppendEvents(ctx, []model.Event{
				event(1, model.EventDeposited, "0xA"),
				event(2, model.EventTicketIssued, "0xB"),
			}))
			require.NoError(t, st.AppendEvents(ctx, []model.Event{event(3, model.EventDeposited, "0xB")}))

			seq, err = st.LastSeq(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), seq)

			all, err := st.ListEvents(ctx, model.EventFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, uint64(1), all[0].Seq)
			assert.True(t, all[0].Shares.Equal(event(1, "", "").Shares), "256-bit amounts survive")
			assert.True(t, all[0].Assets.Equal(decimal.NewFromInt(-20)))
			assert.Equal(t, "1", all[0].Attrs["nonce"])
			assert.True(t, all[0].Timestamp.Equal(t0.Add(time.Second)))

			deposits, err := st.ListEvents(ctx, model.EventFilter{Kind: model.EventDeposited})
			require.NoError(t, err)
			assert.Len(t, deposits, 2)

			forB, err := st.ListEvents(ctx, model.EventFilter{Owner: "0xB", AfterSeq: 2})
			require.NoError(t, err)
			require.Len(t, forB, 1)
			assert.Equal(t, uint64(3), forB[0].Seq)

			limited, err := st.ListEvents(ctx, model.EventFilter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestStore_RejectsReusedSeq(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.AppendEvents(ctx, []model.Event{event(1, model.EventDeposited, "0xA")}))
			e := event(1, model.EventDeposited, "0xA")
			e.ID = "00000000-0000-0000-0000-0000000000ff"
			assert.Error(t, st.AppendEvents(ctx, []model.Event{e}))
		})
	}
}

func TestStore_CheckpointIndex(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cps := []model.CheckpointRecord{
				{Source: "vault", Index: 0, CumulativeTickets: decimal.NewFromInt(40), CumulativeAssets: decimal.NewFromInt(40), CreatedAt: t0},
				{Source: "vault", Index: 1, CumulativeTickets: decimal.NewFromInt(100), CumulativeAssets: decimal.NewFromInt(94), CreatedAt: t0},
				{Source: "escrow", Index: 0, CumulativeTickets: decimal.NewFromInt(7), CumulativeAssets: decimal.NewFromInt(7), CreatedAt: t0},
			}
			require.NoError(t, st.AppendCheckpoints(ctx, cps))

			got, err := st.ListCheckpoints(ctx, "vault")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, 1, got[1].Index)
			assert.True(t, got[1].CumulativeAssets.Equal(decimal.NewFromInt(94)))

			none, err := st.ListCheckpoints(ctx, "redemption")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_Snapshots(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.LatestSnapshot(ctx)
			assert.ErrorIs(t, err, store.ErrNotFound)

			require.NoError(t, st.SaveSnapshot(ctx, &model.Snapshot{Seq: 3, Data: []byte(`{"a":1}`), CreatedAt: t0}))
			require.NoError(t, st.SaveSnapshot(ctx, &model.Snapshot{Seq: 9, Data: []byte(`{"a":2}`), CreatedAt: t0}))

			snap, err := st.LatestSnapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(9), snap.Seq)
			assert.JSONEq(t, `{"a":2}`, string(snap.Data))
		})
	}
}
