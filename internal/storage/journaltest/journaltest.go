// Package journaltest holds behaviour checks shared by every storage.Journal.
package journaltest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denggit/DynamicSmartFlow3/internal/storage"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

// Run exercises a fresh journal returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) storage.Journal) {
	t.Run("pending lifecycle", func(t *testing.T) { testPending(t, open(t)) })
	t.Run("fills", func(t *testing.T) { testFills(t, open(t)) })
	t.Run("positions", func(t *testing.T) { testPositions(t, open(t)) })
	t.Run("completed keys", func(t *testing.T) { testCompleted(t, open(t)) })
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ts(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func testPending(t *testing.T, j storage.Journal) {
	ctx := context.Background()

	_, err := j.PendingFor(ctx, "k1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	p := storage.PendingTx{
		Key: "k1", TokenMint: "mintA", Action: types.ActionBuy, TxID: "tx1", Hunter: "h",
		SOLAmount: d("0.03"), TokenAmount: d("1500.5"), Decimals: 6, SubmittedAt: ts(100),
	}
	require.NoError(t, j.RecordPending(ctx, p))
	require.NoError(t, j.RecordPending(ctx, storage.PendingTx{
		Key: "k0", TokenMint: "mintB", Action: types.ActionSell, TxID: "tx0", SOLAmount: d("1"), TokenAmount: d("2"), SubmittedAt: ts(50),
	}))

	got, err := j.PendingFor(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "tx1", got.TxID)
	assert.Equal(t, types.ActionBuy, got.Action)
	assert.True(t, got.TokenAmount.Equal(d("1500.5")))
	assert.Equal(t, uint8(6), got.Decimals)
	assert.True(t, got.SubmittedAt.Equal(ts(100)))

	// Re-submission replaces the tx id.
	p.TxID = "tx1b"
	require.NoError(t, j.RecordPending(ctx, p))
	got, err = j.PendingFor(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "tx1b", got.TxID)

	all, err := j.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "k0", all[0].Key)

	require.NoError(t, j.ResolvePending(ctx, "k1"))
	_, err = j.PendingFor(ctx, "k1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testFills(t *testing.T, j storage.Journal) {
	ctx := context.Background()
	f := types.Fill{
		ID: "f1", TokenMint: "mintA", Action: types.ActionBuy, Quantity: d("100"), Price: d("0.0003"),
		SOLAmount: d("0.03"), RealizedPnL: decimal.Zero, TxID: "tx1", IdempotencyKey: "tx1:mintA:buy", At: ts(100),
	}
	require.NoError(t, j.SaveFill(ctx, f))
	assert.ErrorIs(t, j.SaveFill(ctx, f), storage.ErrDuplicateKey)

	f2 := f
	f2.ID, f2.Action, f2.At, f2.RealizedPnL = "f2", types.ActionSell, ts(200), d("0.01")
	require.NoError(t, j.SaveFill(ctx, f2))
	other := f
	other.ID, other.TokenMint = "f3", "mintB"
	require.NoError(t, j.SaveFill(ctx, other))

	fills, err := j.Fills(ctx, "mintA", ts(0))
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "f1", fills[0].ID)
	assert.True(t, fills[1].RealizedPnL.Equal(d("0.01")))

	fills, err = j.Fills(ctx, "mintA", ts(150))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, types.ActionSell, fills[0].Action)
}

func testPositions(t *testing.T, j storage.Journal) {
	ctx := context.Background()
	open := types.Position{
		TokenMint: "mintA", Quantity: d("100"), CostBasis: d("0.0003"), OpenedAt: ts(100),
		Status: types.PositionOpen, RealizedPnL: decimal.Zero, LastPrice: d("0.0004"),
		InvestedSOL: d("0.03"), Decimals: 6, LadderLevel: 1, UpdatedAt: ts(120),
	}
	closing := open
	closing.TokenMint, closing.Status, closing.PendingTxID, closing.OpenedAt = "mintB", types.PositionClosing, "txB", ts(90)
	closed := open
	closed.TokenMint, closed.Status = "mintC", types.PositionClosed

	for _, p := range []types.Position{open, closing, closed} {
		require.NoError(t, j.SavePosition(ctx, p))
	}

	open.Quantity = d("60")
	require.NoError(t, j.SavePosition(ctx, open))

	loaded, err := j.LoadOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "mintB", loaded[0].TokenMint)
	assert.Equal(t, "txB", loaded[0].PendingTxID)
	assert.Equal(t, types.PositionClosing, loaded[0].Status)
	assert.True(t, loaded[1].Quantity.Equal(d("60")))
	assert.Equal(t, 1, loaded[1].LadderLevel)
	assert.Equal(t, uint8(6), loaded[1].Decimals)
}

func testCompleted(t *testing.T, j storage.Journal) {
	ctx := context.Background()
	done, err := j.IsCompleted(ctx, "k")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, j.MarkCompleted(ctx, "k"))
	require.NoError(t, j.MarkCompleted(ctx, "k"))
	done, err = j.IsCompleted(ctx, "k")
	require.NoError(t, err)
	assert.True(t, done)
}
