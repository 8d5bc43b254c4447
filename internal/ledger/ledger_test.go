package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gpubid/internal/domain"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "bidder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestActions(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []ActionRecord{
		{CycleID: "c1", Kind: domain.ActionPlaceBid, TargetID: 42, Price: decimal.RequireFromString("0.63"),
			PerGPU: decimal.RequireFromString("0.315"), NumGPUs: 2, InstanceID: 777, Status: StatusOK,
			Response: `{"success":true}`, CreatedAt: base},
		{CycleID: "c1", Kind: domain.ActionRaiseBid, TargetID: 9, Price: decimal.RequireFromString("0.21"),
			PerGPU: decimal.RequireFromString("0.21"), NumGPUs: 1, Status: StatusRejected,
			Error: "rejected", CreatedAt: base.Add(time.Second)},
		{CycleID: "c2", Kind: domain.ActionPlaceBid, TargetID: 43, Price: decimal.RequireFromString("0.5"),
			PerGPU: decimal.RequireFromString("0.5"), NumGPUs: 1, Status: StatusFailed, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, r := range records {
		id, err := s.RecordAction(ctx, r)
		require.NoError(t, err)
		assert.Positive(t, id)
	}

	all, err := s.ListActions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(43), all[0].TargetID, "newest first")

	last := all[2]
	assert.Equal(t, domain.ActionPlaceBid, last.Kind)
	assert.True(t, last.Price.Equal(decimal.RequireFromString("0.63")))
	assert.Equal(t, int64(777), last.InstanceID)
	assert.Equal(t, `{"success":true}`, last.Response)
	assert.True(t, last.CreatedAt.Equal(base))

	raises, err := s.ListActions(ctx, domain.ActionRaiseBid, 10)
	require.NoError(t, err)
	require.Len(t, raises, 1)
	assert.Equal(t, "rejected", raises[0].Error)

	totals, err := s.ActionTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"place_bid/ok": 1, "place_bid/failed": 1, "raise_bid/rejected": 1}, totals)

	targets, err := s.RecentBidTargets(ctx, base.Add(-time.Minute), false)
	require.NoError(t, err)
	require.Len(t, targets, 1, "failed place_bid does not hold the window")
	assert.True(t, targets[42].Equal(base))

	targets, err = s.RecentBidTargets(ctx, base.Add(time.Millisecond), false)
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestRecentBidTargetsStatuses(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := []struct {
		target int64
		status string
	}{
		{1, StatusOK},
		{2, StatusRejected},
		{3, StatusMalformed},
		{4, StatusFailed},
		{5, StatusDryRun},
		{6, StatusDeduplicated},
	}
	for i, r := range rows {
		_, err := s.RecordAction(ctx, ActionRecord{
			CycleID: "c1", Kind: domain.ActionPlaceBid, TargetID: r.target,
			Price: decimal.RequireFromString("0.5"), PerGPU: decimal.RequireFromString("0.5"), NumGPUs: 1,
			Status: r.status, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	live, err := s.RecentBidTargets(ctx, base.Add(-time.Minute), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, keys(live))

	dry, err := s.RecentBidTargets(ctx, base.Add(-time.Minute), true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3, 5}, keys(dry))
}

func keys(m map[int64]time.Time) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestCycles(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	_, ok, err := s.LatestCycle(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordCycle(ctx, FromSummary(domain.CycleSummary{CycleID: "a", ActiveGPUs: 4, Timestamp: ts})))
	require.NoError(t, s.RecordCycle(ctx, FromSummary(domain.CycleSummary{
		CycleID: "b", ActiveGPUs: 6, BidsPlaced: 1, BidsRaised: 2, Skipped: 3, Timestamp: ts.Add(15 * time.Second),
	})))
	// 同一 cycle 覆盖
	require.NoError(t, s.RecordCycle(ctx, CycleRecord{CycleID: "a", ActiveGPUs: 5, Timestamp: ts}))

	latest, ok, err := s.LatestCycle(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", latest.CycleID)
	assert.Equal(t, 6, latest.ActiveGPUs)
	assert.Equal(t, 2, latest.BidsRaised)

	cycles, err := s.ListCycles(ctx, 0)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, 5, cycles[1].ActiveGPUs)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)

	s, err := Open(":memory:")
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
