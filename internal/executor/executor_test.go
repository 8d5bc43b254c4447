package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gpubid/internal/domain"
	"github.com/betbot/gpubid/internal/infrastructure/vast"
	"github.com/betbot/gpubid/internal/ledger"
	"github.com/betbot/gpubid/pkg/ratelimit"
)

type memRecorder struct {
	mu      sync.Mutex
	records []ledger.ActionRecord
	err     error
}

func (r *memRecorder) RecordAction(ctx context.Context, rec ledger.ActionRecord) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.records = append(r.records, rec)
	return int64(len(r.records)), nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestExecutor(cfg Config) (*Executor, *vast.MockClient, *ratelimit.FixedDelay, *memRecorder, *fakeClock) {
	m := vast.NewMockClient()
	var slept []time.Duration
	pacer := ratelimit.NewFixedDelay(500*time.Millisecond, ratelimit.WithSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}))
	rec := &memRecorder{}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	e := New(m, pacer, cfg, nil, WithRecorder(rec), WithClock(clock.Now))
	return e, m, pacer, rec, clock
}

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPlaceBidSuccess(t *testing.T) {
	e, m, pacer, rec, _ := newTestExecutor(Config{TemplateHash: "tmpl", DedupWindow: 10 * time.Minute})
	ctx := domain.WithCycleID(context.Background(), "cycle-1")

	res, err := e.PlaceBid(ctx, domain.PlaceBid{OfferID: 42, Price: price("0.63"), NumGPUs: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPlaceBid, res.Kind)
	assert.Equal(t, int64(100001), res.InstanceID)
	assert.False(t, res.Deduplicated)
	assert.Contains(t, res.Response, "new_contract")

	require.Len(t, m.Bids, 1)
	assert.Equal(t, "tmpl", m.Bids[0].TemplateHash)
	assert.True(t, m.Bids[0].Price.Equal(price("0.63")))
	assert.Equal(t, 1, pacer.Pauses())

	require.Len(t, rec.records, 1)
	r := rec.records[0]
	assert.Equal(t, "cycle-1", r.CycleID)
	assert.Equal(t, ledger.StatusOK, r.Status)
	assert.True(t, r.PerGPU.Equal(price("0.315")))
	assert.Equal(t, int64(100001), r.InstanceID)
}

func TestPlaceBidTransientReleasesDedup(t *testing.T) {
	e, m, pacer, rec, _ := newTestExecutor(Config{DedupWindow: 10 * time.Minute})
	ctx := context.Background()
	action := domain.PlaceBid{OfferID: 7, Price: price("0.40"), NumGPUs: 1}

	m.FailNext("CreateBid", &domain.TransientNetworkError{Op: "create_bid", StatusCode: 502})
	_, err := e.PlaceBid(ctx, action)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, 1, pacer.Pauses(), "pause after a failed mutating call")
	assert.Equal(t, ledger.StatusFailed, rec.records[0].Status)

	res, err := e.PlaceBid(ctx, action)
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, 2, m.CallCount("CreateBid"))
}

func TestPlaceBidRejectedKeepsDedup(t *testing.T) {
	e, m, pacer, rec, clock := newTestExecutor(Config{DedupWindow: 10 * time.Minute})
	ctx := context.Background()
	action := domain.PlaceBid{OfferID: 9, Price: price("0.20"), NumGPUs: 1}

	m.FailNext("CreateBid", &domain.BidRejectedError{Op: "create_bid", TargetID: 9, StatusCode: 400})
	_, err := e.PlaceBid(ctx, action)
	require.Error(t, err)
	assert.True(t, domain.IsRejected(err))
	assert.Equal(t, ledger.StatusRejected, rec.records[0].Status)

	res, err := e.PlaceBid(ctx, action)
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, 1, m.CallCount("CreateBid"))
	assert.Equal(t, 1, pacer.Pauses(), "no pause without a network call")
	assert.Equal(t, ledger.StatusDeduplicated, rec.records[1].Status)

	clock.Advance(10 * time.Minute)
	res, err = e.PlaceBid(ctx, action)
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, 2, m.CallCount("CreateBid"))
}

func TestPlaceBidMalformedReplyKeepsDedup(t *testing.T) {
	e, m, _, rec, _ := newTestExecutor(Config{DedupWindow: 10 * time.Minute})
	ctx := context.Background()
	action := domain.PlaceBid{OfferID: 5, Price: price("0.40"), NumGPUs: 2}

	m.FailNext("CreateBid", &domain.MalformedResponseError{Op: "create_bid", Index: -1})
	_, err := e.PlaceBid(ctx, action)
	require.Error(t, err)
	assert.True(t, domain.IsMalformed(err))
	assert.Equal(t, ledger.StatusMalformed, rec.records[0].Status)

	res, err := e.PlaceBid(ctx, action)
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, 1, m.CallCount("CreateBid"))
}

func TestPlaceBidDedupDisabled(t *testing.T) {
	e, m, _, _, _ := newTestExecutor(Config{})
	assert.Nil(t, e.Deduper())
	for i := 0; i < 2; i++ {
		_, err := e.PlaceBid(context.Background(), domain.PlaceBid{OfferID: 1, Price: price("0.1"), NumGPUs: 1})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, m.CallCount("CreateBid"))
}

func TestDryRun(t *testing.T) {
	e, m, pacer, rec, _ := newTestExecutor(Config{DryRun: true, DedupWindow: time.Minute})
	ctx := context.Background()

	res, err := e.PlaceBid(ctx, domain.PlaceBid{OfferID: 1, Price: price("0.63"), NumGPUs: 2})
	require.NoError(t, err)
	assert.True(t, res.DryRun)

	res, err = e.RaiseBid(ctx, domain.RaiseBid{InstanceID: 5, NewPrice: price("0.21"), OldPrice: price("0.10"), NumGPUs: 1})
	require.NoError(t, err)
	assert.True(t, res.DryRun)

	assert.Equal(t, 0, m.CallCount("CreateBid"))
	assert.Equal(t, 0, m.CallCount("UpdateBid"))
	assert.Equal(t, 0, pacer.Pauses())
	require.Len(t, rec.records, 2)
	assert.Equal(t, ledger.StatusDryRun, rec.records[0].Status)
	assert.Equal(t, ledger.StatusDryRun, rec.records[1].Status)
}

func TestRaiseBid(t *testing.T) {
	e, m, pacer, rec, _ := newTestExecutor(Config{})
	ctx := context.Background()
	action := domain.RaiseBid{InstanceID: 9, NewPrice: price("0.21"), OldPrice: price("0.10"), NumGPUs: 1}

	res, err := e.RaiseBid(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.InstanceID)
	require.Len(t, m.Updates, 1)
	assert.True(t, m.Updates[0].Price.Equal(price("0.21")))

	m.FailNext("UpdateBid", &domain.TransientNetworkError{Op: "update_bid", StatusCode: 429, RateLimited: true})
	_, err = e.RaiseBid(ctx, action)
	require.Error(t, err)
	assert.True(t, domain.IsRateLimited(err))
	assert.Equal(t, 2, pacer.Pauses())
	assert.Equal(t, []string{ledger.StatusOK, ledger.StatusFailed}, []string{rec.records[0].Status, rec.records[1].Status})
}

func TestRecorderFailureDoesNotFailAction(t *testing.T) {
	e, _, _, rec, _ := newTestExecutor(Config{})
	rec.err = errors.New("disk full")
	_, err := e.RaiseBid(context.Background(), domain.RaiseBid{InstanceID: 1, NewPrice: price("1"), NumGPUs: 1})
	assert.NoError(t, err)
}

func TestPauseCancelled(t *testing.T) {
	e, m, _, _, _ := newTestExecutor(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.PlaceBid(ctx, domain.PlaceBid{OfferID: 3, Price: price("0.5"), NumGPUs: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, m.CallCount("CreateBid"))
}

func TestBidDeduperSeed(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 10, 0, 0, time.UTC)}
	d := NewBidDeduper(10*time.Minute, clock.Now)
	n := d.Seed(map[int64]time.Time{
		1: clock.t.Add(-time.Minute),
		2: clock.t.Add(-11 * time.Minute),
	})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, d.TryAcquire(1), ErrDuplicateBid)
	assert.NoError(t, d.TryAcquire(2))
	assert.Equal(t, 2, d.Len())

	clock.Advance(9 * time.Minute)
	assert.Equal(t, 1, d.Len())

	var nilDedup *BidDeduper
	assert.NoError(t, nilDedup.TryAcquire(1))
	assert.Equal(t, 0, nilDedup.Seed(map[int64]time.Time{1: clock.t}))
}
