package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gpubid/internal/domain"
	"github.com/betbot/gpubid/internal/ledger"
)

func seededStore(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = store.RecordAction(ctx, ledger.ActionRecord{
		CycleID: "c1", Kind: domain.ActionPlaceBid, TargetID: 42,
		Price: decimal.RequireFromString("0.63"), PerGPU: decimal.RequireFromString("0.315"), NumGPUs: 2,
		Status: ledger.StatusOK, CreatedAt: ts,
	})
	require.NoError(t, err)
	_, err = store.RecordAction(ctx, ledger.ActionRecord{
		CycleID: "c1", Kind: domain.ActionRaiseBid, TargetID: 11,
		Price: decimal.RequireFromString("0.21"), PerGPU: decimal.RequireFromString("0.21"), NumGPUs: 1,
		Status: ledger.StatusRejected, Error: "no_such_ask", CreatedAt: ts,
	})
	require.NoError(t, err)
	require.NoError(t, store.RecordCycle(ctx, ledger.CycleRecord{CycleID: "c1", ActiveGPUs: 4, BidsPlaced: 1, Timestamp: ts}))
	return store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h := New(seededStore(t), Info{}, nil).Router()
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
}

func TestSummary(t *testing.T) {
	info := Info{DryRun: true, CostCeilingPerGPU: decimal.RequireFromString("0.2"), BidMultiplier: decimal.RequireFromString("2.1"), CycleInterval: "15s"}
	h := New(seededStore(t), info, nil).Router()

	rec := get(t, h, "/api/summary")
	require.Equal(t, http.StatusOK, rec.Code)

	var got summaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Info.DryRun)
	require.NotNil(t, got.Latest)
	assert.Equal(t, 4, got.Latest.ActiveGPUs)
	assert.Equal(t, 1, got.Totals["place_bid/ok"])
	assert.Equal(t, 1, got.Totals["raise_bid/rejected"])
}

func TestActionsFilterAndLimit(t *testing.T) {
	h := New(seededStore(t), Info{}, nil).Router()

	var all []ledger.ActionRecord
	rec := get(t, h, "/api/actions")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	var raises []ledger.ActionRecord
	rec = get(t, h, "/api/actions?kind=raise_bid")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raises))
	require.Len(t, raises, 1)
	assert.Equal(t, int64(11), raises[0].TargetID)
	assert.Equal(t, "no_such_ask", raises[0].Error)

	var limited []ledger.ActionRecord
	rec = get(t, h, "/api/actions?limit=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limited))
	assert.Len(t, limited, 1)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/actions?kind=cancel").Code)
}

func TestCyclesEmpty(t *testing.T) {
	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	rec := get(t, New(store, Info{}, nil).Router(), "/api/cycles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

type failingStore struct{ *ledger.Store }

func (failingStore) LatestCycle(context.Context) (ledger.CycleRecord, bool, error) {
	return ledger.CycleRecord{}, false, errors.New("disk I/O error")
}

func TestSummaryStoreError(t *testing.T) {
	rec := get(t, New(failingStore{}, Info{}, nil).Router(), "/api/summary")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk I/O error")
}

func TestStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, addr, err := New(seededStore(t), Info{}, nil).Start(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	resp, err := http.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
