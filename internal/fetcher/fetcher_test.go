package fetcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricing/internal/batch"
	"pricing/internal/pricestore"
)

const marketsBody = `[
	{"id": "bitcoin", "symbol": "btc", "current_price": 64123.12, "market_cap": 1},
	{"id": "ethereum", "symbol": "eth", "current_price": 3012.5},
	{"id": "shiba-inu", "symbol": "shib", "current_price": 1.734e-05},
	{"id": "delisted", "symbol": "dl", "current_price": null},
	{"id": "bitcoin", "symbol": "btc", "current_price": 1},
	{"id": "zero", "symbol": "z", "current_price": 0},
	{"id": "dust", "symbol": "dst", "current_price": 4e-09}
]`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMarketsServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-cg-demo-api-key"))
		q := r.URL.Query()
		assert.Equal(t, "usd", q.Get("vs_currency"))
		assert.Equal(t, "market_cap_desc", q.Get("order"))
		assert.Equal(t, "250", q.Get("per_page"))
		assert.Equal(t, "1", q.Get("page"))
		assert.Equal(t, "false", q.Get("sparkline"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Markets(t *testing.T) {
	srv := newMarketsServer(t, http.StatusOK, marketsBody)
	client := NewClient(srv.URL, "test-key", 250, 100, discardLogger())

	quotes, err := client.Markets(context.Background())
	require.NoError(t, err)
	require.Len(t, quotes, 3, "null, zero, sub-scale and duplicate entries are skipped")

	assert.Equal(t, "bitcoin", quotes[0].ID)
	assert.True(t, decimal.RequireFromString("64123.12").Equal(quotes[0].Price))
	assert.Equal(t, "shiba-inu", quotes[2].ID)
	assert.True(t, decimal.RequireFromString("0.00001734").Equal(quotes[2].Price))
}

func TestClient_Errors(t *testing.T) {
	limited := newMarketsServer(t, http.StatusTooManyRequests, `{"error":"slow down"}`)
	_, err := NewClient(limited.URL, "test-key", 250, 100, discardLogger()).Markets(context.Background())
	assert.True(t, errors.Is(err, ErrRateLimited))

	broken := newMarketsServer(t, http.StatusInternalServerError, `{"error":"boom"}`)
	_, err = NewClient(broken.URL, "test-key", 250, 100, discardLogger()).Markets(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	notArray := newMarketsServer(t, http.StatusOK, `{"status":"ok"}`)
	_, err = NewClient(notArray.URL, "test-key", 250, 100, discardLogger()).Markets(context.Background())
	assert.Error(t, err)
}

type staticSource struct {
	quotes []Quote
	err    error
}

func (s staticSource) Markets(context.Context) ([]Quote, error) { return s.quotes, s.err }

func newTestJob(t *testing.T, source QuoteSource) (*Job, *pricestore.Store, *batch.Tracker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	prices := pricestore.New(client, 2, discardLogger())
	tracker := batch.New(client, discardLogger())
	return NewJob(source, prices, tracker, time.Minute, discardLogger(), nil), prices, tracker
}

func TestJob_RunCycle(t *testing.T) {
	source := staticSource{quotes: []Quote{
		{ID: "bitcoin", Price: decimal.RequireFromString("100")},
		{ID: "ethereum", Price: decimal.RequireFromString("10.5")},
	}}
	job, prices, tracker := newTestJob(t, source)
	ctx := context.Background()
	now := time.Unix(1_700_000_075, 0)

	res, err := job.RunCycle(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Batch)
	assert.Equal(t, int64(1_700_000_040), res.CycleTime, "cycle time is aligned to the interval")
	assert.Equal(t, 2, res.Appended)
	assert.NotEmpty(t, res.RunID)

	latest, err := prices.Latest(ctx, "ethereum/usd")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 10.5, latest.Value)
	assert.Equal(t, res.CycleTime, latest.Time)

	update, err := tracker.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, update)
	assert.Equal(t, res.Batch, update.LastBatch)

	status, err := tracker.Status(ctx, res.Batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.Expected)

	// A retried execution of the same cycle reuses the batch and writes nothing new.
	again, err := job.RunCycle(ctx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, res.Batch, again.Batch)
	assert.Equal(t, 0, again.Appended)

	next, err := job.RunCycle(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Batch)
	assert.Equal(t, 2, next.Appended)
}

func TestJob_FetchFailureAllocatesNoBatch(t *testing.T) {
	job, _, tracker := newTestJob(t, staticSource{err: ErrRateLimited})
	ctx := context.Background()

	_, err := job.RunCycle(ctx, time.Unix(120, 0))
	require.ErrorIs(t, err, ErrRateLimited)

	update, err := tracker.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, update)
}

func TestJob_ScheduleRejectsInvalidSpec(t *testing.T) {
	job, _, _ := newTestJob(t, staticSource{})
	err := job.Schedule(context.Background(), "not a schedule")
	assert.Error(t, err)
}

func TestPair(t *testing.T) {
	assert.Equal(t, "bitcoin/usd", Pair("bitcoin"))
}
