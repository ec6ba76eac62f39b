package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricing/internal/aggregator"
	"pricing/internal/batch"
	"pricing/internal/deadletter"
	"pricing/internal/models"
	"pricing/internal/pricestore"
)

type testEnv struct {
	handler    http.Handler
	prices     *pricestore.Store
	dispersion *aggregator.RedisStore
	tracker    *batch.Tracker
	sink       *deadletter.RedisSink
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{
		prices:     pricestore.New(client, 1, discardLogger()),
		dispersion: aggregator.NewRedisStore(client, discardLogger()),
		tracker:    batch.New(client, discardLogger()),
		sink:       deadletter.NewRedisSink(client, 0, discardLogger()),
	}
	env.handler = NewRouter(Stores{
		Prices:      env.prices,
		Dispersion:  env.dispersion,
		Batches:     env.tracker,
		DeadLetters: env.sink,
		Ping:        func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}, time.Second, discardLogger())
	return env
}

func (e *testEnv) get(t *testing.T, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func sd(v float64) *float64 { return &v }

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, p := range []models.PricePoint{
		{Pair: "bitcoin/usd", Value: 100, Time: 60, Batch: 1},
		{Pair: "bitcoin/usd", Value: 102, Time: 120, Batch: 2},
		{Pair: "ethereum/usd", Value: 10, Time: 60, Batch: 1},
		{Pair: "ethereum/usd", Value: 11, Time: 120, Batch: 2},
		{Pair: "cardano/usd", Value: 1, Time: 120, Batch: 2},
		{Pair: "solana/usd", Value: 50, Time: 120, Batch: 2},
	} {
		_, err := e.prices.Append(ctx, p)
		require.NoError(t, err)
	}
	for _, rec := range []models.DispersionRecord{
		{Batch: 2, Pair: "bitcoin/usd", StdDev: sd(1.0), Samples: 2},
		{Batch: 2, Pair: "ethereum/usd", StdDev: sd(0.5), Samples: 2},
		{Batch: 2, Pair: "cardano/usd", Samples: 1},
	} {
		_, err := e.dispersion.Put(ctx, rec)
		require.NoError(t, err)
	}
}

func TestListCoinPairs(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	var got []models.PairSummary
	rec := env.get(t, "/coin-pairs", &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Len(t, got, 4)

	assert.Equal(t, "bitcoin/usd", got[0].Pair)
	assert.Equal(t, models.StatusOK, got[0].Status)
	assert.Equal(t, 102.0, *got[0].Price)
	assert.Equal(t, 1.0, *got[0].StdDev)
	assert.Equal(t, "ethereum/usd", got[1].Pair)

	assert.Equal(t, "cardano/usd", got[2].Pair)
	assert.Equal(t, models.StatusInsufficientData, got[2].Status)
	assert.Nil(t, got[2].StdDev, "insufficient data is never reported as zero")

	assert.Equal(t, "solana/usd", got[3].Pair)
	assert.Equal(t, models.StatusNotComputed, got[3].Status)

	rec = env.get(t, "/coin-pairs?limit=1", &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, got, 1)

	rec = env.get(t, "/coin-pairs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCoinPair(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	for _, path := range []string{"/coin-pairs/bitcoin/usd", "/coin-pairs/bitcoin%2Fusd"} {
		var got models.PairDetail
		rec := env.get(t, path+"?history=5", &got)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "bitcoin/usd", got.Pair)
		assert.Equal(t, models.StatusOK, got.Status)
		assert.Equal(t, int64(2), got.UpdateBatch)
		require.Len(t, got.History, 2)
		assert.Equal(t, int64(120), got.History[0].Time, "newest first")
	}

	var single models.PairDetail
	rec := env.get(t, "/coin-pairs/solana/usd", &single)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusNotComputed, single.Status)

	rec = env.get(t, "/coin-pairs/unknown/usd", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errResp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "pair_not_found", errResp.Error)
}

func TestBatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var overview models.BatchOverview
	rec := env.get(t, "/batches/latest", &overview)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, overview.LatestUpdate)

	var ranking models.BatchRanking
	rec = env.get(t, "/batches/latest/ranking", &ranking)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusNotComputed, ranking.Status)
	assert.Empty(t, ranking.Items)

	b, _, err := env.tracker.NextBatch(ctx, 60)
	require.NoError(t, err)
	env.seedBatch(t, b)
	_, err = env.tracker.Seal(ctx, b, 60, 2)
	require.NoError(t, err)

	rec = env.get(t, "/batches/latest", &overview)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, overview.LatestUpdate)
	assert.Equal(t, b, overview.LatestUpdate.LastBatch)
	require.NotNil(t, overview.Current)
	assert.False(t, overview.Current.Processed)

	rec = env.get(t, "/batches/1/ranking", &ranking)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ranking.Processed)
	assert.Equal(t, models.StatusNotComputed, ranking.Status)

	require.NoError(t, env.tracker.RecordDone(ctx, b, "a/usd|60", "b/usd|60"))
	_, err = env.tracker.Complete(ctx, b)
	require.NoError(t, err)

	rec = env.get(t, "/batches/latest/ranking?limit=10", &ranking)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, b, ranking.Batch)
	assert.True(t, ranking.Processed)
	require.Len(t, ranking.Items, 2)
	assert.Equal(t, "b/usd", ranking.Items[0].Pair)

	rec = env.get(t, "/batches/zero/ranking", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func (e *testEnv) seedBatch(t *testing.T, b int64) {
	t.Helper()
	for pair, v := range map[string]float64{"a/usd": 1, "b/usd": 3} {
		_, err := e.dispersion.Put(context.Background(), models.DispersionRecord{Batch: b, Pair: pair, StdDev: sd(v), Samples: 2})
		require.NoError(t, err)
	}
}

func TestDeadLettersAndHealth(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.sink.Send(context.Background(), models.DeadLetter{StreamID: "1-0", Reason: "malformed", Attempts: 1}))

	var letters []models.DeadLetter
	rec := env.get(t, "/dead-letters", &letters)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, letters, 1)
	assert.Equal(t, "1-0", letters[0].StreamID)

	rec = env.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

type failingPrices struct{ err error }

func (f failingPrices) Pairs(context.Context) ([]string, error) { return nil, f.err }
func (f failingPrices) LatestMany(context.Context, []string) (map[string]models.PricePoint, error) {
	return nil, f.err
}
func (f failingPrices) History(context.Context, string, int) ([]models.PricePoint, error) {
	return nil, f.err
}

func TestStoreErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unavailable", errors.New("connection refused"), http.StatusServiceUnavailable, "backend_unavailable"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRouter(Stores{Prices: failingPrices{err: tt.err}}, time.Second, discardLogger())
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/coin-pairs", nil))

			assert.Equal(t, tt.status, rec.Code)
			var errResp models.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
			assert.Equal(t, tt.code, errResp.Error)
		})
	}
}
