package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/core/cache"
	"github.com/gridlane/gridlane/internal/core/gridstatus"
	"github.com/gridlane/gridlane/internal/core/keypool"
	"github.com/gridlane/gridlane/internal/core/pipeline"
	"github.com/gridlane/gridlane/internal/core/queue"
	apperrors "github.com/gridlane/gridlane/internal/errors"
)

type fakeService struct {
	fetchErr   error
	source     core.Source
	lastCall   string
	lastParams core.Params

	pool     keypool.Stats
	queue    queue.Stats
	resetErr error
	strategy string
	cleared  bool
}

func (f *fakeService) Fetch(_ context.Context, endpoint string, params core.Params) (core.Result, error) {
	f.lastCall = endpoint
	f.lastParams = params.Clone()
	if f.fetchErr != nil {
		return core.Result{}, f.fetchErr
	}
	source := f.source
	if source == "" {
		source = core.SourceUpstream
	}
	return core.Result{
		Endpoint:    endpoint,
		Params:      params,
		Fingerprint: core.Fingerprint(endpoint, params),
		Data:        json.RawMessage(`[{"lmp":31.5}]`),
		FetchedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:      source,
	}, nil
}

func (f *fakeService) Stats() pipeline.Stats {
	return pipeline.Stats{Pool: f.pool, Queue: f.queue, Endpoints: []string{gridstatus.DayAheadLatest}}
}
func (f *fakeService) PoolStats() keypool.Stats { return f.pool }
func (f *fakeService) CacheStats() cache.Stats  { return cache.Stats{Total: 3, TTLSeconds: 300} }
func (f *fakeService) QueueStats() queue.Stats  { return f.queue }

func (f *fakeService) ClearCache() cache.Stats {
	f.cleared = true
	return cache.Stats{TTLSeconds: 300}
}

func (f *fakeService) ClearQueue(context.Context) (queue.Stats, error) {
	return queue.Stats{Running: true}, nil
}

func (f *fakeService) ResetPool(strategy string) (keypool.Stats, error) {
	if f.resetErr != nil {
		return keypool.Stats{}, f.resetErr
	}
	f.strategy = strategy
	return keypool.Stats{Strategy: keypool.Strategy(strategy), Total: 2, Active: 2, Available: 2}, nil
}

func newTestRouter(svc DataService) http.Handler {
	api := NewAPI(svc, gridstatus.Catalog(), Defaults{Market: "pjm", Location: "PJM-RTO"})
	r := chi.NewRouter()
	r.Get("/api/v1/fetch/{endpoint}", api.FetchHandler)
	r.Get("/api/v1/dayahead/date/{date}", api.EndpointHandler(gridstatus.DayAheadDate, "date"))
	r.Get("/api/v1/load/forecast", api.EndpointHandler(gridstatus.LoadForecast))
	r.Get("/api/v1/endpoints", api.CatalogHandler)
	r.Post("/api/v1/pool/reset", api.PoolResetHandler)
	r.Post("/api/v1/cache/clear", api.CacheClearHandler)
	r.Get("/api/v1/stats", api.StatsHandler)
	return r
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestFetchHandlerAppliesDefaults(t *testing.T) {
	svc := &fakeService{source: core.SourceCache}
	rec := serve(t, newTestRouter(svc), http.MethodGet, "/api/v1/fetch/dayahead_latest")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get(DataSourceHeader))
	assert.Equal(t, gridstatus.DayAheadLatest, svc.lastCall)
	assert.Equal(t, core.Params{"market": "pjm", "location": "PJM-RTO"}, svc.lastParams)

	var body DataResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pjm", body.Market)
	assert.Equal(t, "PJM-RTO", body.Location)
	assert.JSONEq(t, `[{"lmp":31.5}]`, string(body.Data))
}

func TestFetchHandlerKeepsExplicitParams(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, newTestRouter(svc), http.MethodGet,
		"/api/v1/fetch/realtime_range?market=ercot&location=HB_HOUSTON&start=2025-03-01&end=2025-03-02&empty=")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.Params{
		"market":   "ercot",
		"location": "HB_HOUSTON",
		"start":    "2025-03-01",
		"end":      "2025-03-02",
	}, svc.lastParams)
}

func TestEndpointHandlerMergesURLParams(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, newTestRouter(svc), http.MethodGet, "/api/v1/dayahead/date/2025-03-01")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gridstatus.DayAheadDate, svc.lastCall)
	assert.Equal(t, "2025-03-01", svc.lastParams["date"])

	var body DataResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2025-03-01", body.Date)
}

func TestEndpointHandlerSkipsLocationWhereUnused(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, newTestRouter(svc), http.MethodGet, "/api/v1/load/forecast?date=2025-03-01")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.Params{"market": "pjm", "date": "2025-03-01"}, svc.lastParams)
}

func TestFetchHandlerMapsPipelineErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &core.ValidationError{Field: "date", Message: "date is required"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown", fmt.Errorf("%w: nope", core.ErrUnknownEndpoint), http.StatusNotFound, "NOT_FOUND"},
		{"pool", core.ErrPoolExhausted, http.StatusServiceUnavailable, "POOL_EXHAUSTED"},
		{"queue timeout", core.ErrQueueTimeout, http.StatusGatewayTimeout, "QUEUE_TIMEOUT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ResetHTTPErrorResponder()
			svc := &fakeService{fetchErr: tc.err}
			rec := serve(t, newTestRouter(svc), http.MethodGet, "/api/v1/fetch/dayahead_date")

			require.Equal(t, tc.status, rec.Code)
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Error.Code)
		})
	}
}

func TestCatalogHandlerListsEndpoints(t *testing.T) {
	rec := serve(t, newTestRouter(&fakeService{}), http.MethodGet, "/api/v1/endpoints")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Defaults  map[string]string         `json:"defaults"`
		Endpoints []gridstatus.EndpointInfo `json:"endpoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pjm", body.Defaults["market"])
	assert.Len(t, body.Endpoints, len(gridstatus.Catalog()))
}

func TestPoolResetHandler(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, newTestRouter(svc), http.MethodPost, "/api/v1/pool/reset?strategy=least_used")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "least_used", svc.strategy)

	var body AdminResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body.Status)
	assert.Contains(t, body.Message, "least_used")
}

func TestPoolResetHandlerRejectsBadStrategy(t *testing.T) {
	ResetHTTPErrorResponder()
	svc := &fakeService{resetErr: &core.ValidationError{Field: "strategy", Message: "unknown strategy \"fastest\""}}
	rec := serve(t, newTestRouter(svc), http.MethodPost, "/api/v1/pool/reset?strategy=fastest")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheClearHandler(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, newTestRouter(svc), http.MethodPost, "/api/v1/cache/clear")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.cleared)
}

func TestStatsHandler(t *testing.T) {
	svc := &fakeService{pool: keypool.Stats{Strategy: keypool.RoundRobin, Total: 1, Active: 1, Available: 1}}
	rec := serve(t, newTestRouter(svc), http.MethodGet, "/api/v1/stats")

	require.Equal(t, http.StatusOK, rec.Code)
	var body pipeline.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Pool.Total)
	assert.Equal(t, []string{gridstatus.DayAheadLatest}, body.Endpoints)
}

func TestPoolChecker(t *testing.T) {
	svc := &fakeService{pool: keypool.Stats{Active: 2, Available: 1}}
	assert.NoError(t, PoolChecker(svc).CheckHealth(context.Background()))

	svc.pool = keypool.Stats{Active: 2, Available: 0, RateLimited: 2}
	assert.ErrorIs(t, PoolChecker(svc).CheckHealth(context.Background()), ErrDegraded)

	svc.pool = keypool.Stats{Total: 2}
	err := PoolChecker(svc).CheckHealth(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDegraded)
}

func TestQueueChecker(t *testing.T) {
	svc := &fakeService{queue: queue.Stats{Backlog: 3}}
	assert.NoError(t, QueueChecker(svc).CheckHealth(context.Background()))

	svc.queue.Backlog = queueBacklogWarn
	assert.ErrorIs(t, QueueChecker(svc).CheckHealth(context.Background()), ErrDegraded)
}
