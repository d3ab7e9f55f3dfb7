package gridstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlane/gridlane/internal/core"
)

type recorded struct {
	path  string
	query url.Values
}

func newServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32, chan recorded) {
	t.Helper()
	var hits atomic.Int32
	requests := make(chan recorded, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		requests <- recorded{path: r.URL.Path, query: r.URL.Query()}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, requests
}

func okHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func fetch(t *testing.T, c *Client, name string, params core.Params) (json.RawMessage, error) {
	t.Helper()
	fn, ok := c.Endpoints()[name]
	require.True(t, ok, "endpoint %s", name)
	return fn(context.Background(), params, "key-one")
}

func TestEndpointsCoverCatalog(t *testing.T) {
	c := &Client{}
	endpoints := c.Endpoints()
	infos := Catalog()
	require.Len(t, endpoints, len(infos))
	for _, info := range infos {
		assert.Contains(t, endpoints, info.Name)
	}
	assert.Equal(t, DayAheadDate, infos[0].Name)
}

func TestDayAheadLatestQuery(t *testing.T) {
	srv, _, requests := newServer(t, okHandler(`{"data":[{"lmp":31.2}],"meta":{}}`))
	c := &Client{BaseURL: srv.URL}

	data, err := fetch(t, c, DayAheadLatest, core.Params{})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"lmp":31.2}]`, string(data))

	req := <-requests
	assert.Equal(t, "/pjm_lmp_day_ahead_hourly/query", req.path)
	assert.Equal(t, "key-one", req.query.Get("api_key"))
	assert.Equal(t, "location", req.query.Get("filter_column"))
	assert.Equal(t, DefaultLocation, req.query.Get("filter_value"))
	assert.Equal(t, "desc", req.query.Get("order"))
	assert.Equal(t, "24", req.query.Get("limit"))
}

func TestMarketAndLocationOverrides(t *testing.T) {
	srv, _, requests := newServer(t, okHandler(`{"data":[]}`))
	c := &Client{BaseURL: srv.URL + "/"}

	_, err := fetch(t, c, RealTimeLatest, core.Params{"market": "ercot", "location": "HB_HOUSTON"})
	require.NoError(t, err)

	req := <-requests
	assert.Equal(t, "/ercot_lmp_real_time_5_min/query", req.path)
	assert.Equal(t, "HB_HOUSTON", req.query.Get("filter_value"))
	assert.Equal(t, "latest", req.query.Get("time"))
}

func TestDayWindowCoversOneUTCDay(t *testing.T) {
	srv, _, requests := newServer(t, okHandler(`{"data":[]}`))
	c := &Client{BaseURL: srv.URL}

	_, err := fetch(t, c, DayAheadDate, core.Params{"date": "2024-03-10"})
	require.NoError(t, err)

	req := <-requests
	assert.Equal(t, "2024-03-10T00:00:00Z", req.query.Get("start_time"))
	assert.Equal(t, "2024-03-11T00:00:00Z", req.query.Get("end_time"))
}

func TestValidationHappensBeforeNetwork(t *testing.T) {
	srv, hits, _ := newServer(t, okHandler(`{"data":[]}`))
	c := &Client{BaseURL: srv.URL}

	cases := []struct {
		name     string
		endpoint string
		params   core.Params
		field    string
	}{
		{"missing date", DayAheadDate, core.Params{}, "date"},
		{"bad date", LoadForecast, core.Params{"date": "03/10/2024"}, "date"},
		{"missing start", RealTimeRange, core.Params{"end": "2024-03-10"}, "start"},
		{"end before start", DayAheadRange, core.Params{"start": "2024-03-10", "end": "2024-03-09"}, "end"},
		{"bad market", DayAheadLatest, core.Params{"market": "../admin"}, "market"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fetch(t, c, tc.endpoint, tc.params)
			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	assert.Zero(t, hits.Load())
}

func TestRangeAcceptsTimestamps(t *testing.T) {
	srv, _, requests := newServer(t, okHandler(`{"data":[]}`))
	c := &Client{BaseURL: srv.URL}

	_, err := fetch(t, c, RealTimeRange, core.Params{
		"start": "2024-03-10T05:00:00-05:00",
		"end":   "2024-03-10T12:00:00Z",
	})
	require.NoError(t, err)

	req := <-requests
	assert.Equal(t, "2024-03-10T10:00:00Z", req.query.Get("start_time"))
	assert.Equal(t, "2024-03-10T12:00:00Z", req.query.Get("end_time"))
}

func TestRateLimitedCarriesRetryAfterSeconds(t *testing.T) {
	srv, _, _ := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"detail":"Rate limit exceeded"}`))
	})
	c := &Client{BaseURL: srv.URL}

	_, err := fetch(t, c, DayAheadLatest, nil)
	kind, hint := core.Classify(err)
	assert.Equal(t, core.KindRateLimited, kind)
	assert.Equal(t, 30*time.Second, hint)
	assert.Contains(t, err.Error(), "Rate limit exceeded")
}

func TestRateLimitedCarriesRetryAfterDate(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	srv, _, _ := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", now.Add(45*time.Second).Format(http.TimeFormat))
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := &Client{BaseURL: srv.URL, Clock: clockwork.NewFakeClockAt(now)}

	_, err := fetch(t, c, DayAheadLatest, nil)
	kind, hint := core.Classify(err)
	assert.Equal(t, core.KindRateLimited, kind)
	assert.Equal(t, 45*time.Second, hint)
}

func TestCredentialRejection(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv, _, _ := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})
		c := &Client{BaseURL: srv.URL}

		_, err := fetch(t, c, DayAheadLatest, nil)
		kind, _ := core.Classify(err)
		assert.Equal(t, core.KindInvalidCredential, kind, "status %d", status)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	srv, _, _ := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	c := &Client{BaseURL: srv.URL}

	_, err := fetch(t, c, DayAheadLatest, nil)
	var upstream *core.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	assert.Equal(t, core.KindOther, upstream.Kind())
	assert.Equal(t, "upstream exploded", upstream.Message)
}

func TestMissingDataArrayIsRejected(t *testing.T) {
	for _, body := range []string{`{"meta":{}}`, `{"data":{"lmp":1}}`, `not json`} {
		srv, _, _ := newServer(t, okHandler(body))
		c := &Client{BaseURL: srv.URL}

		_, err := fetch(t, c, DayAheadLatest, nil)
		var upstream *core.UpstreamError
		require.ErrorAs(t, err, &upstream, body)
		assert.Equal(t, core.KindOther, upstream.Kind())
	}
}

func TestCanceledContextIsNotUpstreamFailure(t *testing.T) {
	srv, _, _ := newServer(t, okHandler(`{"data":[]}`))
	c := &Client{BaseURL: srv.URL}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Endpoints()[DayAheadLatest](ctx, nil, "key-one")
	require.ErrorIs(t, err, context.Canceled)
	var upstream *core.UpstreamError
	assert.NotErrorAs(t, err, &upstream)
}

func TestLoadActualSumsPerHour(t *testing.T) {
	body := `{"data":[
		{"interval_start_utc":"2024-03-10T00:00:00+00:00","load":"A","mw":100.5},
		{"interval_start_utc":"2024-03-10T00:00:00+00:00","load":"B","mw":50},
		{"interval_start_utc":"2024-03-10T00:30:00+00:00","load":"A","mw":10},
		{"interval_start_utc":"2024-03-10T01:00:00+00:00","load":"A","mw":200},
		{"interval_start_utc":"2024-03-10T01:00:00+00:00","load":"B","mw":null}
	]}`
	srv, _, requests := newServer(t, okHandler(body))
	c := &Client{BaseURL: srv.URL}

	data, err := fetch(t, c, LoadActual, core.Params{"date": "2024-03-10"})
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"interval_start_utc":"2024-03-10T00:00:00Z","actual_load_mw":160.5},
		{"interval_start_utc":"2024-03-10T01:00:00Z","actual_load_mw":200}
	]`, string(data))

	req := <-requests
	assert.Equal(t, "/pjm_load/query", req.path)
	assert.Equal(t, "mkt_region", req.query.Get("filter_column"))
	assert.Equal(t, DefaultRegion, req.query.Get("filter_value"))
}

func TestRetryAfterHeader(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	cases := map[string]time.Duration{
		"":        0,
		"7":       7 * time.Second,
		"-3":      0,
		"soon":    0,
		"5m":      0,
		"1.5":     0,
		"120":     2 * time.Minute,
		now.Add(-time.Minute).Format(http.TimeFormat): 0,
		now.Add(2 * time.Minute).Format(http.TimeFormat): 2 * time.Minute,
	}
	for value, want := range cases {
		resp := &http.Response{Header: http.Header{}}
		if value != "" {
			resp.Header.Set("Retry-After", value)
		}
		assert.Equal(t, want, retryAfterHeader(resp, now), value)
	}
	assert.Zero(t, retryAfterHeader(nil, now))
}
