package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/core/cache"
	"github.com/gridlane/gridlane/internal/core/gridstatus"
	"github.com/gridlane/gridlane/internal/core/keypool"
	"github.com/gridlane/gridlane/internal/core/pipeline"
	"github.com/gridlane/gridlane/internal/core/queue"
	apperrors "github.com/gridlane/gridlane/internal/errors"
)

// DataSourceHeader tells clients whether a body came from upstream, a fresh
// cache entry or a stale fallback.
const DataSourceHeader = "X-Data-Source"

// DataService is the pipeline surface the HTTP API depends on.
type DataService interface {
	Fetch(ctx context.Context, endpoint string, params core.Params) (core.Result, error)
	Stats() pipeline.Stats
	PoolStats() keypool.Stats
	CacheStats() cache.Stats
	QueueStats() queue.Stats
	ResetPool(strategy string) (keypool.Stats, error)
	ClearCache() cache.Stats
	ClearQueue(ctx context.Context) (queue.Stats, error)
}

// Defaults are applied to requests that omit market or location.
type Defaults struct {
	Market   string
	Location string
}

// API serves market data and pipeline administration.
type API struct {
	service  DataService
	catalog  []gridstatus.EndpointInfo
	defaults Defaults
}

// NewAPI builds the data API over a pipeline.
func NewAPI(service DataService, catalog []gridstatus.EndpointInfo, defaults Defaults) *API {
	return &API{service: service, catalog: catalog, defaults: defaults}
}

// DataResponse wraps upstream rows with the request context that produced them.
type DataResponse struct {
	Endpoint  string          `json:"endpoint"`
	Market    string          `json:"market,omitempty"`
	Location  string          `json:"location,omitempty"`
	Region    string          `json:"region,omitempty"`
	Date      string          `json:"date,omitempty"`
	Start     string          `json:"start,omitempty"`
	End       string          `json:"end,omitempty"`
	Source    core.Source     `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
	Data      json.RawMessage `json:"data"`
}

// FetchHandler serves GET /api/v1/fetch/{endpoint} with the query string as
// endpoint params.
func (a *API) FetchHandler(w http.ResponseWriter, r *http.Request) {
	a.serveEndpoint(w, r, chi.URLParam(r, "endpoint"), queryParams(r))
}

// EndpointHandler returns a handler for a fixed endpoint. Named URL params
// are merged into the query params.
func (a *API) EndpointHandler(endpoint string, urlParams ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := queryParams(r)
		for _, name := range urlParams {
			if v := chi.URLParam(r, name); v != "" {
				params[name] = v
			}
		}
		a.serveEndpoint(w, r, endpoint, params)
	}
}

func (a *API) serveEndpoint(w http.ResponseWriter, r *http.Request, endpoint string, params core.Params) {
	params = a.withDefaults(endpoint, params)

	result, err := a.service.Fetch(r.Context(), endpoint, params)
	if err != nil {
		respondWithError(w, r, apperrors.WrapPipeline(r.Context(), err))
		return
	}

	w.Header().Set(DataSourceHeader, string(result.Source))
	writeJSON(w, http.StatusOK, DataResponse{
		Endpoint:  result.Endpoint,
		Market:    params["market"],
		Location:  params["location"],
		Region:    params["region"],
		Date:      params["date"],
		Start:     params["start"],
		End:       params["end"],
		Source:    result.Source,
		FetchedAt: result.FetchedAt,
		Data:      result.Data,
	})
}

// withDefaults fills market and location from the configured defaults.
func (a *API) withDefaults(endpoint string, params core.Params) core.Params {
	info, ok := a.lookup(endpoint)
	if !ok {
		return params
	}
	return info.ApplyDefaults(params, a.defaults.Market, a.defaults.Location)
}

func (a *API) lookup(endpoint string) (gridstatus.EndpointInfo, bool) {
	for _, info := range a.catalog {
		if info.Name == endpoint {
			return info, true
		}
	}
	return gridstatus.EndpointInfo{}, false
}

// CatalogHandler lists the endpoints the pipeline serves.
func (a *API) CatalogHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"defaults": map[string]string{
			"market":   a.defaults.Market,
			"location": a.defaults.Location,
		},
		"endpoints": a.catalog,
	})
}

// queryParams flattens the query string, keeping the first value per key.
func queryParams(r *http.Request) core.Params {
	values := r.URL.Query()
	params := make(core.Params, len(values))
	for k, v := range values {
		if len(v) == 0 {
			continue
		}
		if trimmed := strings.TrimSpace(v[0]); trimmed != "" {
			params[k] = trimmed
		}
	}
	return params
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
