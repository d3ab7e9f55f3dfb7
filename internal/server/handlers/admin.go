package handlers

import (
	"fmt"
	"net/http"

	apperrors "github.com/gridlane/gridlane/internal/errors"
)

// AdminResponse reports the outcome of a reset operation.
type AdminResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Stats   any    `json:"stats"`
}

func (a *API) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Stats())
}

func (a *API) PoolStatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.service.PoolStats())
}

// PoolResetHandler rebuilds the credential pool. The strategy query param
// switches selection; omitting it keeps the current one.
func (a *API) PoolResetHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.service.ResetPool(r.URL.Query().Get("strategy"))
	if err != nil {
		respondWithError(w, r, apperrors.WrapPipeline(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, AdminResponse{
		Status:  "success",
		Message: fmt.Sprintf("credential pool reset with %s strategy", stats.Strategy),
		Stats:   stats,
	})
}

func (a *API) CacheStatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.service.CacheStats())
}

func (a *API) CacheClearHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, AdminResponse{
		Status:  "success",
		Message: "cache cleared",
		Stats:   a.service.ClearCache(),
	})
}

func (a *API) QueueStatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.service.QueueStats())
}

// QueueClearHandler discards the backlog. Waiting callers fail with
// QUEUE_CLEARED.
func (a *API) QueueClearHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.service.ClearQueue(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapPipeline(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, AdminResponse{
		Status:  "success",
		Message: "queue cleared and restarted",
		Stats:   stats,
	})
}
