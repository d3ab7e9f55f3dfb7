package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlane/gridlane/internal/core"
)

func TestWrapPipelineCodesAndStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"validation", &core.ValidationError{Field: "date", Message: "date is required"}, "BAD_REQUEST", http.StatusBadRequest},
		{"unknown endpoint", fmt.Errorf("%w: bogus", core.ErrUnknownEndpoint), "NOT_FOUND", http.StatusNotFound},
		{"pool", fmt.Errorf("%w: %w", core.ErrAllKeysExhausted, core.ErrPoolExhausted), "POOL_EXHAUSTED", http.StatusServiceUnavailable},
		{"retries", fmt.Errorf("%w after 3 attempts: %w", core.ErrRetriesExhausted, &core.UpstreamError{StatusCode: 500}), "RETRIES_EXHAUSTED", http.StatusBadGateway},
		{"queue timeout", fmt.Errorf("%w after 1m0s", core.ErrQueueTimeout), "QUEUE_TIMEOUT", http.StatusGatewayTimeout},
		{"deadline", context.DeadlineExceeded, "TIMEOUT", http.StatusGatewayTimeout},
		{"cleared", core.ErrQueueCleared, "QUEUE_CLEARED", http.StatusServiceUnavailable},
		{"canceled", context.Canceled, "CANCELED", 499},
		{"other", fmt.Errorf("boom"), "INTERNAL_ERROR", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := WrapPipeline(context.Background(), tc.err)
			assert.Equal(t, tc.code, env.Code)
			assert.Equal(t, tc.status, HTTPStatusFromEnvelope(env))
			assert.NotEmpty(t, env.CorrelationID)
		})
	}
}

func TestWrapPipelineCarriesFieldAndUpstreamStatus(t *testing.T) {
	env := WrapPipeline(context.Background(), &core.ValidationError{Field: "date", Message: "date must be YYYY-MM-DD"})
	assert.Equal(t, "date: date must be YYYY-MM-DD", env.Message)
	assert.Equal(t, "date", ResponseDetails(env)["field"])

	env = WrapPipeline(context.Background(),
		fmt.Errorf("%w after 3 attempts: %w", core.ErrRetriesExhausted, &core.UpstreamError{StatusCode: 502}))
	assert.EqualValues(t, 502, ResponseDetails(env)["upstream_status"])
}

func TestRespondWithPipelineEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/fetch/dayahead_date", nil)
	rec := httptest.NewRecorder()

	RespondWithEnvelope(rec, req, WrapPipeline(req.Context(), &core.ValidationError{Field: "date", Message: "date is required"}))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "BAD_REQUEST", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestRespondWithErrorClassifiesPlainErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queue/clear", nil)
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, core.ErrQueueCleared)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "QUEUE_CLEARED", body.Error.Code)
	assert.Equal(t, core.ErrQueueCleared.Error(), body.Error.Details["wrapped_error"])
}

func TestRespondWithErrorKeepsEnvelopes(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, NewNotFoundError("route not found"))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.Equal(t, "route not found", body.Error.Message)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestWrapConfigInvalidCarriesCause(t *testing.T) {
	env := WrapConfigInvalid(context.Background(), fmt.Errorf("pool.strategy: unknown"), "configuration invalid")
	assert.Equal(t, "CONFIG_INVALID", env.Code)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFromEnvelope(env))
	assert.Equal(t, "pool.strategy: unknown", ResponseDetails(env)["wrapped_error"])
	assert.NotEmpty(t, env.TraceID)
}
