// Package errors builds gofulmen error envelopes for the CLI and HTTP API
// and writes them as JSON responses.
package errors

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/metrics"
	"github.com/gridlane/gridlane/internal/observability"
	"github.com/gridlane/gridlane/internal/server/middleware"
)

// statusClientClosedRequest reports a request whose caller went away.
const statusClientClosedRequest = 499

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope("NOT_FOUND", message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope("METHOD_NOT_ALLOWED", message)
}

func NewInternalError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope("INTERNAL_ERROR", message)
}

func NewExternalServiceError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope("EXTERNAL_SERVICE_ERROR", message)
}

func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope("CONFIG_INVALID", message)
}

func WrapInternal(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, "INTERNAL_ERROR", message, err, nil)
}

func WrapConfigInvalid(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, "CONFIG_INVALID", message, err, nil)
}

// wrap builds an envelope carrying the request's correlation ID, the wrapped
// error text and any extra context fields.
func wrap(ctx context.Context, code, message string, err error, fields map[string]interface{}) *errors.ErrorEnvelope {
	id := correlationID(ctx)
	envelope := errors.NewErrorEnvelope(code, message).WithCorrelationID(id).WithTraceID(id)

	if err != nil {
		if fields == nil {
			fields = map[string]interface{}{}
		}
		fields["wrapped_error"] = err.Error()
	}
	if len(fields) > 0 {
		if updated, updateErr := envelope.WithContext(fields); updateErr == nil {
			envelope = updated
		}
	}
	return envelope
}

// correlationID prefers the request ID set by middleware.
func correlationID(ctx context.Context) string {
	if ctx != nil {
		if requestID := middleware.GetRequestID(ctx); requestID != "" {
			return requestID
		}
	}
	return uuid.New().String()
}

// HTTPStatusFromEnvelope resolves the HTTP status code corresponding to an error envelope.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	switch envelope.Code {
	case "BAD_REQUEST":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "METHOD_NOT_ALLOWED":
		return http.StatusMethodNotAllowed
	case "CANCELED":
		return statusClientClosedRequest
	case "RETRIES_EXHAUSTED", "EXTERNAL_SERVICE_ERROR":
		return http.StatusBadGateway
	case "POOL_EXHAUSTED", "QUEUE_CLEARED", "SERVICE_UNAVAILABLE":
		return http.StatusServiceUnavailable
	case "QUEUE_TIMEOUT", "TIMEOUT":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ResponseDetails merges envelope details and context into the API-safe map.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	if envelope == nil {
		return nil
	}

	details := make(map[string]interface{})
	for key, value := range envelope.Details {
		details[key] = value
	}
	for key, value := range envelope.Context {
		if _, exists := details[key]; !exists {
			details[key] = value
		}
	}

	if len(details) == 0 {
		return nil
	}
	return details
}

// HTTPErrorDetail captures the error body returned to callers.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPErrorDetail in the standard envelope structure.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// RespondWithError writes err as JSON. Errors that are not already envelopes
// are classified like pipeline errors.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	if envelope, ok := err.(*errors.ErrorEnvelope); ok && envelope != nil {
		RespondWithEnvelope(w, r, envelope)
		return
	}
	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	RespondWithEnvelope(w, r, WrapPipeline(ctx, err))
}

// RespondWithEnvelope logs the envelope, records error metrics and writes it.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}
	if envelope == nil {
		envelope = NewInternalError("unexpected nil error")
	}
	if envelope.CorrelationID == "" {
		var ctx context.Context
		if r != nil {
			ctx = r.Context()
		}
		envelope = envelope.WithCorrelationID(correlationID(ctx))
	}

	statusCode := HTTPStatusFromEnvelope(envelope)
	logHTTPError(envelope, statusCode)

	metrics.RecordError(envelope.Code, statusCode)
	if r != nil {
		metrics.RecordErrorByEndpoint(r.URL.Path, envelope.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   ResponseDetails(envelope),
			RequestID: envelope.CorrelationID,
		},
	})
}

func logHTTPError(envelope *errors.ErrorEnvelope, statusCode int) {
	if observability.ServerLogger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", statusCode),
		zap.String("request_id", envelope.CorrelationID),
	}
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}

	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		observability.ServerLogger.Error(envelope.Message, fields...)
	case errors.SeverityMedium:
		observability.ServerLogger.Warn(envelope.Message, fields...)
	default:
		observability.ServerLogger.Info(envelope.Message, fields...)
	}
}
