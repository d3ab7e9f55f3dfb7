package errors

import (
	"context"
	stderrors "errors"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/core/pipeline"
)

var pipelineMessages = map[string]string{
	"BAD_REQUEST":       "invalid request parameters",
	"NOT_FOUND":         "unknown endpoint",
	"QUEUE_TIMEOUT":     "request waited too long in the upstream queue",
	"TIMEOUT":           "request deadline exceeded",
	"QUEUE_CLEARED":     "request was discarded by a queue reset",
	"POOL_EXHAUSTED":    "no upstream credential is available",
	"RETRIES_EXHAUSTED": "upstream request failed after retries",
	"CANCELED":          "request canceled",
	"INTERNAL_ERROR":    "unexpected pipeline error",
}

// WrapPipeline converts an error returned by the pipeline into an envelope
// whose code matches the pipeline's terminal error kind.
func WrapPipeline(ctx context.Context, err error) *errors.ErrorEnvelope {
	code := pipeline.ErrorCode(err)
	message := pipelineMessages[code]

	var verr *core.ValidationError
	if stderrors.As(err, &verr) {
		message = verr.Error()
	}

	fields := map[string]interface{}{}
	if verr != nil && verr.Field != "" {
		fields["field"] = verr.Field
	}
	var upstream *core.UpstreamError
	if stderrors.As(err, &upstream) && upstream.StatusCode != 0 {
		fields["upstream_status"] = upstream.StatusCode
	}
	envelope := wrap(ctx, code, message, err, fields)

	severity := errors.SeverityMedium
	switch code {
	case "INTERNAL_ERROR":
		severity = errors.SeverityCritical
	case "POOL_EXHAUSTED", "RETRIES_EXHAUSTED":
		severity = errors.SeverityHigh
	}
	if updated, sevErr := envelope.WithSeverity(severity); sevErr == nil {
		envelope = updated
	}
	return envelope
}
