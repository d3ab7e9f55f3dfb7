package metrics

import (
	"time"

	"github.com/gridlane/gridlane/internal/observability"
)

// Pipeline metric names
const (
	FetchTotal          = "pipeline_fetch_total"
	FetchDuration       = "pipeline_fetch_duration_ms"
	QueueWaitDuration   = "pipeline_queue_wait_ms"
	UpstreamAttempts    = "pipeline_upstream_attempts_total"
	CredentialCooldowns = "pipeline_credential_cooldowns_total"
	CredentialsDisabled = "pipeline_credentials_deactivated_total"
	PoolAvailable       = "pipeline_pool_available"
	QueueBacklog        = "pipeline_queue_backlog"
	AdminResetsTotal    = "pipeline_admin_resets_total"
)

// RecordFetch records a completed pipeline fetch. source is upstream, cache,
// stale or the terminal error code.
func RecordFetch(endpoint, source string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	tags := map[string]string{"endpoint": endpoint, "source": source}
	_ = observability.TelemetrySystem.Counter(FetchTotal, 1, tags)
	_ = observability.TelemetrySystem.Histogram(FetchDuration, duration, map[string]string{"endpoint": endpoint})
}

// RecordQueueWait records how long a call sat in the queue before executing.
func RecordQueueWait(endpoint string, wait time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(QueueWaitDuration, wait, map[string]string{"endpoint": endpoint})
	}
}

// RecordUpstreamAttempts records retry loop activity for one fill.
func RecordUpstreamAttempts(endpoint string, attempts, rateLimited, deactivated int) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(UpstreamAttempts, float64(attempts), map[string]string{"endpoint": endpoint})
	if rateLimited > 0 {
		_ = observability.TelemetrySystem.Counter(CredentialCooldowns, float64(rateLimited), nil)
	}
	if deactivated > 0 {
		_ = observability.TelemetrySystem.Counter(CredentialsDisabled, float64(deactivated), nil)
	}
}

// SetPipelineGauges publishes pool and queue occupancy.
func SetPipelineGauges(availableCredentials, backlog int) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Gauge(PoolAvailable, float64(availableCredentials), nil)
	_ = observability.TelemetrySystem.Gauge(QueueBacklog, float64(backlog), nil)
}

// RecordAdminReset records an administrative pool, cache or queue reset.
func RecordAdminReset(target string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(AdminResetsTotal, 1, map[string]string{"target": target})
	}
}
