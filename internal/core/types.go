package core

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Params are the query parameters of a logical data request.
type Params map[string]string

// Clone returns a copy that is safe to mutate.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Get returns the trimmed value for key.
func (p Params) Get(key string) string {
	return strings.TrimSpace(p[key])
}

// Fingerprint derives the cache key for an endpoint call: the endpoint name
// followed by the query-encoded params sorted by key. The format is stable
// across processes since persisted snapshots are keyed by it.
func Fingerprint(endpoint string, params Params) string {
	if len(params) == 0 {
		return endpoint
	}
	values := make(url.Values, len(params))
	for k, v := range params {
		values.Set(k, v)
	}
	return endpoint + "?" + values.Encode()
}

// ParseFingerprint splits a fingerprint back into endpoint and params.
func ParseFingerprint(fingerprint string) (string, Params, error) {
	endpoint, query, _ := strings.Cut(fingerprint, "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", nil, fmt.Errorf("parse fingerprint %q: %w", fingerprint, err)
	}
	params := make(Params, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	return endpoint, params, nil
}

// Source reports where a Result came from.
type Source string

const (
	SourceUpstream Source = "upstream"
	SourceCache    Source = "cache"
	// SourceStale marks a stale cache value served because a refresh failed.
	SourceStale Source = "stale"
)

// Payload is the cached body of a successful upstream call.
type Payload struct {
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Result is what the pipeline hands back to callers.
type Result struct {
	Endpoint    string          `json:"endpoint"`
	Params      Params          `json:"params"`
	Fingerprint string          `json:"fingerprint"`
	Data        json.RawMessage `json:"data"`
	FetchedAt   time.Time       `json:"fetched_at"`
	Source      Source          `json:"source"`
}

// Stale reports whether the result is a stale fallback.
func (r Result) Stale() bool {
	return r.Source == SourceStale
}

// CredentialPreview masks a credential for logs and stats.
func CredentialPreview(credential string) string {
	if len(credential) <= 8 {
		return credential[:min(len(credential), 4)] + "..."
	}
	return credential[:8] + "..."
}

// Snapshot is a persisted cache entry.
type Snapshot struct {
	Fingerprint string    `json:"fingerprint"`
	Endpoint    string    `json:"endpoint"`
	Params      Params    `json:"params"`
	Payload     Payload   `json:"payload"`
	StoredAt    time.Time `json:"stored_at"`
}
