package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrPoolExhausted is returned when no credential became usable within
	// one bounded cooldown wait.
	ErrPoolExhausted = errors.New("credential pool exhausted")
	// ErrAllKeysExhausted is returned by the retry loop when no credential
	// could be obtained on any attempt.
	ErrAllKeysExhausted = errors.New("all credentials exhausted")
	// ErrRetriesExhausted wraps the last error once the retry ceiling is hit.
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrQueueTimeout     = errors.New("queue wait timed out")
	ErrQueueCleared     = errors.New("queue cleared")
	ErrUnknownEndpoint  = errors.New("unknown endpoint")
)

// ErrorKind classifies upstream failures for the retry loop.
type ErrorKind int

const (
	// KindOther is retried without penalizing the credential.
	KindOther ErrorKind = iota
	// KindRateLimited puts the credential into cooldown.
	KindRateLimited
	// KindInvalidCredential deactivates the credential.
	KindInvalidCredential
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidCredential:
		return "invalid_credential"
	default:
		return "other"
	}
}

// UpstreamError describes a failed upstream call.
type UpstreamError struct {
	StatusCode int
	// RetryAfter is the server's cooldown hint; zero when absent.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream returned %d", e.StatusCode)
	case e.Err != nil:
		return "upstream request failed: " + e.Err.Error()
	default:
		return "upstream request failed"
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Kind classifies the failure.
func (e *UpstreamError) Kind() ErrorKind {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindInvalidCredential
	default:
		return KindOther
	}
}

// Classify returns the kind of err and any retry-after hint it carries.
func Classify(err error) (ErrorKind, time.Duration) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Kind(), upstream.RetryAfter
	}
	return KindOther, 0
}

// ValidationError reports a malformed request. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
