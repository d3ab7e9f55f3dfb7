// Package gridstatus implements the raw dataset queries against the
// Gridstatus API. Each endpoint is exposed as a pipeline.FetchFunc.
package gridstatus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/core/pipeline"
)

const (
	DefaultBaseURL  = "https://api.gridstatus.io/v1/datasets"
	DefaultMarket   = "pjm"
	DefaultLocation = "PJM-RTO"
	DefaultRegion   = "PJM"

	defaultTimeout  = 30 * time.Second
	maxResponseSize = 16 << 20
	maxMessageLen   = 200
)

var errMissingData = errors.New("response has no data array")

// Client queries Gridstatus datasets.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	Clock      clockwork.Clock
	Logger     *logging.Logger
}

// Endpoints returns a fetch function per endpoint name.
func (c *Client) Endpoints() map[string]pipeline.FetchFunc {
	out := make(map[string]pipeline.FetchFunc, len(catalog))
	for _, ep := range catalog {
		out[ep.name] = c.fetchFunc(ep)
	}
	return out
}

func (c *Client) fetchFunc(ep endpoint) pipeline.FetchFunc {
	return func(ctx context.Context, params core.Params, credential string) (json.RawMessage, error) {
		req, err := ep.build(params)
		if err != nil {
			return nil, err
		}
		data, err := c.query(ctx, req.dataset, credential, req.query)
		if err != nil {
			return nil, err
		}
		if ep.transform != nil {
			return ep.transform(data)
		}
		return data, nil
	}
}

func (c *Client) query(ctx context.Context, dataset, credential string, query url.Values) (json.RawMessage, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, &core.UpstreamError{StatusCode: http.StatusUnauthorized, Message: "empty credential"}
	}

	values := url.Values{}
	for k, v := range query {
		values[k] = v
	}
	values.Set("api_key", credential)
	target := c.baseURL() + "/" + url.PathEscape(dataset) + "/query?" + values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	if c.Logger != nil {
		c.Logger.Debug("Querying dataset",
			zap.String("dataset", dataset),
			zap.String("credential", core.CredentialPreview(credential)))
	}

	resp, err := c.client().Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &core.UpstreamError{Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &core.UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstream := &core.UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			upstream.RetryAfter = retryAfterHeader(resp, c.clock().Now())
		}
		return nil, upstream
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &core.UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || data[0] != '[' {
		return nil, &core.UpstreamError{StatusCode: resp.StatusCode, Err: errMissingData}
	}
	return json.RawMessage(data), nil
}

// retryAfterHeader reads a Retry-After value given either as delta seconds
// or as an HTTP-date.
func retryAfterHeader(resp *http.Response, now time.Time) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}

	retry := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retry == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retry); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		if wait := parsed.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

// errorMessage extracts a short human message from an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			return truncate(payload.Message)
		case payload.Error != "":
			return truncate(payload.Error)
		case payload.Detail != nil:
			if s, ok := payload.Detail.(string); ok {
				return truncate(s)
			}
			if raw, err := json.Marshal(payload.Detail); err == nil {
				return truncate(string(raw))
			}
		}
	}
	return truncate(strings.TrimSpace(string(body)))
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen] + "..."
}

func (c *Client) baseURL() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func (c *Client) clock() clockwork.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clockwork.NewRealClock()
}
