package gridstatus

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/gridlane/gridlane/internal/core"
)

// Endpoint names served by the adapter.
const (
	DayAheadLatest  = "dayahead_latest"
	DayAheadDate    = "dayahead_date"
	DayAheadRange   = "dayahead_range"
	RealTimeLatest  = "realtime_latest"
	RealTimeLast24h = "realtime_last24h"
	RealTimeRange   = "realtime_range"
	LoadActual      = "load_actual"
	LoadForecast    = "load_forecast"
)

const dateLayout = "2006-01-02"

var marketPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,31}$`)

type request struct {
	dataset string
	query   url.Values
}

type endpoint struct {
	name        string
	description string
	dataset     string
	required    []string
	build       func(params core.Params) (request, error)
	transform   func(data json.RawMessage) (json.RawMessage, error)
}

// EndpointInfo describes an endpoint for listings.
type EndpointInfo struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Dataset     string   `json:"dataset" yaml:"dataset"`
	Required    []string `json:"required,omitempty" yaml:"required,omitempty"`
	Optional    []string `json:"optional,omitempty" yaml:"optional,omitempty"`
}

var catalog = []endpoint{
	{
		name:        DayAheadLatest,
		description: "Latest 24 day-ahead hourly LMPs for a location",
		dataset:     "{market}_lmp_day_ahead_hourly",
		build: func(p core.Params) (request, error) {
			q, err := locationFilter(p)
			if err != nil {
				return request{}, err
			}
			q.Set("order", "desc")
			q.Set("limit", "24")
			q.Set("columns", "interval_start_utc,interval_end_utc,location,lmp")
			return dataset(p, "_lmp_day_ahead_hourly", q)
		},
	},
	{
		name:        DayAheadDate,
		description: "Day-ahead hourly LMPs for one UTC day",
		dataset:     "{market}_lmp_day_ahead_hourly",
		required:    []string{"date"},
		build: func(p core.Params) (request, error) {
			q, err := locationFilter(p)
			if err != nil {
				return request{}, err
			}
			if err := dayWindow(p, q); err != nil {
				return request{}, err
			}
			q.Set("order", "asc")
			q.Set("columns", "interval_start_utc,interval_end_utc,lmp")
			return dataset(p, "_lmp_day_ahead_hourly", q)
		},
	},
	{
		name:        DayAheadRange,
		description: "Day-ahead hourly LMPs between start and end",
		dataset:     "{market}_lmp_day_ahead_hourly",
		required:    []string{"start", "end"},
		build: func(p core.Params) (request, error) {
			q, err := locationFilter(p)
			if err != nil {
				return request{}, err
			}
			if err := rangeWindow(p, q); err != nil {
				return request{}, err
			}
			q.Set("order", "asc")
			q.Set("columns", "interval_start_utc,interval_end_utc,lmp")
			return dataset(p, "_lmp_day_ahead_hourly", q)
		},
	},
	{
		name:        RealTimeLatest,
		description: "Most recent five-minute real-time LMP for a location",
		dataset:     "{market}_lmp_real_time_5_min",
		build: func(p core.Params) (request, error) {
			q, err := locationFilter(p)
			if err != nil {
				return request{}, err
			}
			q.Set("time", "latest")
			q.Set("limit", "1")
			q.Set("columns", "interval_start_utc,lmp")
			return dataset(p, "_lmp_real_time_5_min", q)
		},
	},
	{
		name:        RealTimeLast24h,
		description: "Five-minute real-time LMP components over the last 24 hours",
		dataset:     "{market}_lmp_real_time_5_min",
		build: func(p core.Params) (request, error) {
			q, err := locationFilter(p)
			if err != nil {
				return request{}, err
			}
			q.Set("order", "desc")
			q.Set("limit", strconv.Itoa(24*12))
			q.Set("columns", "interval_start_utc,lmp,energy,congestion,loss")
			return dataset(p, "_lmp_real_time_5_min", q)
		},
	},
	{
		name:        RealTimeRange,
		description: "Five-minute real-time LMPs between start and end",
		dataset:     "{market}_lmp_real_time_5_min",
		required:    []string{"start", "end"},
		build: func(p core.Params) (request, error) {
			q, err := locationFilter(p)
			if err != nil {
				return request{}, err
			}
			if err := rangeWindow(p, q); err != nil {
				return request{}, err
			}
			q.Set("order", "asc")
			q.Set("columns", "interval_start_utc,lmp")
			return dataset(p, "_lmp_real_time_5_min", q)
		},
	},
	{
		name:        LoadActual,
		description: "Metered load for one UTC day summed per hour",
		dataset:     "{market}_load",
		required:    []string{"date"},
		build: func(p core.Params) (request, error) {
			q := url.Values{}
			q.Set("filter_column", "mkt_region")
			q.Set("filter_value", valueOr(p, "region", DefaultRegion))
			if err := dayWindow(p, q); err != nil {
				return request{}, err
			}
			q.Set("order", "asc")
			q.Set("columns", "interval_start_utc,load,mw")
			return dataset(p, "_load", q)
		},
		transform: hourlyLoad,
	},
	{
		name:        LoadForecast,
		description: "Hourly load forecast for one UTC day",
		dataset:     "{market}_load_forecast_hourly",
		required:    []string{"date"},
		build: func(p core.Params) (request, error) {
			q := url.Values{}
			if err := dayWindow(p, q); err != nil {
				return request{}, err
			}
			q.Set("order", "asc")
			q.Set("columns", "interval_start_utc,load_forecast")
			return dataset(p, "_load_forecast_hourly", q)
		},
	},
}

// ApplyDefaults fills market, and location where the endpoint accepts one,
// when the caller left them blank. Equivalent requests then share a
// fingerprint.
func (i EndpointInfo) ApplyDefaults(params core.Params, market, location string) core.Params {
	if params == nil {
		params = core.Params{}
	}
	if params.Get("market") == "" && market != "" && slices.Contains(i.Optional, "market") {
		params["market"] = market
	}
	if params.Get("location") == "" && location != "" && slices.Contains(i.Optional, "location") {
		params["location"] = location
	}
	return params
}

// Prepare reduces params to the keys the endpoint accepts and validates them
// without touching the network. Unknown keys such as cache busters are
// dropped so they cannot split the fingerprint of an otherwise identical
// request.
func Prepare(name string, params core.Params) (core.Params, error) {
	info, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownEndpoint, name)
	}
	kept := make(core.Params, len(info.Required)+len(info.Optional))
	for _, key := range append(slices.Clone(info.Required), info.Optional...) {
		if v := params.Get(key); v != "" {
			kept[key] = v
		}
	}
	for _, ep := range catalog {
		if ep.name != name {
			continue
		}
		if _, err := ep.build(kept); err != nil {
			return nil, err
		}
		break
	}
	return kept, nil
}

// Lookup returns the catalog entry for an endpoint name.
func Lookup(name string) (EndpointInfo, bool) {
	for _, info := range Catalog() {
		if info.Name == name {
			return info, true
		}
	}
	return EndpointInfo{}, false
}

// Catalog lists every endpoint the adapter serves, sorted by name.
func Catalog() []EndpointInfo {
	out := make([]EndpointInfo, 0, len(catalog))
	for _, ep := range catalog {
		info := EndpointInfo{
			Name:        ep.name,
			Description: ep.description,
			Dataset:     ep.dataset,
			Required:    ep.required,
			Optional:    []string{"market"},
		}
		switch ep.name {
		case LoadActual:
			info.Optional = append(info.Optional, "region")
		case LoadForecast:
		default:
			info.Optional = append(info.Optional, "location")
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func dataset(p core.Params, suffix string, q url.Values) (request, error) {
	market := valueOr(p, "market", DefaultMarket)
	if !marketPattern.MatchString(market) {
		return request{}, &core.ValidationError{Field: "market", Message: fmt.Sprintf("invalid market %q", market)}
	}
	return request{dataset: market + suffix, query: q}, nil
}

func locationFilter(p core.Params) (url.Values, error) {
	location := valueOr(p, "location", DefaultLocation)
	if len(location) > 128 {
		return nil, &core.ValidationError{Field: "location", Message: "location is too long"}
	}
	q := url.Values{}
	q.Set("filter_column", "location")
	q.Set("filter_value", location)
	return q, nil
}

func dayWindow(p core.Params, q url.Values) error {
	raw := p.Get("date")
	if raw == "" {
		return &core.ValidationError{Field: "date", Message: "date is required"}
	}
	day, err := time.Parse(dateLayout, raw)
	if err != nil {
		return &core.ValidationError{Field: "date", Message: "date must be YYYY-MM-DD"}
	}
	q.Set("start_time", day.Format(time.RFC3339))
	q.Set("end_time", day.Add(24*time.Hour).Format(time.RFC3339))
	return nil
}

func rangeWindow(p core.Params, q url.Values) error {
	start, err := parseBound(p, "start")
	if err != nil {
		return err
	}
	end, err := parseBound(p, "end")
	if err != nil {
		return err
	}
	if !end.After(start) {
		return &core.ValidationError{Field: "end", Message: "end must be after start"}
	}
	q.Set("start_time", start.Format(time.RFC3339))
	q.Set("end_time", end.Format(time.RFC3339))
	return nil
}

// parseBound accepts a calendar date or an RFC 3339 timestamp.
func parseBound(p core.Params, field string) (time.Time, error) {
	raw := p.Get(field)
	if raw == "" {
		return time.Time{}, &core.ValidationError{Field: field, Message: field + " is required"}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	return time.Time{}, &core.ValidationError{Field: field, Message: field + " must be YYYY-MM-DD or RFC 3339"}
}

func valueOr(p core.Params, key, fallback string) string {
	if v := p.Get(key); v != "" {
		return v
	}
	return fallback
}

type loadRow struct {
	IntervalStartUTC string   `json:"interval_start_utc"`
	MW               *float64 `json:"mw"`
}

type hourlyTotal struct {
	IntervalStartUTC string  `json:"interval_start_utc"`
	ActualLoadMW     float64 `json:"actual_load_mw"`
}

// hourlyLoad sums the per-area metered rows into one total per hour.
func hourlyLoad(data json.RawMessage) (json.RawMessage, error) {
	var rows []loadRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &core.UpstreamError{Err: fmt.Errorf("decode load rows: %w", err)}
	}

	totals := make(map[string]float64)
	for _, row := range rows {
		if row.MW == nil {
			continue
		}
		hour, ok := hourKey(row.IntervalStartUTC)
		if !ok {
			continue
		}
		totals[hour] += *row.MW
	}

	out := make([]hourlyTotal, 0, len(totals))
	for hour, mw := range totals {
		out = append(out, hourlyTotal{IntervalStartUTC: hour, ActualLoadMW: mw})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntervalStartUTC < out[j].IntervalStartUTC })
	return json.Marshal(out)
}

func hourKey(raw string) (string, bool) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC().Truncate(time.Hour).Format(time.RFC3339), true
	}
	if len(raw) >= 13 {
		return raw[:13] + ":00:00Z", true
	}
	return "", false
}
