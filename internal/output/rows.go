package output

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// columnOrder puts the interval and price columns first. Unlisted columns
// follow alphabetically.
var columnOrder = []string{
	"interval_start_utc",
	"interval_end_utc",
	"location",
	"lmp",
	"energy",
	"congestion",
	"loss",
	"load",
	"mw",
	"actual_load_mw",
	"load_forecast",
}

// tabular decodes a JSON array of objects into ordered columns and string
// cells. ok is false when data is not an array of objects.
func tabular(data json.RawMessage) (columns []string, rows [][]string, ok bool) {
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, nil, false
	}

	seen := make(map[string]bool)
	for _, rec := range records {
		for k := range rec {
			seen[k] = true
		}
	}
	columns = orderColumns(seen)

	rows = make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = cell(rec[col])
		}
		rows = append(rows, row)
	}
	return columns, rows, true
}

func orderColumns(seen map[string]bool) []string {
	out := make([]string, 0, len(seen))
	for _, col := range columnOrder {
		if seen[col] {
			out = append(out, col)
			delete(seen, col)
		}
	}
	rest := make([]string, 0, len(seen))
	for col := range seen {
		rest = append(rest, col)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func cell(v any) string {
	switch value := v.(type) {
	case nil:
		return "-"
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return "?"
		}
		return string(data)
	}
}

// rowCount returns the number of elements in a JSON array, or -1.
func rowCount(data json.RawMessage) int {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return -1
	}
	return len(items)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func formatSeconds(seconds float64) string {
	return (time.Duration(seconds * float64(time.Second))).String()
}

func rowsLabel(data json.RawMessage) string {
	if n := rowCount(data); n >= 0 {
		return strconv.Itoa(n)
	}
	return "-"
}
