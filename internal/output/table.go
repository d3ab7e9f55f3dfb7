package output

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/core/gridstatus"
	"github.com/gridlane/gridlane/internal/core/pipeline"
)

// TableFormatter renders output as ASCII tables.
type TableFormatter struct{}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

// FormatResult renders the rows of a fetch result.
func (f *TableFormatter) FormatResult(result core.Result) (string, error) {
	title := fmt.Sprintf("%s (%s, fetched %s)", result.Endpoint, result.Source, formatTime(result.FetchedAt))

	columns, rows, ok := tabular(result.Data)
	if !ok {
		return title + "\n" + string(result.Data), nil
	}

	t := newTable(title)
	header := make(table.Row, len(columns))
	for i, col := range columns {
		header[i] = col
	}
	t.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, len(row))
		for i, v := range row {
			r[i] = v
		}
		t.AppendRow(r)
	}
	if len(rows) == 0 {
		return title + "\n(no rows)", nil
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d rows", len(rows))})
	return t.Render(), nil
}

// FormatStats renders the pool, cache and queue sections.
func (f *TableFormatter) FormatStats(stats pipeline.Stats) (string, error) {
	sections := []string{
		f.poolTable(stats),
		f.credentialTable(stats),
		f.cacheTable(stats),
		f.queueTable(stats),
	}
	return strings.Join(sections, "\n\n"), nil
}

func (f *TableFormatter) poolTable(stats pipeline.Stats) string {
	pool := stats.Pool
	t := newTable("Credential pool")
	t.AppendHeader(table.Row{"Strategy", "Total", "Active", "Available", "Rate limited", "Cooldown"})
	t.AppendRow(table.Row{pool.Strategy, pool.Total, pool.Active, pool.Available, pool.RateLimited, formatSeconds(pool.CooldownSeconds)})
	return t.Render()
}

func (f *TableFormatter) credentialTable(stats pipeline.Stats) string {
	t := newTable("Credentials")
	t.AppendHeader(table.Row{"Credential", "Active", "Requests", "Failures", "Last used", "Rate limited until"})
	for _, cred := range stats.Pool.Credentials {
		t.AppendRow(table.Row{
			cred.Preview,
			cred.Active,
			cred.RequestCount,
			cred.FailureCount,
			formatTimePtr(cred.LastUsed),
			formatTimePtr(cred.RateLimitedUntil),
		})
	}
	return t.Render()
}

func (f *TableFormatter) cacheTable(stats pipeline.Stats) string {
	c := stats.Cache
	t := newTable("Cache")
	t.AppendHeader(table.Row{"Entries", "Fresh", "Expired", "TTL", "Hits", "Misses", "Stale served", "Fill errors"})
	t.AppendRow(table.Row{c.Total, c.Fresh, c.Expired, formatSeconds(c.TTLSeconds), c.Hits, c.Misses, c.StaleServed, c.FillErrors})
	return t.Render()
}

func (f *TableFormatter) queueTable(stats pipeline.Stats) string {
	q := stats.Queue
	t := newTable("Queue")
	t.AppendHeader(table.Row{"Running", "Backlog", "Total", "Successful", "Failed", "Timeouts", "Interval", "Last processed"})
	t.AppendRow(table.Row{q.Running, q.Backlog, q.Total, q.Successful, q.Failed, q.Timeouts, formatSeconds(q.IntervalSeconds), formatTimePtr(q.LastProcessed)})
	return t.Render()
}

// FormatSnapshots renders persisted snapshots without their payloads.
func (f *TableFormatter) FormatSnapshots(snaps []core.Snapshot) (string, error) {
	if len(snaps) == 0 {
		return "(no stored snapshots)", nil
	}
	t := newTable("Cache snapshots")
	t.AppendHeader(table.Row{"Endpoint", "Fingerprint", "Rows", "Fetched", "Stored"})
	for _, snap := range snaps {
		t.AppendRow(table.Row{snap.Endpoint, snap.Fingerprint, rowsLabel(snap.Payload.Data), formatTime(snap.Payload.FetchedAt), formatTime(snap.StoredAt)})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d snapshots", len(snaps))})
	return t.Render(), nil
}

// FormatCatalog renders the endpoint catalog.
func (f *TableFormatter) FormatCatalog(endpoints []gridstatus.EndpointInfo) (string, error) {
	t := newTable("Endpoints")
	t.AppendHeader(table.Row{"Name", "Dataset", "Required", "Optional", "Description"})
	for _, ep := range endpoints {
		t.AppendRow(table.Row{ep.Name, ep.Dataset, joinOrDash(ep.Required), joinOrDash(ep.Optional), ep.Description})
	}
	return t.Render(), nil
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}
