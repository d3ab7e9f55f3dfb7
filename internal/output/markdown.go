package output

import (
	"fmt"
	"strings"

	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/core/gridstatus"
	"github.com/gridlane/gridlane/internal/core/pipeline"
)

// MarkdownFormatter renders output as markdown tables.
type MarkdownFormatter struct{}

func (f *MarkdownFormatter) FormatResult(result core.Result) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s\n\n", escapeMarkdownCell(result.Endpoint)))
	sb.WriteString(fmt.Sprintf("Source: **%s**, fetched %s\n\n", result.Source, formatTime(result.FetchedAt)))

	columns, rows, ok := tabular(result.Data)
	if !ok {
		sb.WriteString("```json\n")
		sb.Write(result.Data)
		sb.WriteString("\n```\n")
		return sb.String(), nil
	}
	if len(rows) == 0 {
		sb.WriteString("_No rows._\n")
		return sb.String(), nil
	}

	writeMarkdownTable(&sb, columns, rows)
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatStats(stats pipeline.Stats) (string, error) {
	var sb strings.Builder
	pool := stats.Pool

	sb.WriteString("## Credential pool\n\n")
	writeMarkdownTable(&sb,
		[]string{"Strategy", "Total", "Active", "Available", "Rate limited", "Cooldown"},
		[][]string{{string(pool.Strategy), itoa(pool.Total), itoa(pool.Active), itoa(pool.Available), itoa(pool.RateLimited), formatSeconds(pool.CooldownSeconds)}})

	if len(pool.Credentials) > 0 {
		sb.WriteString("\n")
		rows := make([][]string, 0, len(pool.Credentials))
		for _, cred := range pool.Credentials {
			rows = append(rows, []string{
				cred.Preview,
				fmt.Sprintf("%t", cred.Active),
				fmt.Sprintf("%d", cred.RequestCount),
				itoa(cred.FailureCount),
				formatTimePtr(cred.LastUsed),
				formatTimePtr(cred.RateLimitedUntil),
			})
		}
		writeMarkdownTable(&sb, []string{"Credential", "Active", "Requests", "Failures", "Last used", "Rate limited until"}, rows)
	}

	c := stats.Cache
	sb.WriteString("\n## Cache\n\n")
	writeMarkdownTable(&sb,
		[]string{"Entries", "Fresh", "Expired", "TTL", "Hits", "Misses", "Stale served", "Fill errors"},
		[][]string{{itoa(c.Total), itoa(c.Fresh), itoa(c.Expired), formatSeconds(c.TTLSeconds),
			fmt.Sprintf("%d", c.Hits), fmt.Sprintf("%d", c.Misses), fmt.Sprintf("%d", c.StaleServed), fmt.Sprintf("%d", c.FillErrors)}})

	q := stats.Queue
	sb.WriteString("\n## Queue\n\n")
	writeMarkdownTable(&sb,
		[]string{"Running", "Backlog", "Total", "Successful", "Failed", "Timeouts", "Interval"},
		[][]string{{fmt.Sprintf("%t", q.Running), itoa(q.Backlog), fmt.Sprintf("%d", q.Total),
			fmt.Sprintf("%d", q.Successful), fmt.Sprintf("%d", q.Failed), fmt.Sprintf("%d", q.Timeouts), formatSeconds(q.IntervalSeconds)}})

	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatSnapshots(snaps []core.Snapshot) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Cache snapshots\n\n")
	if len(snaps) == 0 {
		sb.WriteString("_No stored snapshots._\n")
		return sb.String(), nil
	}
	rows := make([][]string, 0, len(snaps))
	for _, snap := range snaps {
		rows = append(rows, []string{snap.Endpoint, snap.Fingerprint, rowsLabel(snap.Payload.Data),
			formatTime(snap.Payload.FetchedAt), formatTime(snap.StoredAt)})
	}
	writeMarkdownTable(&sb, []string{"Endpoint", "Fingerprint", "Rows", "Fetched", "Stored"}, rows)
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatCatalog(endpoints []gridstatus.EndpointInfo) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Endpoints\n\n")
	rows := make([][]string, 0, len(endpoints))
	for _, ep := range endpoints {
		rows = append(rows, []string{ep.Name, ep.Dataset, joinOrDash(ep.Required), joinOrDash(ep.Optional), ep.Description})
	}
	writeMarkdownTable(&sb, []string{"Name", "Dataset", "Required", "Optional", "Description"}, rows)
	return sb.String(), nil
}

func writeMarkdownTable(sb *strings.Builder, columns []string, rows [][]string) {
	escaped := make([]string, len(columns))
	rule := make([]string, len(columns))
	for i, col := range columns {
		escaped[i] = escapeMarkdownCell(col)
		rule[i] = strings.Repeat("-", max(3, len(col)))
	}
	sb.WriteString("| " + strings.Join(escaped, " | ") + " |\n")
	sb.WriteString("|" + strings.Join(rule, "|") + "|\n")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = escapeMarkdownCell(v)
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
