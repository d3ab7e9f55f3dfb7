package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/observability"
	"github.com/gridlane/gridlane/internal/output"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage persisted cache snapshots",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE:  runCacheList,
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete persisted snapshots",
	Long: `Delete persisted snapshots. With --older-than only snapshots stored before
now minus the duration are removed; with --endpoint only that endpoint's.`,
	Args: cobra.NoArgs,
	RunE: runCachePurge,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cachePurgeCmd)

	cacheListCmd.Flags().String("endpoint", "", "Only list snapshots for this endpoint")
	cacheListCmd.Flags().Int("limit", 20, "Maximum snapshots to list")
	cacheListCmd.Flags().String("format", "table", "Output format: table, json, yaml, markdown")

	cachePurgeCmd.Flags().String("endpoint", "", "Only purge snapshots for this endpoint")
	cachePurgeCmd.Flags().Duration("older-than", 0, "Only purge snapshots stored longer ago than this (e.g. 72h)")
}

func runCacheList(cmd *cobra.Command, args []string) error {
	endpoint, err := cmd.Flags().GetString("endpoint")
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	db, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close() // nolint:errcheck // read-only command

	snaps, err := db.ListSnapshots(cmd.Context(), endpoint, limit)
	if err != nil {
		return err
	}
	if len(snaps) == 0 && format == output.FormatTable {
		_, err = fmt.Fprint(cmd.OutOrStdout(), ascii.DrawBox("Snapshots\n\n(no persisted snapshots)", 0))
		return err
	}

	rendered, err := output.NewFormatter(format).FormatSnapshots(snaps)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}

func runCachePurge(cmd *cobra.Command, args []string) error {
	endpoint, err := cmd.Flags().GetString("endpoint")
	if err != nil {
		return err
	}
	olderThan, err := cmd.Flags().GetDuration("older-than")
	if err != nil {
		return err
	}
	if olderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	db, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close() // nolint:errcheck // purge result already reported

	var cutoff time.Time
	if olderThan > 0 {
		cutoff = time.Now().Add(-olderThan)
	}
	removed, err := db.PurgeSnapshots(cmd.Context(), endpoint, cutoff)
	if err != nil {
		return err
	}

	observability.CLILogger.Info("Purged snapshots",
		zap.Int64("removed", removed),
		zap.String("endpoint", endpoint),
		zap.Duration("older_than", olderThan))
	scope := endpoint
	if scope == "" {
		scope = "(all endpoints)"
	}
	age := "(any age)"
	if olderThan > 0 {
		age = "stored before " + cutoff.UTC().Format(time.RFC3339)
	}
	lines := []string{
		"Snapshot Purge",
		"",
		fmt.Sprintf("removed:  %d", removed),
		"endpoint: " + scope,
		"age:      " + age,
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), ascii.DrawBox(strings.Join(lines, "\n"), 0))
	return err
}
