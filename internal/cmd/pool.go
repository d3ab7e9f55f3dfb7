package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridlane/gridlane/internal/core/pipeline"
	"github.com/gridlane/gridlane/internal/observability"
	"github.com/gridlane/gridlane/internal/output"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect the credential pool",
}

var poolStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the configured credential pool",
	Long: `Show the credential pool built from the current configuration, with
credentials reduced to previews. Counters start at zero; query a running
server's /api/v1/pool/stats for live usage.`,
	Args: cobra.NoArgs,
	RunE: runPoolStats,
}

func init() {
	rootCmd.AddCommand(poolCmd)
	poolCmd.AddCommand(poolStatsCmd)

	poolStatsCmd.Flags().String("strategy", "", "Override pool.strategy: round_robin, random, least_used")
	poolStatsCmd.Flags().String("format", "table", "Output format: table, json, yaml, markdown")
}

func runPoolStats(cmd *cobra.Command, args []string) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}

	overrides := map[string]any{}
	if cmd.Flags().Changed("strategy") {
		strategy, err := cmd.Flags().GetString("strategy")
		if err != nil {
			return err
		}
		overrides["pool.strategy"] = strategy
	}
	cfg, err := loadConfig(cmd, overrides)
	if err != nil {
		return err
	}

	p := pipeline.New(pipelineConfig(cfg), newUpstream(cfg, observability.CLILogger).Endpoints(),
		pipeline.WithLogger(observability.CLILogger))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	}()

	rendered, err := output.NewFormatter(format).FormatStats(p.Stats())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}
