package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/config"
	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/core/gridstatus"
	apperrors "github.com/gridlane/gridlane/internal/errors"
	"github.com/gridlane/gridlane/internal/observability"
	"github.com/gridlane/gridlane/internal/output"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <endpoint>",
	Short: "Fetch market data through the pipeline",
	Long: `Fetch one endpoint through the credential pool, cache and queue, the same
way the HTTP API does. Run "gridlane endpoints" to list endpoint names.

Examples:
  gridlane fetch dayahead_latest --location WESTERN_HUB
  gridlane fetch dayahead_date --date 2024-07-01 --format json
  gridlane fetch realtime_range --start 2024-07-01 --end 2024-07-02 --out rt.json --format json
  gridlane fetch load_actual --param region=WEST`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().String("market", "", "Market (defaults to upstream.market)")
	fetchCmd.Flags().String("location", "", "Pricing location (defaults to upstream.location)")
	fetchCmd.Flags().String("date", "", "Trading date, YYYY-MM-DD")
	fetchCmd.Flags().String("start", "", "Range start, date or RFC3339")
	fetchCmd.Flags().String("end", "", "Range end, date or RFC3339")
	fetchCmd.Flags().StringArray("param", nil, "Extra endpoint parameter as key=value (repeatable)")
	fetchCmd.Flags().String("format", "table", "Output format: table, json, yaml, markdown")
	fetchCmd.Flags().String("out", "", "Write output to a file (default stdout)")
	fetchCmd.Flags().String("out-dir", "", "Write output into a directory, one file named after the request")
	fetchCmd.Flags().Duration("timeout", 2*time.Minute, "Overall deadline for the fetch")
}

func runFetch(cmd *cobra.Command, args []string) error {
	endpoint := strings.ToLower(strings.TrimSpace(args[0]))
	info, ok := gridstatus.Lookup(endpoint)
	if !ok {
		return fmt.Errorf("unknown endpoint %q (see \"%s endpoints\")", endpoint, rootCmd.Name())
	}

	params, err := fetchParams(cmd)
	if err != nil {
		return err
	}

	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	outPath, outDir, err := resolveOutputTargets(cmd)
	if err != nil {
		return err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	if len(cfg.Upstream.Credentials) == 0 {
		return fmt.Errorf("no upstream credentials configured (set upstream.credentials or %s_UPSTREAM_CREDENTIALS)", config.EnvPrefix)
	}
	params = info.ApplyDefaults(params, cfg.Upstream.Market, cfg.Upstream.Location)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := observability.CLILogger
	svc := newDataService(ctx, cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Warn("Pipeline close failed", zap.Error(err))
		}
	}()

	result, err := svc.pipeline.Fetch(ctx, endpoint, params)
	if err != nil {
		env := apperrors.WrapPipeline(ctx, err)
		return fmt.Errorf("%s: %s: %w", env.Code, env.Message, err)
	}
	logger.Debug("Fetch complete",
		zap.String("endpoint", result.Endpoint),
		zap.String("source", string(result.Source)),
		zap.String("fingerprint", result.Fingerprint))

	rendered, err := output.NewFormatter(format).FormatResult(result)
	if err != nil {
		return err
	}

	if outDir != "" {
		dir, err := ensureOutDir(outDir)
		if err != nil {
			return err
		}
		outPath = filepath.Join(dir, resultFilename(result, format))
	}

	sink, err := openSink(outPath)
	if err != nil {
		return err
	}
	defer sink.close() // nolint:errcheck // best-effort close after the write below reports errors

	if _, err := fmt.Fprintln(sink.writer, rendered); err != nil {
		return err
	}
	if sink.path != "-" {
		logger.Info("Wrote output", zap.String("path", sink.path), zap.String("source", string(result.Source)))
	}
	return nil
}

// fetchParams merges the convenience flags with --param pairs. Explicit
// flags win over a --param with the same key.
func fetchParams(cmd *cobra.Command) (core.Params, error) {
	params := core.Params{}

	pairs, err := cmd.Flags().GetStringArray("param")
	if err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: expected key=value", pair)
		}
		if value = strings.TrimSpace(value); value != "" {
			params[key] = value
		}
	}

	for _, name := range []string{"market", "location", "date", "start", "end"} {
		value, err := cmd.Flags().GetString(name)
		if err != nil {
			return nil, err
		}
		if value = strings.TrimSpace(value); value != "" {
			params[name] = value
		}
	}
	return params, nil
}

func resultFilename(result core.Result, format output.Format) string {
	parts := []string{result.Endpoint}
	for _, key := range []string{"market", "location", "region", "date", "start", "end"} {
		if v := result.Params.Get(key); v != "" {
			parts = append(parts, v)
		}
	}
	return sanitizeFilename(strings.Join(parts, "_")) + "." + outputExtension(format)
}
