package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/gridlane/gridlane/internal/config"
	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display comprehensive environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()

		observability.CLILogger.Info("=== Gridlane Environment Information ===")
		observability.CLILogger.Info("")

		// Application Info
		observability.CLILogger.Info("Application:")
		observability.CLILogger.Info("  Name:       " + config.AppName)
		observability.CLILogger.Info("  Version:    " + versionInfo.Version)
		observability.CLILogger.Info("  Commit:     " + versionInfo.Commit)
		observability.CLILogger.Info("  Built:      " + versionInfo.BuildDate)
		observability.CLILogger.Info("")

		// SSOT Info
		observability.CLILogger.Info("SSOT:")
		observability.CLILogger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		observability.CLILogger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		observability.CLILogger.Info("")

		// Runtime Info
		observability.CLILogger.Info("Runtime:")
		observability.CLILogger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		observability.CLILogger.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		observability.CLILogger.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		observability.CLILogger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		observability.CLILogger.Info("")

		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			observability.CLILogger.Warn("Config load failed", zap.Error(err))
			return
		}

		// Configuration
		observability.CLILogger.Info("Configuration:")
		observability.CLILogger.Info("  Server Host:    "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		observability.CLILogger.Info(fmt.Sprintf("  Server Port:    %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		observability.CLILogger.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		observability.CLILogger.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		observability.CLILogger.Info("  DB Driver:      "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			observability.CLILogger.Info("  DB URL:         "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
		} else {
			observability.CLILogger.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		observability.CLILogger.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		configFile := cfg.FileUsed
		if configFile == "" {
			configFile = config.DefaultConfigPath() + " (not found)"
		}
		observability.CLILogger.Info("  Config File:    "+configFile, zap.String("config_file", configFile))
		observability.CLILogger.Info("")

		// Upstream
		observability.CLILogger.Info("Upstream:")
		observability.CLILogger.Info("  Base URL:       "+cfg.Upstream.BaseURL, zap.String("base_url", cfg.Upstream.BaseURL))
		observability.CLILogger.Info("  Timeout:        " + cfg.Upstream.Timeout.String())
		observability.CLILogger.Info("  Market:         " + cfg.Upstream.Market)
		observability.CLILogger.Info("  Location:       " + cfg.Upstream.Location)
		observability.CLILogger.Info(fmt.Sprintf("  Credentials:    %d", len(cfg.Upstream.Credentials)), zap.Int("credentials", len(cfg.Upstream.Credentials)))
		for i, credential := range cfg.Upstream.Credentials {
			observability.CLILogger.Info(fmt.Sprintf("    [%d] %s", i, core.CredentialPreview(credential)))
		}
		observability.CLILogger.Info("")

		// Pipeline
		observability.CLILogger.Info("Pipeline:")
		observability.CLILogger.Info("  Pool Strategy:  " + cfg.Pool.Strategy)
		observability.CLILogger.Info("  Pool Cooldown:  " + cfg.Pool.Cooldown.String())
		observability.CLILogger.Info(fmt.Sprintf("  Max Attempts:   %d", cfg.Retry.MaxAttempts))
		observability.CLILogger.Info("  Backoff Base:   " + cfg.Retry.BackoffBase.String())
		observability.CLILogger.Info("  Cache TTL:      " + cfg.Cache.TTL.String())
		observability.CLILogger.Info(fmt.Sprintf("  Cache Persist:  %t (warm horizon %s)", cfg.Cache.Persist, cfg.Cache.WarmHorizon))
		observability.CLILogger.Info("  Queue Interval: " + cfg.Queue.Interval.String())
		observability.CLILogger.Info("  Queue Timeout:  " + cfg.Queue.WaitTimeout.String())
		observability.CLILogger.Info("")

		observability.CLILogger.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
