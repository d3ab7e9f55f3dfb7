package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/gridlane/gridlane/internal/config"
	errwrap "github.com/gridlane/gridlane/internal/errors"
	"github.com/gridlane/gridlane/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the system and suggest fixes for common issues.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		observability.CLILogger.Info("=== " + config.AppName + " doctor ===")
		observability.CLILogger.Info("")
		observability.CLILogger.Info("Running diagnostic checks...")
		observability.CLILogger.Info("")

		allChecks := true
		totalChecks := 8

		// Check 1: Go version
		goVersion := runtime.Version()
		if goVersion >= "go1.23" {
			observability.CLILogger.Info(fmt.Sprintf("[1/%d] Checking Go version... ✅ %s", totalChecks, goVersion), zap.String("go_version", goVersion))
		} else {
			observability.CLILogger.Warn(fmt.Sprintf("[1/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", totalChecks, goVersion), zap.String("go_version", goVersion))
			allChecks = false
		}

		// Check 2: Crucible access
		version := crucible.GetVersion()
		if version.Crucible != "" {
			observability.CLILogger.Info(fmt.Sprintf("[2/%d] Checking Crucible access... ✅ v%s", totalChecks, version.Crucible), zap.String("crucible_version", version.Crucible))
		} else {
			observability.CLILogger.Error(fmt.Sprintf("[2/%d] Checking Crucible access... ❌ Cannot access Crucible", totalChecks))
			ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible", errwrap.NewExternalServiceError("Crucible service unavailable"))
			allChecks = false
		}

		// Check 3: Gofulmen access
		if version.Gofulmen != "" {
			observability.CLILogger.Info(fmt.Sprintf("[3/%d] Checking Gofulmen access... ✅ v%s", totalChecks, version.Gofulmen), zap.String("gofulmen_version", version.Gofulmen))
		} else {
			observability.CLILogger.Error(fmt.Sprintf("[3/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", totalChecks))
			allChecks = false
		}

		// Check 4: Config directory
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			observability.CLILogger.Error(fmt.Sprintf("[4/%d] Checking config directory... ❌ Cannot resolve config directory", totalChecks))
			ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot resolve config directory", errwrap.NewInternalError("config directory not resolved"))
			allChecks = false
		} else {
			configDir := filepath.Dir(configPath)
			observability.CLILogger.Info(fmt.Sprintf("[4/%d] Checking config directory... ✅ %s", totalChecks, configDir), zap.String("config_dir", configDir))
		}

		// Check 5: Environment
		observability.CLILogger.Info(fmt.Sprintf("[5/%d] Checking environment... ✅ %s/%s", totalChecks, runtime.GOOS, runtime.GOARCH),
			zap.String("os", runtime.GOOS),
			zap.String("arch", runtime.GOARCH))

		// Check 6: Configuration and credentials
		cfg, cfgErr := loadConfig(cmd, nil)
		switch {
		case cfgErr != nil:
			observability.CLILogger.Warn(fmt.Sprintf("[6/%d] Checking configuration... ⚠️  config not loaded", totalChecks), zap.Error(cfgErr))
			allChecks = false
		case len(cfg.Upstream.Credentials) == 0:
			observability.CLILogger.Warn(fmt.Sprintf("[6/%d] Checking configuration... ⚠️  no upstream credentials (set %s_UPSTREAM_CREDENTIALS)", totalChecks, config.EnvPrefix))
			allChecks = false
		default:
			observability.CLILogger.Info(fmt.Sprintf("[6/%d] Checking configuration... ✅ %d credential(s), %s strategy", totalChecks, len(cfg.Upstream.Credentials), cfg.Pool.Strategy),
				zap.Int("credentials", len(cfg.Upstream.Credentials)),
				zap.String("strategy", cfg.Pool.Strategy))
		}

		// Check 7: Database
		if cfgErr == nil {
			describeStore(fmt.Sprintf("[7/%d] Checking database...", totalChecks), cfg)
		} else {
			observability.CLILogger.Warn(fmt.Sprintf("[7/%d] Checking database... ⚠️  skipped (config not loaded)", totalChecks))
		}

		// Check 8: Snapshot store
		if cfgErr == nil {
			db, storeErr := openStore(ctx, cfg)
			if storeErr != nil {
				observability.CLILogger.Warn(fmt.Sprintf("[8/%d] Checking snapshot store... ⚠️  cannot open store", totalChecks), zap.Error(storeErr))
				allChecks = false
			} else {
				defer db.Close() //nolint:errcheck
				count, countErr := db.CountSnapshots(ctx)
				switch {
				case countErr != nil:
					observability.CLILogger.Warn(fmt.Sprintf("[8/%d] Checking snapshot store... ⚠️  cannot read snapshots", totalChecks), zap.Error(countErr))
					allChecks = false
				case !cfg.Cache.Persist:
					observability.CLILogger.Info(fmt.Sprintf("[8/%d] Checking snapshot store... ✅ %d snapshot(s) (persistence disabled)", totalChecks, count))
				default:
					observability.CLILogger.Info(fmt.Sprintf("[8/%d] Checking snapshot store... ✅ %d snapshot(s)", totalChecks, count),
						zap.Int64("snapshots", count))
				}
			}
		} else {
			observability.CLILogger.Warn(fmt.Sprintf("[8/%d] Checking snapshot store... ⚠️  skipped (config not loaded)", totalChecks))
		}

		observability.CLILogger.Info("")
		if allChecks {
			observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", config.AppName))
		} else {
			observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
		}
		observability.CLILogger.Info("")
		observability.CLILogger.Info("=== End Diagnostics ===")
	},
}

// describeStore logs where the snapshot database lives and its size.
func describeStore(prefix string, cfg *config.Config) {
	if cfg.Store.URL != "" {
		observability.CLILogger.Info(fmt.Sprintf("%s ✅ %s (remote)", prefix, cfg.Store.URL), zap.String("db_url", cfg.Store.URL))
		return
	}

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = config.DefaultStorePath()
	}
	absPath, _ := filepath.Abs(dbPath)
	if info, statErr := os.Stat(absPath); statErr == nil {
		observability.CLILogger.Info(fmt.Sprintf("%s ✅ %s (%s, modified %s)", prefix, absPath, formatFileSize(info.Size()), formatTimeAgo(info.ModTime())),
			zap.String("db_path", absPath),
			zap.Int64("db_size", info.Size()))
	} else if os.IsNotExist(statErr) {
		observability.CLILogger.Warn(fmt.Sprintf("%s ⚠️  %s (not created yet)", prefix, absPath), zap.String("db_path", absPath))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("%s ⚠️  %s (error: %v)", prefix, absPath, statErr),
			zap.String("db_path", absPath),
			zap.Error(statErr))
	}
}

var (
	doctorInitForce       bool
	doctorInitCredentials string
	doctorResetConfig     bool
	doctorResetData       bool
	doctorResetAll        bool
)

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}

		if _, err := os.Stat(configPath); err == nil && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		credentials := strings.TrimSpace(doctorInitCredentials)
		if strings.EqualFold(credentials, "prompt") {
			value, err := promptForValue("Enter Gridstatus API keys, comma separated (leave blank to skip): ")
			if err != nil {
				return err
			}
			credentials = value
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}

		mode := os.FileMode(0644)
		if credentials != "" {
			mode = 0600
		}

		if err := os.WriteFile(configPath, []byte(buildInitConfig(credentials)), mode); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}

		observability.CLILogger.Info("Config initialized", zap.String("path", configPath))
		return nil
	},
}

var doctorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration status and paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		configExists := fileExists(configPath)

		dataDir := config.DefaultDataDir()

		observability.CLILogger.Info("Configuration:")
		observability.CLILogger.Info(fmt.Sprintf("  Config file:   %s (%s)", configPath, existenceStatus(configExists)))
		if dataDir != "" {
			observability.CLILogger.Info(fmt.Sprintf("  Data directory: %s (%s)", dataDir, existenceStatus(fileExists(dataDir))))
		} else {
			observability.CLILogger.Info("  Data directory: (not resolved)")
		}

		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			observability.CLILogger.Warn("Config load failed", zap.Error(err))
			return nil
		}
		if cfg.FileUsed != "" {
			observability.CLILogger.Info("  Loaded from:   " + cfg.FileUsed)
		}
		describeStore("  Database:     ", cfg)

		db, storeErr := openStore(cmd.Context(), cfg)
		if storeErr != nil {
			observability.CLILogger.Warn("Snapshot store: cannot open", zap.Error(storeErr))
		} else {
			defer db.Close() //nolint:errcheck
			if count, countErr := db.CountSnapshots(cmd.Context()); countErr != nil {
				observability.CLILogger.Warn("Snapshot store: count unavailable", zap.Error(countErr))
			} else {
				observability.CLILogger.Info(fmt.Sprintf("  Snapshots:     %d", count))
			}
		}

		observability.CLILogger.Info("")
		observability.CLILogger.Info("Environment:")
		for _, name := range []string{
			config.EnvPrefix + "_UPSTREAM_CREDENTIALS",
			config.EnvPrefix + "_API_KEYS",
			"GRIDSTATUS_API_KEYS",
			config.EnvPrefix + "_ADMIN_TOKEN",
			config.EnvPrefix + "_STORE_AUTH_TOKEN",
		} {
			observability.CLILogger.Info(fmt.Sprintf("  %s: %s", name, envStatus(name)))
		}

		observability.CLILogger.Info("")
		observability.CLILogger.Info("Effective Settings:")
		observability.CLILogger.Info(fmt.Sprintf("  upstream.credentials: %d", len(cfg.Upstream.Credentials)))
		observability.CLILogger.Info("  pool.strategy: " + cfg.Pool.Strategy)
		observability.CLILogger.Info(fmt.Sprintf("  cache.persist: %t", cfg.Cache.Persist))
		observability.CLILogger.Info("  queue.interval: " + cfg.Queue.Interval.String())

		return nil
	},
}

var doctorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset user configuration and/or data",
	RunE: func(cmd *cobra.Command, args []string) error {
		if doctorResetAll {
			doctorResetConfig = true
			doctorResetData = true
		}

		if !doctorResetConfig && !doctorResetData {
			return fmt.Errorf("specify --config, --data, or --all")
		}

		if doctorResetConfig {
			configPath := config.DefaultConfigPath()
			if configPath == "" {
				observability.CLILogger.Warn("Config path not resolved; skipping config reset")
			} else if err := os.Remove(configPath); err == nil {
				observability.CLILogger.Info("Config removed", zap.String("path", configPath))
			} else if os.IsNotExist(err) {
				observability.CLILogger.Info("Config already removed", zap.String("path", configPath))
			} else {
				return fmt.Errorf("remove config file: %w", err)
			}
		}

		if doctorResetData {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Store.URL != "" {
				return fmt.Errorf("remote store configured; database reset is not supported")
			}

			dbPath := cfg.Store.Path
			if dbPath == "" {
				dbPath = config.DefaultStorePath()
			}
			absPath, _ := filepath.Abs(dbPath)
			if err := os.Remove(absPath); err == nil {
				observability.CLILogger.Info("Database removed", zap.String("path", absPath))
			} else if os.IsNotExist(err) {
				observability.CLILogger.Info("Database already removed", zap.String("path", absPath))
			} else {
				return fmt.Errorf("remove database: %w", err)
			}
		}

		return nil
	},
}

var doctorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", configPath)
		}

		if _, err := loadConfig(cmd, nil); err != nil {
			return err
		}

		observability.CLILogger.Info("Config is valid", zap.String("path", configPath))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(doctorInitCmd)
	doctorCmd.AddCommand(doctorConfigCmd)
	doctorCmd.AddCommand(doctorResetCmd)
	doctorCmd.AddCommand(doctorValidateCmd)

	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite existing config file")
	doctorInitCmd.Flags().StringVar(&doctorInitCredentials, "credentials", "", "comma-separated Gridstatus API keys, or 'prompt' to enter")

	doctorResetCmd.Flags().BoolVar(&doctorResetConfig, "config", false, "remove user config file")
	doctorResetCmd.Flags().BoolVar(&doctorResetData, "data", false, "remove local database")
	doctorResetCmd.Flags().BoolVar(&doctorResetAll, "all", false, "remove config and data")
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

// formatTimeAgo returns a human-readable relative time
func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d mins ago", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

func buildInitConfig(credentials string) string {
	lines := []string{
		"# gridlane config - created by 'gridlane doctor init'",
		"upstream:",
		"  base_url: https://api.gridstatus.io/v1/datasets",
		"  market: pjm",
		"  location: PJM-RTO",
	}

	var keys []string
	for _, key := range strings.Split(credentials, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		lines = append(lines, "  credentials:")
		for _, key := range keys {
			lines = append(lines, fmt.Sprintf("    - %q", key))
		}
	} else {
		lines = append(lines, "  # credentials: []  # Set via "+config.EnvPrefix+"_UPSTREAM_CREDENTIALS (comma separated) or uncomment")
	}

	lines = append(lines,
		"pool:",
		"  strategy: round_robin",
		"  cooldown: 90s",
		"retry:",
		"  max_attempts: 3",
		"  backoff_base: 1s",
		"cache:",
		"  ttl: 5m",
		"  persist: true",
		"queue:",
		"  interval: 2.5s",
		"  wait_timeout: 60s",
	)

	return strings.Join(lines, "\n") + "\n"
}

func promptForValue(prompt string) (string, error) {
	if _, err := fmt.Fprint(os.Stdout, prompt); err != nil {
		return "", err
	}
	reader := bufio.NewReader(os.Stdin)
	value, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func existenceStatus(exists bool) string {
	if exists {
		return "exists"
	}
	return "missing"
}

func envStatus(name string) string {
	if strings.TrimSpace(os.Getenv(name)) != "" {
		return "(set)"
	}
	return "(not set)"
}
