package cmd

import (
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/config"
	"github.com/gridlane/gridlane/internal/observability"
)

var (
	cfgFile  string
	verbose  bool
	logLevel string

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Rate-limit aware gateway for Gridstatus market data",
	Long: `gridlane fronts the Gridstatus dataset API with a credential pool,
retries with key rotation, a TTL cache and a paced request queue.

Use the subcommands to serve the HTTP API or to fetch data directly.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Disable global telemetry early to prevent config loading from emitting
	// metrics to stdout. Server mode will initialize proper telemetry later.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/gridlane/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")
}

func initLogging() {
	observability.InitCLILogger(config.AppName, verbose)
}

// loadConfig resolves configuration for a command. Flags that were set
// explicitly win over file and environment values.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	opts := config.Options{File: cfgFile, Overrides: map[string]any{}}
	for k, v := range overrides {
		opts.Overrides[k] = v
	}
	if logLevel != "" {
		opts.Overrides["logging.level"] = logLevel
	}
	if verbose {
		opts.Overrides["logging.level"] = "debug"
	}

	cfg, err := config.Load(cmd.Context(), opts)
	if err != nil {
		return nil, err
	}

	if observability.CLILogger != nil {
		if cfg.FileUsed != "" {
			observability.CLILogger.Debug("Using config file", zap.String("path", cfg.FileUsed))
		} else {
			observability.CLILogger.Debug("No config file found, using defaults and environment variables")
		}
	}
	return cfg, nil
}
