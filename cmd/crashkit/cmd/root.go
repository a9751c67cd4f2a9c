package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/crashkit/internal/config"
	"github.com/hugo-lorenzo-mato/crashkit/internal/logging"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "crashkit",
	Short: "Crash report queue inspector and tooling",
	Long: `crashkit manages the crash reports queued by applications that embed the
crashkit library: list and inspect queued archives, send them, clear the queue,
receive uploads during development, and trigger demo faults.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// SetVersion records build information.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
	report.SetHostVersion(version)
}

// GetVersion returns the application version string.
func GetVersion() string {
	return appVersion
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .crashkit.yaml or ~/.config/crashkit/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (auto, text, json)")
}

// loadConfig resolves flags, environment and config file into a FileConfig
// and builds the logger it describes.
func loadConfig() (*config.FileConfig, *logging.Logger, error) {
	v := viper.New()
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	loader := config.NewLoaderWithViper(v)
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	lc := cfg.Logging()
	lc.Output = os.Stderr
	return cfg, logging.New(lc), nil
}
