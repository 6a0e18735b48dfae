// Package cli implements the cardledger command line.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cardledger/cardledger/internal/daemon"
	"github.com/cardledger/cardledger/internal/logger"
)

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.cardledger/config.toml, or $CARDLEDGER_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override [log].level")
}

var rootCmd = &cobra.Command{
	Use:   "cardledger",
	Short: "Sync bank and credit card transactions into a local ledger",
	Long: `cardledger drives an external scraper against Israeli banks and card
issuers, deduplicates what comes back into a local SQLite ledger, and serves
the result over HTTP. Credentials are sealed with the key in
$CARDLEDGER_VAULT_KEY.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the config path from the flag, then the environment.
func loadConfig() (daemon.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CARDLEDGER_CONFIG")
	}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg daemon.Config) zerolog.Logger {
	return logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// openDaemon loads the config and wires every component. Callers must Close.
func openDaemon(opts daemon.Options) (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.New(cfg, newLogger(cfg), opts)
}
