package main

import (
	"CoverLedger/internal/config"
	"CoverLedger/internal/observability"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	v       *viper.Viper = config.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "coverd",
	Short: "CoverLedger - parametric coverage and claims settlement engine",
	Long: `coverd runs the coverage and claims settlement engine for one or more
deployments (EVM, Solana), persists every applied command to Postgres,
projects read models and serves them over gRPC and HTTP/JSON.

Configuration hierarchy (highest to lowest priority):
  1. Environment variables (COVER_*)
  2. Config file (--config)
  3. Defaults (see 'coverd config show')`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().Bool("dev", false, "local mode: unsigned holder commands and the well-known dev admin")
	_ = v.BindPFlag("dev", rootCmd.PersistentFlags().Lookup("dev"))

	rootCmd.AddCommand(serveCmd, configCmd, versionCmd, projectionsCmd)
}

// loadConfig also applies the log settings, so every command logs the same way.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	if err := observability.ConfigureLogging(observability.LogOptions{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}
