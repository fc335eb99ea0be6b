package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"governator/config"
	"governator/observability/logging"
)

const programName = "governatord"

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

var (
	configFile string
	envFile    string
)

// loadRuntime reads the optional dotenv file, the config file and the
// environment, then installs the process logger.
func loadRuntime() (config.Config, *slog.Logger, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return config.Config{}, nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.Setup(logging.Options{
		Service:    programName,
		Env:        cfg.Env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("set GOMAXPROCS", "error", err)
	}
	return cfg, logger, nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", programName, version, commit)
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			logger.Info("schema up to date", "driver", cfg.Database.Driver)
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           programName,
		Short:         "Wallet linking and token-weighted polls for chat communities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML or TOML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before the environment is read")
	root.AddCommand(serveCommand(), migrateCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
