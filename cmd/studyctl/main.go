// Package main is the entry point for the studyctl maintenance CLI.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/studybot/internal/config"
	"github.com/ashureev/studybot/internal/store"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "studyctl",
		Short:        "StudyBot maintenance tool",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("db", "", "database path (default: DB_PATH)")

	root.AddCommand(
		purgeCmd(),
		statsCmd(),
		modulesCmd(),
	)
	return root
}

// loadConfig reads the environment and applies the --db override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return store.NewSQLite(cfg.DBPath)
}
