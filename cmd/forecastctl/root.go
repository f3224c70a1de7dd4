package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smukkama/bite-anomaly/internal/app"
	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/pkg/config"
)

type rootFlags struct {
	logMode string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "forecastctl",
		Short: "Administer the bite index forecast and anomaly scoring engine",
		Long: `forecastctl manages the per-region forecasting models that score the daily
bite index: it applies migrations, writes single observations, (re)trains
predictors, backfills forecast bands over date ranges and reports the
share of each day's observations that received a forecast.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.logMode, "log-mode", "", "Log mode (development, production); defaults to LOG_MODE")

	cmd.AddCommand(
		newMigrateCmd(flags),
		newRegionCmd(flags),
		newScoreCmd(flags),
		newTrainCmd(flags),
		newBackfillCmd(flags),
		newProgressCmd(flags),
		newAlertsCmd(flags),
		newTopicsCmd(flags),
	)
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func loadConfig(flags *rootFlags) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	mode := cfg.Log.Mode
	if flags.logMode != "" {
		mode = flags.logMode
	}
	logr, err := logger.New(mode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logr, nil
}

// withDB runs fn with a database connection only
func withDB(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, db *database.DB, logr *logger.Logger) error) error {
	cfg, logr, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer logr.Sync()

	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	return fn(ctx, db, logr)
}

// withApp runs fn with the fully wired pipeline
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app.App) error) error {
	cfg, logr, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer logr.Sync()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := app.New(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func parseDate(name, value string) (time.Time, error) {
	date, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: expected YYYY-MM-DD", name, value)
	}
	return date, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
