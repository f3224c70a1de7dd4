package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smukkama/bite-anomaly/internal/app"
	"github.com/smukkama/bite-anomaly/internal/backfill"
	"github.com/smukkama/bite-anomaly/internal/database"
	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/queue"
	"github.com/smukkama/bite-anomaly/internal/schedule"
)

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the SQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, flags, func(ctx context.Context, db *database.DB, logr *logger.Logger) error {
				applied, err := db.RunMigrations(ctx, dir)
				if err != nil {
					return err
				}
				for _, name := range applied {
					logr.Info("migration applied", "file", name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "Directory holding the .sql migrations")
	return cmd
}

func newRegionCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "region",
		Short: "Manage the region catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add CODE NAME",
		Short: "Add or rename a region",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, flags, func(ctx context.Context, db *database.DB, logr *logger.Logger) error {
				if err := db.UpsertRegion(ctx, &database.Region{Code: args[0], Name: args[1]}); err != nil {
					return err
				}
				logr.Info("region saved", "code", args[0], "name", args[1])
				return nil
			})
		},
	})
	return cmd
}

func newScoreCmd(flags *rootFlags) *cobra.Command {
	var region, dateStr string
	var value float64
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Store one observation and score it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			date, err := parseDate("date", dateStr)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				m, err := a.Scorer.Create(ctx, region, date, value)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), m)
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "Region code")
	cmd.Flags().StringVar(&dateStr, "date", "", "Observation date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&value, "value", 0, "Bite index value in [0,1]")
	_ = cmd.MarkFlagRequired("region")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

type trainResult struct {
	PredictorID      string `json:"predictor_id"`
	RegionCode       string `json:"region_code"`
	LastTrainingDate string `json:"last_training_date"`
	Trained          bool   `json:"trained"`
}

func newTrainCmd(flags *rootFlags) *cobra.Command {
	var region, dateStr string
	var force bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the predictor that scores a region on a date",
		Long: `Resolves the predictor valid for --region on --date, creating a new epoch if
needed, and trains it. An epoch whose training was already attempted is only
retrained with --force.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			date, err := parseDate("date", dateStr)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				p, err := a.DB.LatestPredictor(ctx, region, date)
				if err != nil {
					return err
				}
				if force && p != nil && !a.Predictors.IsExpired(p, date) {
					p, err = a.Predictors.Train(ctx, p, true)
				} else {
					p, err = a.Predictors.Resolve(ctx, region, date)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), trainResult{
					PredictorID:      p.ID.String(),
					RegionCode:       p.RegionCode,
					LastTrainingDate: p.LastTrainingDate.Format(time.DateOnly),
					Trained:          p.IsTrained(),
				})
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "Region code")
	cmd.Flags().StringVar(&dateStr, "date", time.Now().UTC().Format(time.DateOnly), "As-of date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&force, "force", false, "Retrain even if training was already attempted")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func newBackfillCmd(flags *rootFlags) *cobra.Command {
	var region, fromStr, toStr, daily string
	defaults := backfill.DefaultFilter()
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Recompute stored forecast bands with the assigned predictors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseDate("from-date", fromStr)
			if err != nil {
				return err
			}
			to, err := parseDate("to-date", toStr)
			if err != nil {
				return err
			}
			if daily != "" {
				if _, err := schedule.NextDailyRun(time.Now(), daily); err != nil {
					return err
				}
			}
			filter := backfill.Filter{RegionCode: region, From: from, To: to}

			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				if daily == "" {
					stats, err := a.Backfill.Run(ctx, filter)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), stats)
				}
				return runDaily(ctx, a, filter, daily)
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "Only refresh this region")
	cmd.Flags().StringVar(&fromStr, "from-date", defaults.From.Format(time.DateOnly), "First date to refresh (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toStr, "to-date", defaults.To.Format(time.DateOnly), "Last date to refresh (YYYY-MM-DD)")
	cmd.Flags().StringVar(&daily, "daily", "", "Keep running and repeat the backfill every day at HH:MM")
	return cmd
}

// runDaily repeats the backfill every day until ctx is cancelled
func runDaily(ctx context.Context, a *app.App, filter backfill.Filter, timeOfDay string) error {
	scheduler := schedule.New()
	scheduler.Start()
	defer scheduler.Stop()

	first, err := scheduler.Daily("backfill", timeOfDay, func() {
		if _, err := a.Backfill.Run(ctx, filter); err != nil {
			a.Log.Error("scheduled backfill failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	a.Log.Info("daily backfill scheduled", "first_run", first, "time_of_day", timeOfDay)

	<-ctx.Done()
	return nil
}

func newProgressCmd(flags *rootFlags) *cobra.Command {
	var dateStr string
	var watch bool
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show the share of a day's observations that have a forecast",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var date time.Time
			if !watch {
				d, err := parseDate("date", dateStr)
				if err != nil {
					return err
				}
				date = d
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				if watch {
					return a.Cache.Watch(ctx, func(p *database.PredictionProgress) {
						_ = printJSON(cmd.OutOrStdout(), p)
					})
				}

				p, err := a.Progress.Get(ctx, date)
				if err != nil {
					return err
				}
				if p == nil {
					if p, err = a.Progress.Refresh(ctx, date); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().StringVar(&dateStr, "date", time.Now().UTC().Format(time.DateOnly), "Day to report (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Stream progress updates as they are published")
	return cmd
}

func newAlertsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "List regions currently outside their forecast band",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				states, err := a.Alerts.ActiveStates(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), states)
			})
		},
	}
}

var errNoBrokers = errors.New("no Kafka brokers configured")

func newTopicsCmd(flags *rootFlags) *cobra.Command {
	var replication int
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Create the metrics and anomalies Kafka topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logr, err := loadConfig(flags)
			if err != nil {
				return err
			}
			defer logr.Sync()

			if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Brokers[0] == "" {
				return errNoBrokers
			}
			for _, topic := range []string{cfg.Kafka.TopicMetrics, cfg.Kafka.TopicAnomalies} {
				if err := queue.CreateTopic(cfg.Kafka.Brokers, topic, cfg.Kafka.NumPartitions, replication); err != nil {
					return fmt.Errorf("%s: %w", topic, err)
				}
				logr.Info("topic created", "topic", topic, "partitions", cfg.Kafka.NumPartitions)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&replication, "replication-factor", 1, "Replication factor of the topics")
	return cmd
}
