// Command admin is the Geonotify operations CLI.
//
// Usage:
//
//	geonotify-admin maintenance run
//	geonotify-admin queue stats
//	geonotify-admin queue process
//	geonotify-admin queue clear-failed --older-than-hours 48
//	geonotify-admin notifications sweep
//	geonotify-admin notifications stats
//	geonotify-admin policy check --file policy.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/geonotify/internal/app"
	"github.com/albapepper/geonotify/internal/config"
	"github.com/albapepper/geonotify/internal/policy"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "geonotify-admin",
		Short: "Geonotify operations CLI",
	}

	root.AddCommand(maintenanceCmd())
	root.AddCommand(queueCmd())
	root.AddCommand(notificationsCmd())
	root.AddCommand(policyCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// maintenance command
// --------------------------------------------------------------------------

func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Background maintenance operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one maintenance pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				report := a.Maintenance.ForceRun(ctx)
				failed := 0
				for _, st := range report.Stages {
					if st.Error != "" {
						failed++
						logger.Error("stage failed", "stage", st.Name, "error", st.Error)
						continue
					}
					logger.Info("stage finished", "stage", st.Name, "counts", st.Counts, "duration", st.Duration)
				}
				logger.Info("Maintenance pass finished",
					"stages", len(report.Stages),
					"duration", report.Duration.Round(time.Millisecond))
				if failed > 0 {
					return fmt.Errorf("%d stage(s) failed", failed)
				}
				return nil
			})
		},
	})
	return cmd
}

// --------------------------------------------------------------------------
// queue command
// --------------------------------------------------------------------------

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the event retry queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue counts and failed items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				q := a.Pipeline.Queue()
				stats, err := q.Stats(ctx)
				if err != nil {
					return err
				}
				logger.Info("Queue stats",
					"pending", stats.Pending,
					"processing", stats.Processing,
					"failed", stats.Failed,
					"total_retries", stats.TotalRetries)
				failed, err := q.FailedItems(ctx)
				if err != nil {
					return err
				}
				for _, it := range failed {
					logger.Info("failed item", "id", it.ID, "attempts", it.Attempts, "error", it.LastError)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Retry every due queue item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				start := time.Now()
				res, err := a.Pipeline.Queue().ProcessQueue(ctx)
				if err != nil {
					return err
				}
				logger.Info("Queue processed",
					"processed", res.Processed,
					"retried", res.Retried,
					"failed", res.Failed,
					"duration", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	})
	cmd.AddCommand(clearFailedCmd())
	return cmd
}

func clearFailedCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "clear-failed",
		Short: "Delete failed queue items older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours < 0 {
				return fmt.Errorf("--older-than-hours must not be negative")
			}
			return runApp(func(ctx context.Context, a *app.App) error {
				n, err := a.Pipeline.Queue().ClearOldFailedEvents(ctx, time.Duration(hours)*time.Hour)
				if err != nil {
					return err
				}
				logger.Info("Cleared failed queue items", "removed", n, "older_than_hours", hours)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hours, "older-than-hours", 24, "Only remove items that failed at least this long ago")
	return cmd
}

// --------------------------------------------------------------------------
// notifications command
// --------------------------------------------------------------------------

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Scheduled notification operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Deliver every due pending notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				res, err := a.Scheduler.ProcessPending(ctx)
				if err != nil {
					return err
				}
				logger.Info("Pending sweep finished",
					"processed", res.Processed,
					"delivered", res.Delivered,
					"rescheduled", res.Rescheduled,
					"cancelled", res.Cancelled,
					"failed", res.Failed)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show notification counts and active suppressions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				stats := a.Maintenance.Stats(ctx)
				n := stats.Notifications
				logger.Info("Notification stats",
					"pending", n.Pending,
					"snoozed", n.Snoozed,
					"delivered", n.Delivered,
					"failed", n.Failed,
					"cancelled", n.Cancelled,
					"total", n.Total,
					"active_snoozes", stats.ActiveSnoozes,
					"active_mutes", stats.ActiveMutes)
				return nil
			})
		},
	})
	return cmd
}

// --------------------------------------------------------------------------
// policy command
// --------------------------------------------------------------------------

func policyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Pipeline tuning file operations",
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate a policy override file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			p, err := policy.Load(file)
			if err != nil {
				return err
			}
			if err := p.Validate(); err != nil {
				return err
			}
			logger.Info("Policy valid",
				"file", file,
				"dedup_window", p.DedupWindow,
				"dedup_distance_m", p.DedupDistanceMeters,
				"bundle_window", p.BundleWindow)
			return nil
		},
	}
	check.Flags().StringVar(&file, "file", "", "YAML policy file")
	cmd.AddCommand(check)
	return cmd
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

// runApp handles config loading, backend wiring, and context cancellation.
func runApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
