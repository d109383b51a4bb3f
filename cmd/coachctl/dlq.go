package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"example.com/coaching/internal/config"
	"example.com/coaching/internal/logger"
	"example.com/coaching/internal/outbox"
)

const defaultDLQBatchSize = 50

func newDLQCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered lifecycle events",
	}
	cmd.AddCommand(newDLQReplayCmd(cfg))
	cmd.AddCommand(newDLQWatchCmd(cfg))
	return cmd
}

func newDLQReplayCmd(cfg *config.Config) *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Process one batch of due DLQ entries",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			manager, closeFn, err := openDLQManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := manager.RunOnce(ctx, batchSize)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.OutOrStdout(), "requeued=%d rescheduled=%d quarantined=%d\n",
				result.Requeued, result.Rescheduled, result.Quarantined)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", defaultDLQBatchSize, "entries to process")
	return cmd
}

func newDLQWatchCmd(cfg *config.Config) *cobra.Command {
	var (
		batchSize int
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Replay due DLQ entries on an interval until interrupted",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			manager, closeFn, err := openDLQManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			log := logger.New(cfg.LogLevel).WithField("component", "dlq_watch")
			log.WithFields(logrus.Fields{"interval": interval.String(), "max_retries": cfg.DLQMaxRetries}).Info("dlq watch started")

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					result, err := manager.RunOnce(ctx, batchSize)
					if err != nil {
						log.WithError(err).Error("dlq replay failed")
						continue
					}
					if total := result.Requeued + result.Rescheduled + result.Quarantined; total > 0 {
						log.WithFields(logrus.Fields{
							"requeued":    result.Requeued,
							"rescheduled": result.Rescheduled,
							"quarantined": result.Quarantined,
						}).Info("dlq batch processed")
					}
				}
			}
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", defaultDLQBatchSize, "entries per tick")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "poll interval")
	return cmd
}

func openDLQManager(ctx context.Context, cfg *config.Config) (*outbox.DLQManager, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	manager := outbox.NewDLQManager(pool, logger.New(cfg.LogLevel), cfg.DLQMaxRetries, cfg.DLQBaseDelay)
	return manager, pool.Close, nil
}
