// Command coachctl runs operator tasks against the coaching database and
// identity provider.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"example.com/coaching/internal/auth"
	"example.com/coaching/internal/cache"
	"example.com/coaching/internal/config"
	"example.com/coaching/internal/domain"
	"example.com/coaching/internal/identity"
	"example.com/coaching/internal/logger"
	"example.com/coaching/internal/persistence/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(config.Load()).ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "coachctl",
		Short:         "Operator tooling for the coaching portal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.PostgresURL, "postgres-url", cfg.PostgresURL, "Postgres connection string")

	root.AddCommand(newMigrateCmd(&cfg))
	root.AddCommand(newReconcileCmd(&cfg))
	root.AddCommand(newRevokeCmd(&cfg))
	root.AddCommand(newDLQCmd(&cfg))
	root.AddCommand(newTokenCmd(&cfg))
	return root
}

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(c *cobra.Command, _ []string) error {
			if err := postgres.Migrate(cfg.PostgresURL); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.OutOrStdout(), "migrations applied")
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(c *cobra.Command, _ []string) error {
			if err := postgres.MigrateDown(cfg.PostgresURL, steps); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.OutOrStdout(), "rolled back %d step(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)
	return cmd
}

func newReconcileCmd(cfg *config.Config) *cobra.Command {
	var trainer domain.Trainer
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Invite or re-send portal access for every student of a trainer",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			log := logger.New(cfg.LogLevel)

			pool, err := pgxpool.New(ctx, cfg.PostgresURL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			service, closeFn, err := newAccessService(ctx, cfg, pool, log)
			if err != nil {
				return err
			}
			defer closeFn()

			summary, err := service.ReconcileAccess(ctx, trainer)
			if err != nil {
				return err
			}
			return writeJSON(c.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&trainer.ID, "trainer-id", "", "trainer id")
	cmd.Flags().StringVar(&trainer.Email, "trainer-email", "", "trainer login email")
	_ = cmd.MarkFlagRequired("trainer-id")
	_ = cmd.MarkFlagRequired("trainer-email")
	return cmd
}

func newRevokeCmd(cfg *config.Config) *cobra.Command {
	var trainerID, studentID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Disable a student's portal and invalidate its link",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			pool, err := pgxpool.New(ctx, cfg.PostgresURL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			repo := postgres.NewRepository(pool)
			service := domain.NewAccessService(repo, nil, cfg.AccessRedirectURL, domain.WithAccessLogger(logger.New(cfg.LogLevel)))
			if err := service.RevokePortalAccess(ctx, trainerID, studentID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.OutOrStdout(), "student %s revoked\n", studentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&trainerID, "trainer-id", "", "owning trainer id")
	cmd.Flags().StringVar(&studentID, "student-id", "", "student id")
	_ = cmd.MarkFlagRequired("trainer-id")
	_ = cmd.MarkFlagRequired("student-id")
	return cmd
}

func newTokenCmd(cfg *config.Config) *cobra.Command {
	var (
		subject string
		email   string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a trainer bearer token for local testing",
		RunE: func(c *cobra.Command, _ []string) error {
			token, err := auth.Sign(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, subject, email, scopes, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "trainer id")
	cmd.Flags().StringVar(&email, "email", "", "trainer email")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeAccessManage}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newAccessService(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, log logrus.FieldLogger) (*domain.AccessService, func(), error) {
	provider, err := identity.NewProvider(identity.Config{
		BaseURL:    cfg.IdentityURL,
		ServiceKey: cfg.IdentityServiceKey,
		Timeout:    cfg.IdentityTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	opts := []domain.AccessOption{
		domain.WithWorkers(cfg.ReconcileWorkers),
		domain.WithAccessLogger(log),
	}
	closeFn := func() {}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		summaries, err := cache.NewRedisCache(ctx, cfg.RedisURL, cfg.SummaryTTL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, summary will not be cached")
		} else {
			opts = append(opts, domain.WithSummaryStore(summaries))
			closeFn = func() { _ = summaries.Close() }
		}
	}
	return domain.NewAccessService(postgres.NewRepository(pool), provider, cfg.AccessRedirectURL, opts...), closeFn, nil
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
