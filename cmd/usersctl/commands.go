package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nkiryanov/usermanager/internal/config"
	"github.com/nkiryanov/usermanager/internal/db"
	"github.com/nkiryanov/usermanager/internal/logger"
	"github.com/nkiryanov/usermanager/internal/repository/postgres"
	"github.com/nkiryanov/usermanager/internal/service/incident"
	"github.com/nkiryanov/usermanager/internal/service/refresh"
	"github.com/nkiryanov/usermanager/internal/service/sweeper"
)

const defaultSecretKeyBytes = 32

func NewRootCommand(c *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "usersctl",
		Short:         "Maintenance tasks for usermanager database and sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newMigrateCommand(c),
		newSweepCommand(c),
		newRevokeAllCommand(c),
		newIncidentsCommand(c),
		newGenSecretCommand(),
	)
	return cmd
}

func newMigrateCommand(c *config.Config) *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations, or roll back with --down",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.DatabaseDSN == "" {
				return errors.New("database is not set")
			}

			if down > 0 {
				if err := db.Rollback(c.DatabaseDSN, down); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migrations\n", down)
				return nil
			}

			if err := db.Migrate(c.DatabaseDSN); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "number of migrations to roll back")
	return cmd
}

func newSweepCommand(c *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge revoked refresh tokens expired more than retention ago",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := logger.New(c.Environment, c.LogLevel)
			if err != nil {
				return err
			}

			return withConnections(cmd.Context(), c, func(pool *pgxpool.Pool, rdb redis.UniversalClient) error {
				s := sweeper.New(sweeper.Config{
					Retention: c.Retention(),
					Redis:     rdb,
					Logger:    l,
				}, postgres.NewStorage(pool).Refresh())

				purged, err := s.RunOnce(cmd.Context())
				if err != nil {
					return err
				}

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "purged %d refresh tokens\n", purged)
				return nil
			})
		},
	}
}

func newRevokeAllCommand(c *config.Config) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "revoke-all",
		Short: "Sign the user out of every device",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid user id %q. Err: %w", userID, err)
			}
			l, err := logger.New(c.Environment, c.LogLevel)
			if err != nil {
				return err
			}

			return withConnections(cmd.Context(), c, func(pool *pgxpool.Pool, _ redis.UniversalClient) error {
				engine, err := refresh.NewEngine(c.Refresh(), postgres.NewStorage(pool), refresh.WithLogger(l))
				if err != nil {
					return err
				}

				revoked, err := engine.RevokeAll(cmd.Context(), id)
				if err != nil {
					return err
				}

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "revoked %d sessions of user %s\n", revoked, id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newIncidentsCommand(c *config.Config) *cobra.Command {
	var (
		userID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Print recent refresh token reuse incidents of the user as json lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid user id %q. Err: %w", userID, err)
			}
			if c.RedisURL == "" {
				return errors.New("redis is not set, incidents are journaled in redis only")
			}

			client, err := db.ConnectRedis(cmd.Context(), c.RedisURL)
			if err != nil {
				return err
			}
			defer client.Close() // nolint:errcheck

			incidents, err := incident.NewJournal(client).Recent(cmd.Context(), id, limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, i := range incidents {
				if err := enc.Encode(i); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max incidents to print")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newGenSecretCommand() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "gensecret",
		Short: "Generate random hex encoded SECRET_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			if size < 16 {
				return fmt.Errorf("secret key is too short: %d bytes, at least 16 required", size)
			}

			b := make([]byte, size)
			if _, err := rand.Read(b); err != nil {
				return fmt.Errorf("error while generating secret key: %w", err)
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(b))
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "bytes", defaultSecretKeyBytes, "secret size in bytes")
	return cmd
}

// Connect to postgres and redis (if configured), close both after fn
func withConnections(ctx context.Context, c *config.Config, fn func(*pgxpool.Pool, redis.UniversalClient) error) error {
	if c.DatabaseDSN == "" {
		return errors.New("database is not set")
	}

	pool, err := db.Connect(ctx, c.DatabaseDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if c.RedisURL == "" {
		return fn(pool, nil)
	}

	client, err := db.ConnectRedis(ctx, c.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close() // nolint:errcheck

	return fn(pool, client)
}
