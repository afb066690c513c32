package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/usermanager/internal/config"
	"github.com/nkiryanov/usermanager/internal/db"
	"github.com/nkiryanov/usermanager/internal/handlers"
	"github.com/nkiryanov/usermanager/internal/logger"
	"github.com/nkiryanov/usermanager/internal/repository/postgres"
	"github.com/nkiryanov/usermanager/internal/service/auth"
	"github.com/nkiryanov/usermanager/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/usermanager/internal/service/incident"
	"github.com/nkiryanov/usermanager/internal/service/refresh"
	"github.com/nkiryanov/usermanager/internal/service/sweeper"
	"github.com/nkiryanov/usermanager/internal/service/user"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler
	Logger     logger.Logger

	// Nil if sweeper is disabled
	Sweeper *sweeper.Sweeper

	closers []func()
}

func NewServerApp(ctx context.Context, c *config.Config) (app *ServerApp, err error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config. Err: %w", err)
	}

	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app = &ServerApp{ListenAddr: c.ListenAddr, Logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}
	app.closers = append(app.closers, pool.Close)

	// Redis is optional
	var rdb redis.UniversalClient
	if c.RedisURL != "" {
		client, err := db.ConnectRedis(ctx, c.RedisURL)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = client.Close() })
		rdb = client
	} else {
		logger.Warn("Redis is not configured, reuse incidents are not journaled and sweeper runs without lock")
	}

	handler, engine, err := newHandler(c, pool, rdb, logger)
	if err != nil {
		return nil, err
	}
	app.Handler = handler

	if c.CleanupInterval > 0 {
		app.Sweeper = sweeper.New(sweeper.Config{
			Interval:  c.CleanupInterval,
			Retention: engine.Config().Retention,
			Redis:     rdb,
			Logger:    logger.With("component", "sweeper"),
		}, postgres.NewStorage(pool).Refresh())
	}

	return app, nil
}

// Wire services and http router on top of the pool
func newHandler(c *config.Config, pool *pgxpool.Pool, rdb redis.UniversalClient, l logger.Logger) (http.Handler, *refresh.Engine, error) {
	storage := postgres.NewStorage(pool)

	engine, err := refresh.NewEngine(c.Refresh(), storage,
		refresh.WithLogger(l.With("component", "refresh")),
		refresh.WithIncidentRecorder(incident.NewJournal(rdb)),
		refresh.WithMeter(otel.Meter("github.com/nkiryanov/usermanager")),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("error while creating refresh engine. Err: %w", err)
	}

	tokenManager, err := tokenmanager.New(c.Tokens())
	if err != nil {
		return nil, nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}

	authService, err := auth.NewService(auth.Config{Logger: l}, tokenManager, engine, storage)
	if err != nil {
		return nil, nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}
	userService := user.NewService(nil, storage, engine)

	return handlers.NewRouter(authService, userService, l), engine, nil
}

// Run http server and sweeper until context is cancelled or one of them fails
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Logger.Info("Starting server", "address", s.ListenAddr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.Logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.Logger.Info("HTTP server stopped")
		return nil
	})

	if s.Sweeper != nil {
		g.Go(func() error {
			<-s.Sweeper.Run(gCtx)
			return nil
		})
	}

	return g.Wait()
}

// Release connections in reverse order
func (s *ServerApp) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
