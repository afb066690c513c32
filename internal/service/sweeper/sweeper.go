// Package sweeper periodically deletes revoked refresh tokens of all users
// that expired more than retention ago.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/usermanager/internal/logger"
	"github.com/nkiryanov/usermanager/internal/repository"
)

const (
	DefaultInterval = time.Hour
	lockKey         = "sweeper:lock"
)

var ErrLocked = errors.New("another sweeper holds the lock")

// Delete the lock only if it's still ours
var releaseLua = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Sweeper struct {
	interval  time.Duration
	retention time.Duration
	repo      repository.RefreshTokenRepo
	logger    logger.Logger

	// Optional: with redis only one replica sweeps at a time
	redis redis.UniversalClient

	now func() time.Time
}

type Config struct {
	Interval  time.Duration
	Retention time.Duration
	Redis     redis.UniversalClient
	Logger    logger.Logger
}

func New(cfg Config, repo repository.RefreshTokenRepo) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	return &Sweeper{
		interval:  cfg.Interval,
		retention: cfg.Retention,
		repo:      repo,
		logger:    cfg.Logger,
		redis:     cfg.Redis,
		now:       time.Now,
	}
}

// Sweep every interval until ctx is done
// Returned channel is closed when the sweeper stopped
func (s *Sweeper) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	s.logger.Debug("Starting sweeper", "interval", s.interval, "retention", s.retention)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("Sweeper stopped by context")
				return

			case <-ticker.C:
				purged, err := s.RunOnce(ctx)
				switch {
				case errors.Is(err, ErrLocked):
					s.logger.Debug("Sweeper tick skipped, lock is taken")
				case err != nil:
					s.logger.Error("Failed to purge refresh tokens", "error", err)
				default:
					s.logger.Info("Refresh tokens purged", "purged", purged)
				}
			}
		}
	}()

	return idleStopped
}

// Purge revoked tokens expired before now - retention
// Return ErrLocked if another sweeper is running
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	release, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	cutoff := s.now().UTC().Add(-s.retention)
	purged, err := s.repo.PurgeRevoked(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("can't purge revoked tokens. Err: %w", err)
	}

	return purged, nil
}

func (s *Sweeper) lock(ctx context.Context) (func(), error) {
	if s.redis == nil {
		return func() {}, nil
	}

	owner := uuid.NewString()
	ok, err := s.redis.SetNX(ctx, lockKey, owner, s.interval).Result()
	if err != nil {
		return nil, fmt.Errorf("can't acquire sweeper lock. Err: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func() {
		// Released even if ctx is canceled
		if err := releaseLua.Run(context.WithoutCancel(ctx), s.redis, []string{lockKey}, owner).Err(); err != nil {
			s.logger.Warn("can't release sweeper lock", "error", err)
		}
	}, nil
}
