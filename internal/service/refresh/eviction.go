package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/usermanager/internal/repository"
)

// Garbage collection and limits for user's refresh tokens
// Both rules are idempotent and safe to run standalone
type Evictor struct {
	cfg     Config
	repo    repository.RefreshTokenRepo
	metrics *metrics
}

func NewEvictor(cfg Config, repo repository.RefreshTokenRepo) (*Evictor, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	return &Evictor{cfg: cfg, repo: repo, metrics: newMetrics(nil)}, nil
}

// Delete user's revoked tokens expired more than retention ago
func (e *Evictor) Purge(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	expired, err := e.repo.ListExpiredRevoked(ctx, userID, now.Add(-e.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("can't list expired tokens. Err: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(expired))
	for _, t := range expired {
		ids = append(ids, t.ID)
	}

	deleted, err := e.repo.DeleteMany(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("can't delete expired tokens. Err: %w", err)
	}

	e.metrics.evicted(ctx, "purged", deleted)
	return deleted, nil
}

// Revoke the oldest active tokens above the per user limit
// Tokens are revoked, not deleted: they are purged later
func (e *Evictor) EnforceCap(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	active, err := e.repo.CountActive(ctx, userID, now)
	if err != nil {
		return 0, fmt.Errorf("can't count active tokens. Err: %w", err)
	}

	surplus := active - e.cfg.MaxTokensPerUser
	if surplus <= 0 {
		return 0, nil
	}

	oldest, err := e.repo.ListOldestActive(ctx, userID, now, surplus)
	if err != nil {
		return 0, fmt.Errorf("can't list oldest tokens. Err: %w", err)
	}

	var revoked int64
	for _, t := range oldest {
		won, err := e.repo.RevokeIfActive(ctx, t.ID, now)
		if err != nil {
			return revoked, fmt.Errorf("can't revoke token %s. Err: %w", t.ID, err)
		}
		if won {
			revoked++
		}
	}

	e.metrics.evicted(ctx, "capped", revoked)
	return revoked, nil
}

// Purge then enforce cap
// Cap is enforced even if purge failed
func (e *Evictor) Cleanup(ctx context.Context, userID uuid.UUID, now time.Time) error {
	_, purgeErr := e.Purge(ctx, userID, now)
	_, capErr := e.EnforceCap(ctx, userID, now)

	return errors.Join(purgeErr, capErr)
}
