package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/models"
)

type RefreshTokenRepo struct {
	data *data
	log  *undoLog
}

func (r *RefreshTokenRepo) Create(_ context.Context, t models.RefreshToken) (models.RefreshToken, error) {
	r.data.mu.Lock()
	defer r.data.mu.Unlock()

	if _, ok := r.data.users[t.UserID]; !ok {
		return models.RefreshToken{}, fmt.Errorf("repo error: %w", apperrors.ErrUserNotFound)
	}
	for _, existed := range r.data.tokens {
		if existed.ID == t.ID || existed.Value == t.Value {
			return models.RefreshToken{}, fmt.Errorf("repo error: token with id %s or same value exists", t.ID)
		}
	}

	r.log.tokenChanges().set(r.data.tokens, t.ID, t)
	r.data.nextSeq++
	r.data.seq[t.ID] = r.data.nextSeq
	return t, nil
}

func (r *RefreshTokenRepo) GetByValue(_ context.Context, value string) (models.RefreshToken, error) {
	r.data.mu.RLock()
	defer r.data.mu.RUnlock()

	for _, t := range r.data.tokens {
		if t.Value == value {
			return t, nil
		}
	}

	return models.RefreshToken{}, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
}

func (r *RefreshTokenRepo) GetByID(_ context.Context, id uuid.UUID) (models.RefreshToken, error) {
	r.data.mu.RLock()
	defer r.data.mu.RUnlock()

	t, ok := r.data.tokens[id]
	if !ok {
		return t, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	}

	return t, nil
}

func (r *RefreshTokenRepo) ListActive(_ context.Context, userID uuid.UUID, now time.Time) ([]models.RefreshToken, error) {
	return r.filter(func(t models.RefreshToken) bool {
		return t.UserID == userID && t.IsActive(now)
	}), nil
}

func (r *RefreshTokenRepo) ListExpiredRevoked(_ context.Context, userID uuid.UUID, cutoff time.Time) ([]models.RefreshToken, error) {
	return r.filter(func(t models.RefreshToken) bool {
		return t.UserID == userID && t.Revoked && t.ExpiresAt.Before(cutoff)
	}), nil
}

func (r *RefreshTokenRepo) ListOldestActive(ctx context.Context, userID uuid.UUID, now time.Time, n int) ([]models.RefreshToken, error) {
	if n <= 0 {
		return []models.RefreshToken{}, nil
	}

	active, _ := r.ListActive(ctx, userID, now)
	return active[:min(n, len(active))], nil
}

func (r *RefreshTokenRepo) CountActive(ctx context.Context, userID uuid.UUID, now time.Time) (int, error) {
	active, _ := r.ListActive(ctx, userID, now)
	return len(active), nil
}

func (r *RefreshTokenRepo) GetMostRecentValid(ctx context.Context, userID uuid.UUID, now time.Time) (models.RefreshToken, error) {
	active, _ := r.ListActive(ctx, userID, now)
	if len(active) == 0 {
		return models.RefreshToken{}, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	}

	return active[len(active)-1], nil
}

func (r *RefreshTokenRepo) Update(_ context.Context, t models.RefreshToken) (models.RefreshToken, error) {
	r.data.mu.Lock()
	defer r.data.mu.Unlock()

	stored, ok := r.data.tokens[t.ID]
	if !ok {
		return t, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	}

	if !stored.Revoked && t.Revoked {
		stored.Revoked = true
		stored.RevokedAt = t.RevokedAt
		if stored.RevokedAt == nil {
			now := time.Now()
			stored.RevokedAt = &now
		}
	}
	stored.LastUsedAt = t.LastUsedAt
	stored.LastUsedByIP = t.LastUsedByIP

	r.log.tokenChanges().set(r.data.tokens, t.ID, stored)
	return stored, nil
}

func (r *RefreshTokenRepo) DeleteMany(_ context.Context, ids []uuid.UUID) (int64, error) {
	r.data.mu.Lock()
	defer r.data.mu.Unlock()

	var deleted int64
	for _, id := range ids {
		if _, ok := r.data.tokens[id]; ok {
			r.log.tokenChanges().delete(r.data.tokens, id)
			deleted++
		}
	}

	return deleted, nil
}

func (r *RefreshTokenRepo) RevokeIfActive(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.data.mu.Lock()
	defer r.data.mu.Unlock()

	t, ok := r.data.tokens[id]
	if !ok || t.Revoked {
		return false, nil
	}

	t.Revoked, t.RevokedAt = true, &at
	r.log.tokenChanges().set(r.data.tokens, id, t)
	return true, nil
}

func (r *RefreshTokenRepo) RevokeAllActive(_ context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	r.data.mu.Lock()
	defer r.data.mu.Unlock()

	var revoked int64
	for id, t := range r.data.tokens {
		if t.UserID == userID && t.IsActive(now) {
			t.Revoked, t.RevokedAt = true, &now
			r.log.tokenChanges().set(r.data.tokens, id, t)
			revoked++
		}
	}

	return revoked, nil
}

func (r *RefreshTokenRepo) PurgeRevoked(_ context.Context, cutoff time.Time) (int64, error) {
	r.data.mu.Lock()
	defer r.data.mu.Unlock()

	var purged int64
	for id, t := range r.data.tokens {
		if t.Revoked && t.ExpiresAt.Before(cutoff) {
			r.log.tokenChanges().delete(r.data.tokens, id)
			purged++
		}
	}

	return purged, nil
}

// Tokens matching fn ordered by creation time then insertion, oldest first
func (r *RefreshTokenRepo) filter(fn func(models.RefreshToken) bool) []models.RefreshToken {
	r.data.mu.RLock()
	defer r.data.mu.RUnlock()

	tokens := make([]models.RefreshToken, 0)
	for _, t := range r.data.tokens {
		if fn(t) {
			tokens = append(tokens, t)
		}
	}

	slices.SortFunc(tokens, func(a, b models.RefreshToken) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(r.data.seq[a.ID], r.data.seq[b.ID]))
	})

	return tokens
}
