package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/models"
)

type RefreshTokenRepo struct {
	DB DBTX
}

const tokenColumns = `id, user_id, value, created_at, created_by_ip, expires_at, revoked, revoked_at, last_used_at, last_used_by_ip`

const createToken = `-- name: CreateRefreshToken
INSERT INTO refresh_tokens (` + tokenColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + tokenColumns

func (r *RefreshTokenRepo) Create(ctx context.Context, t models.RefreshToken) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, createToken,
		t.ID, t.UserID, t.Value, t.CreatedAt, t.CreatedByIP, t.ExpiresAt,
		t.Revoked, t.RevokedAt, t.LastUsedAt, t.LastUsedByIP,
	)
	token, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return token, fmt.Errorf("repo error: %w", apperrors.ErrUserNotFound)
		}

		return token, fmt.Errorf("db error: %w", err)
	}

	return token, nil
}

const getTokenByValue = `-- name: GetRefreshTokenByValue
SELECT ` + tokenColumns + `
FROM refresh_tokens
WHERE value = $1
`

// Get token by value
// It returns the token even it is expired or revoked already
func (r *RefreshTokenRepo) GetByValue(ctx context.Context, value string) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, getTokenByValue, value)
	return collectOneToken(rows)
}

const getTokenByID = `-- name: GetRefreshTokenByID
SELECT ` + tokenColumns + `
FROM refresh_tokens
WHERE id = $1
`

func (r *RefreshTokenRepo) GetByID(ctx context.Context, id uuid.UUID) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, getTokenByID, id)
	return collectOneToken(rows)
}

const listActive = `-- name: ListActiveRefreshTokens
SELECT ` + tokenColumns + `
FROM refresh_tokens
WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2
ORDER BY created_at ASC, seq ASC
`

func (r *RefreshTokenRepo) ListActive(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, listActive, userID, now)
	return collectTokens(rows)
}

const listExpiredRevoked = `-- name: ListExpiredRevokedRefreshTokens
SELECT ` + tokenColumns + `
FROM refresh_tokens
WHERE user_id = $1 AND revoked = TRUE AND expires_at < $2
ORDER BY created_at ASC, seq ASC
`

func (r *RefreshTokenRepo) ListExpiredRevoked(ctx context.Context, userID uuid.UUID, cutoff time.Time) ([]models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, listExpiredRevoked, userID, cutoff)
	return collectTokens(rows)
}

const listOldestActive = `-- name: ListOldestActiveRefreshTokens
SELECT ` + tokenColumns + `
FROM refresh_tokens
WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2
ORDER BY created_at ASC, seq ASC
LIMIT $3
`

func (r *RefreshTokenRepo) ListOldestActive(ctx context.Context, userID uuid.UUID, now time.Time, n int) ([]models.RefreshToken, error) {
	if n <= 0 {
		return []models.RefreshToken{}, nil
	}

	rows, _ := r.DB.Query(ctx, listOldestActive, userID, now, n)
	return collectTokens(rows)
}

const countActive = `-- name: CountActiveRefreshTokens
SELECT count(*)
FROM refresh_tokens
WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2
`

func (r *RefreshTokenRepo) CountActive(ctx context.Context, userID uuid.UUID, now time.Time) (int, error) {
	var count int
	err := r.DB.QueryRow(ctx, countActive, userID, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return count, nil
}

const getMostRecentValid = `-- name: GetMostRecentValidRefreshToken
SELECT ` + tokenColumns + `
FROM refresh_tokens
WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2
ORDER BY created_at DESC, seq DESC
LIMIT 1
`

func (r *RefreshTokenRepo) GetMostRecentValid(ctx context.Context, userID uuid.UUID, now time.Time) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, getMostRecentValid, userID, now)
	return collectOneToken(rows)
}

// Revocation is sticky: revoked and revoked_at are never reset
const updateToken = `-- name: UpdateRefreshToken
UPDATE refresh_tokens
SET
	revoked = revoked OR $2::boolean,
	revoked_at = CASE
		WHEN revoked THEN revoked_at
		WHEN $2::boolean THEN COALESCE($3, now())
		ELSE NULL
	END,
	last_used_at = $4,
	last_used_by_ip = $5
WHERE id = $1
RETURNING ` + tokenColumns

func (r *RefreshTokenRepo) Update(ctx context.Context, t models.RefreshToken) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, updateToken, t.ID, t.Revoked, t.RevokedAt, t.LastUsedAt, t.LastUsedByIP)
	return collectOneToken(rows)
}

const deleteTokens = `-- name: DeleteRefreshTokens
DELETE FROM refresh_tokens
WHERE id = ANY($1)
`

func (r *RefreshTokenRepo) DeleteMany(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := r.DB.Exec(ctx, deleteTokens, ids)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected(), nil
}

const revokeIfActive = `-- name: RevokeRefreshTokenIfActive
UPDATE refresh_tokens
SET revoked = TRUE, revoked_at = $2
WHERE id = $1 AND revoked = FALSE
`

// Atomic compare-and-set: only one of concurrent callers affects the row
func (r *RefreshTokenRepo) RevokeIfActive(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.DB.Exec(ctx, revokeIfActive, id, at)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

const revokeAllActive = `-- name: RevokeAllActiveRefreshTokens
UPDATE refresh_tokens
SET revoked = TRUE, revoked_at = $2
WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2
`

func (r *RefreshTokenRepo) RevokeAllActive(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, revokeAllActive, userID, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected(), nil
}

const purgeRevoked = `-- name: PurgeRevokedRefreshTokens
DELETE FROM refresh_tokens
WHERE revoked = TRUE AND expires_at < $1
`

func (r *RefreshTokenRepo) PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, purgeRevoked, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected(), nil
}

func collectOneToken(rows pgx.Rows) (models.RefreshToken, error) {
	token, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		return token, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

func collectTokens(rows pgx.Rows) ([]models.RefreshToken, error) {
	tokens, err := pgx.CollectRows(rows, rowToRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return tokens, nil
}

func rowToRefreshToken(row pgx.CollectableRow) (models.RefreshToken, error) {
	var t models.RefreshToken
	err := row.Scan(
		&t.ID, &t.UserID, &t.Value, &t.CreatedAt, &t.CreatedByIP, &t.ExpiresAt,
		&t.Revoked, &t.RevokedAt, &t.LastUsedAt, &t.LastUsedByIP,
	)
	return t, err
}
