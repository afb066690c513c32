package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/usermanager/internal/models"
)

// User repository interface
type UserRepo interface {
	// Create user
	// If user with the email exists already has to return apperrors.ErrUserAlreadyExists
	Create(ctx context.Context, user models.User) (models.User, error)

	// Get user by it's id or email
	// If user not found must return apperrors.ErrUserNotFound
	GetByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetByEmail(ctx context.Context, email string) (models.User, error)

	// List users matching the filter ordered by creation time
	List(ctx context.Context, filter models.UserFilter) (models.UserPage, error)

	// Update name, email, role and password hash of the user
	// Has to return apperrors.ErrUserNotFound or apperrors.ErrUserAlreadyExists (email taken)
	Update(ctx context.Context, user models.User) (models.User, error)

	// Delete user. Has to return apperrors.ErrUserNotFound if nothing deleted
	Delete(ctx context.Context, userID uuid.UUID) error

	CountByRole(ctx context.Context, role string) (int, error)
}

// RefreshToken repository interface
// Pure retrieval and mutation: no business rules here.
// The 'now' arguments define which tokens are active (not revoked and now < expires_at).
type RefreshTokenRepo interface {
	// Create token. Token value must be unique across all users
	Create(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error)

	// Return token by value or id
	// If the token not found has to return apperrors.ErrRefreshTokenNotFound
	GetByValue(ctx context.Context, value string) (models.RefreshToken, error)
	GetByID(ctx context.Context, id uuid.UUID) (models.RefreshToken, error)

	// Active tokens of the user ordered by creation time, oldest first
	ListActive(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.RefreshToken, error)

	// Revoked tokens of the user expired before cutoff
	ListExpiredRevoked(ctx context.Context, userID uuid.UUID, cutoff time.Time) ([]models.RefreshToken, error)

	// n oldest active tokens of the user, oldest first
	ListOldestActive(ctx context.Context, userID uuid.UUID, now time.Time, n int) ([]models.RefreshToken, error)

	CountActive(ctx context.Context, userID uuid.UUID, now time.Time) (int, error)

	// Most recently created active token
	// Has to return apperrors.ErrRefreshTokenNotFound if user has no active tokens
	GetMostRecentValid(ctx context.Context, userID uuid.UUID, now time.Time) (models.RefreshToken, error)

	// Update mutable fields: revocation and last usage
	// Revoked token must stay revoked with the first revocation time whatever passed
	Update(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error)

	// Delete tokens by ids, return number of deleted
	DeleteMany(ctx context.Context, ids []uuid.UUID) (int64, error)

	// Revoke the token only if it is not revoked yet
	// Return false if the token was revoked already (or not exists): the caller lost the race
	RevokeIfActive(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// Revoke all active tokens of the user, return number of revoked
	RevokeAllActive(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)

	// Delete revoked tokens of all users expired before cutoff
	PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error)
}

type Storage interface {
	User() UserRepo
	Refresh() RefreshTokenRepo

	// Run fn in transaction
	// Commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}
