package models

import (
	"time"

	"github.com/google/uuid"
)

// Persisted refresh credential
// Active is derived: not revoked and not expired at the moment of the check
type RefreshToken struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Value       string
	CreatedAt   time.Time
	CreatedByIP string
	ExpiresAt   time.Time

	Revoked   bool
	RevokedAt *time.Time // nil until revoked

	LastUsedAt   *time.Time // nil if the token was never reused at login
	LastUsedByIP string
}

// IsExpired reports whether the token can't be used anymore because of its age
func (t RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t RefreshToken) IsActive(now time.Time) bool {
	return !t.Revoked && !t.IsExpired(now)
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issued by TokenManager, AuthService
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}

// Snapshot of user's sessions after the refresh token was issued or rotated
type SessionStatus struct {
	ActiveCount int
	MaxAllowed  int
	NearLimit   bool
	Warning     string // empty if there is nothing to warn about
}

// Credentials returned to the client with the sessions snapshot
type Session struct {
	Tokens TokenPair
	Status SessionStatus
}
