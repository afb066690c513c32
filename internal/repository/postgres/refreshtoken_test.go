package postgres

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/models"
	"github.com/nkiryanov/usermanager/internal/testutil"
)

func mustParseTime(value string) time.Time {
	dt, err := time.Parse("2006-01-02 15:04:05Z07:00", value)
	if err != nil {
		panic(err)
	}
	return dt
}

func mustCreateUser(t *testing.T, db DBTX, email string) models.User {
	t.Helper()

	repo := UserRepo{DB: db}
	u, err := repo.Create(t.Context(), models.User{Name: "nk", Email: email, HashedPassword: "hash", Role: models.RoleUser})
	require.NoError(t, err, "user has to be created for token tests")
	return u
}

func newToken(userID uuid.UUID, value string, createdAt time.Time) models.RefreshToken {
	return models.RefreshToken{
		ID:          uuid.New(),
		UserID:      userID,
		Value:       value,
		CreatedAt:   createdAt,
		CreatedByIP: "10.0.0.1",
		ExpiresAt:   createdAt.Add(7 * 24 * time.Hour),
	}
}

func Test_RefreshTokenRepo(t *testing.T) {
	t.Parallel() // It's ok to run in parallel with other tests, but not with subtests

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	now := mustParseTime("2025-01-10 12:00:00Z")

	t.Run("create token ok", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			user := mustCreateUser(t, tx, "create@example.com")
			repo := RefreshTokenRepo{DB: tx}
			token := newToken(user.ID, "secret-token", now)

			got, err := repo.Create(t.Context(), token)

			require.NoError(t, err)
			require.Equal(t, token.ID, got.ID)
			require.Equal(t, token.UserID, got.UserID)
			require.Equal(t, token.Value, got.Value)
			require.Equal(t, "10.0.0.1", got.CreatedByIP)
			require.WithinDuration(t, token.CreatedAt, got.CreatedAt, time.Microsecond)
			require.WithinDuration(t, token.ExpiresAt, got.ExpiresAt, time.Microsecond)
			require.False(t, got.Revoked)
			require.Nil(t, got.RevokedAt, "new token is not revoked")
			require.Nil(t, got.LastUsedAt)
		})
	})

	t.Run("create token with same value fails", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			user := mustCreateUser(t, tx, "dup@example.com")
			repo := RefreshTokenRepo{DB: tx}
			_, err := repo.Create(t.Context(), newToken(user.ID, "same-value", now))
			require.NoError(t, err)

			_, err = repo.Create(t.Context(), newToken(user.ID, "same-value", now))

			require.Error(t, err, "value must be unique across all tokens")
		})
	})

	t.Run("create token for unknown user fails", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}

			_, err := repo.Create(t.Context(), newToken(uuid.New(), "orphan", now))

			require.ErrorIs(t, err, apperrors.ErrUserNotFound)
		})
	})

	t.Run("get token by value and id", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			user := mustCreateUser(t, tx, "get@example.com")
			repo := RefreshTokenRepo{DB: tx}
			token, err := repo.Create(t.Context(), newToken(user.ID, "get-token", now))
			require.NoError(t, err)

			byValue, err := repo.GetByValue(t.Context(), "get-token")
			require.NoError(t, err)
			byID, err := repo.GetByID(t.Context(), token.ID)
			require.NoError(t, err)

			require.Equal(t, token, byValue)
			require.Equal(t, token, byID)
		})
	})

	t.Run("get not existed token", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}

			_, err := repo.GetByValue(t.Context(), "not-existed")
			require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)

			_, err = repo.GetByID(t.Context(), uuid.New())
			require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
		})
	})

	t.Run("active queries skip revoked and expired", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			user := mustCreateUser(t, tx, "active@example.com")
			other := mustCreateUser(t, tx, "other@example.com")
			repo := RefreshTokenRepo{DB: tx}

			oldest, err := repo.Create(t.Context(), newToken(user.ID, "oldest", now.Add(-3*time.Hour)))
			require.NoError(t, err)
			middle, err := repo.Create(t.Context(), newToken(user.ID, "middle", now.Add(-2*time.Hour)))
			require.NoError(t, err)
			newest, err := repo.Create(t.Context(), newToken(user.ID, "newest", now.Add(-1*time.Hour)))
			require.NoError(t, err)

			revoked := newToken(user.ID, "revoked", now.Add(-30*time.Minute))
			revoked.Revoked, revoked.RevokedAt = true, &now
			_, err = repo.Create(t.Context(), revoked)
			require.NoError(t, err)

			expired := newToken(user.ID, "expired", now.Add(-8*24*time.Hour))
			_, err = repo.Create(t.Context(), expired)
			require.NoError(t, err)

			_, err = repo.Create(t.Context(), newToken(other.ID, "other-user", now))
			require.NoError(t, err)

			active, err := repo.ListActive(t.Context(), user.ID, now)
			require.NoError(t, err)
			require.Len(t, active, 3)
			require.Equal(t, []string{"oldest", "middle", "newest"}, []string{active[0].Value, active[1].Value, active[2].Value})

			count, err := repo.CountActive(t.Context(), user.ID, now)
			require.NoError(t, err)
			require.Equal(t, 3, count)

			oldestTwo, err := repo.ListOldestActive(t.Context(), user.ID, now, 2)
			require.NoError(t, err)
			require.Len(t, oldestTwo, 2)
			require.Equal(t, oldest.ID, oldestTwo[0].ID)
			require.Equal(t, middle.ID, oldestTwo[1].ID)

			none, err := repo.ListOldestActive(t.Context(), user.ID, now, 0)
			require.NoError(t, err)
			require.Empty(t, none)

			recent, err := repo.GetMostRecentValid(t.Context(), user.ID, now)
			require.NoError(t, err)
			require.Equal(t, newest.ID, recent.ID)
		})
	})

	t.Run("same creation time ordered by insertion", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			user := mustCreateUser(t, tx, "same-time@example.com")
			repo := RefreshTokenRepo{DB: tx}
			values := []string{"first", "second", "third", "fourth", "fifth"}
			for _, v := range values {
				_, err := repo.Create(t.Context(), newToken(user.ID, v, now))
				require.NoError(t, err)
			}

			active, err := repo.ListActive(t.Context(), user.ID, now)
			require.NoError(t, err)
			got := make([]string, 0, len(active))
			for _, token := range active {
				got = append(got, token.Value)
			}
			require.Equal(t, values, got)

			oldest, err := repo.ListOldestActive(t.Context(), user.ID, now, 1)
			require.NoError(t, err)
			require.Equal(t, "first", oldest[0].Value)

			recent, err := repo.GetMostRecentValid(t.Context(), user.ID, now)
			require.NoError(t, err)
			require.Equal(t, "fifth", recent.Value)
		})
	})

	t.Run("expires_at equal to now is not active", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			user := mustCreateUser(t, tx, "edge@example.com")
			repo := RefreshTokenRepo{DB: tx}
			token := newToken(user.ID, "edge", now.Add(-time.Hour))
			token.ExpiresAt = now
			_, err := repo.Create(t.Context(), token)
			require.NoError(t, err)

			count, err := repo.CountActive(t.Context(), user.ID, now)
			require.NoError(t, err)
			require.Equal(t, 0, count)

			_, err = repo.GetMostRecentValid(t.Context(), user.ID, now)
			require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
		})
	})

	t.Run("list expired revoked", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			user := mustCreateUser(t, tx, "purge@example.com")
			repo := RefreshTokenRepo{DB: tx}
			cutoff := now.Add(-30 * 24 * time.Hour)

			old := newToken(user.ID, "old", now.Add(-40*24*time.Hour))
			old.ExpiresAt = now.Add(-31 * 24 * time.Hour)
			old.Revoked, old.RevokedAt = true, &old.CreatedAt
			_, err := repo.Create(t.Context(), old)
			require.NoError(t, err)

			recent := newToken(user.ID, "recent", now.Add(-40*24*time.Hour))
			recent.ExpiresAt = now.Add(-29 * 24 * time.Hour)
			recent.Revoked, recent.RevokedAt = true, &recent.CreatedAt
			_, err = repo.Create(t.Context(), recent)
			require.NoError(t, err)

			notRevoked := newToken(user.ID, "not-revoked", now.Add(-40*24*time.Hour))
			notRevoked.ExpiresAt = now.Add(-31 * 24 * time.Hour)
			_, err = repo.Create(t.Context(), notRevoked)
			require.NoError(t, err)

			got, err := repo.ListExpiredRevoked(t.Context(), user.ID, cutoff)

			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "old", got[0].Value)
		})
	})

	t.Run("update keeps revocation sticky", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			user := mustCreateUser(t, tx, "sticky@example.com")
			repo := RefreshTokenRepo{DB: tx}
			token, err := repo.Create(t.Context(), newToken(user.ID, "sticky", now))
			require.NoError(t, err)

			revokedAt := now.Add(time.Minute)
			token.Revoked, token.RevokedAt = true, &revokedAt
			revoked, err := repo.Update(t.Context(), token)
			require.NoError(t, err)
			require.True(t, revoked.Revoked)
			require.WithinDuration(t, revokedAt, *revoked.RevokedAt, 0)

			// Try to bring it back to life and move revocation time
			later := now.Add(time.Hour)
			token.Revoked, token.RevokedAt = false, nil
			token.LastUsedAt, token.LastUsedByIP = &later, "10.0.0.2"
			got, err := repo.Update(t.Context(), token)

			require.NoError(t, err)
			require.True(t, got.Revoked, "revoked token must stay revoked")
			require.WithinDuration(t, revokedAt, *got.RevokedAt, 0, "revocation time must not change")
			require.WithinDuration(t, later, *got.LastUsedAt, 0)
			require.Equal(t, "10.0.0.2", got.LastUsedByIP)
		})
	})

	t.Run("update not existed token", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}

			_, err := repo.Update(t.Context(), newToken(uuid.New(), "ghost", now))

			require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
		})
	})

	t.Run("revoke if active wins once", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			user := mustCreateUser(t, tx, "cas@example.com")
			repo := RefreshTokenRepo{DB: tx}
			token, err := repo.Create(t.Context(), newToken(user.ID, "cas", now))
			require.NoError(t, err)

			first, err := repo.RevokeIfActive(t.Context(), token.ID, now)
			require.NoError(t, err)
			second, err := repo.RevokeIfActive(t.Context(), token.ID, now.Add(time.Second))
			require.NoError(t, err)

			assert.True(t, first, "first revoke has to win")
			assert.False(t, second, "second revoke has to lose")

			got, err := repo.GetByID(t.Context(), token.ID)
			require.NoError(t, err)
			require.WithinDuration(t, now, *got.RevokedAt, 0, "revocation time is from the first call")
		})
	})

	t.Run("revoke all active and purge", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			user := mustCreateUser(t, tx, "all@example.com")
			repo := RefreshTokenRepo{DB: tx}
			for _, v := range []string{"a", "b", "c"} {
				_, err := repo.Create(t.Context(), newToken(user.ID, v, now))
				require.NoError(t, err)
			}

			revoked, err := repo.RevokeAllActive(t.Context(), user.ID, now)
			require.NoError(t, err)
			require.EqualValues(t, 3, revoked)

			again, err := repo.RevokeAllActive(t.Context(), user.ID, now)
			require.NoError(t, err)
			require.EqualValues(t, 0, again, "nothing left to revoke")

			// Tokens expire in 7 days: not purged with cutoff before that, purged after
			purged, err := repo.PurgeRevoked(t.Context(), now)
			require.NoError(t, err)
			require.EqualValues(t, 0, purged)

			purged, err = repo.PurgeRevoked(t.Context(), now.Add(8*24*time.Hour))
			require.NoError(t, err)
			require.EqualValues(t, 3, purged)
		})
	})

	t.Run("delete many", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			user := mustCreateUser(t, tx, "delete@example.com")
			repo := RefreshTokenRepo{DB: tx}
			a, err := repo.Create(t.Context(), newToken(user.ID, "del-a", now))
			require.NoError(t, err)
			b, err := repo.Create(t.Context(), newToken(user.ID, "del-b", now))
			require.NoError(t, err)

			deleted, err := repo.DeleteMany(t.Context(), []uuid.UUID{a.ID, b.ID, uuid.New()})
			require.NoError(t, err)
			require.EqualValues(t, 2, deleted)

			deleted, err = repo.DeleteMany(t.Context(), nil)
			require.NoError(t, err)
			require.EqualValues(t, 0, deleted)
		})
	})
}

// Not in transaction: concurrent updates have to hit the same committed row
func Test_RefreshTokenRepo_RevokeIfActiveConcurrent(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	user := mustCreateUser(t, pg.Pool, "race@example.com")
	repo := RefreshTokenRepo{DB: pg.Pool}
	token, err := repo.Create(t.Context(), newToken(user.ID, "race", time.Now()))
	require.NoError(t, err)

	const callers = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := repo.RevokeIfActive(t.Context(), token.ID, time.Now())
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins, "exactly one caller has to revoke the token")
}
