package refresh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/models"
	"github.com/nkiryanov/usermanager/internal/repository/memory"
)

func Test_Evictor(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewEvictor(Config{Retention: -time.Hour}, memory.NewStorage().Refresh())
		require.Error(t, err)
	})

	t.Run("purge respects retention", func(t *testing.T) {
		storage := memory.NewStorage()
		user := mustCreateUser(t, storage, "nk@example.com")
		evictor, err := NewEvictor(Config{Retention: 30 * day}, storage.Refresh())
		require.NoError(t, err)

		old := mustCreateToken(t, storage, user.ID, now.Add(-40*day), now.Add(-31*day))
		recent := mustCreateToken(t, storage, user.ID, now.Add(-38*day), now.Add(-29*day))
		expiredActive := mustCreateToken(t, storage, user.ID, now.Add(-40*day), now.Add(-31*day))
		for _, tok := range []models.RefreshToken{old, recent} {
			_, err := storage.Refresh().RevokeIfActive(t.Context(), tok.ID, tok.ExpiresAt.Add(-time.Hour))
			require.NoError(t, err)
		}

		deleted, err := evictor.Purge(t.Context(), user.ID, now)

		require.NoError(t, err)
		require.EqualValues(t, 1, deleted)
		_, err = storage.Refresh().GetByID(t.Context(), old.ID)
		require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound, "revoked token expired 31 days ago has to be deleted")
		_, err = storage.Refresh().GetByID(t.Context(), recent.ID)
		require.NoError(t, err, "revoked token expired 29 days ago is kept")
		_, err = storage.Refresh().GetByID(t.Context(), expiredActive.ID)
		require.NoError(t, err, "never revoked token is not purged")
	})

	t.Run("purge touches only given user", func(t *testing.T) {
		storage := memory.NewStorage()
		user := mustCreateUser(t, storage, "nk@example.com")
		other := mustCreateUser(t, storage, "other@example.com")
		evictor, err := NewEvictor(Config{}, storage.Refresh())
		require.NoError(t, err)

		token := mustCreateToken(t, storage, other.ID, now.Add(-60*day), now.Add(-53*day))
		_, err = storage.Refresh().RevokeIfActive(t.Context(), token.ID, now.Add(-55*day))
		require.NoError(t, err)

		deleted, err := evictor.Purge(t.Context(), user.ID, now)

		require.NoError(t, err)
		require.EqualValues(t, 0, deleted)
		_, err = storage.Refresh().GetByID(t.Context(), token.ID)
		require.NoError(t, err)
	})

	t.Run("enforce cap revokes oldest", func(t *testing.T) {
		storage := memory.NewStorage()
		user := mustCreateUser(t, storage, "nk@example.com")
		evictor, err := NewEvictor(Config{MaxTokensPerUser: 2}, storage.Refresh())
		require.NoError(t, err)

		first := mustCreateToken(t, storage, user.ID, now.Add(-3*time.Hour), now.Add(day))
		second := mustCreateToken(t, storage, user.ID, now.Add(-2*time.Hour), now.Add(day))
		third := mustCreateToken(t, storage, user.ID, now.Add(-1*time.Hour), now.Add(day))
		fourth := mustCreateToken(t, storage, user.ID, now, now.Add(day))

		revoked, err := evictor.EnforceCap(t.Context(), user.ID, now)

		require.NoError(t, err)
		require.EqualValues(t, 2, revoked)
		active, err := storage.Refresh().ListActive(t.Context(), user.ID, now)
		require.NoError(t, err)
		require.Len(t, active, 2)
		require.Equal(t, third.ID, active[0].ID)
		require.Equal(t, fourth.ID, active[1].ID)
		got, err := storage.Refresh().GetByID(t.Context(), first.ID)
		require.NoError(t, err)
		require.True(t, got.Revoked)
		got, err = storage.Refresh().GetByID(t.Context(), second.ID)
		require.NoError(t, err)
		require.True(t, got.Revoked)
	})

	t.Run("enforce cap under limit", func(t *testing.T) {
		storage := memory.NewStorage()
		user := mustCreateUser(t, storage, "nk@example.com")
		evictor, err := NewEvictor(Config{MaxTokensPerUser: 2}, storage.Refresh())
		require.NoError(t, err)
		mustCreateToken(t, storage, user.ID, now, now.Add(day))
		mustCreateToken(t, storage, user.ID, now, now.Add(day))

		revoked, err := evictor.EnforceCap(t.Context(), user.ID, now)

		require.NoError(t, err)
		require.EqualValues(t, 0, revoked)
	})

	t.Run("cleanup is idempotent", func(t *testing.T) {
		storage := memory.NewStorage()
		user := mustCreateUser(t, storage, "nk@example.com")
		evictor, err := NewEvictor(Config{MaxTokensPerUser: 1}, storage.Refresh())
		require.NoError(t, err)
		mustCreateToken(t, storage, user.ID, now.Add(-time.Hour), now.Add(day))
		mustCreateToken(t, storage, user.ID, now, now.Add(day))

		require.NoError(t, evictor.Cleanup(t.Context(), user.ID, now))
		require.NoError(t, evictor.Cleanup(t.Context(), user.ID, now))

		count, err := storage.Refresh().CountActive(t.Context(), user.ID, now)
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("cleanup reports both failures", func(t *testing.T) {
		storage := memory.NewStorage()
		user := mustCreateUser(t, storage, "nk@example.com")
		evictor, err := NewEvictor(Config{MaxTokensPerUser: 1}, brokenEvictionStorage{Storage: storage}.Refresh())
		require.NoError(t, err)
		mustCreateToken(t, storage, user.ID, now.Add(-time.Hour), now.Add(day))
		mustCreateToken(t, storage, user.ID, now, now.Add(day))

		err = evictor.Cleanup(t.Context(), user.ID, now)

		require.ErrorContains(t, err, "can't list expired tokens")
		require.ErrorContains(t, err, "can't list oldest tokens")
	})
}
