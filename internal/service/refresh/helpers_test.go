package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/usermanager/internal/models"
	"github.com/nkiryanov/usermanager/internal/repository"
)

// Manually driven clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRecorder struct {
	mu        sync.Mutex
	incidents []models.ReuseIncident
}

func (r *fakeRecorder) RecordReuse(_ context.Context, incident models.ReuseIncident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, incident)
	return nil
}

func (r *fakeRecorder) All() []models.ReuseIncident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ReuseIncident(nil), r.incidents...)
}

// Lets n callers pass only when all of them arrived
type barrier struct {
	mu sync.Mutex
	n  int
	ch chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, ch: make(chan struct{})}
}

func (b *barrier) Arrive() {
	b.mu.Lock()
	b.n--
	if b.n == 0 {
		close(b.ch)
	}
	b.mu.Unlock()
	<-b.ch
}

// Storage where every token lookup by value waits on the barrier
// Used to make concurrent requests read the same active token before any of them rotates it
type barrierStorage struct {
	repository.Storage
	refresh repository.RefreshTokenRepo
}

func (s barrierStorage) Refresh() repository.RefreshTokenRepo {
	return s.refresh
}

type barrierRefreshRepo struct {
	repository.RefreshTokenRepo
	barrier *barrier
}

func (r barrierRefreshRepo) GetByValue(ctx context.Context, value string) (models.RefreshToken, error) {
	token, err := r.RefreshTokenRepo.GetByValue(ctx, value)
	r.barrier.Arrive()
	return token, err
}

func withReadBarrier(s repository.Storage, n int) repository.Storage {
	return barrierStorage{
		Storage: s,
		refresh: barrierRefreshRepo{RefreshTokenRepo: s.Refresh(), barrier: newBarrier(n)},
	}
}

// Storage where eviction queries always fail
type brokenEvictionStorage struct {
	repository.Storage
}

func (s brokenEvictionStorage) Refresh() repository.RefreshTokenRepo {
	return brokenEvictionRepo{RefreshTokenRepo: s.Storage.Refresh()}
}

type brokenEvictionRepo struct {
	repository.RefreshTokenRepo
}

func (r brokenEvictionRepo) ListExpiredRevoked(context.Context, uuid.UUID, time.Time) ([]models.RefreshToken, error) {
	return nil, errors.New("storage is down")
}

func (r brokenEvictionRepo) ListOldestActive(context.Context, uuid.UUID, time.Time, int) ([]models.RefreshToken, error) {
	return nil, errors.New("storage is down")
}

func mustCreateUser(t *testing.T, s repository.Storage, email string) models.User {
	t.Helper()

	u, err := s.User().Create(t.Context(), models.User{Name: "nk", Email: email, HashedPassword: "hash", Role: models.RoleUser})
	require.NoError(t, err)
	return u
}

// Create token directly in storage, bypassing the engine
func mustCreateToken(t *testing.T, s repository.Storage, userID uuid.UUID, createdAt, expiresAt time.Time) models.RefreshToken {
	t.Helper()

	value, err := GenerateValue()
	require.NoError(t, err)

	token, err := s.Refresh().Create(t.Context(), models.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		Value:     value,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	return token
}
