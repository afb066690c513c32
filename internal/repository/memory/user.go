package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/models"
)

type UserRepo struct {
	data *data
	log  *undoLog
}

func (r *UserRepo) Create(_ context.Context, u models.User) (models.User, error) {
	r.data.mu.Lock()
	defer r.data.mu.Unlock()

	if r.emailTaken(u.Email, uuid.Nil) {
		return models.User{}, apperrors.ErrUserAlreadyExists
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	u.CreatedAt, u.UpdatedAt = now, now
	r.log.userChanges().set(r.data.users, u.ID, u)
	return u, nil
}

func (r *UserRepo) GetByID(_ context.Context, id uuid.UUID) (models.User, error) {
	r.data.mu.RLock()
	defer r.data.mu.RUnlock()

	u, ok := r.data.users[id]
	if !ok {
		return u, apperrors.ErrUserNotFound
	}

	return u, nil
}

func (r *UserRepo) GetByEmail(_ context.Context, email string) (models.User, error) {
	r.data.mu.RLock()
	defer r.data.mu.RUnlock()

	for _, u := range r.data.users {
		if u.Email == strings.ToLower(email) {
			return u, nil
		}
	}

	return models.User{}, apperrors.ErrUserNotFound
}

func (r *UserRepo) List(_ context.Context, f models.UserFilter) (models.UserPage, error) {
	r.data.mu.RLock()
	defer r.data.mu.RUnlock()

	search := strings.ToLower(f.Search)
	matched := make([]models.User, 0)
	for _, u := range r.data.users {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(u.Name), search) && !strings.Contains(strings.ToLower(u.Email), search) {
			continue
		}
		matched = append(matched, u)
	}

	slices.SortFunc(matched, func(a, b models.User) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})

	page := models.UserPage{Total: len(matched), Page: f.Page, Size: f.Size}
	from := min((f.Page-1)*f.Size, len(matched))
	to := min(from+f.Size, len(matched))
	page.Users = matched[from:to]

	return page, nil
}

func (r *UserRepo) Update(_ context.Context, u models.User) (models.User, error) {
	r.data.mu.Lock()
	defer r.data.mu.Unlock()

	stored, ok := r.data.users[u.ID]
	if !ok {
		return u, apperrors.ErrUserNotFound
	}
	if r.emailTaken(u.Email, u.ID) {
		return u, apperrors.ErrUserAlreadyExists
	}

	stored.Name, stored.Email, stored.HashedPassword, stored.Role = u.Name, u.Email, u.HashedPassword, u.Role
	stored.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	r.log.userChanges().set(r.data.users, u.ID, stored)
	return stored, nil
}

// Delete the user with all their refresh tokens
func (r *UserRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.data.mu.Lock()
	defer r.data.mu.Unlock()

	if _, ok := r.data.users[id]; !ok {
		return apperrors.ErrUserNotFound
	}

	r.log.userChanges().delete(r.data.users, id)
	for tokenID, t := range r.data.tokens {
		if t.UserID == id {
			r.log.tokenChanges().delete(r.data.tokens, tokenID)
		}
	}

	return nil
}

func (r *UserRepo) CountByRole(_ context.Context, role string) (int, error) {
	r.data.mu.RLock()
	defer r.data.mu.RUnlock()

	count := 0
	for _, u := range r.data.users {
		if u.Role == role {
			count++
		}
	}

	return count, nil
}

// Must be called holding the lock
func (r *UserRepo) emailTaken(email string, except uuid.UUID) bool {
	for _, u := range r.data.users {
		if u.ID != except && u.Email == email {
			return true
		}
	}
	return false
}
