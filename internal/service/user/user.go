package user

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/models"
	"github.com/nkiryanov/usermanager/internal/repository"
	"github.com/nkiryanov/usermanager/internal/service/auth"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Closes user sessions when credentials change
type sessionRevoker interface {
	RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error)
}

type UserService struct {
	hasher   auth.PasswordHasher
	storage  repository.Storage
	sessions sessionRevoker
}

func NewService(hasher auth.PasswordHasher, storage repository.Storage, sessions sessionRevoker) *UserService {
	if hasher == nil {
		hasher = auth.PBKDF2Hasher{}
	}

	return &UserService{
		hasher:   hasher,
		storage:  storage,
		sessions: sessions,
	}
}

type CreateUser struct {
	Name     string
	Email    string
	Password string
	Role     string // 'user' if empty
}

// Fields to change, nil ones are kept
type UpdateUser struct {
	Name  *string
	Email *string
	Role  *string
}

func (s *UserService) Create(ctx context.Context, in CreateUser) (models.User, error) {
	if in.Role == "" {
		in.Role = models.RoleUser
	}
	if !models.IsValidRole(in.Role) {
		return models.User{}, fmt.Errorf("unknown role %q", in.Role)
	}

	if err := auth.ValidatePasswordStrength(in.Password); err != nil {
		return models.User{}, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("can't use this as password, Err: %w", err)
	}

	user, err := s.storage.User().Create(ctx, models.User{
		Name:           in.Name,
		Email:          strings.ToLower(in.Email),
		HashedPassword: hash,
		Role:           in.Role,
	})
	if err != nil {
		return user, fmt.Errorf("can't create user. Err: %w", err)
	}

	return user, nil
}

func (s *UserService) Get(ctx context.Context, id uuid.UUID) (models.User, error) {
	return s.storage.User().GetByID(ctx, id)
}

func (s *UserService) List(ctx context.Context, filter models.UserFilter) (models.UserPage, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	switch {
	case filter.Size < 1:
		filter.Size = defaultPageSize
	case filter.Size > maxPageSize:
		filter.Size = maxPageSize
	}

	return s.storage.User().List(ctx, filter)
}

// Update user profile on behalf of actor
// Only admins may change roles
func (s *UserService) Update(ctx context.Context, actor models.User, id uuid.UUID, in UpdateUser) (models.User, error) {
	if in.Role != nil && !actor.IsAdmin() {
		return models.User{}, apperrors.ErrForbidden
	}
	if in.Role != nil && !models.IsValidRole(*in.Role) {
		return models.User{}, fmt.Errorf("unknown role %q", *in.Role)
	}

	var updated models.User
	err := s.storage.InTx(ctx, func(tx repository.Storage) error {
		user, err := tx.User().GetByID(ctx, id)
		if err != nil {
			return err
		}

		if in.Name != nil {
			user.Name = *in.Name
		}
		if in.Email != nil {
			user.Email = strings.ToLower(*in.Email)
		}
		if in.Role != nil && *in.Role != user.Role {
			if err := ensureNotLastAdmin(ctx, tx, user); err != nil {
				return err
			}
			user.Role = *in.Role
		}

		updated, err = tx.User().Update(ctx, user)
		return err
	})

	return updated, err
}

// Change user password and close all the user sessions
func (s *UserService) ChangePassword(ctx context.Context, id uuid.UUID, current string, next string, confirm string) error {
	if next != confirm {
		return apperrors.ErrPasswordMismatch
	}

	user, err := s.storage.User().GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.hasher.Compare(user.HashedPassword, current); err != nil {
		return apperrors.ErrInvalidCredentials
	}
	if current == next {
		return apperrors.ErrSamePassword
	}
	if err := auth.ValidatePasswordStrength(next); err != nil {
		return err
	}

	user.HashedPassword, err = s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("can't use this as password, Err: %w", err)
	}

	if _, err := s.storage.User().Update(ctx, user); err != nil {
		return fmt.Errorf("can't update password. Err: %w", err)
	}

	if _, err := s.sessions.RevokeAll(ctx, id); err != nil {
		return fmt.Errorf("password changed but sessions not revoked. Err: %w", err)
	}

	return nil
}

// Delete user with all the refresh tokens
// The last admin can't be deleted
func (s *UserService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.storage.InTx(ctx, func(tx repository.Storage) error {
		user, err := tx.User().GetByID(ctx, id)
		if err != nil {
			return err
		}

		if err := ensureNotLastAdmin(ctx, tx, user); err != nil {
			return err
		}

		if _, err := tx.Refresh().RevokeAllActive(ctx, id, time.Now().UTC()); err != nil {
			return fmt.Errorf("can't revoke user sessions. Err: %w", err)
		}

		return tx.User().Delete(ctx, id)
	})
}

func ensureNotLastAdmin(ctx context.Context, tx repository.Storage, user models.User) error {
	if !user.IsAdmin() {
		return nil
	}

	admins, err := tx.User().CountByRole(ctx, models.RoleAdmin)
	if err != nil {
		return fmt.Errorf("can't count admins. Err: %w", err)
	}
	if admins <= 1 {
		return apperrors.ErrLastAdmin
	}

	return nil
}
