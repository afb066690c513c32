package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/models"
)

type UserRepo struct {
	DB DBTX
}

const userColumns = `id, created_at, updated_at, name, email, password_hash, role`

const createUser = `-- name: CreateUser
INSERT INTO users (id, name, email, password_hash, role)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + userColumns

func (r *UserRepo) Create(ctx context.Context, u models.User) (models.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}

	rows, _ := r.DB.Query(ctx, createUser, u.ID, u.Name, u.Email, u.HashedPassword, u.Role)
	user, err := pgx.CollectOneRow(rows, rowToUser)
	if err != nil {
		return user, userError(err)
	}

	return user, nil
}

const getUserByID = `-- name: GetUserByID
SELECT ` + userColumns + `
FROM users
WHERE id = $1
`

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserByID, id)
	user, err := pgx.CollectOneRow(rows, rowToUser)
	if err != nil {
		return user, userError(err)
	}

	return user, nil
}

const getUserByEmail = `-- name: GetUserByEmail
SELECT ` + userColumns + `
FROM users
WHERE email = $1
`

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserByEmail, strings.ToLower(email))
	user, err := pgx.CollectOneRow(rows, rowToUser)
	if err != nil {
		return user, userError(err)
	}

	return user, nil
}

// Empty search and role mean no filtering
const usersFilter = `
WHERE ($1::text = '' OR name ILIKE '%' || $1::text || '%' OR email ILIKE '%' || $1::text || '%')
	AND ($2::text = '' OR role = $2::text)
`

const countUsers = `-- name: CountUsers
SELECT count(*) FROM users` + usersFilter

const listUsers = `-- name: ListUsers
SELECT ` + userColumns + `
FROM users` + usersFilter + `
ORDER BY created_at ASC, id ASC
LIMIT $3 OFFSET $4
`

func (r *UserRepo) List(ctx context.Context, f models.UserFilter) (models.UserPage, error) {
	page := models.UserPage{Page: f.Page, Size: f.Size}

	err := r.DB.QueryRow(ctx, countUsers, f.Search, f.Role).Scan(&page.Total)
	if err != nil {
		return page, fmt.Errorf("db error: %w", err)
	}

	rows, _ := r.DB.Query(ctx, listUsers, f.Search, f.Role, f.Size, (f.Page-1)*f.Size)
	page.Users, err = pgx.CollectRows(rows, rowToUser)
	if err != nil {
		return page, fmt.Errorf("db error: %w", err)
	}

	return page, nil
}

const updateUser = `-- name: UpdateUser
UPDATE users
SET name = $2, email = $3, password_hash = $4, role = $5, updated_at = now()
WHERE id = $1
RETURNING ` + userColumns

func (r *UserRepo) Update(ctx context.Context, u models.User) (models.User, error) {
	rows, _ := r.DB.Query(ctx, updateUser, u.ID, u.Name, u.Email, u.HashedPassword, u.Role)
	user, err := pgx.CollectOneRow(rows, rowToUser)
	if err != nil {
		return user, userError(err)
	}

	return user, nil
}

const deleteUser = `-- name: DeleteUser
DELETE FROM users
WHERE id = $1
`

func (r *UserRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.DB.Exec(ctx, deleteUser, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrUserNotFound
	}

	return nil
}

const countUsersByRole = `-- name: CountUsersByRole
SELECT count(*) FROM users
WHERE role = $1
`

func (r *UserRepo) CountByRole(ctx context.Context, role string) (int, error) {
	var count int
	err := r.DB.QueryRow(ctx, countUsersByRole, role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return count, nil
}

func userError(err error) error {
	var pgErr *pgconn.PgError

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return apperrors.ErrUserNotFound
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation:
		return apperrors.ErrUserAlreadyExists
	default:
		return fmt.Errorf("db error: %w", err)
	}
}

func rowToUser(row pgx.CollectableRow) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt, &u.Name, &u.Email, &u.HashedPassword, &u.Role)
	return u, err
}
