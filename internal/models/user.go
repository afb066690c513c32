package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
	RoleGuest   = "guest"
)

var Roles = []string{RoleAdmin, RoleManager, RoleUser, RoleGuest}

func IsValidRole(role string) bool {
	return slices.Contains(Roles, role)
}

type User struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Name           string
	Email          string
	HashedPassword string
	Role           string
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Filter and pagination for users listing
type UserFilter struct {
	Search string // matches name or email, case insensitive
	Role   string
	Page   int // 1-based
	Size   int
}

type UserPage struct {
	Users []User
	Total int
	Page  int
	Size  int
}
