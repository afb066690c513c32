package apperrors

import (
	"errors"
)

var (
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLastAdmin          = errors.New("can't delete the last admin")
	ErrForbidden          = errors.New("forbidden")

	ErrPasswordMismatch = errors.New("password confirmation does not match")
	ErrWeakPassword     = errors.New("password is too weak")
	ErrSamePassword     = errors.New("new password must differ from the current one")

	// Returned by storage only. Services translate it to ErrInvalidToken
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	ErrInvalidToken       = errors.New("refresh token is invalid")
	ErrTokenExpired       = errors.New("refresh token is expired")
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
)
