package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/handlers/render"
	"github.com/nkiryanov/usermanager/internal/handlers/userctx"
	"github.com/nkiryanov/usermanager/internal/logger"
	"github.com/nkiryanov/usermanager/internal/models"
)

const invalidSessionMessage = "Invalid session, please log in again"

type sessionResponse struct {
	Message        string `json:"message"`
	ActiveSessions int    `json:"active_sessions"`
	MaxSessions    int    `json:"max_sessions"`
	NearLimit      bool   `json:"near_limit"`
	Warning        string `json:"warning,omitempty"`
}

func newSessionResponse(message string, status models.SessionStatus) sessionResponse {
	return sessionResponse{
		Message:        message,
		ActiveSessions: status.ActiveCount,
		MaxSessions:    status.MaxAllowed,
		NearLimit:      status.NearLimit,
		Warning:        status.Warning,
	}
}

// Client address. RealIP middleware puts X-Real-IP or X-Forwarded-For here
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func handleRegister(authService authService, l logger.Logger) http.HandlerFunc {
	type request struct {
		Name     string `json:"name" validate:"required,min=2,max=100"`
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=8"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		session, err := authService.Register(r.Context(), data.Name, data.Email, data.Password, clientIP(r))
		switch {
		case err == nil:
			authService.SetTokens(r.Context(), w, session.Tokens)
			render.Created(w, newSessionResponse("User registered successfully", session.Status))
		case errors.Is(err, apperrors.ErrUserAlreadyExists):
			render.ServiceError(w, "User already exists", http.StatusConflict)
		case errors.Is(err, apperrors.ErrWeakPassword):
			render.ServiceError(w, err.Error(), http.StatusBadRequest)
		default:
			l.Error("Failed to register user", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}

func handleLogin(authService authService, l logger.Logger) http.HandlerFunc {
	type request struct {
		Email    string `json:"email" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		session, err := authService.Login(r.Context(), data.Email, data.Password, clientIP(r))
		switch {
		case err == nil:
			authService.SetTokens(r.Context(), w, session.Tokens)
			render.JSON(w, newSessionResponse("User logged in successfully", session.Status))
		case errors.Is(err, apperrors.ErrInvalidCredentials):
			render.ServiceError(w, "Invalid email or password", http.StatusUnauthorized)
		default:
			l.Error("Failed to login user", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}

// Read refresh token from cookie, then from json body
func readRefresh(authService authService, r *http.Request) string {
	if refresh, err := authService.GetRefresh(r); err == nil && refresh != "" {
		return refresh
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if r.Body == nil || json.NewDecoder(r.Body).Decode(&body) != nil {
		return ""
	}

	return body.RefreshToken
}

func handleTokenRefresh(authService authService, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refresh := readRefresh(authService, r)
		if refresh == "" {
			render.ServiceError(w, "Refresh token not found", http.StatusUnauthorized)
			return
		}

		session, err := authService.Refresh(r.Context(), refresh, clientIP(r))
		switch {
		case err == nil:
			authService.SetTokens(r.Context(), w, session.Tokens)
			render.JSON(w, newSessionResponse("Tokens refreshed successfully", session.Status))
		case errors.Is(err, apperrors.ErrInvalidToken),
			errors.Is(err, apperrors.ErrTokenExpired),
			errors.Is(err, apperrors.ErrTokenReuseDetected):
			authService.ClearTokens(w)
			render.ServiceError(w, invalidSessionMessage, http.StatusUnauthorized)
		default:
			l.Error("Failed to refresh tokens", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}

func handleRevoke(authService authService, l logger.Logger) http.HandlerFunc {
	type response struct {
		Revoked bool `json:"revoked"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		refresh := readRefresh(authService, r)
		if refresh == "" {
			render.ServiceError(w, "Refresh token not found", http.StatusBadRequest)
			return
		}

		revoked, err := authService.Revoke(r.Context(), refresh)
		if err != nil {
			l.Error("Failed to revoke token", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		authService.ClearTokens(w)
		render.JSON(w, response{Revoked: revoked})
	}
}

// Revoke sessions of the current user. Admin may pass another user
func handleRevokeAll(authService authService, l logger.Logger) http.HandlerFunc {
	type request struct {
		UserID *uuid.UUID `json:"user_id"`
	}
	type response struct {
		Revoked int64 `json:"revoked"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := userctx.Actor(r.Context())
		if err != nil {
			render.ServiceError(w, "Internal service error", http.StatusInternalServerError)
			return
		}

		// Body is optional
		var data request
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
			render.DecodeError(w, err)
			return
		}

		userID := actor.ID
		if data.UserID != nil {
			if _, err := userctx.ActOn(r.Context(), *data.UserID); err != nil {
				render.ServiceError(w, "Forbidden", http.StatusForbidden)
				return
			}
			userID = *data.UserID
		}

		revoked, err := authService.RevokeAll(r.Context(), userID)
		if err != nil {
			l.Error("Failed to revoke sessions", "error", err, "user_id", userID)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		if userID == actor.ID {
			authService.ClearTokens(w)
		}
		render.JSON(w, response{Revoked: revoked})
	}
}

func handleValidate(authService authService) http.HandlerFunc {
	type response struct {
		Valid bool         `json:"valid"`
		User  userResponse `json:"user"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		access, err := authService.GetAccess(r)
		if err != nil {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := authService.ValidateAccess(r.Context(), access)
		if err != nil {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		render.JSON(w, response{Valid: true, User: newUserResponse(user)})
	}
}
