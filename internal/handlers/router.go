package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nkiryanov/usermanager/internal/handlers/middleware"
	"github.com/nkiryanov/usermanager/internal/handlers/render"
	"github.com/nkiryanov/usermanager/internal/logger"
	"github.com/nkiryanov/usermanager/internal/models"
	"github.com/nkiryanov/usermanager/internal/service/user"
)

func NewRouter(
	authService authService,
	userService userService,
	logger logger.Logger,
) http.Handler {
	auth := middleware.NewAuth(authService)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, map[string]string{"status": "ok"})
	})

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", handleRegister(authService, logger))
		r.Post("/login", handleLogin(authService, logger))
		r.Post("/refresh", handleTokenRefresh(authService, logger))
		r.Post("/revoke", handleRevoke(authService, logger))
		r.With(auth.Auth).Post("/revoke-all", handleRevokeAll(authService, logger))
		r.Get("/validate", handleValidate(authService))
	})

	r.Route("/api/users", func(r chi.Router) {
		r.Use(auth.Auth)

		r.With(middleware.RequireAdmin).Get("/", handleListUsers(userService, logger))
		r.With(middleware.RequireAdmin).Post("/", handleCreateUser(userService, logger))
		r.Get("/me", handleUserMe())

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handleGetUser(userService, logger))
			r.Put("/", handleUpdateUser(userService, logger))
			r.With(middleware.RequireAdmin).Delete("/", handleDeleteUser(userService, logger))
			r.Put("/password", handleChangePassword(userService, authService, logger))
		})
	})

	return r
}

type authService interface {
	// Register user and log it in
	// Has to return apperrors.ErrUserAlreadyExists if user already exists
	Register(ctx context.Context, name string, email string, password string, ip string) (models.Session, error)

	// Login user with email and password
	// Has to return apperrors.ErrInvalidCredentials if user not found or password is wrong
	Login(ctx context.Context, email string, password string, ip string) (models.Session, error)

	// Rotate refresh token
	// Has to return apperrors.ErrInvalidToken, apperrors.ErrTokenExpired or apperrors.ErrTokenReuseDetected
	// if the token can't be used
	Refresh(ctx context.Context, refresh string, ip string) (models.Session, error)

	Revoke(ctx context.Context, refresh string) (bool, error)
	RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error)

	// Set auth tokens (access, refresh) to response or remove them
	SetTokens(ctx context.Context, w http.ResponseWriter, pair models.TokenPair)
	ClearTokens(w http.ResponseWriter)

	// Get refresh token from request cookie
	GetRefresh(r *http.Request) (string, error)

	// Get access token from request header
	GetAccess(r *http.Request) (string, error)

	// Return user the access token issued for
	ValidateAccess(ctx context.Context, access string) (models.User, error)

	// Get request and return user if it authenticated or error
	Auth(ctx context.Context, r *http.Request) (models.User, error)
}

type userService interface {
	Create(ctx context.Context, in user.CreateUser) (models.User, error)
	Get(ctx context.Context, id uuid.UUID) (models.User, error)
	List(ctx context.Context, filter models.UserFilter) (models.UserPage, error)
	Update(ctx context.Context, actor models.User, id uuid.UUID, in user.UpdateUser) (models.User, error)
	ChangePassword(ctx context.Context, id uuid.UUID, current string, next string, confirm string) error
	Delete(ctx context.Context, id uuid.UUID) error
}
