package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/logger"
	"github.com/nkiryanov/usermanager/internal/models"
	"github.com/nkiryanov/usermanager/internal/repository"
	"github.com/nkiryanov/usermanager/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/usermanager/internal/service/refresh"
)

const (
	defaultAccessHeaderName  = "Authorization"
	defaultAccessAuthScheme  = "Bearer"
	defaultRefreshCookieName = "refreshtoken"
)

// Interface to create or compare user password hashes
type PasswordHasher interface {
	// Generate Hash from password
	Hash(password string) (string, error)

	// Compare known hashedPassword and user provided password
	// Must be protected against timing attacks
	Compare(hashedPassword string, password string) error
}

type Config struct {
	// Hasher to use during user registration or login process
	Hasher PasswordHasher

	// Where access token is passed: header name and auth scheme
	AccessHeaderName string
	AccessAuthScheme string

	// Cookie name to store refresh token in
	RefreshCookieName string

	Logger logger.Logger
}

// Auth service
// Ties user credentials, access tokens and refresh token sessions together
type AuthService struct {
	accessHeaderName  string
	accessAuthScheme  string
	refreshCookieName string

	hasher PasswordHasher

	// Compared with on unknown email, so login takes the same time
	dummyHash string

	tokens  *tokenmanager.TokenManager
	engine  *refresh.Engine
	storage repository.Storage
	logger  logger.Logger
}

func NewService(cfg Config, tokens *tokenmanager.TokenManager, engine *refresh.Engine, storage repository.Storage) (*AuthService, error) {
	setDefault := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	setDefault(&cfg.AccessHeaderName, defaultAccessHeaderName)
	setDefault(&cfg.AccessAuthScheme, defaultAccessAuthScheme)
	setDefault(&cfg.RefreshCookieName, defaultRefreshCookieName)

	if cfg.Hasher == nil {
		cfg.Hasher = PBKDF2Hasher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	dummyHash, err := cfg.Hasher.Hash("dummy-password")
	if err != nil {
		return nil, fmt.Errorf("hasher is broken. Err: %w", err)
	}

	return &AuthService{
		accessHeaderName:  cfg.AccessHeaderName,
		accessAuthScheme:  cfg.AccessAuthScheme,
		refreshCookieName: cfg.RefreshCookieName,
		hasher:            cfg.Hasher,
		dummyHash:         dummyHash,
		tokens:            tokens,
		engine:            engine,
		storage:           storage,
		logger:            cfg.Logger,
	}, nil
}

// Register user with 'user' role and log it in
// Has to return apperrors.ErrUserAlreadyExists if email is taken
func (s *AuthService) Register(ctx context.Context, name string, email string, password string, ip string) (models.Session, error) {
	if err := ValidatePasswordStrength(password); err != nil {
		return models.Session{}, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return models.Session{}, fmt.Errorf("can't use this as password, Err: %w", err)
	}

	user, err := s.storage.User().Create(ctx, models.User{
		Name:           name,
		Email:          strings.ToLower(email),
		HashedPassword: hash,
		Role:           models.RoleUser,
	})
	if err != nil {
		return models.Session{}, fmt.Errorf("can't create user. Err: %w", err)
	}

	res, err := s.engine.Issue(ctx, user.ID, ip)
	if err != nil {
		return models.Session{}, err
	}

	return s.session(user, res)
}

// Login user with email and password
// Active session of the same client is reused, so repeating login doesn't multiply sessions
// Return apperrors.ErrInvalidCredentials if user not found or password is wrong
func (s *AuthService) Login(ctx context.Context, email string, password string, ip string) (models.Session, error) {
	user, err := s.storage.User().GetByEmail(ctx, email)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		_ = s.hasher.Compare(s.dummyHash, password)
		return models.Session{}, apperrors.ErrInvalidCredentials
	case err != nil:
		return models.Session{}, err
	}

	if err := s.hasher.Compare(user.HashedPassword, password); err != nil {
		return models.Session{}, apperrors.ErrInvalidCredentials
	}

	res, err := s.engine.Reuse(ctx, user.ID, ip)
	if errors.Is(err, apperrors.ErrRefreshTokenNotFound) {
		res, err = s.engine.Issue(ctx, user.ID, ip)
	}
	if err != nil {
		return models.Session{}, err
	}

	s.logger.Info("user logged in", "user_id", user.ID, "ip", ip, "active_sessions", res.Status.ActiveCount)
	return s.session(user, res)
}

// Rotate refresh token and issue new token pair
// Return one of apperrors.ErrInvalidToken, apperrors.ErrTokenExpired, apperrors.ErrTokenReuseDetected
// if the token can't be used
func (s *AuthService) Refresh(ctx context.Context, value string, ip string) (models.Session, error) {
	res, err := s.engine.Rotate(ctx, value, ip)
	if err != nil {
		return models.Session{}, err
	}

	user, err := s.storage.User().GetByID(ctx, res.Token.UserID)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		return models.Session{}, apperrors.ErrInvalidToken
	case err != nil:
		return models.Session{}, err
	}

	return s.session(user, res)
}

// Revoke single refresh token (logout)
// Return false if token not found
func (s *AuthService) Revoke(ctx context.Context, value string) (bool, error) {
	return s.engine.Revoke(ctx, value)
}

// Revoke every session of the user
func (s *AuthService) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.engine.RevokeAll(ctx, userID)
}

// Parse access token and return the user it was issued for
// User has to exist still
func (s *AuthService) ValidateAccess(ctx context.Context, access string) (models.User, error) {
	claims, err := s.tokens.ParseAccess(access)
	if err != nil {
		return models.User{}, err
	}

	user, err := s.storage.User().GetByID(ctx, claims.UserID)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %w", tokenmanager.ErrInvalidAccessToken, err)
	}

	return user, nil
}

// Authenticate request with access token in header
func (s *AuthService) Auth(ctx context.Context, r *http.Request) (models.User, error) {
	access, err := s.GetAccess(r)
	if err != nil {
		return models.User{}, err
	}

	return s.ValidateAccess(ctx, access)
}

// Read access token from request header
func (s *AuthService) GetAccess(r *http.Request) (string, error) {
	header := r.Header.Get(s.accessHeaderName)
	scheme, access, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, s.accessAuthScheme) || access == "" {
		return "", fmt.Errorf("%w: no %s token in %s header", tokenmanager.ErrInvalidAccessToken, s.accessAuthScheme, s.accessHeaderName)
	}

	return access, nil
}

// Read refresh token from request cookie
func (s *AuthService) GetRefresh(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.refreshCookieName)
	if err != nil {
		return "", apperrors.ErrInvalidToken
	}

	return cookie.Value, nil
}

// Write access token to header and refresh token to cookie
func (s *AuthService) SetTokens(_ context.Context, w http.ResponseWriter, pair models.TokenPair) {
	w.Header().Set(s.accessHeaderName, s.accessAuthScheme+" "+pair.Access.Value)

	http.SetCookie(w, &http.Cookie{
		Name:     s.refreshCookieName,
		Value:    pair.Refresh.Value,
		Path:     "/",
		MaxAge:   int(time.Until(pair.Refresh.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// Remove refresh token cookie
func (s *AuthService) ClearTokens(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *AuthService) session(user models.User, res refresh.Result) (models.Session, error) {
	access, err := s.tokens.IssueAccess(user)
	if err != nil {
		return models.Session{}, err
	}

	return models.Session{
		Tokens: models.TokenPair{
			Access:  access,
			Refresh: models.IssuedToken{Value: res.Token.Value, ExpiresAt: res.Token.ExpiresAt},
		},
		Status: res.Status,
	}, nil
}
