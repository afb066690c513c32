package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/logger"
	"github.com/nkiryanov/usermanager/internal/models"
	"github.com/nkiryanov/usermanager/internal/repository"
)

// Persist reuse incidents somewhere for later investigation
type IncidentRecorder interface {
	RecordReuse(ctx context.Context, incident models.ReuseIncident) error
}

// Token issued or rotated with the snapshot of user's sessions
type Result struct {
	Token  models.RefreshToken
	Status models.SessionStatus
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithIncidentRecorder(r IncidentRecorder) Option {
	return func(e *Engine) { e.incidents = r }
}

func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.metrics = newMetrics(m) }
}

// Refresh token state machine
// Active -> Revoked or Active -> Expired, both terminal
type Engine struct {
	cfg       Config
	storage   repository.Storage
	evictor   *Evictor
	incidents IncidentRecorder
	logger    logger.Logger
	metrics   *metrics

	now func() time.Time
}

var errLostRace = errors.New("token revoked concurrently")

func NewEngine(cfg Config, storage repository.Storage, opts ...Option) (*Engine, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		storage: storage,
		logger:  logger.NewNoOpLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newMetrics(nil)
	}

	e.evictor = &Evictor{cfg: cfg, repo: storage.Refresh(), metrics: e.metrics}
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Evictor() *Evictor {
	return e.evictor
}

// postgres keeps microseconds only
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// Rotate presented token: revoke it and issue a new one for the same user
//   - unknown token: apperrors.ErrInvalidToken
//   - expired token: apperrors.ErrTokenExpired
//   - revoked token: all user's sessions are revoked, apperrors.ErrTokenReuseDetected
//   - token rotated concurrently by another request: apperrors.ErrTokenReuseDetected
func (e *Engine) Rotate(ctx context.Context, value string, ip string) (Result, error) {
	now := e.clock()

	token, err := e.storage.Refresh().GetByValue(ctx, value)
	switch {
	case errors.Is(err, apperrors.ErrRefreshTokenNotFound):
		e.metrics.outcome(ctx, OutcomeInvalid)
		return Result{}, apperrors.ErrInvalidToken
	case err != nil:
		return Result{}, fmt.Errorf("can't get refresh token. Err: %w", err)
	}

	if token.IsExpired(now) {
		e.metrics.outcome(ctx, OutcomeExpired)
		return Result{}, apperrors.ErrTokenExpired
	}

	if token.Revoked {
		return Result{}, e.handleReplay(ctx, token, ip, now)
	}

	var fresh models.RefreshToken
	err = e.storage.InTx(ctx, func(tx repository.Storage) error {
		won, err := tx.Refresh().RevokeIfActive(ctx, token.ID, now)
		if err != nil {
			return err
		}
		if !won {
			return errLostRace
		}

		fresh, err = e.create(ctx, tx.Refresh(), token.UserID, ip, now)
		return err
	})
	switch {
	case errors.Is(err, errLostRace):
		e.handleLostRace(ctx, token, ip, now)
		return Result{}, apperrors.ErrTokenReuseDetected
	case err != nil:
		return Result{}, fmt.Errorf("can't rotate refresh token. Err: %w", err)
	}

	e.metrics.outcome(ctx, OutcomeRotated)
	e.logger.Debug("refresh token rotated", "user_id", token.UserID, "old_token_id", token.ID, "token_id", fresh.ID)

	return Result{Token: fresh, Status: e.afterIssue(ctx, token.UserID, now)}, nil
}

// Issue new refresh token for the user
func (e *Engine) Issue(ctx context.Context, userID uuid.UUID, ip string) (Result, error) {
	now := e.clock()

	token, err := e.create(ctx, e.storage.Refresh(), userID, ip, now)
	if err != nil {
		return Result{}, err
	}

	e.metrics.outcome(ctx, OutcomeIssued)
	return Result{Token: token, Status: e.afterIssue(ctx, userID, now)}, nil
}

// Reuse the most recent active token if it belongs to the same client (ip)
// Only last usage is updated
// Return apperrors.ErrRefreshTokenNotFound if there is nothing to reuse
func (e *Engine) Reuse(ctx context.Context, userID uuid.UUID, ip string) (Result, error) {
	now := e.clock()

	token, err := e.storage.Refresh().GetMostRecentValid(ctx, userID, now)
	if err != nil {
		return Result{}, err
	}
	if token.CreatedByIP != ip && token.LastUsedByIP != ip {
		return Result{}, fmt.Errorf("token issued for another client: %w", apperrors.ErrRefreshTokenNotFound)
	}

	token.LastUsedAt, token.LastUsedByIP = &now, ip
	token, err = e.storage.Refresh().Update(ctx, token)
	if err != nil {
		return Result{}, fmt.Errorf("can't update token usage. Err: %w", err)
	}

	e.metrics.outcome(ctx, OutcomeReused)
	return Result{Token: token, Status: e.status(ctx, userID, now)}, nil
}

// Revoke token by value
// Return false if token not found, true if it's revoked now or was revoked before
func (e *Engine) Revoke(ctx context.Context, value string) (bool, error) {
	token, err := e.storage.Refresh().GetByValue(ctx, value)
	switch {
	case errors.Is(err, apperrors.ErrRefreshTokenNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("can't get refresh token. Err: %w", err)
	case token.Revoked:
		return true, nil
	}

	won, err := e.storage.Refresh().RevokeIfActive(ctx, token.ID, e.clock())
	if err != nil {
		return false, fmt.Errorf("can't revoke refresh token. Err: %w", err)
	}
	if won {
		e.metrics.outcome(ctx, OutcomeRevoked)
	}

	return true, nil
}

// Revoke all active tokens of the user, return number of revoked
func (e *Engine) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	revoked, err := e.storage.Refresh().RevokeAllActive(ctx, userID, e.clock())
	if err != nil {
		return 0, fmt.Errorf("can't revoke user tokens. Err: %w", err)
	}

	e.logger.Info("user sessions revoked", "user_id", userID, "revoked", revoked)
	return revoked, nil
}

// Revoked token presented: treat it as stolen, close every user session
func (e *Engine) handleReplay(ctx context.Context, token models.RefreshToken, ip string, now time.Time) error {
	e.metrics.outcome(ctx, OutcomeReuseDetected)

	revoked, err := e.storage.Refresh().RevokeAllActive(ctx, token.UserID, now)
	if err != nil {
		e.logger.Error("can't revoke sessions after reuse detected", "user_id", token.UserID, "error", err)
		err = fmt.Errorf("can't revoke user tokens. Err: %w", err)
	}

	e.logger.Error("refresh token reuse detected",
		"security_event", "refresh_token_reuse",
		"user_id", token.UserID,
		"token_id", token.ID,
		"token", Mask(token.Value),
		"ip", ip,
		"revoked_sessions", revoked,
	)
	e.recordIncident(ctx, models.ReuseIncident{
		Kind:       models.IncidentReplay,
		UserID:     token.UserID,
		TokenID:    token.ID,
		IP:         ip,
		DetectedAt: now,
		Revoked:    revoked,
	})

	return errors.Join(apperrors.ErrTokenReuseDetected, err)
}

// Another request rotated the token first
// Its fresh token is the legitimate chain continuation, so sessions are kept
func (e *Engine) handleLostRace(ctx context.Context, token models.RefreshToken, ip string, now time.Time) {
	e.metrics.outcome(ctx, OutcomeLostRace)

	e.logger.Error("refresh token reuse detected",
		"security_event", "refresh_token_reuse",
		"reason", "concurrent rotation",
		"user_id", token.UserID,
		"token_id", token.ID,
		"token", Mask(token.Value),
		"ip", ip,
	)
	e.recordIncident(ctx, models.ReuseIncident{
		Kind:       models.IncidentLostRace,
		UserID:     token.UserID,
		TokenID:    token.ID,
		IP:         ip,
		DetectedAt: now,
	})
}

func (e *Engine) recordIncident(ctx context.Context, incident models.ReuseIncident) {
	if e.incidents == nil {
		return
	}

	if err := e.incidents.RecordReuse(ctx, incident); err != nil {
		e.logger.Warn("can't record reuse incident", "user_id", incident.UserID, "error", err)
	}
}

func (e *Engine) create(ctx context.Context, repo repository.RefreshTokenRepo, userID uuid.UUID, ip string, now time.Time) (models.RefreshToken, error) {
	value, err := GenerateValue()
	if err != nil {
		return models.RefreshToken{}, err
	}

	token, err := repo.Create(ctx, models.RefreshToken{
		ID:          uuid.New(),
		UserID:      userID,
		Value:       value,
		CreatedAt:   now,
		CreatedByIP: ip,
		ExpiresAt:   now.Add(e.cfg.Lifetime),
	})
	if err != nil {
		return token, fmt.Errorf("error while saving refresh token. Err: %w", err)
	}

	return token, nil
}

// Run eviction and build sessions status
// Nothing here fails the operation: the token is already issued
func (e *Engine) afterIssue(ctx context.Context, userID uuid.UUID, now time.Time) models.SessionStatus {
	if err := e.evictor.Cleanup(ctx, userID, now); err != nil {
		e.logger.Error("refresh tokens cleanup failed", "user_id", userID, "error", err)
	}

	return e.status(ctx, userID, now)
}

func (e *Engine) status(ctx context.Context, userID uuid.UUID, now time.Time) models.SessionStatus {
	active, err := e.storage.Refresh().CountActive(ctx, userID, now)
	if err != nil {
		e.logger.Warn("can't count active sessions", "user_id", userID, "error", err)
		return models.SessionStatus{MaxAllowed: e.cfg.MaxTokensPerUser}
	}

	return NewSessionStatus(active, e.cfg.MaxTokensPerUser)
}
