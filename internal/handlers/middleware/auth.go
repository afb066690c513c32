package middleware

import (
	"context"
	"net/http"

	"github.com/nkiryanov/usermanager/internal/handlers/render"
	"github.com/nkiryanov/usermanager/internal/handlers/userctx"
	"github.com/nkiryanov/usermanager/internal/models"
)

type authService interface {
	Auth(ctx context.Context, r *http.Request) (models.User, error)
}

type AuthMiddleware struct {
	auth authService
}

func NewAuth(as authService) *AuthMiddleware {
	return &AuthMiddleware{auth: as}
}

// Authenticate request and put the user to request context
func (m *AuthMiddleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.auth.Auth(r.Context(), r)
		if err != nil {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := userctx.WithActor(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Allow only admins. Has to be used after Auth
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := userctx.Actor(r.Context())
		if err != nil {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !user.IsAdmin() {
			render.ServiceError(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
