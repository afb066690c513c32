package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/usermanager/internal/apperrors"
	"github.com/nkiryanov/usermanager/internal/handlers/render"
	"github.com/nkiryanov/usermanager/internal/handlers/userctx"
	"github.com/nkiryanov/usermanager/internal/logger"
	"github.com/nkiryanov/usermanager/internal/models"
	"github.com/nkiryanov/usermanager/internal/service/user"
)

type userResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newUserResponse(u models.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// Render user service error with matching status
func userError(w http.ResponseWriter, l logger.Logger, err error) {
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		render.ServiceError(w, "User not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrUserAlreadyExists):
		render.ServiceError(w, "User already exists", http.StatusConflict)
	case errors.Is(err, apperrors.ErrForbidden):
		render.ServiceError(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, apperrors.ErrLastAdmin):
		render.ServiceError(w, "The last admin can't be removed", http.StatusConflict)
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		render.ServiceError(w, "Current password is wrong", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrPasswordMismatch),
		errors.Is(err, apperrors.ErrSamePassword),
		errors.Is(err, apperrors.ErrWeakPassword):
		render.ServiceError(w, err.Error(), http.StatusBadRequest)
	default:
		l.Error("User request failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Parse {id} and check the current user may access it
func targetUser(w http.ResponseWriter, r *http.Request) (models.User, uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		render.ServiceError(w, "User not found", http.StatusNotFound)
		return models.User{}, uuid.Nil, false
	}

	actor, err := userctx.ActOn(r.Context(), id)
	switch {
	case errors.Is(err, apperrors.ErrForbidden):
		render.ServiceError(w, "Forbidden", http.StatusForbidden)
		return actor, uuid.Nil, false
	case err != nil:
		render.ServiceError(w, "Internal service error", http.StatusInternalServerError)
		return actor, uuid.Nil, false
	}

	return actor, id, true
}

func handleUserMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := userctx.Actor(r.Context())
		if err != nil {
			render.ServiceError(w, "Internal service error", http.StatusInternalServerError)
			return
		}
		render.JSON(w, newUserResponse(u))
	}
}

func handleListUsers(userService userService, l logger.Logger) http.HandlerFunc {
	type response struct {
		Users []userResponse `json:"users"`
		Total int            `json:"total"`
		Page  int            `json:"page"`
		Size  int            `json:"size"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		page, _ := strconv.Atoi(query.Get("page"))
		size, _ := strconv.Atoi(query.Get("size"))

		result, err := userService.List(r.Context(), models.UserFilter{
			Search: query.Get("search"),
			Role:   query.Get("role"),
			Page:   page,
			Size:   size,
		})
		if err != nil {
			userError(w, l, err)
			return
		}

		users := make([]userResponse, 0, len(result.Users))
		for _, u := range result.Users {
			users = append(users, newUserResponse(u))
		}

		render.JSON(w, response{Users: users, Total: result.Total, Page: result.Page, Size: result.Size})
	}
}

func handleCreateUser(userService userService, l logger.Logger) http.HandlerFunc {
	type request struct {
		Name     string `json:"name" validate:"required,min=2,max=100"`
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=8"`
		Role     string `json:"role" validate:"omitempty,role"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		created, err := userService.Create(r.Context(), user.CreateUser{
			Name:     data.Name,
			Email:    data.Email,
			Password: data.Password,
			Role:     data.Role,
		})
		if err != nil {
			userError(w, l, err)
			return
		}

		render.Created(w, newUserResponse(created))
	}
}

func handleGetUser(userService userService, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, id, ok := targetUser(w, r)
		if !ok {
			return
		}

		u, err := userService.Get(r.Context(), id)
		if err != nil {
			userError(w, l, err)
			return
		}

		render.JSON(w, newUserResponse(u))
	}
}

func handleUpdateUser(userService userService, l logger.Logger) http.HandlerFunc {
	type request struct {
		Name  *string `json:"name" validate:"omitempty,min=2,max=100"`
		Email *string `json:"email" validate:"omitempty,email"`
		Role  *string `json:"role" validate:"omitempty,role"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := targetUser(w, r)
		if !ok {
			return
		}

		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		updated, err := userService.Update(r.Context(), actor, id, user.UpdateUser{
			Name:  data.Name,
			Email: data.Email,
			Role:  data.Role,
		})
		if err != nil {
			userError(w, l, err)
			return
		}

		render.JSON(w, newUserResponse(updated))
	}
}

func handleDeleteUser(userService userService, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, id, ok := targetUser(w, r)
		if !ok {
			return
		}

		if err := userService.Delete(r.Context(), id); err != nil {
			userError(w, l, err)
			return
		}

		render.NoContent(w)
	}
}

// Only the user may change own password
func handleChangePassword(userService userService, authService authService, l logger.Logger) http.HandlerFunc {
	type request struct {
		CurrentPassword string `json:"current_password" validate:"required"`
		NewPassword     string `json:"new_password" validate:"required,min=8"`
		ConfirmPassword string `json:"confirm_password" validate:"required"`
	}
	type response struct {
		Message string `json:"message"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := targetUser(w, r)
		if !ok {
			return
		}
		if actor.ID != id {
			render.ServiceError(w, "Forbidden", http.StatusForbidden)
			return
		}

		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		err = userService.ChangePassword(r.Context(), id, data.CurrentPassword, data.NewPassword, data.ConfirmPassword)
		if err != nil {
			userError(w, l, err)
			return
		}

		authService.ClearTokens(w)
		render.JSON(w, response{Message: "Password changed, please log in again"})
	}
}
