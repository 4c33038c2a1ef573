package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/iqtester/internal/model"
	"github.com/pavelanni/iqtester/internal/store"
)

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		slog.Error("failed to list users", "error", err)
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		credentials
		Role model.UserRole `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Role {
	case "":
		req.Role = model.UserRoleMember
	case model.UserRoleMember, model.UserRoleAdmin:
	default:
		writeError(w, r, http.StatusBadRequest, "ErrInvalidRole")
		return
	}

	user, ok := h.createUser(w, r, req.credentials, req.Role)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}
	if current := model.UserFromContext(r.Context()); current.ID == id {
		writeError(w, r, http.StatusConflict, "ErrToggleSelf")
		return
	}

	if err := h.store.ToggleUserActive(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "ErrNotFound")
			return
		}
		slog.Error("failed to toggle user active", "id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	user, err := h.store.GetUserByID(id)
	if err != nil || user == nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	slog.Info("toggled user", "id", id, "active", user.Active)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}
