package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/iqtester/internal/i18n"
	"github.com/pavelanni/iqtester/internal/insight"
	"github.com/pavelanni/iqtester/internal/model"
	"github.com/pavelanni/iqtester/internal/session"
	"github.com/pavelanni/iqtester/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	records  store.TestRecords
	sessions *session.Manager
	insight  *insight.Analyzer
	config   model.ServerConfig
}

// New creates a new Handler. users holds accounts and auth sessions; records
// may be the same SQLite store or the MongoDB one.
func New(users *store.Store, records store.TestRecords, sessions *session.Manager, analyzer *insight.Analyzer, cfg model.ServerConfig) *Handler {
	return &Handler{store: users, records: records, sessions: sessions, insight: analyzer, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.csrfMiddleware)

	r.Get("/csrf", h.handleCSRF)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/signup", h.handleSignup)
	r.Get("/categories", h.handleCategories)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/me", h.handleMe)
		r.Get("/tests", h.handleDashboard)
		r.Post("/tests", h.handleCreateTest)
		r.Route("/tests/{testID}", func(r chi.Router) {
			r.Post("/start", h.handleStart)
			r.Get("/state", h.handleState)
			r.Post("/answer", h.handleAnswer)
			r.Post("/advance", h.handleAdvance)
			r.Post("/back", h.handleBack)
			r.Post("/finish", h.handleFinish)
			r.Get("/results", h.handleResults)
		})
		r.Post("/analysis", h.handleAnalysis)
		r.Post("/study-plan", h.handleStudyPlan)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/admin/users", h.handleListUsers)
			r.Post("/admin/users", h.handleCreateUser)
			r.Post("/admin/users/{userID}/toggle", h.handleToggleUserActive)
		})
	})
}

// cookiePath scopes cookies to the mount point.
func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError responds with a localized message for code.
func writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeJSON(w, status, errorBody{Error: appI18n.T(r.Context(), code), Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return false
	}
	return true
}

var preconditionCodes = []struct {
	err    error
	status int
	code   string
}{
	{session.ErrAlreadyStarted, http.StatusConflict, "ErrAlreadyStarted"},
	{session.ErrNotStarted, http.StatusConflict, "ErrNotStarted"},
	{session.ErrCompleted, http.StatusConflict, "ErrCompleted"},
	{session.ErrExpired, http.StatusConflict, "ErrExpired"},
	{session.ErrFetchPending, http.StatusConflict, "ErrFetchPending"},
	{session.ErrFinishing, http.StatusConflict, "ErrFinishing"},
	{session.ErrNotCurrent, http.StatusConflict, "ErrNotCurrent"},
	{session.ErrInvalidAnswer, http.StatusBadRequest, "ErrInvalidAnswer"},
	{session.ErrNoAnswer, http.StatusConflict, "ErrNoAnswer"},
	{session.ErrFirstQuestion, http.StatusConflict, "ErrFirstQuestion"},
	{session.ErrIncomplete, http.StatusConflict, "ErrIncomplete"},
	{insight.ErrNoHistory, http.StatusConflict, "ErrNoHistory"},
}

// fail maps an operation error to a status code and localized body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var genErr *session.GenerationError
	var persistErr *session.PersistenceError
	switch {
	case errors.As(err, &genErr):
		slog.Warn("question generation failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{
			Error: appI18n.T(r.Context(), "ErrGeneration"), Code: "ErrGeneration", Detail: genErr.Err.Error(),
		})
		return
	case errors.As(err, &persistErr):
		slog.Error("saving test failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "ErrPersistence")
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "ErrNotFound")
		return
	case errors.Is(err, store.ErrMalformedRecord):
		slog.Error("malformed test record", "error", err)
		writeError(w, r, http.StatusInternalServerError, "ErrPersistence")
		return
	case errors.Is(err, context.Canceled):
		return
	}
	for _, p := range preconditionCodes {
		if errors.Is(err, p.err) {
			writeError(w, r, p.status, p.code)
			return
		}
	}
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, r, http.StatusInternalServerError, "ErrInternal")
}

func (h *Handler) handleCategories(w http.ResponseWriter, r *http.Request) {
	type category struct {
		model.Category
		Kind model.QuestionKind `json:"kind"`
	}
	out := make([]category, 0, len(model.Categories))
	for _, c := range model.Categories {
		out = append(out, category{Category: c, Kind: model.KindFor(c.Slug, h.config.ImagesEnabled)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"categories":   out,
		"difficulties": []model.Difficulty{model.DifficultyEasy, model.DifficultyMedium, model.DifficultyHard},
	})
}
