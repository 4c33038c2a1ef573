package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/iqtester/internal/i18n"
	"github.com/pavelanni/iqtester/internal/insight"
	"github.com/pavelanni/iqtester/internal/model"
	"github.com/pavelanni/iqtester/internal/session"
	"github.com/pavelanni/iqtester/internal/store"
)

const (
	maxCategoryLen = 64
	recentTests    = 3
)

// testSummary is a test record without its questions.
type testSummary struct {
	ID              string           `json:"id"`
	Category        string           `json:"category"`
	CategoryName    string           `json:"category_name"`
	Difficulty      model.Difficulty `json:"difficulty"`
	Status          model.TestStatus `json:"status"`
	Score           int              `json:"score"`
	DurationSeconds int              `json:"duration_seconds"`
	CreatedAt       time.Time        `json:"created_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

func summarize(t model.Test) testSummary {
	c, _ := model.LookupCategory(t.Category)
	return testSummary{
		ID:              t.ID,
		Category:        t.Category,
		CategoryName:    c.Name,
		Difficulty:      t.Difficulty,
		Status:          t.Status,
		Score:           t.Score,
		DurationSeconds: t.DurationSeconds,
		CreatedAt:       t.CreatedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func resultOf(t model.Test) session.Result {
	r := session.Result{
		Score:           t.Score,
		Correct:         t.CorrectCount(),
		Total:           model.QuestionsPerTest,
		DurationSeconds: t.DurationSeconds,
	}
	if t.CompletedAt != nil {
		r.CompletedAt = *t.CompletedAt
	}
	return r
}

// loadTest returns the test named in the URL if it belongs to the signed-in
// user. Other users' tests are reported as not found.
func (h *Handler) loadTest(w http.ResponseWriter, r *http.Request) (model.Test, bool) {
	user := model.UserFromContext(r.Context())
	t, err := h.records.GetTest(r.Context(), chi.URLParam(r, "testID"))
	if err != nil {
		h.fail(w, r, err)
		return model.Test{}, false
	}
	if t.UserID != user.ID {
		writeError(w, r, http.StatusNotFound, "ErrNotFound")
		return model.Test{}, false
	}
	return t, true
}

// runningSession returns the live session for the test in the URL.
func (h *Handler) runningSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	t, ok := h.loadTest(w, r)
	if !ok {
		return nil, false
	}
	if t.Status == model.StatusCompleted {
		h.fail(w, r, session.ErrCompleted)
		return nil, false
	}
	s, ok := h.sessions.Get(t.ID)
	if !ok {
		h.fail(w, r, session.ErrNotStarted)
		return nil, false
	}
	return s, true
}

// detached keeps a question fetch or completion write going when the client
// disconnects; the session decides what to do with the outcome.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (h *Handler) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category   string           `json:"category"`
		Difficulty model.Difficulty `json:"difficulty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Category = strings.TrimSpace(req.Category)
	if req.Category == "" || len(req.Category) > maxCategoryLen {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidCategory")
		return
	}
	if !req.Difficulty.Valid() {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidDifficulty")
		return
	}

	user := model.UserFromContext(r.Context())
	t, err := h.records.CreateTest(r.Context(), model.Test{
		UserID:     user.ID,
		Category:   req.Category,
		Difficulty: req.Difficulty,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summarize(t))
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTest(w, r)
	if !ok {
		return
	}
	s, err := h.sessions.Open(t)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := s.Start(detached(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTest(w, r)
	if !ok {
		return
	}
	if t.Status == model.StatusCompleted {
		res := resultOf(t)
		writeJSON(w, http.StatusOK, session.State{
			TestID:     t.ID,
			Category:   t.Category,
			Phase:      session.PhaseCompleted,
			Total:      model.QuestionsPerTest,
			Fetched:    len(t.Questions),
			Answered:   answered(t.Answers),
			Difficulty: t.Difficulty,
			Result:     &res,
		})
		return
	}
	if s, ok := h.sessions.Get(t.ID); ok {
		writeJSON(w, http.StatusOK, s.State())
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.Preview(t))
}

func answered(answers []*string) int {
	n := 0
	for _, a := range answers {
		if a != nil {
			n++
		}
	}
	return n
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int    `json:"index"`
		Value string `json:"value"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s, ok := h.runningSession(w, r)
	if !ok {
		return
	}
	st, err := s.SelectAnswer(req.Index, req.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	s, ok := h.runningSession(w, r)
	if !ok {
		return
	}
	st, err := s.Advance(detached(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleBack(w http.ResponseWriter, r *http.Request) {
	s, ok := h.runningSession(w, r)
	if !ok {
		return
	}
	st, err := s.GoBack()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTest(w, r)
	if !ok {
		return
	}
	if t.Status == model.StatusCompleted {
		writeJSON(w, http.StatusOK, map[string]any{"result": resultOf(t)})
		return
	}
	s, ok := h.sessions.Get(t.ID)
	if !ok {
		h.fail(w, r, session.ErrNotStarted)
		return
	}
	res, err := s.Finish(detached(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTest(w, r)
	if !ok {
		return
	}
	if t.Status != model.StatusCompleted {
		writeError(w, r, http.StatusNotFound, "ErrNotFound")
		return
	}
	scores, err := h.records.CompletedScores(r.Context(), t.Category)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res := resultOf(t)
	writeJSON(w, http.StatusOK, map[string]any{
		"test":       summarize(t),
		"result":     res,
		"percentile": insight.Percentile(t.Score, scores),
		"summary": appI18n.Td(r.Context(), "ScoreSummary", map[string]any{
			"Correct": res.Correct, "Total": res.Total, "Score": res.Score,
		}),
		"questions": model.QuestionResults(t),
	})
}

type scorePoint struct {
	Date     time.Time `json:"date"`
	Category string    `json:"category"`
	Score    int       `json:"score"`
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	tests, err := h.records.ListCompletedByUser(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	summaries := make([]testSummary, 0, len(tests))
	series := make([]scorePoint, len(tests))
	for i, t := range tests {
		summaries = append(summaries, summarize(t))
		// oldest first for charting
		p := scorePoint{Category: t.Category, Score: t.Score}
		if t.CompletedAt != nil {
			p.Date = *t.CompletedAt
		}
		series[len(tests)-1-i] = p
	}
	recent := summaries
	if len(recent) > recentTests {
		recent = recent[:recentTests]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tests":  summaries,
		"recent": recent,
		"scores": series,
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	tests, err := h.records.ListCompletedByUser(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var total, best int
	for _, t := range tests {
		total += t.Score
		best = max(best, t.Score)
	}
	average := 0
	if len(tests) > 0 {
		average = (total + len(tests)/2) / len(tests)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": user,
		"stats": map[string]any{
			"completed": len(tests),
			"average":   average,
			"best":      best,
			"summary":   appI18n.Tp(r.Context(), "TestsCompleted", len(tests)),
		},
		"csrf_token": model.CSRFTokenFromContext(r.Context()),
	})
}

func (h *Handler) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	out, err := h.insight.Analyze(r.Context(), user.ID)
	if err != nil {
		h.failInsight(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleStudyPlan(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	out, err := h.insight.StudyPlan(r.Context(), user.ID)
	if err != nil {
		h.failInsight(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// failInsight reports analysis errors. LLM failures are shown with their
// original message.
func (h *Handler) failInsight(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, insight.ErrNoHistory) || errors.Is(err, store.ErrNotFound) || errors.Is(err, context.Canceled) {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusBadGateway, errorBody{
		Error:  appI18n.T(r.Context(), "ErrInsight"),
		Code:   "ErrInsight",
		Detail: err.Error(),
	})
}
