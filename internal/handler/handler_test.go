package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/iqtester/internal/i18n"
	"github.com/pavelanni/iqtester/internal/insight"
	"github.com/pavelanni/iqtester/internal/llm"
	"github.com/pavelanni/iqtester/internal/model"
	"github.com/pavelanni/iqtester/internal/session"
	"github.com/pavelanni/iqtester/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// stubQuestions always answers "A".
type stubQuestions struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (p *stubQuestions) Generate(_ context.Context, category string, d model.Difficulty) (model.Question, error) {
	n := p.calls.Add(1)
	if p.fail.Load() {
		return model.Question{}, errors.New("model offline")
	}
	return model.Question{
		Kind:          model.KindText,
		Text:          fmt.Sprintf("%s question %d", category, n),
		Options:       []string{"A", "B", "C", "D"},
		CorrectAnswer: "A",
		Explanation:   "A is right.",
		Difficulty:    d,
	}, nil
}

type env struct {
	store    *store.Store
	sessions *session.Manager
	provider *stubQuestions
	llm      *llm.MockProvider
	srv      *httptest.Server
}

func newEnv(t *testing.T, cfg model.ServerConfig) *env {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	provider := &stubQuestions{}
	manager := session.NewManager(provider, st, session.Config{}, time.Hour)
	mock := llm.NewMockProvider()

	h := New(st, st, manager, insight.NewAnalyzer(mock, st), cfg)
	r := chi.NewRouter()
	r.Use(appI18n.Middleware)
	h.Routes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		manager.Close()
		st.Close()
	})
	return &env{store: st, sessions: manager, provider: provider, llm: mock, srv: srv}
}

func (e *env) addUser(t *testing.T, username string, role model.UserRole) int64 {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	id, err := e.store.CreateUser(model.User{
		Username: username, DisplayName: username, PasswordHash: string(hash), Role: role, Active: true,
	})
	require.NoError(t, err)
	return id
}

type client struct {
	t    *testing.T
	base string
	http *http.Client
	csrf string
}

func (e *env) client(t *testing.T) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	c := &client{t: t, base: e.srv.URL, http: &http.Client{Jar: jar}}
	status, body := c.do(http.MethodGet, "/csrf", nil)
	require.Equal(t, http.StatusOK, status)
	c.csrf = decode[map[string]string](t, body)["token"]
	require.NotEmpty(t, c.csrf)
	return c
}

func (e *env) login(t *testing.T, username string) *client {
	t.Helper()
	c := e.client(t)
	status, body := c.do(http.MethodPost, "/login", map[string]string{"username": username, "password": "password123"})
	require.Equal(t, http.StatusOK, status, string(body))
	return c
}

func (c *client) do(method, path string, body any) (int, []byte) {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)
	if c.csrf != "" {
		req.Header.Set(csrfHeaderName, c.csrf)
	}
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	return decode[errorBody](t, body).Code
}

func (c *client) createTest(category string, d model.Difficulty) string {
	c.t.Helper()
	status, body := c.do(http.MethodPost, "/tests", map[string]any{"category": category, "difficulty": d})
	require.Equal(c.t, http.StatusCreated, status, string(body))
	return decode[testSummary](c.t, body).ID
}

// completeTest answers and advances through every question with "A" and
// finishes.
func (c *client) completeTest(id string) session.Result {
	c.t.Helper()
	status, body := c.do(http.MethodPost, "/tests/"+id+"/start", nil)
	require.Equal(c.t, http.StatusOK, status, string(body))
	for i := 0; i < model.QuestionsPerTest; i++ {
		status, body = c.do(http.MethodPost, "/tests/"+id+"/answer", map[string]any{"index": i, "value": "A"})
		require.Equal(c.t, http.StatusOK, status, string(body))
		// advancing from the last question is accepted and fetches nothing
		status, body = c.do(http.MethodPost, "/tests/"+id+"/advance", nil)
		require.Equal(c.t, http.StatusOK, status, string(body))
	}
	status, body = c.do(http.MethodPost, "/tests/"+id+"/finish", nil)
	require.Equal(c.t, http.StatusOK, status, string(body))
	return decode[struct {
		Result session.Result `json:"result"`
	}](c.t, body).Result
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t, model.ServerConfig{})
	c := e.client(t)

	status, body := c.do(http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "ErrUnauthorized", errorCode(t, body))
	assert.Equal(t, "Please sign in.", decode[errorBody](t, body).Error)
}

func TestCSRFRequired(t *testing.T) {
	e := newEnv(t, model.ServerConfig{})
	e.addUser(t, "alice", model.UserRoleMember)
	c := e.client(t)
	c.csrf = ""

	status, body := c.do(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "password123"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "ErrCSRF", errorCode(t, body))

	c.csrf = "forged"
	status, _ = c.do(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "password123"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestLogin(t *testing.T) {
	e := newEnv(t, model.ServerConfig{})
	e.addUser(t, "alice", model.UserRoleMember)
	c := e.client(t)

	status, body := c.do(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "ErrInvalidCredentials", errorCode(t, body))

	c = e.login(t, "alice")
	status, body = c.do(http.MethodGet, "/me", nil)
	require.Equal(t, http.StatusOK, status)
	me := decode[struct {
		User  model.User     `json:"user"`
		Stats map[string]any `json:"stats"`
	}](t, body)
	assert.Equal(t, "alice", me.User.Username)
	assert.Equal(t, float64(0), me.Stats["completed"])
	assert.Equal(t, "0 tests completed", me.Stats["summary"])

	status, _ = c.do(http.MethodPost, "/logout", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = c.do(http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestFullTest(t *testing.T) {
	e := newEnv(t, model.ServerConfig{})
	e.addUser(t, "alice", model.UserRoleMember)
	c := e.login(t, "alice")

	id := c.createTest("logical-reasoning", model.DifficultyMedium)

	status, body := c.do(http.MethodGet, "/tests/"+id+"/state", nil)
	require.Equal(t, http.StatusOK, status)
	st := decode[session.State](t, body)
	assert.Equal(t, session.PhaseInitializing, st.Phase)
	assert.Equal(t, 900, st.RemainingSeconds)
	assert.Equal(t, 0, e.sessions.Len(), "reading state must not open a session")

	res := c.completeTest(id)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, 10, res.Correct)
	assert.Equal(t, int32(10), e.provider.calls.Load())

	// Finishing again returns the stored result.
	status, body = c.do(http.MethodPost, "/tests/"+id+"/finish", nil)
	require.Equal(t, http.StatusOK, status)
	again := decode[struct {
		Result session.Result `json:"result"`
	}](t, body).Result
	assert.Equal(t, 100, again.Score)

	status, body = c.do(http.MethodGet, "/tests/"+id+"/state", nil)
	require.Equal(t, http.StatusOK, status)
	st = decode[session.State](t, body)
	assert.Equal(t, session.PhaseCompleted, st.Phase)
	require.NotNil(t, st.Result)
	assert.Equal(t, 100, st.Result.Score)

	status, body = c.do(http.MethodGet, "/tests/"+id+"/results", nil)
	require.Equal(t, http.StatusOK, status)
	results := decode[struct {
		Percentile int                    `json:"percentile"`
		Summary    string                 `json:"summary"`
		Questions  []model.QuestionResult `json:"questions"`
	}](t, body)
	assert.Equal(t, 50, results.Percentile)
	assert.Equal(t, "You answered 10 of 10 questions correctly and scored 100.", results.Summary)
	require.Len(t, results.Questions, 10)
	assert.True(t, results.Questions[9].Correct)
	assert.Equal(t, model.DifficultyHard, results.Questions[9].Difficulty)

	status, body = c.do(http.MethodGet, "/tests", nil)
	require.Equal(t, http.StatusOK, status)
	dash := decode[struct {
		Tests  []testSummary `json:"tests"`
		Recent []testSummary `json:"recent"`
		Scores []scorePoint  `json:"scores"`
	}](t, body)
	require.Len(t, dash.Tests, 1)
	assert.Equal(t, "Logical Reasoning", dash.Tests[0].CategoryName)
	assert.Len(t, dash.Recent, 1)
	assert.Len(t, dash.Scores, 1)

	status, body = c.do(http.MethodPost, "/tests/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ErrCompleted", errorCode(t, body))
}

func TestPreconditions(t *testing.T) {
	e := newEnv(t, model.ServerConfig{})
	e.addUser(t, "alice", model.UserRoleMember)
	c := e.login(t, "alice")
	id := c.createTest("numerical-sequences", model.DifficultyEasy)

	status, body := c.do(http.MethodPost, "/tests/"+id+"/answer", map[string]any{"index": 0, "value": "A"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ErrNotStarted", errorCode(t, body))

	status, _ = c.do(http.MethodPost, "/tests/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = c.do(http.MethodPost, "/tests/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ErrAlreadyStarted", errorCode(t, body))

	status, body = c.do(http.MethodPost, "/tests/"+id+"/advance", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ErrNoAnswer", errorCode(t, body))

	status, body = c.do(http.MethodPost, "/tests/"+id+"/answer", map[string]any{"index": 0, "value": "Z"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ErrInvalidAnswer", errorCode(t, body))

	status, body = c.do(http.MethodPost, "/tests/"+id+"/back", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ErrFirstQuestion", errorCode(t, body))

	status, body = c.do(http.MethodPost, "/tests/"+id+"/finish", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ErrIncomplete", errorCode(t, body))

	status, body = c.do(http.MethodGet, "/tests/"+id+"/results", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "ErrNotFound", errorCode(t, body))
}

func TestCreateTestValidation(t *testing.T) {
	e := newEnv(t, model.ServerConfig{})
	e.addUser(t, "alice", model.UserRoleMember)
	c := e.login(t, "alice")

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing category", map[string]any{"difficulty": "easy"}, "ErrInvalidCategory"},
		{"bad difficulty", map[string]any{"category": "logical-reasoning", "difficulty": "extreme"}, "ErrInvalidDifficulty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := c.do(http.MethodPost, "/tests", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.code, errorCode(t, body))
		})
	}
}

func TestGenerationFailure(t *testing.T) {
	e := newEnv(t, model.ServerConfig{})
	e.addUser(t, "alice", model.UserRoleMember)
	c := e.login(t, "alice")
	id := c.createTest("logical-reasoning", model.DifficultyHard)

	e.provider.fail.Store(true)
	status, body := c.do(http.MethodPost, "/tests/"+id+"/start", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	eb := decode[errorBody](t, body)
	assert.Equal(t, "ErrGeneration", eb.Code)
	assert.Contains(t, eb.Detail, "model offline")

	e.provider.fail.Store(false)
	status, body = c.do(http.MethodPost, "/tests/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, status)
	st := decode[session.State](t, body)
	assert.Equal(t, session.PhaseAnswering, st.Phase)
	require.NotNil(t, st.Question)
	assert.Equal(t, model.DifficultyHard, st.Question.Difficulty)
	assert.NotContains(t, string(body), "correct_answer")
}

func TestOwnership(t *testing.T) {
	e := newEnv(t, model.ServerConfig{})
	e.addUser(t, "alice", model.UserRoleMember)
	e.addUser(t, "bob", model.UserRoleMember)
	alice := e.login(t, "alice")
	bob := e.login(t, "bob")
	id := alice.createTest("logical-reasoning", model.DifficultyEasy)

	for _, path := range []string{"/state", "/results"} {
		status, body := bob.do(http.MethodGet, "/tests/"+id+path, nil)
		assert.Equal(t, http.StatusNotFound, status, path)
		assert.Equal(t, "ErrNotFound", errorCode(t, body))
	}
	status, _ := bob.do(http.MethodPost, "/tests/"+id+"/start", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, int32(0), e.provider.calls.Load())
}

func TestInsights(t *testing.T) {
	e := newEnv(t, model.ServerConfig{})
	e.addUser(t, "alice", model.UserRoleMember)
	c := e.login(t, "alice")

	status, body := c.do(http.MethodPost, "/analysis", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ErrNoHistory", errorCode(t, body))

	c.completeTest(c.createTest("spatial-reasoning", model.DifficultyMedium))

	e.llm.AddResponse(llm.MockResponse{Content: json.RawMessage(`{"insights":"Strong.","recommendations":"Keep going."}`)})
	status, body = c.do(http.MethodPost, "/analysis", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	a := decode[insight.Analysis](t, body)
	assert.Equal(t, "Strong.", a.Insights)
	assert.Contains(t, e.llm.Calls[0].Messages[0].Content, "Spatial Reasoning (medium), Score: 100")

	e.llm.AddResponse(llm.MockResponse{Err: &llm.ErrRateLimit{Err: errors.New("quota exceeded")}})
	status, body = c.do(http.MethodPost, "/study-plan", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	eb := decode[errorBody](t, body)
	assert.Equal(t, "ErrInsight", eb.Code)
	assert.Contains(t, eb.Detail, "quota exceeded")
}

func TestSignup(t *testing.T) {
	closed := newEnv(t, model.ServerConfig{})
	c := closed.client(t)
	status, body := c.do(http.MethodPost, "/signup", map[string]string{"username": "new", "password": "password123"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "ErrSignupDisabled", errorCode(t, body))

	open := newEnv(t, model.ServerConfig{AllowSignup: true})
	c = open.client(t)
	status, body = c.do(http.MethodPost, "/signup", map[string]string{"username": "new", "password": "short"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ErrPasswordTooShort", errorCode(t, body))

	status, body = c.do(http.MethodPost, "/signup", map[string]string{"username": "New", "password": "password123"})
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = c.do(http.MethodGet, "/me", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "new", decode[struct {
		User model.User `json:"user"`
	}](t, body).User.Username)

	status, body = c.do(http.MethodPost, "/signup", map[string]string{"username": "new", "password": "password123"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ErrUsernameTaken", errorCode(t, body))
}

func TestAdminUsers(t *testing.T) {
	e := newEnv(t, model.ServerConfig{})
	adminID := e.addUser(t, "admin", model.UserRoleAdmin)
	e.addUser(t, "member", model.UserRoleMember)

	member := e.login(t, "member")
	status, body := member.do(http.MethodGet, "/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "ErrForbidden", errorCode(t, body))

	admin := e.login(t, "admin")
	status, body = admin.do(http.MethodPost, "/admin/users", map[string]string{
		"username": "carol", "password": "password123", "role": "member",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	carol := decode[struct {
		User model.User `json:"user"`
	}](t, body).User
	assert.True(t, carol.Active)
	assert.NotContains(t, string(body), "password")

	status, body = admin.do(http.MethodPost, fmt.Sprintf("/admin/users/%d/toggle", carol.ID), nil)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decode[struct {
		User model.User `json:"user"`
	}](t, body).User.Active)

	status, _ = admin.do(http.MethodPost, fmt.Sprintf("/admin/users/%d/toggle", adminID), nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = admin.do(http.MethodGet, "/admin/users", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[struct {
		Users []model.User `json:"users"`
	}](t, body).Users, 3)
}

func TestCategories(t *testing.T) {
	e := newEnv(t, model.ServerConfig{ImagesEnabled: true})
	status, body := e.client(t).do(http.MethodGet, "/categories", nil)
	require.Equal(t, http.StatusOK, status)
	out := decode[struct {
		Categories []struct {
			Slug string             `json:"slug"`
			Kind model.QuestionKind `json:"kind"`
		} `json:"categories"`
	}](t, body)
	require.Len(t, out.Categories, len(model.Categories))
	for _, c := range out.Categories {
		want := model.KindText
		if c.Slug == "pattern-recognition" {
			want = model.KindVisual
		}
		assert.Equal(t, want, c.Kind, c.Slug)
	}
}
