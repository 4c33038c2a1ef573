// Package session runs a single adaptive test: it fetches questions one at a
// time, adjusts difficulty from the previous answer, counts down the time
// budget and writes the completed record exactly once.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/iqtester/internal/model"
)

// QuestionProvider produces one question for a category at a difficulty.
type QuestionProvider interface {
	Generate(ctx context.Context, category string, difficulty model.Difficulty) (model.Question, error)
}

// RecordWriter persists partial updates to a test record.
type RecordWriter interface {
	UpdateTest(ctx context.Context, id string, u model.TestUpdate) error
}

// Phase is the lifecycle state of a session.
type Phase string

const (
	PhaseInitializing     Phase = "initializing"
	PhaseAwaitingQuestion Phase = "awaiting-question"
	PhaseAnswering        Phase = "answering"
	PhaseFinishing        Phase = "finishing"
	PhaseCompleted        Phase = "completed"
)

// Config holds the fixed shape of a session.
type Config struct {
	Questions int
	TimeLimit time.Duration
	// IdleTimeout is how long a Manager keeps a session that was opened but
	// never started.
	IdleTimeout time.Duration
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Questions <= 0 {
		c.Questions = model.QuestionsPerTest
	}
	if c.TimeLimit <= 0 {
		c.TimeLimit = model.TimeLimit
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = model.TimeLimit
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Result is the outcome of a completed session.
type Result struct {
	Score           int       `json:"score"`
	Correct         int       `json:"correct"`
	Total           int       `json:"total"`
	DurationSeconds int       `json:"duration_seconds"`
	CompletedAt     time.Time `json:"completed_at"`
}

type finishCall struct {
	done   chan struct{}
	result Result
	err    error
}

// Session is the in-memory state of one in-progress test. All methods are
// safe for concurrent use; user operations and timer ticks are serialized.
type Session struct {
	testID   string
	userID   int64
	category string
	provider QuestionProvider
	records  RecordWriter
	cfg      Config

	mu         sync.Mutex
	phase      Phase
	questions  []model.Question
	answers    []*string
	index      int
	difficulty model.Difficulty
	remaining  int
	running    bool
	retired    bool
	expired    bool
	loading    bool
	fetchSeq   uint64
	lastErr    error
	finishing  *finishCall
	result     *Result
	done       chan struct{}
}

// New creates a session for the in-progress record t.
func New(t model.Test, provider QuestionProvider, records RecordWriter, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		testID:     t.ID,
		userID:     t.UserID,
		category:   t.Category,
		provider:   provider,
		records:    records,
		cfg:        cfg,
		phase:      PhaseInitializing,
		difficulty: t.Difficulty,
		remaining:  int(cfg.TimeLimit / time.Second),
		done:       make(chan struct{}),
	}
}

// TestID returns the id of the record this session writes to.
func (s *Session) TestID() string { return s.testID }

// UserID returns the owner of the test.
func (s *Session) UserID() int64 { return s.userID }

// Done is closed once the session reaches PhaseCompleted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Started reports whether Start has been called.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running || s.phase == PhaseCompleted
}

// PendingExpiry reports whether the time ran out but the completed record
// has not been written yet.
func (s *Session) PendingExpiry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired && s.phase != PhaseCompleted && s.finishing == nil
}

// retireIfIdle marks a session that was never started as unusable and
// reports whether it did so. Start on a retired session fails.
func (s *Session) retireIfIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.phase != PhaseInitializing || s.loading {
		return false
	}
	s.retired = true
	return true
}

// Start fetches the first question at the initial difficulty and starts the
// clock. After a failed fetch it may be called again.
func (s *Session) Start(ctx context.Context) (State, error) {
	s.mu.Lock()
	if err := s.checkActiveLocked(); err != nil {
		defer s.mu.Unlock()
		return s.stateLocked(), err
	}
	if s.phase != PhaseInitializing {
		defer s.mu.Unlock()
		return s.stateLocked(), ErrAlreadyStarted
	}
	if s.retired {
		defer s.mu.Unlock()
		return s.stateLocked(), ErrNotStarted
	}
	s.running = true
	seq, d := s.beginFetchLocked(s.difficulty)
	s.mu.Unlock()

	q, err := s.provider.Generate(ctx, s.category, d)
	return s.landFetch(seq, d, PhaseInitializing, q, err)
}

// SelectAnswer records value as the answer to question index, which must be
// the current question.
func (s *Session) SelectAnswer(index int, value string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAnsweringLocked(); err != nil {
		return s.stateLocked(), err
	}
	if index != s.index {
		return s.stateLocked(), ErrNotCurrent
	}
	if !s.questions[index].HasOption(value) {
		return s.stateLocked(), ErrInvalidAnswer
	}
	v := value
	s.answers[index] = &v
	s.lastErr = nil
	return s.stateLocked(), nil
}

// Advance moves to the next question. At the most recently fetched question
// it fetches a new one whose difficulty follows from the current answer;
// after GoBack it only navigates. At the last question of the test it does
// nothing and the session waits for Finish. A failed fetch leaves index and
// difficulty unchanged.
func (s *Session) Advance(ctx context.Context) (State, error) {
	s.mu.Lock()
	if err := s.checkAnsweringLocked(); err != nil {
		defer s.mu.Unlock()
		return s.stateLocked(), err
	}
	if s.answers[s.index] == nil {
		defer s.mu.Unlock()
		return s.stateLocked(), ErrNoAnswer
	}
	if s.index+1 < len(s.questions) {
		defer s.mu.Unlock()
		s.index++
		s.lastErr = nil
		return s.stateLocked(), nil
	}
	if len(s.questions) >= s.cfg.Questions {
		// last question: nothing to fetch, finish is next
		defer s.mu.Unlock()
		s.lastErr = nil
		return s.stateLocked(), nil
	}
	correct := s.questions[s.index].IsCorrect(s.answers[s.index])
	seq, d := s.beginFetchLocked(NextDifficulty(s.difficulty, correct))
	s.mu.Unlock()

	q, err := s.provider.Generate(ctx, s.category, d)
	return s.landFetch(seq, d, PhaseAnswering, q, err)
}

// GoBack moves to the previous question without changing any answer.
func (s *Session) GoBack() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAnsweringLocked(); err != nil {
		return s.stateLocked(), err
	}
	if s.index == 0 {
		return s.stateLocked(), ErrFirstQuestion
	}
	s.index--
	s.lastErr = nil
	return s.stateLocked(), nil
}

// Finish scores the test and writes the completed record. It requires every
// question to be fetched and answered unless the time is up. Once completed,
// further calls return the stored result without writing again. Calls made
// while a write is in flight wait for its outcome.
func (s *Session) Finish(ctx context.Context) (Result, error) {
	return s.finish(ctx, false)
}

// Tick advances the clock by one second. When the budget runs out the
// session is marked expired and finished with unanswered questions counted
// incorrect.
func (s *Session) Tick(ctx context.Context) {
	s.mu.Lock()
	if !s.running || s.expired || s.phase == PhaseCompleted {
		s.mu.Unlock()
		return
	}
	if s.remaining > 0 {
		s.remaining--
	}
	if s.remaining > 0 {
		s.mu.Unlock()
		return
	}
	s.expired = true
	s.mu.Unlock()

	slog.Info("test time expired", "test_id", s.testID, "user_id", s.userID)
	if _, err := s.finish(ctx, true); err != nil {
		slog.Error("failed to save expired test", "test_id", s.testID, "error", err)
	}
}

func (s *Session) finish(ctx context.Context, forced bool) (Result, error) {
	s.mu.Lock()
	if s.phase == PhaseCompleted {
		defer s.mu.Unlock()
		return *s.result, nil
	}
	if call := s.finishing; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if !forced && !s.expired {
		if s.loading {
			defer s.mu.Unlock()
			return Result{}, ErrFetchPending
		}
		if len(s.questions) < s.cfg.Questions {
			defer s.mu.Unlock()
			return Result{}, ErrIncomplete
		}
		for _, a := range s.answers {
			if a == nil {
				defer s.mu.Unlock()
				return Result{}, ErrIncomplete
			}
		}
	}

	correct := countCorrect(s.questions, s.answers)
	res := Result{
		Score:           Score(correct, s.cfg.Questions),
		Correct:         correct,
		Total:           s.cfg.Questions,
		DurationSeconds: int(s.cfg.TimeLimit/time.Second) - s.remaining,
		CompletedAt:     s.cfg.Now().UTC(),
	}
	questions := append([]model.Question(nil), s.questions...)
	answers := append([]*string(nil), s.answers...)
	if questions == nil {
		questions = []model.Question{}
		answers = []*string{}
	}
	status := model.StatusCompleted
	update := model.TestUpdate{
		Questions:       questions,
		Answers:         answers,
		Status:          &status,
		Score:           &res.Score,
		DurationSeconds: &res.DurationSeconds,
		CompletedAt:     &res.CompletedAt,
	}

	call := &finishCall{done: make(chan struct{})}
	s.finishing = call
	restore := s.phase
	if restore == PhaseAwaitingQuestion {
		restore = s.settledPhaseLocked()
	}
	s.phase = PhaseFinishing
	s.loading = false
	s.fetchSeq++
	s.mu.Unlock()

	err := s.records.UpdateTest(ctx, s.testID, update)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishing = nil
	if err != nil {
		s.phase = restore
		perr := &PersistenceError{Err: err}
		s.lastErr = perr
		call.err = perr
		close(call.done)
		return Result{}, perr
	}
	s.phase = PhaseCompleted
	s.running = false
	s.result = &res
	s.lastErr = nil
	call.result = res
	close(call.done)
	close(s.done)
	slog.Info("test completed", "test_id", s.testID, "user_id", s.userID,
		"score", res.Score, "correct", res.Correct, "expired", s.expired)
	return res, nil
}

func (s *Session) beginFetchLocked(d model.Difficulty) (uint64, model.Difficulty) {
	s.fetchSeq++
	s.loading = true
	s.phase = PhaseAwaitingQuestion
	return s.fetchSeq, d
}

// landFetch applies the outcome of a fetch started with sequence seq. Results
// for a superseded fetch are discarded.
func (s *Session) landFetch(seq uint64, d model.Difficulty, rollback Phase, q model.Question, err error) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.fetchSeq || s.phase == PhaseCompleted || s.phase == PhaseFinishing || s.expired {
		slog.Debug("discarding late question", "test_id", s.testID)
		if s.phase == PhaseCompleted {
			return s.stateLocked(), ErrCompleted
		}
		return s.stateLocked(), ErrExpired
	}
	s.loading = false
	if err == nil {
		if q.Difficulty == "" {
			q.Difficulty = d
		}
		err = q.Validate()
	}
	if err != nil {
		s.phase = rollback
		gerr := &GenerationError{Err: err}
		s.lastErr = gerr
		slog.Warn("question generation failed", "test_id", s.testID,
			"difficulty", d, "error", err)
		return s.stateLocked(), gerr
	}
	q.Difficulty = d
	s.questions = append(s.questions, q)
	s.answers = append(s.answers, nil)
	s.index = len(s.questions) - 1
	s.difficulty = d
	s.phase = PhaseAnswering
	s.lastErr = nil
	return s.stateLocked(), nil
}

func (s *Session) checkActiveLocked() error {
	switch {
	case s.phase == PhaseCompleted:
		return ErrCompleted
	case s.phase == PhaseFinishing:
		return ErrFinishing
	case s.expired:
		return ErrExpired
	case s.loading:
		return ErrFetchPending
	}
	return nil
}

func (s *Session) checkAnsweringLocked() error {
	if err := s.checkActiveLocked(); err != nil {
		return err
	}
	if s.phase != PhaseAnswering {
		return ErrNotStarted
	}
	return nil
}

func (s *Session) settledPhaseLocked() Phase {
	if len(s.questions) == 0 {
		return PhaseInitializing
	}
	return PhaseAnswering
}
