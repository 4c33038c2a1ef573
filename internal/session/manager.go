package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/iqtester/internal/model"
)

// expiryRetries bounds the retries of a failed write after the time ran out.
const expiryRetries = 4

// Manager keeps the running sessions of the process and drives their clocks.
type Manager struct {
	provider QuestionProvider
	records  RecordWriter
	cfg      Config
	tick     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions tick every tick interval
// (one second when zero).
func NewManager(provider QuestionProvider, records RecordWriter, cfg Config, tick time.Duration) *Manager {
	if tick <= 0 {
		tick = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		provider: provider,
		records:  records,
		cfg:      cfg.withDefaults(),
		tick:     tick,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Open returns the running session for t, creating it and starting its
// clock goroutine if needed. Completed records cannot be opened.
func (m *Manager) Open(t model.Test) (*Session, error) {
	if t.Status == model.StatusCompleted {
		return nil, ErrCompleted
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[t.ID]; ok {
		return s, nil
	}
	if m.ctx.Err() != nil {
		return nil, m.ctx.Err()
	}
	s := New(t, m.provider, m.records, m.cfg)
	m.sessions[t.ID] = s
	m.wg.Add(1)
	go m.run(s)
	slog.Debug("opened test session", "test_id", t.ID, "user_id", t.UserID)
	return s, nil
}

// Preview returns the state a new session for t starts in, without
// registering one.
func (m *Manager) Preview(t model.Test) State {
	return New(t, m.provider, m.records, m.cfg).State()
}

// Get returns the running session for testID.
func (m *Manager) Get(testID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[testID]
	return s, ok
}

// Len returns the number of running sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every clock and waits for the goroutines to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) run(s *Session) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	opened := time.Now()
	var pending, failures int
	retryAt := 2
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-s.Done():
			m.remove(s)
			return
		case <-ticker.C:
			s.Tick(m.ctx)
			if !s.Started() {
				if time.Since(opened) >= m.cfg.IdleTimeout && m.retireIdle(s) {
					slog.Debug("dropped idle test session", "test_id", s.TestID())
					return
				}
				continue
			}
			if !s.PendingExpiry() {
				continue
			}
			// the write at time-up failed; retry with backoff, then give up
			// and leave the record in progress
			pending++
			if pending < retryAt {
				continue
			}
			if failures >= expiryRetries {
				slog.Error("dropping expired test that could not be saved",
					"test_id", s.TestID(), "user_id", s.UserID(), "attempts", failures+1)
				m.remove(s)
				return
			}
			if _, err := s.Finish(m.ctx); err != nil {
				failures++
				retryAt = pending + 1<<failures
				slog.Warn("retrying save of expired test", "test_id", s.TestID(),
					"attempt", failures+1, "error", err)
			}
		}
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.TestID()] == s {
		delete(m.sessions, s.TestID())
	}
}

// retireIdle drops s if it was never started.
func (m *Manager) retireIdle(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.retireIfIdle() {
		return false
	}
	if m.sessions[s.TestID()] == s {
		delete(m.sessions, s.TestID())
	}
	return true
}
