package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/iqtester/internal/model"
)

func TestManagerOpenReturnsRunningSession(t *testing.T) {
	m := NewManager(&fakeProvider{}, &fakeRecords{}, Config{}, time.Hour)
	defer m.Close()

	rec := model.Test{ID: "t1", UserID: 1, Category: "logical-reasoning",
		Difficulty: model.DifficultyEasy, Status: model.StatusInProgress}
	a, err := m.Open(rec)
	require.NoError(t, err)
	b, err := m.Open(rec)
	require.NoError(t, err)
	assert.Same(t, a, b)

	got, ok := m.Get("t1")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 1, m.Len())
}

func TestManagerRejectsCompleted(t *testing.T) {
	m := NewManager(&fakeProvider{}, &fakeRecords{}, Config{}, time.Hour)
	defer m.Close()

	_, err := m.Open(model.Test{ID: "done", Status: model.StatusCompleted, Difficulty: model.DifficultyEasy})
	assert.ErrorIs(t, err, ErrCompleted)
}

func TestManagerExpiresSessions(t *testing.T) {
	r := &fakeRecords{}
	m := NewManager(&fakeProvider{}, r, Config{TimeLimit: 2 * time.Second}, 5*time.Millisecond)
	defer m.Close()

	s, err := m.Open(model.Test{ID: "t2", UserID: 3, Category: "spatial-reasoning",
		Difficulty: model.DifficultyMedium, Status: model.StatusInProgress})
	require.NoError(t, err)
	_, err = s.Start(context.Background())
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not expire")
	}
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, r.Writes())
	assert.Equal(t, 0, *r.Last().Score)
}

func TestManagerDropsIdleSessions(t *testing.T) {
	m := NewManager(&fakeProvider{}, &fakeRecords{}, Config{IdleTimeout: 20 * time.Millisecond}, time.Millisecond)
	defer m.Close()

	var opened []*Session
	for i := range 50 {
		s, err := m.Open(model.Test{ID: fmt.Sprintf("idle-%d", i), UserID: 1, Category: "logical-reasoning",
			Difficulty: model.DifficultyEasy, Status: model.StatusInProgress})
		require.NoError(t, err)
		opened = append(opened, s)
	}
	assert.Eventually(t, func() bool { return m.Len() == 0 }, 2*time.Second, time.Millisecond)

	_, err := opened[0].Start(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)

	fresh, err := m.Open(model.Test{ID: "idle-0", UserID: 1, Category: "logical-reasoning",
		Difficulty: model.DifficultyEasy, Status: model.StatusInProgress})
	require.NoError(t, err)
	assert.NotSame(t, opened[0], fresh)
	_, err = fresh.Start(context.Background())
	require.NoError(t, err)
}

func TestManagerPreviewRegistersNothing(t *testing.T) {
	m := NewManager(&fakeProvider{}, &fakeRecords{}, Config{}, time.Millisecond)
	defer m.Close()

	st := m.Preview(model.Test{ID: "p1", UserID: 1, Category: "spatial-reasoning",
		Difficulty: model.DifficultyHard, Status: model.StatusInProgress})
	assert.Equal(t, PhaseInitializing, st.Phase)
	assert.Equal(t, 900, st.RemainingSeconds)
	assert.Equal(t, model.DifficultyHard, st.Difficulty)
	assert.Equal(t, 0, m.Len())
}

func TestManagerRetriesFailedExpiryWrite(t *testing.T) {
	r := &fakeRecords{fail: []error{errors.New("db locked"), errors.New("db locked")}}
	m := NewManager(&fakeProvider{}, r, Config{TimeLimit: time.Second}, time.Millisecond)
	defer m.Close()

	s, err := m.Open(model.Test{ID: "retry", UserID: 2, Category: "logical-reasoning",
		Difficulty: model.DifficultyMedium, Status: model.StatusInProgress})
	require.NoError(t, err)
	_, err = s.Start(context.Background())
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expired session was never saved")
	}
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, r.Writes())
}

func TestManagerGivesUpOnExpiredWrite(t *testing.T) {
	down := errors.New("db offline")
	r := &fakeRecords{fail: []error{down, down, down, down, down, down}}
	m := NewManager(&fakeProvider{}, r, Config{TimeLimit: time.Second}, time.Millisecond)
	defer m.Close()

	s, err := m.Open(model.Test{ID: "lost", UserID: 2, Category: "logical-reasoning",
		Difficulty: model.DifficultyMedium, Status: model.StatusInProgress})
	require.NoError(t, err)
	_, err = s.Start(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return m.Len() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1+expiryRetries, r.Writes())
	assert.True(t, s.PendingExpiry())
	select {
	case <-s.Done():
		t.Fatal("session completed without a successful write")
	default:
	}
}
