package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/iqtester/internal/model"
)

var _ TestRecords = (*Store)(nil)

const testColumns = `id, user_id, category, difficulty, questions, answers, status, score, duration_seconds, created_at, completed_at`

// PrepareNew fills in the defaults of a record about to be created and
// validates it. Shared by every TestRecords implementation.
func PrepareNew(t model.Test, now time.Time) (model.Test, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.StatusInProgress
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if t.Questions == nil {
		t.Questions = []model.Question{}
	}
	if t.Answers == nil {
		t.Answers = []*string{}
	}
	if err := t.Validate(); err != nil {
		return model.Test{}, err
	}
	return t, nil
}

// CreateTest inserts a new test record and returns it with its ID assigned.
func (s *Store) CreateTest(ctx context.Context, t model.Test) (model.Test, error) {
	t, err := PrepareNew(t, time.Now())
	if err != nil {
		return model.Test{}, err
	}
	questions, answers, err := encodeItems(t.Questions, t.Answers)
	if err != nil {
		return model.Test{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tests (`+testColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Category, t.Difficulty, questions, answers,
		t.Status, t.Score, t.DurationSeconds, t.CreatedAt, nullTime(t.CompletedAt),
	)
	if err != nil {
		return model.Test{}, fmt.Errorf("insert test: %w", err)
	}
	return t, nil
}

// GetTest returns a test record by ID.
func (s *Store) GetTest(ctx context.Context, id string) (model.Test, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE id = ?`, id)
	t, err := scanTest(row)
	if err == sql.ErrNoRows {
		return model.Test{}, fmt.Errorf("test %s: %w", id, ErrNotFound)
	}
	return t, err
}

// UpdateTest applies a partial update. Only the fields set in u are written,
// and the resulting record must still be valid.
func (s *Store) UpdateTest(ctx context.Context, id string, u model.TestUpdate) error {
	if u.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := scanTest(tx.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return fmt.Errorf("test %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := u.Apply(current).Validate(); err != nil {
		return err
	}

	var sets []string
	var args []any
	if u.Questions != nil {
		b, err := json.Marshal(u.Questions)
		if err != nil {
			return err
		}
		sets = append(sets, "questions = ?")
		args = append(args, string(b))
	}
	if u.Answers != nil {
		b, err := json.Marshal(u.Answers)
		if err != nil {
			return err
		}
		sets = append(sets, "answers = ?")
		args = append(args, string(b))
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.Score != nil {
		sets = append(sets, "score = ?")
		args = append(args, *u.Score)
	}
	if u.DurationSeconds != nil {
		sets = append(sets, "duration_seconds = ?")
		args = append(args, *u.DurationSeconds)
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, u.CompletedAt.UTC())
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, `UPDATE tests SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update test: %w", err)
	}
	return tx.Commit()
}

// ListCompletedByUser returns the user's completed tests, newest first.
func (s *Store) ListCompletedByUser(ctx context.Context, userID int64) ([]model.Test, error) {
	return s.queryTests(ctx,
		`SELECT `+testColumns+` FROM tests WHERE user_id = ? AND status = ? ORDER BY completed_at DESC`,
		userID, model.StatusCompleted)
}

// CompletedScores returns the scores of every completed test in category.
func (s *Store) CompletedScores(ctx context.Context, category string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT score FROM tests WHERE category = ? AND status = ?`, category, model.StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scores []int
	for rows.Next() {
		var sc int
		if err := rows.Scan(&sc); err != nil {
			return nil, err
		}
		scores = append(scores, sc)
	}
	return scores, rows.Err()
}

// ListAllTests returns every test record, oldest first.
func (s *Store) ListAllTests(ctx context.Context) ([]model.Test, error) {
	return s.queryTests(ctx, `SELECT `+testColumns+` FROM tests ORDER BY created_at`)
}

func (s *Store) queryTests(ctx context.Context, query string, args ...any) ([]model.Test, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tests []model.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTest(row scanner) (model.Test, error) {
	var (
		t                  model.Test
		questions, answers string
		completedAt        sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Category, &t.Difficulty, &questions, &answers,
		&t.Status, &t.Score, &t.DurationSeconds, &t.CreatedAt, &completedAt)
	if err != nil {
		return model.Test{}, err
	}
	if err := json.Unmarshal([]byte(questions), &t.Questions); err != nil {
		return model.Test{}, fmt.Errorf("%w: test %s questions: %v", ErrMalformedRecord, t.ID, err)
	}
	if err := json.Unmarshal([]byte(answers), &t.Answers); err != nil {
		return model.Test{}, fmt.Errorf("%w: test %s answers: %v", ErrMalformedRecord, t.ID, err)
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	if err := t.Validate(); err != nil {
		return model.Test{}, errors.Join(ErrMalformedRecord, err)
	}
	return t, nil
}

func encodeItems(questions []model.Question, answers []*string) (string, string, error) {
	q, err := json.Marshal(questions)
	if err != nil {
		return "", "", err
	}
	a, err := json.Marshal(answers)
	if err != nil {
		return "", "", err
	}
	return string(q), string(a), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
