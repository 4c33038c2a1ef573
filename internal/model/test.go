package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Fixed shape of every test.
const (
	QuestionsPerTest = 10
	TimeLimit        = 15 * time.Minute
	MinOptions       = 4
)

// QuestionKind distinguishes plain text questions from ones that carry an image.
type QuestionKind string

const (
	KindText   QuestionKind = "text"
	KindVisual QuestionKind = "visual"
)

// Question is a single multiple-choice item.
type Question struct {
	Kind          QuestionKind `json:"kind" bson:"kind"`
	Text          string       `json:"question_text" bson:"question_text"`
	Options       []string     `json:"options" bson:"options"`
	CorrectAnswer string       `json:"correct_answer" bson:"correct_answer"`
	Explanation   string       `json:"explanation" bson:"explanation"`
	ImageURL      string       `json:"image_url,omitempty" bson:"image_url,omitempty"`
	Difficulty    Difficulty   `json:"difficulty" bson:"difficulty"`
}

// ErrInvalidQuestion is wrapped by every Question.Validate failure.
var ErrInvalidQuestion = errors.New("invalid question")

// Validate checks the structural rules every question must satisfy.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: empty question text", ErrInvalidQuestion)
	}
	if len(q.Options) < MinOptions {
		return fmt.Errorf("%w: %d options, need at least %d", ErrInvalidQuestion, len(q.Options), MinOptions)
	}
	seen := make(map[string]bool, len(q.Options))
	found := false
	for _, o := range q.Options {
		if o == "" {
			return fmt.Errorf("%w: empty option", ErrInvalidQuestion)
		}
		if seen[o] {
			return fmt.Errorf("%w: duplicate option %q", ErrInvalidQuestion, o)
		}
		seen[o] = true
		if o == q.CorrectAnswer {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: correct answer %q is not among the options", ErrInvalidQuestion, q.CorrectAnswer)
	}
	switch q.Kind {
	case KindText, "":
	case KindVisual:
		if q.ImageURL == "" {
			return fmt.Errorf("%w: visual question without image", ErrInvalidQuestion)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidQuestion, q.Kind)
	}
	if q.Difficulty != "" && !q.Difficulty.Valid() {
		return fmt.Errorf("%w: unknown difficulty %q", ErrInvalidQuestion, q.Difficulty)
	}
	return nil
}

// HasOption reports whether value is exactly one of the options.
func (q Question) HasOption(value string) bool {
	for _, o := range q.Options {
		if o == value {
			return true
		}
	}
	return false
}

// IsCorrect reports whether answer matches the correct answer exactly.
func (q Question) IsCorrect(answer *string) bool {
	return answer != nil && *answer == q.CorrectAnswer
}

// Test is the persisted record of one test attempt. Answers[i] is nil when
// question i was never answered.
type Test struct {
	ID              string     `json:"id"`
	UserID          int64      `json:"user_id"`
	Category        string     `json:"category"`
	Difficulty      Difficulty `json:"difficulty"`
	Questions       []Question `json:"questions"`
	Answers         []*string  `json:"answers"`
	Status          TestStatus `json:"status"`
	Score           int        `json:"score"`
	DurationSeconds int        `json:"duration_seconds"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ErrInvalidTest is wrapped by every Test.Validate failure.
var ErrInvalidTest = errors.New("invalid test record")

// Validate checks the record invariants.
func (t Test) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTest)
	}
	if !t.Difficulty.Valid() {
		return fmt.Errorf("%w: unknown difficulty %q", ErrInvalidTest, t.Difficulty)
	}
	if len(t.Answers) != len(t.Questions) {
		return fmt.Errorf("%w: %d answers for %d questions", ErrInvalidTest, len(t.Answers), len(t.Questions))
	}
	if len(t.Questions) > QuestionsPerTest {
		return fmt.Errorf("%w: %d questions", ErrInvalidTest, len(t.Questions))
	}
	for i, q := range t.Questions {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("%w: question %d: %v", ErrInvalidTest, i, err)
		}
	}
	if t.Score < 0 || t.Score > 100 {
		return fmt.Errorf("%w: score %d out of range", ErrInvalidTest, t.Score)
	}
	switch t.Status {
	case StatusInProgress:
		if t.CompletedAt != nil {
			return fmt.Errorf("%w: in-progress test has completion time", ErrInvalidTest)
		}
		if t.Score != 0 {
			return fmt.Errorf("%w: in-progress test has score", ErrInvalidTest)
		}
	case StatusCompleted:
		if t.CompletedAt == nil {
			return fmt.Errorf("%w: completed test without completion time", ErrInvalidTest)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTest, t.Status)
	}
	return nil
}

// CorrectCount returns the number of exactly matching answers.
func (t Test) CorrectCount() int {
	n := 0
	for i, q := range t.Questions {
		if q.IsCorrect(t.Answers[i]) {
			n++
		}
	}
	return n
}

// TestUpdate carries the fields to change on a test record; nil fields are left alone.
type TestUpdate struct {
	Questions       []Question
	Answers         []*string
	Status          *TestStatus
	Score           *int
	DurationSeconds *int
	CompletedAt     *time.Time
}

// Apply returns a copy of t with the update applied.
func (u TestUpdate) Apply(t Test) Test {
	if u.Questions != nil {
		t.Questions = u.Questions
	}
	if u.Answers != nil {
		t.Answers = u.Answers
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Score != nil {
		t.Score = *u.Score
	}
	if u.DurationSeconds != nil {
		t.DurationSeconds = *u.DurationSeconds
	}
	if u.CompletedAt != nil {
		t.CompletedAt = u.CompletedAt
	}
	return t
}

// Empty reports whether the update changes nothing.
func (u TestUpdate) Empty() bool {
	return u.Questions == nil && u.Answers == nil && u.Status == nil &&
		u.Score == nil && u.DurationSeconds == nil && u.CompletedAt == nil
}
