package docstore

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/pavelanni/iqtester/internal/model"
	"github.com/pavelanni/iqtester/internal/store"
)

// testDoc is the stored shape of a test record.
type testDoc struct {
	ID              string           `bson:"_id"`
	UserID          int64            `bson:"user_id"`
	Category        string           `bson:"category"`
	Difficulty      model.Difficulty `bson:"difficulty"`
	Questions       []model.Question `bson:"questions"`
	Answers         []*string        `bson:"answers"`
	Status          model.TestStatus `bson:"status"`
	Score           int              `bson:"score"`
	DurationSeconds int              `bson:"duration_seconds"`
	CreatedAt       time.Time        `bson:"created_at"`
	CompletedAt     *time.Time       `bson:"completed_at,omitempty"`
}

func toDoc(t model.Test) testDoc {
	return testDoc{
		ID:              t.ID,
		UserID:          t.UserID,
		Category:        t.Category,
		Difficulty:      t.Difficulty,
		Questions:       t.Questions,
		Answers:         t.Answers,
		Status:          t.Status,
		Score:           t.Score,
		DurationSeconds: t.DurationSeconds,
		CreatedAt:       t.CreatedAt.UTC(),
		CompletedAt:     utc(t.CompletedAt),
	}
}

func (d testDoc) toModel() (model.Test, error) {
	t := model.Test{
		ID:              d.ID,
		UserID:          d.UserID,
		Category:        d.Category,
		Difficulty:      d.Difficulty,
		Questions:       d.Questions,
		Answers:         d.Answers,
		Status:          d.Status,
		Score:           d.Score,
		DurationSeconds: d.DurationSeconds,
		CreatedAt:       d.CreatedAt,
		CompletedAt:     d.CompletedAt,
	}
	if t.Questions == nil {
		t.Questions = []model.Question{}
	}
	if t.Answers == nil {
		t.Answers = []*string{}
	}
	if err := t.Validate(); err != nil {
		return model.Test{}, errors.Join(store.ErrMalformedRecord, err)
	}
	return t, nil
}

// updateDoc builds the $set document for the fields present in u.
func updateDoc(u model.TestUpdate) bson.M {
	set := bson.M{}
	if u.Questions != nil {
		set["questions"] = u.Questions
	}
	if u.Answers != nil {
		set["answers"] = u.Answers
	}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.Score != nil {
		set["score"] = *u.Score
	}
	if u.DurationSeconds != nil {
		set["duration_seconds"] = *u.DurationSeconds
	}
	if u.CompletedAt != nil {
		set["completed_at"] = u.CompletedAt.UTC()
	}
	return set
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
