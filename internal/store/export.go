package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/iqtester/internal/model"
)

// ExportResults builds the export document from every completed test in
// records. A non-empty username limits the export to that user.
func (s *Store) ExportResults(ctx context.Context, records TestRecords, username string) (model.ResultsExport, error) {
	var only *model.User
	if username != "" {
		u, err := s.GetUserByUsername(username)
		if err != nil {
			return model.ResultsExport{}, fmt.Errorf("get user %s: %w", username, err)
		}
		if u == nil {
			return model.ResultsExport{}, fmt.Errorf("user %s: %w", username, ErrNotFound)
		}
		only = u
	}

	tests, err := records.ListAllTests(ctx)
	if err != nil {
		return model.ResultsExport{}, fmt.Errorf("list tests: %w", err)
	}

	users := make(map[int64]*model.User)
	results := []model.TestResult{}
	for _, t := range tests {
		if t.Status != model.StatusCompleted {
			continue
		}
		if only != nil && t.UserID != only.ID {
			continue
		}

		u, ok := users[t.UserID]
		if !ok {
			u, err = s.GetUserByID(t.UserID)
			if err != nil {
				return model.ResultsExport{}, fmt.Errorf("get user %d: %w", t.UserID, err)
			}
			users[t.UserID] = u
		}

		var name, displayName string
		if u != nil {
			name = u.Username
			displayName = u.DisplayName
		}

		results = append(results, model.TestResult{
			TestID:          t.ID,
			Username:        name,
			DisplayName:     displayName,
			Category:        t.Category,
			Difficulty:      t.Difficulty,
			Score:           t.Score,
			DurationSeconds: t.DurationSeconds,
			CreatedAt:       t.CreatedAt,
			CompletedAt:     t.CompletedAt,
			Questions:       model.QuestionResults(t),
		})
	}

	return model.ResultsExport{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Count:       len(results),
		Results:     results,
	}, nil
}
