// Package insight turns a user's completed tests into LLM-generated
// performance analysis and study plans.
package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pavelanni/iqtester/internal/llm"
	"github.com/pavelanni/iqtester/internal/llm/prompts"
	"github.com/pavelanni/iqtester/internal/model"
)

// ErrNoHistory is returned when the user has not completed any test yet.
var ErrNoHistory = errors.New("complete at least one test first")

// Records is the read side of the test store used here.
type Records interface {
	ListCompletedByUser(ctx context.Context, userID int64) ([]model.Test, error)
	CompletedScores(ctx context.Context, category string) ([]int, error)
}

// Entry is one completed test together with its percentile among all
// completed tests of the same category.
type Entry struct {
	Test       model.Test
	Percentile int
}

// Analysis is the result of Analyze.
type Analysis struct {
	Insights        string `json:"insights"`
	Recommendations string `json:"recommendations"`
}

// Plan is the result of StudyPlan.
type Plan struct {
	StudyPlan string `json:"study_plan"`
}

var analysisSchema = &llm.Schema{
	Name:        "iq-analysis",
	Description: "Insights into a user's IQ test results and recommendations",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"insights":        map[string]any{"type": "string"},
			"recommendations": map[string]any{"type": "string"},
		},
		"required":             []any{"insights", "recommendations"},
		"additionalProperties": false,
	},
}

var planSchema = &llm.Schema{
	Name:        "iq-study-plan",
	Description: "A personalized study plan",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"study_plan": map[string]any{"type": "string"},
		},
		"required":             []any{"study_plan"},
		"additionalProperties": false,
	},
}

// Analyzer requests analysis and study plans. It makes exactly one LLM
// call per request; the provider should not carry a retry decorator.
type Analyzer struct {
	provider  llm.Provider
	records   Records
	maxTokens int
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(provider llm.Provider, records Records) *Analyzer {
	return &Analyzer{provider: provider, records: records, maxTokens: 2048}
}

// Analyze returns insights and recommendations for userID.
func (a *Analyzer) Analyze(ctx context.Context, userID int64) (Analysis, error) {
	history, err := a.History(ctx, userID)
	if err != nil {
		return Analysis{}, err
	}
	p, err := prompts.Analysis(Summarize(history))
	if err != nil {
		return Analysis{}, err
	}
	var out Analysis
	if err := a.ask(llm.WithPurpose(ctx, "analysis"), p, analysisSchema, &out); err != nil {
		return Analysis{}, fmt.Errorf("analysis: %w", err)
	}
	return out, nil
}

// StudyPlan returns a study plan for userID.
func (a *Analyzer) StudyPlan(ctx context.Context, userID int64) (Plan, error) {
	history, err := a.History(ctx, userID)
	if err != nil {
		return Plan{}, err
	}
	p, err := prompts.StudyPlan(Summarize(history))
	if err != nil {
		return Plan{}, err
	}
	var out Plan
	if err := a.ask(llm.WithPurpose(ctx, "study-plan"), p, planSchema, &out); err != nil {
		return Plan{}, fmt.Errorf("study plan: %w", err)
	}
	return out, nil
}

// History loads the user's completed tests with their percentiles.
func (a *Analyzer) History(ctx context.Context, userID int64) ([]Entry, error) {
	tests, err := a.records.ListCompletedByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(tests) == 0 {
		return nil, ErrNoHistory
	}
	populations := map[string][]int{}
	entries := make([]Entry, 0, len(tests))
	for _, t := range tests {
		scores, ok := populations[t.Category]
		if !ok {
			scores, err = a.records.CompletedScores(ctx, t.Category)
			if err != nil {
				return nil, fmt.Errorf("load scores for %s: %w", t.Category, err)
			}
			populations[t.Category] = scores
		}
		entries = append(entries, Entry{Test: t, Percentile: Percentile(t.Score, scores)})
	}
	return entries, nil
}

func (a *Analyzer) ask(ctx context.Context, p prompts.Prompt, schema *llm.Schema, out any) error {
	resp, err := a.provider.Generate(ctx, llm.Request{
		System:    p.System,
		Messages:  llm.UserMessage(p.User),
		Schema:    schema,
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Content, out); err != nil {
		return &llm.ErrInvalidResponse{Content: resp.Content, Err: err}
	}
	return nil
}

// Percentile ranks score within population using the mid-rank definition:
// ties count half. An empty population yields 100.
func Percentile(score int, population []int) int {
	if len(population) == 0 {
		return 100
	}
	var below, equal int
	for _, s := range population {
		switch {
		case s < score:
			below++
		case s == score:
			equal++
		}
	}
	rank := (float64(below) + float64(equal)/2) / float64(len(population))
	return int(math.Round(100 * rank))
}

// Summarize renders the history as one line per test, oldest first.
func Summarize(entries []Entry) string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return completedAt(sorted[i].Test).Before(completedAt(sorted[j].Test))
	})

	var b strings.Builder
	for i, e := range sorted {
		if i > 0 {
			b.WriteByte('\n')
		}
		c, _ := model.LookupCategory(e.Test.Category)
		fmt.Fprintf(&b, "- Test: %s (%s), Score: %d, Percentile: %d, Duration: %s, Date: %s",
			c.Name, e.Test.Difficulty, e.Test.Score, e.Percentile,
			time.Duration(e.Test.DurationSeconds)*time.Second,
			completedAt(e.Test).Format(time.DateOnly))
	}
	return b.String()
}

func completedAt(t model.Test) time.Time {
	if t.CompletedAt != nil {
		return *t.CompletedAt
	}
	return t.CreatedAt
}
