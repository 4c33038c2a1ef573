package model

import "time"

// ResultsExport is the top-level JSON structure for test result export.
type ResultsExport struct {
	GeneratedAt string       `json:"generated_at"`
	Count       int          `json:"count"`
	Results     []TestResult `json:"results"`
}

// TestResult holds one completed test for export.
type TestResult struct {
	TestID          string           `json:"test_id"`
	Username        string           `json:"username"`
	DisplayName     string           `json:"display_name"`
	Category        string           `json:"category"`
	Difficulty      Difficulty       `json:"difficulty"`
	Score           int              `json:"score"`
	DurationSeconds int              `json:"duration_seconds"`
	CreatedAt       time.Time        `json:"created_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	Questions       []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export and the results view.
type QuestionResult struct {
	Text          string       `json:"text"`
	Kind          QuestionKind `json:"kind"`
	Difficulty    Difficulty   `json:"difficulty"`
	Options       []string     `json:"options"`
	CorrectAnswer string       `json:"correct_answer"`
	Answer        *string      `json:"answer"`
	Correct       bool         `json:"correct"`
	Explanation   string       `json:"explanation"`
	ImageURL      string       `json:"image_url,omitempty"`
}

// QuestionResults pairs each question of t with the recorded answer.
func QuestionResults(t Test) []QuestionResult {
	out := make([]QuestionResult, 0, len(t.Questions))
	for i, q := range t.Questions {
		var a *string
		if i < len(t.Answers) {
			a = t.Answers[i]
		}
		out = append(out, QuestionResult{
			Text:          q.Text,
			Kind:          q.Kind,
			Difficulty:    q.Difficulty,
			Options:       q.Options,
			CorrectAnswer: q.CorrectAnswer,
			Answer:        a,
			Correct:       q.IsCorrect(a),
			Explanation:   q.Explanation,
			ImageURL:      q.ImageURL,
		})
	}
	return out
}
