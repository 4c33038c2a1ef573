package question

import "github.com/pavelanni/iqtester/internal/llm"

// Schema is the JSON shape the model must return for a question.
var Schema = &llm.Schema{
	Name:        "iq-question",
	Description: "A single multiple-choice IQ test question with answer key and explanation",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question_text": map[string]any{
				"type":        "string",
				"description": "The question shown to the test taker",
			},
			"options": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"minItems":    4,
				"description": "At least 4 distinct answer options",
			},
			"correct_answer": map[string]any{
				"type":        "string",
				"description": "The correct option, repeated exactly",
			},
			"explanation": map[string]any{
				"type":        "string",
				"description": "Why the correct answer is right",
			},
		},
		"required":             []any{"question_text", "options", "correct_answer", "explanation"},
		"additionalProperties": false,
	},
}

// output is the decoded model answer before it becomes a model.Question.
type output struct {
	QuestionText  string   `json:"question_text"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
}
