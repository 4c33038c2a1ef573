// Package question produces validated IQ questions with the configured
// language and image models.
package question

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/iqtester/internal/llm"
	"github.com/pavelanni/iqtester/internal/llm/prompts"
	"github.com/pavelanni/iqtester/internal/model"
)

// Config controls generation.
type Config struct {
	MaxTokens   int
	Temperature float64
	// Timeout bounds one Generate call; zero means no extra bound.
	Timeout time.Duration
}

// DefaultConfig returns the recommended generation settings.
func DefaultConfig() Config {
	return Config{
		MaxTokens:   1024,
		Temperature: 0.8,
		Timeout:     60 * time.Second,
	}
}

// Generator creates questions. Categories marked visual in the catalog are
// sent to the image model when one is configured; everything else goes to
// the text model.
type Generator struct {
	text   llm.Provider
	images llm.ImageGenerator
	cfg    Config
}

// New creates a Generator. images may be nil.
func New(text llm.Provider, images llm.ImageGenerator, cfg Config) *Generator {
	return &Generator{text: text, images: images, cfg: cfg}
}

// ImagesEnabled reports whether visual questions can be produced.
func (g *Generator) ImagesEnabled() bool {
	return g.images != nil
}

// KindFor returns the question kind Generate will produce for category.
func (g *Generator) KindFor(category string) model.QuestionKind {
	return model.KindFor(category, g.ImagesEnabled())
}

// Generate produces one question for category at difficulty d.
func (g *Generator) Generate(ctx context.Context, category string, d model.Difficulty) (model.Question, error) {
	if !d.Valid() {
		return model.Question{}, fmt.Errorf("unknown difficulty %q", d)
	}
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	kind := g.KindFor(category)
	c, _ := model.LookupCategory(category)
	p, err := prompts.Question(kind, c, d)
	if err != nil {
		return model.Question{}, err
	}

	var q model.Question
	switch kind {
	case model.KindVisual:
		q, err = g.generateVisual(llm.WithPurpose(ctx, "visual-question"), p)
	default:
		q, err = g.generateText(llm.WithPurpose(ctx, "question"), p)
	}
	if err != nil {
		return model.Question{}, fmt.Errorf("generate %s question: %w", kind, err)
	}

	q.Kind = kind
	q.Difficulty = d
	if err := q.Validate(); err != nil {
		slog.Warn("rejected generated question", "category", category,
			"difficulty", d, "kind", kind, "error", err)
		return model.Question{}, err
	}
	return q, nil
}

func (g *Generator) generateText(ctx context.Context, p prompts.Prompt) (model.Question, error) {
	resp, err := g.text.Generate(ctx, llm.Request{
		System:      p.System,
		Messages:    llm.UserMessage(p.User),
		Schema:      Schema,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		return model.Question{}, err
	}
	return decode(resp.Content)
}

func (g *Generator) generateVisual(ctx context.Context, p prompts.Prompt) (model.Question, error) {
	resp, err := g.images.GenerateImage(ctx, llm.ImageRequest{Prompt: p.User})
	if err != nil {
		return model.Question{}, err
	}
	raw, err := llm.ExtractJSON(resp.Text)
	if err != nil {
		return model.Question{}, err
	}
	if err := llm.ValidateJSON(Schema, raw); err != nil {
		return model.Question{}, err
	}
	q, err := decode(raw)
	if err != nil {
		return model.Question{}, err
	}
	q.ImageURL = DataURL(resp.MIMEType, resp.Data)
	return q, nil
}

func decode(raw json.RawMessage) (model.Question, error) {
	var out output
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.Question{}, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	return normalize(out)
}

// normalize trims whitespace around every field so that an answer key
// padded by the model still matches its option exactly.
func normalize(out output) (model.Question, error) {
	q := model.Question{
		Text:          strings.TrimSpace(out.QuestionText),
		Explanation:   strings.TrimSpace(out.Explanation),
		CorrectAnswer: strings.TrimSpace(out.CorrectAnswer),
	}
	for _, o := range out.Options {
		q.Options = append(q.Options, strings.TrimSpace(o))
	}
	if q.CorrectAnswer == "" {
		return model.Question{}, errors.New("model returned an empty correct answer")
	}
	return q, nil
}

// DataURL encodes an image as a data: URL. An empty MIME type defaults to PNG.
func DataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
