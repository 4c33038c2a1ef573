// Package prompts renders the LLM prompts from embedded text templates.
// Each template file defines a "user" template and optionally a "system" one.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/iqtester/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Kind names one prompt template.
type Kind string

const (
	KindQuestionText   Kind = "question_text"
	KindQuestionVisual Kind = "question_visual"
	KindAnalysis       Kind = "analysis"
	KindStudyPlan      Kind = "study_plan"
)

var allKinds = []Kind{KindQuestionText, KindQuestionVisual, KindAnalysis, KindStudyPlan}

// maxFieldRunes caps user-controlled text inserted into prompts.
const maxFieldRunes = 10000

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Kind]*template.Template

	// tags used to fence data in the templates
	fenceTagRegex = regexp.MustCompile(`(?i)</?\s*(test-history|question-parameters)\b[^>]*>`)
)

// Prompt is a rendered system/user pair.
type Prompt struct {
	System string
	User   string
}

// QuestionData feeds the question templates.
type QuestionData struct {
	CategoryName string
	Description  string
	Difficulty   model.Difficulty
}

// HistoryData feeds the analysis and study plan templates.
type HistoryData struct {
	History string
}

// Load parses the embedded templates. It is safe to call more than once.
func Load() error {
	return LoadFS(templateFS)
}

// LoadFS parses templates/<kind>.tmpl from fsys. Only the first call has any effect.
func LoadFS(fsys fs.FS) error {
	loadOnce.Do(func() {
		parsed := make(map[Kind]*template.Template, len(allKinds))
		for _, k := range allKinds {
			name := "templates/" + string(k) + ".tmpl"
			content, err := fs.ReadFile(fsys, name)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", name, err)
				return
			}
			tmpl, err := template.New(string(k)).Option("missingkey=error").Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", name, err)
				return
			}
			if tmpl.Lookup("user") == nil {
				loadErr = fmt.Errorf("prompt template %s has no user section", name)
				return
			}
			parsed[k] = tmpl
		}
		templates = parsed
	})
	return loadErr
}

// Question renders the prompt for a text or visual question.
func Question(kind model.QuestionKind, c model.Category, d model.Difficulty) (Prompt, error) {
	k := KindQuestionText
	if kind == model.KindVisual {
		k = KindQuestionVisual
	}
	return render(k, QuestionData{
		CategoryName: sanitize(c.Name),
		Description:  sanitize(c.Description),
		Difficulty:   d,
	})
}

// Analysis renders the performance analysis prompt for a history summary.
func Analysis(history string) (Prompt, error) {
	return render(KindAnalysis, HistoryData{History: sanitize(history)})
}

// StudyPlan renders the study plan prompt for a history summary.
func StudyPlan(history string) (Prompt, error) {
	return render(KindStudyPlan, HistoryData{History: sanitize(history)})
}

func render(k Kind, data any) (Prompt, error) {
	if err := Load(); err != nil {
		return Prompt{}, err
	}
	tmpl, ok := templates[k]
	if !ok {
		return Prompt{}, errors.New("unknown prompt kind: " + string(k))
	}

	var p Prompt
	var buf bytes.Buffer
	if tmpl.Lookup("system") != nil {
		if err := tmpl.ExecuteTemplate(&buf, "system", data); err != nil {
			return Prompt{}, fmt.Errorf("render %s system prompt: %w", k, err)
		}
		p.System = strings.TrimSpace(buf.String())
		buf.Reset()
	}
	if err := tmpl.ExecuteTemplate(&buf, "user", data); err != nil {
		return Prompt{}, fmt.Errorf("render %s prompt: %w", k, err)
	}
	p.User = strings.TrimSpace(buf.String())
	return p, nil
}

// sanitize strips the fence tags used by the templates and truncates long input.
func sanitize(s string) string {
	s = fenceTagRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxFieldRunes {
		s = string([]rune(s)[:maxFieldRunes]) + "\n[truncated]"
	}
	return s
}
