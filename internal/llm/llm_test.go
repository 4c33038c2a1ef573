package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/genai"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestRetry(t *testing.T) {
	unavailable := &ErrProviderUnavailable{Err: errors.New("down")}
	tests := []struct {
		name      string
		responses []MockResponse
		wantErr   bool
		wantCalls int
	}{
		{"first attempt", []MockResponse{{Content: json.RawMessage(`{}`)}}, false, 1},
		{"transient then success", []MockResponse{{Err: unavailable}, {Content: json.RawMessage(`{}`)}}, false, 2},
		{"all attempts fail", []MockResponse{{Err: unavailable}, {Err: unavailable}, {Err: unavailable}}, true, 3},
		{"rate limit retried", []MockResponse{{Err: &ErrRateLimit{Err: errors.New("429")}}, {Content: json.RawMessage(`{}`)}}, false, 2},
		{"max tokens not retried", []MockResponse{{Err: &ErrMaxTokensExceeded{}}}, true, 1},
		{"invalid retried once", []MockResponse{
			{Err: &ErrInvalidResponse{Err: errors.New("bad")}},
			{Err: &ErrInvalidResponse{Err: errors.New("bad")}},
			{Content: json.RawMessage(`{}`)},
		}, true, 2},
		{"plain error not retried", []MockResponse{{Err: errors.New("bad request")}}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockProvider(tt.responses...)
			_, err := WithRetry(mock, fastRetry()).Generate(context.Background(), Request{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if mock.CallCount() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", mock.CallCount(), tt.wantCalls)
			}
		})
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	mock := NewMockProvider(
		MockResponse{Err: &ErrProviderUnavailable{}},
		MockResponse{Content: json.RawMessage(`{}`)},
	)
	cfg := fastRetry()
	cfg.InitialWait = time.Hour
	cfg.MaxWait = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(mock, cfg).Generate(ctx, Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if mock.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", mock.CallCount())
	}
}

func TestImageRetry(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	tests := []struct {
		name      string
		responses []MockImage
		wantErr   bool
		wantCalls int
	}{
		{"transient then success", []MockImage{{Err: &ErrProviderUnavailable{}}, {Text: "{}", Data: png}}, false, 2},
		{"rate limit exhausts attempts", []MockImage{
			{Err: &ErrRateLimit{}}, {Err: &ErrRateLimit{}}, {Err: &ErrRateLimit{}},
		}, true, 3},
		{"missing image not retried", []MockImage{{Text: "no picture"}}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockImager(tt.responses...)
			resp, err := WithImageRetry(mock, fastRetry()).GenerateImage(context.Background(), ImageRequest{Prompt: "p"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(resp.Data) != string(png) {
				t.Errorf("data = %v", resp.Data)
			}
			if len(mock.Calls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(mock.Calls), tt.wantCalls)
			}
		})
	}

	if WithImageRetry(nil, fastRetry()) != nil {
		t.Error("nil image generator should stay nil")
	}
}

func personSchema(name string) *Schema {
	return &Schema{
		Name: name,
		Definition: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":    map[string]any{"type": "string"},
				"options": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 2},
			},
			"required":             []string{"name", "options"},
			"additionalProperties": false,
		},
	}
}

func TestValidateResponse(t *testing.T) {
	schema := personSchema("person-test")
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"name":"x","options":["a","b"]}`, false},
		{"missing required", `{"name":"x"}`, true},
		{"too few items", `{"name":"x","options":["a"]}`, true},
		{"extra property", `{"name":"x","options":["a","b"],"z":1}`, true},
		{"not json", `name: x`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateResponse(schema, json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var inv *ErrInvalidResponse
				if !errors.As(err, &inv) {
					t.Errorf("err type = %T, want *ErrInvalidResponse", err)
				}
			}
		})
	}
}

func TestMockValidatesAgainstSchema(t *testing.T) {
	mock := NewMockProvider(MockResponse{Content: json.RawMessage(`{"name":"x"}`)})
	_, err := mock.Generate(context.Background(), Request{Schema: personSchema("person-mock")})
	var inv *ErrInvalidResponse
	if !errors.As(err, &inv) {
		t.Fatalf("err = %v, want *ErrInvalidResponse", err)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose", "Here you go: {\"a\":1} enjoy", `{"a":1}`, false},
		{"none", "no json here", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppendSchemaInstructions(t *testing.T) {
	got := appendSchemaInstructions("You write puzzles.", personSchema("person-prompt"))
	if !strings.HasPrefix(got, "You write puzzles.\n\n") {
		t.Errorf("system prompt not preserved: %q", got)
	}
	if !strings.Contains(got, `"required":["name","options"]`) {
		t.Errorf("schema missing from prompt: %q", got)
	}
}

func TestBuildGeminiSchema(t *testing.T) {
	s := buildGeminiSchema(personSchema("person-gemini").Definition)
	if s.Type != genai.TypeObject {
		t.Errorf("type = %v, want object", s.Type)
	}
	if len(s.Required) != 2 {
		t.Errorf("required = %v", s.Required)
	}
	opts, ok := s.Properties["options"]
	if !ok || opts.Type != genai.TypeArray || opts.Items == nil || opts.Items.Type != genai.TypeString {
		t.Errorf("options schema = %+v", opts)
	}
}

func TestResolveModel(t *testing.T) {
	if got := resolveModel("gpt-4o-mini", openaiModels); got != "gpt-4o-mini" {
		t.Errorf("alias: got %q", got)
	}
	if got := resolveModel("llama3.2", openaiModels); got != "llama3.2" {
		t.Errorf("passthrough: got %q", got)
	}
	if got := resolveModel("gemini-image", geminiModels); !strings.Contains(got, "image") {
		t.Errorf("image alias: got %q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"openai base url only", func(c *Config) { c.OpenAI.BaseURL = "http://localhost:11434/v1" }, false},
		{"openai nothing", func(c *Config) {}, true},
		{"gemini without key", func(c *Config) { c.Provider = ProviderGemini }, true},
		{"anthropic with key", func(c *Config) { c.Provider = ProviderAnthropic; c.Anthropic.APIKey = "k" }, false},
		{"unknown", func(c *Config) { c.Provider = "cohere" }, true},
		{"zero attempts", func(c *Config) { c.OpenAI.APIKey = "k"; c.Retry.MaxAttempts = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestImagesEnabled(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ImagesEnabled() {
		t.Error("images enabled without a Gemini key")
	}
	cfg.Gemini.APIKey = "k"
	if !cfg.ImagesEnabled() {
		t.Error("images disabled with key and default image model")
	}
	cfg.Gemini.ImageModel = ""
	if cfg.ImagesEnabled() {
		t.Error("images enabled without an image model")
	}
}

func TestPurpose(t *testing.T) {
	if got := PurposeFrom(context.Background()); got != "unknown" {
		t.Errorf("default purpose = %q", got)
	}
	if got := PurposeFrom(WithPurpose(context.Background(), "question")); got != "question" {
		t.Errorf("purpose = %q", got)
	}
}
