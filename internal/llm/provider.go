// Package llm talks to the language models that write questions and
// performance reports. Every backend implements Provider; image-capable
// backends also implement ImageGenerator.
package llm

import (
	"context"
	"encoding/json"
)

// Provider generates a single completion, optionally constrained to a JSON schema.
type Provider interface {
	// Generate sends req and returns the model output. When req.Schema is
	// set the returned Content has been validated against it.
	Generate(ctx context.Context, req Request) (*Response, error)

	// ModelID returns the configured model identifier.
	ModelID() string
}

// Request is one prompt sent to a model.
type Request struct {
	System      string
	Messages    []Message
	Schema      *Schema
	MaxTokens   int
	Temperature float64
}

// Message is one conversation turn.
type Message struct {
	Role    Role
	Content string
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UserMessage is shorthand for a single user turn.
func UserMessage(content string) []Message {
	return []Message{{Role: RoleUser, Content: content}}
}

// Schema is a named JSON Schema the output must satisfy.
type Schema struct {
	// Name is kebab-case, e.g. "iq-question".
	Name        string
	Description string
	Definition  map[string]any
}

// Response is the model output.
type Response struct {
	Content json.RawMessage
	Usage   Usage
	Model   string
	// StopReason is "end" or "max_tokens".
	StopReason string
}

// Usage reports token counts for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ImageRequest asks an image-capable model for a picture and accompanying text.
type ImageRequest struct {
	Prompt string
}

// ImageResponse carries the text part and the first image part of the output.
type ImageResponse struct {
	Text     string
	MIMEType string
	Data     []byte
	Model    string
	Usage    Usage
}

// ImageGenerator produces text plus an image in one call.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error)
	ModelID() string
}
