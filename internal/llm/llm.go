// Package llm provides interfaces and implementations for Large Language Model clients.
//
// A nil LLM is a valid configuration: callers detect it and switch to their
// no-backend behaviour (regex extraction, dry-run answers).
package llm

import (
	"context"
	"encoding/json"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompleteOptions configures a completion request.
type CompleteOptions struct {
	// Model overrides the client's default model.
	Model string

	// Temperature controls randomness in generation (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response (0 = backend default).
	MaxTokens int

	// JSON asks the backend to emit a JSON object.
	JSON bool

	// Schema is a JSON Schema the output should follow. Backends without
	// structured output support ignore it; callers still validate.
	Schema json.RawMessage

	// SchemaName labels the schema for backends that require a name.
	SchemaName string
}

// LLM defines the interface for chat completion backends.
type LLM interface {
	// Complete sends messages and returns the assistant's full reply.
	Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error)
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }
