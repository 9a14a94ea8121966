// Package llm binds the agent core to OpenAI-compatible chat-completion
// providers. All configured providers (Gemini, Grok, OpenAI, OpenRouter)
// speak the same wire format through different base URLs, so a single HTTP
// client implementation covers them.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrProhibited is returned when the provider refuses with a content-filter
// finish reason. The task retry machinery treats it as transient.
var ErrProhibited = errors.New("llm: prohibited content")

// HistoryMessage is one turn of conversation context, already media-enriched.
type HistoryMessage struct {
	MsgID      int
	SenderName string
	SenderID   int64
	Out        bool // sent by the agent
	TimeISO    string
	Text       string
}

// StructuredRequest asks for a JSON array of task objects.
type StructuredRequest struct {
	SystemPrompt     string
	NowISO           string
	ChatType         string // "user", "group", "channel"
	History          []HistoryMessage
	HistorySize      int
	AllowedTaskTypes []string
	Model            string // override, "" = provider default
	Timeout          time.Duration
}

// Provider is the LLM surface the core consumes.
type Provider interface {
	Name() string
	Model() string

	// Instructions is the provider-specific prompt preamble that teaches the
	// model to answer with a JSON task array.
	Instructions() string

	// QueryStructured runs one planning turn and returns the raw model text
	// (expected: a JSON array of task objects, possibly fenced).
	QueryStructured(ctx context.Context, req StructuredRequest) (string, error)

	// QueryJSONSchema runs a single-shot query constrained to a JSON schema.
	QueryJSONSchema(ctx context.Context, systemPrompt string, schema map[string]any, model string, timeout time.Duration) (string, error)

	// DescribeImage returns a textual description of the media bytes.
	DescribeImage(ctx context.Context, data []byte, mime string, timeout time.Duration) (string, error)

	// SupportsMime reports whether DescribeImage can handle the MIME type.
	SupportsMime(mime string) bool
}
