package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable is returned when no credential or configuration
	// exists for the selected provider. It is fatal for the conversation.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrTransport wraps network and stream failures raised mid-turn.
	ErrTransport = errors.New("provider transport error")
	// ErrStreamClosed is returned by Next after Close.
	ErrStreamClosed = errors.New("stream closed")
)

// FragmentKind tags a piece of a streamed response.
type FragmentKind int

const (
	TextDelta FragmentKind = iota + 1
	ToolCallDelta
	EndOfStream
)

func (k FragmentKind) String() string {
	switch k {
	case TextDelta:
		return "text_delta"
	case ToolCallDelta:
		return "tool_call_delta"
	case EndOfStream:
		return "end_of_stream"
	default:
		return fmt.Sprintf("fragment_kind(%d)", int(k))
	}
}

// Fragment is one element of a response stream. Text is set for TextDelta,
// ToolCall for ToolCallDelta.
type Fragment struct {
	Kind     FragmentKind
	Text     string
	ToolCall *ToolCallRequest
}

// ToolCallRequest is a model request to run a local tool.
type ToolCallRequest struct {
	InvocationID string
	Name         string
	Arguments    map[string]string
}

// ToolResponse carries a tool result back to the model, correlated by InvocationID.
type ToolResponse struct {
	InvocationID string
	Name         string
	Result       map[string]any
}

// Parameter describes one tool argument.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ToolDeclaration is the provider-neutral description of a callable tool.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  []Parameter
}

// JSONSchema renders the parameters as a JSON Schema object.
func (d ToolDeclaration) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	required := make([]string, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Role of a prior history entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// HistoryEntry seeds a session with prior conversation turns.
type HistoryEntry struct {
	Role Role
	Text string
}

// SessionConfig is everything needed to open a provider session.
type SessionConfig struct {
	SystemInstruction string
	Tools             []ToolDeclaration
	History           []HistoryEntry
}

// Client opens provider sessions. Implementations hold the wire knowledge
// for one generative-AI service.
type Client interface {
	Name() string
	Open(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is a stateful conversation with the provider. The provider-side
// history lives here. A Session is not safe for concurrent sends.
type Session interface {
	SendText(ctx context.Context, text string) (Stream, error)
	SendTextWithImage(ctx context.Context, text string, image []byte, mimeType string) (Stream, error)
	SendToolResponses(ctx context.Context, responses []ToolResponse) (Stream, error)
	Close() error
}

// Stream is a finite, single-pass sequence of fragments. Once EndOfStream has
// been returned every further call returns EndOfStream again.
type Stream interface {
	Next() (Fragment, error)
	Close() error
}
