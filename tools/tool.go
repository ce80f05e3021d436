package tools

import (
	"context"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ContentType describes the kind of a single result content item.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeResource ContentType = "resource"
)

// Content is one typed item of a tool result.
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     string      `json:"data,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
	URI      string      `json:"uri,omitempty"`
}

// NewTextContent returns a text content item.
func NewTextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

// NewImageContent returns an image content item with base64-encoded data.
func NewImageContent(data, mimeType string) Content {
	return Content{Type: ContentTypeImage, Data: data, MimeType: mimeType}
}

// NewResourceContent returns a resource content item.
func NewResourceContent(uri, mimeType string) Content {
	return Content{Type: ContentTypeResource, URI: uri, MimeType: mimeType}
}

// Arguments is an ordered name to value mapping for a tool call.
// Insertion order is preserved for presentation, but never affects
// cache identity.
type Arguments = *orderedmap.OrderedMap[string, any]

// NewArguments creates an empty arguments mapping.
func NewArguments() Arguments {
	return orderedmap.New[string, any]()
}

// NewCallID returns a unique call identifier.
func NewCallID() string {
	return uuid.NewString()
}

// ToolCall is a named, argument-bearing request for a capability.
// Immutable once submitted.
type ToolCall struct {
	ID                   string    `json:"id" validate:"required"`
	Name                 string    `json:"name" validate:"required"`
	Arguments            Arguments `json:"arguments" validate:"required"`
	SubmittedAt          time.Time `json:"submitted_at" validate:"required"`
	RequiresConfirmation bool      `json:"requires_confirmation,omitempty"`
}

// NewCall creates a call with a generated ID and the current submission time.
func NewCall(name string, args Arguments) *ToolCall {
	if args == nil {
		args = NewArguments()
	}
	return &ToolCall{
		ID:          NewCallID(),
		Name:        name,
		Arguments:   args,
		SubmittedAt: time.Now(),
	}
}

// WithConfirmation marks the call as requiring user confirmation.
func (c *ToolCall) WithConfirmation() *ToolCall {
	c.RequiresConfirmation = true
	return c
}

// ArgumentsMap returns the arguments as a plain map for wire encoding.
func (c *ToolCall) ArgumentsMap() map[string]any {
	if c.Arguments == nil {
		return nil
	}
	m := make(map[string]any, c.Arguments.Len())
	for pair := c.Arguments.Oldest(); pair != nil; pair = pair.Next() {
		m[pair.Key] = pair.Value
	}
	return m
}

// ToolResult is the outcome of a completed call.
// Created exactly once per call and never mutated afterwards.
type ToolResult struct {
	ID          string        `json:"id"`
	Success     bool          `json:"success"`
	Content     []Content     `json:"content,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`

	// Err carries the typed failure cause for callers that classify
	// with errors.Is. Not serialized.
	Err error `json:"-"`
}

// Handler executes a built-in tool. A returned error is an execution
// failure eligible for retry by the scheduler.
type Handler func(ctx context.Context, call *ToolCall) ([]Content, error)

// ConfirmFunc is supplied by the UI layer and invoked for calls flagged
// as requiring confirmation. A false return cancels the call.
type ConfirmFunc func(ctx context.Context, call *ToolCall) bool

// Callback receives execution lifecycle events.
type Callback interface {
	OnToolStart(ctx context.Context, call *ToolCall)
	OnToolEnd(ctx context.Context, call *ToolCall, res *ToolResult)
	OnToolError(ctx context.Context, call *ToolCall, err error)
}
