package mcp

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ConnState is the connection state of one provider.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// StateChange is emitted on every connection-state transition.
type StateChange struct {
	State ConnState
	Err   error
}

var (
	// ErrNotReady is returned for operations attempted before the
	// initialize handshake has completed.
	ErrNotReady = errors.New("connection is not ready")
	// ErrNotConnected is returned when a call targets a registered but
	// disconnected provider.
	ErrNotConnected = errors.New("provider is not connected")
	// ErrToolNotFound is returned when no connected provider owns a tool name.
	ErrToolNotFound = errors.New("tool not found")
)

// ServerConfig describes how to reach a provider: a child process over
// stdio, or an HTTP endpoint when URL is set.
type ServerConfig struct {
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`

	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ClientInfo identifies this client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is reported by the provider during the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolInfo is a discovered tool, tagged with its owning provider.
type ToolInfo struct {
	ServerID    string          `json:"server_id,omitempty"`
	ServerName  string          `json:"server_name,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ResourceInfo is a discovered resource, tagged with its owning provider.
type ResourceInfo struct {
	ServerID    string `json:"server_id,omitempty"`
	ServerName  string `json:"server_name,omitempty"`
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptArgument describes one argument of a discovered prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptInfo is a discovered prompt, tagged with its owning provider.
type PromptInfo struct {
	ServerID    string           `json:"server_id,omitempty"`
	ServerName  string           `json:"server_name,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}
