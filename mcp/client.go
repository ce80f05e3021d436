package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolflow/mcp/internal/protocol"
	"github.com/effective-security/toolflow/mcp/transport"
	"github.com/effective-security/toolflow/mcp/transport/httpclient"
	"github.com/effective-security/toolflow/mcp/transport/stdio"
	"github.com/effective-security/toolflow/tools"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolflow", "mcp")

// DefaultClientInfo identifies this client when none is provided.
var DefaultClientInfo = ClientInfo{Name: "toolflow", Version: "1.0.0"}

// stateChannelBuffer bounds a subscriber channel; transitions beyond the
// buffer are dropped rather than blocking the client.
const stateChannelBuffer = 8

// Client owns a single duplex channel to one provider: it launches the
// transport, performs the initialize handshake, and exposes the
// capability calls. Operations before the handshake completes fail with
// ErrNotReady.
type Client struct {
	cfg  ServerConfig
	info ClientInfo

	trFactory func() transport.Transport

	mu         sync.RWMutex
	proto      *protocol.Protocol
	state      ConnState
	lastErr    error
	serverInfo *ServerInfo
	subs       []chan StateChange
	onChanged  func(method string)
}

// NewClient creates a client for the given provider config. The provider
// is not contacted until Connect.
func NewClient(cfg ServerConfig) *Client {
	return &Client{
		cfg:   cfg,
		info:  DefaultClientInfo,
		state: StateDisconnected,
	}
}

// WithClientInfo overrides the identity sent during the handshake.
func (c *Client) WithClientInfo(info ClientInfo) *Client {
	c.info = info
	return c
}

// WithCapabilityChangeHandler registers a callback for capability-change
// notifications (tools/resources/prompts list_changed).
func (c *Client) WithCapabilityChangeHandler(handler func(method string)) *Client {
	c.mu.Lock()
	c.onChanged = handler
	c.mu.Unlock()
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the most recent connection error, if any.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// ServerInfo returns the provider identity from the handshake, or nil if
// the client never connected.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Subscribe returns a channel of connection-state transitions.
func (c *Client) Subscribe() <-chan StateChange {
	ch := make(chan StateChange, stateChannelBuffer)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (c *Client) Unsubscribe(ch <-chan StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		if sub == ch {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (c *Client) setState(state ConnState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	if err != nil {
		c.lastErr = err
	}

	// Sends are non-blocking, so they are safe under the lock; this keeps
	// them ordered against Unsubscribe closing a channel.
	change := StateChange{State: state, Err: err}
	for _, sub := range c.subs {
		select {
		case sub <- change:
		default:
			// Slow subscriber; drop rather than block the state machine.
		}
	}
}

// WithTransport overrides the transport factory, for callers that bring
// their own channel.
func (c *Client) WithTransport(factory func() transport.Transport) *Client {
	c.trFactory = factory
	return c
}

func (c *Client) newTransport() transport.Transport {
	if c.trFactory != nil {
		return c.trFactory()
	}
	if c.cfg.URL != "" {
		tr := httpclient.New(c.cfg.URL)
		for key, value := range c.cfg.Headers {
			tr.WithHeader(key, value)
		}
		return tr
	}
	return stdio.New(stdio.Config{
		Command: c.cfg.Command,
		Args:    c.cfg.Args,
		Env:     c.cfg.Env,
		Dir:     c.cfg.Dir,
	})
}

// Connect starts the transport and performs the initialize exchange.
// The connection is not usable until this returns nil.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setState(StateConnecting, nil)

	proto := protocol.New()
	proto.OnClose = func() { c.handleConnectionLost() }
	proto.OnError = func(err error) {
		logger.KV(xlog.WARNING, "reason", "transport_error", "err", err.Error())
	}
	proto.SetFallbackNotificationHandler(func(notification *transport.BaseJSONRPCNotification) {
		c.handleServerNotification(notification.Method)
	})

	if err := proto.Connect(ctx, c.newTransport()); err != nil {
		err = errors.Wrap(err, "failed to start transport")
		c.setState(StateError, err)
		return err
	}

	c.mu.Lock()
	c.proto = proto
	c.mu.Unlock()

	serverInfo, err := c.initialize(ctx, proto)
	if err != nil {
		_ = proto.Close()
		err = errors.Wrap(err, "initialize handshake failed")
		c.setState(StateError, err)
		return err
	}

	c.mu.Lock()
	c.serverInfo = serverInfo
	c.mu.Unlock()

	c.setState(StateConnected, nil)
	logger.KV(xlog.DEBUG, "status", "connected", "server", serverInfo.Name, "version", serverInfo.Version)
	return nil
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
}

func (c *Client) initialize(ctx context.Context, proto *protocol.Protocol) (*ServerInfo, error) {
	params := map[string]any{
		"protocolVersion": transport.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      c.info,
	}
	raw, err := proto.Request(ctx, "initialize", params, nil)
	if err != nil {
		return nil, err
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode initialize result")
	}

	if err := proto.Notification(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return nil, errors.Wrap(err, "failed to send initialized notification")
	}
	return &result.ServerInfo, nil
}

// Disconnect closes the channel. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	proto := c.proto
	c.proto = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.setState(StateDisconnected, nil)
	if proto != nil {
		return proto.Close()
	}
	return nil
}

// handleConnectionLost transitions to error when the channel goes away
// underneath an established connection. The protocol layer has already
// failed every pending call.
func (c *Client) handleConnectionLost() {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != StateConnected && state != StateConnecting {
		return
	}
	c.setState(StateError, protocol.ErrConnectionLost)
}

func (c *Client) handleServerNotification(method string) {
	if !strings.HasSuffix(method, "list_changed") {
		return
	}
	c.mu.RLock()
	handler := c.onChanged
	c.mu.RUnlock()
	if handler != nil {
		handler(method)
	}
}

func (c *Client) ready() (*protocol.Protocol, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected || c.proto == nil {
		return nil, ErrNotReady
	}
	return c.proto, nil
}

type listToolsResult struct {
	Tools      []ToolInfo `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListTools fetches the provider's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	proto, err := c.ready()
	if err != nil {
		return nil, err
	}

	var all []ToolInfo
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := proto.Request(ctx, "tools/list", params, nil)
		if err != nil {
			return nil, err
		}
		var result listToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, errors.Wrap(err, "failed to decode tools/list result")
		}
		all = append(all, result.Tools...)
		if result.NextCursor == "" {
			return all, nil
		}
		cursor = result.NextCursor
	}
}

type listResourcesResult struct {
	Resources  []ResourceInfo `json:"resources"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// ListResources fetches the provider's resource catalog.
func (c *Client) ListResources(ctx context.Context) ([]ResourceInfo, error) {
	proto, err := c.ready()
	if err != nil {
		return nil, err
	}

	var all []ResourceInfo
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := proto.Request(ctx, "resources/list", params, nil)
		if err != nil {
			return nil, err
		}
		var result listResourcesResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, errors.Wrap(err, "failed to decode resources/list result")
		}
		all = append(all, result.Resources...)
		if result.NextCursor == "" {
			return all, nil
		}
		cursor = result.NextCursor
	}
}

type listPromptsResult struct {
	Prompts    []PromptInfo `json:"prompts"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

// ListPrompts fetches the provider's prompt catalog.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptInfo, error) {
	proto, err := c.ready()
	if err != nil {
		return nil, err
	}

	var all []PromptInfo
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := proto.Request(ctx, "prompts/list", params, nil)
		if err != nil {
			return nil, err
		}
		var result listPromptsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, errors.Wrap(err, "failed to decode prompts/list result")
		}
		all = append(all, result.Prompts...)
		if result.NextCursor == "" {
			return all, nil
		}
		cursor = result.NextCursor
	}
}

type wireContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Resource *struct {
		URI      string `json:"uri"`
		MimeType string `json:"mimeType,omitempty"`
		Text     string `json:"text,omitempty"`
	} `json:"resource,omitempty"`
}

type callToolResult struct {
	Content []wireContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// CallTool invokes a named tool on this provider.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) ([]tools.Content, error) {
	proto, err := c.ready()
	if err != nil {
		return nil, err
	}

	params := map[string]any{
		"name": name,
	}
	if args != nil {
		params["arguments"] = args
	}
	raw, err := proto.Request(ctx, "tools/call", params, nil)
	if err != nil {
		return nil, err
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode tools/call result")
	}

	content := make([]tools.Content, 0, len(result.Content))
	for _, item := range result.Content {
		content = append(content, item.toContent())
	}

	if result.IsError {
		return nil, errors.Errorf("tool %q failed: %s", name, contentText(content))
	}
	return content, nil
}

func (w wireContent) toContent() tools.Content {
	switch w.Type {
	case "image":
		return tools.NewImageContent(w.Data, w.MimeType)
	case "resource":
		if w.Resource != nil {
			item := tools.NewResourceContent(w.Resource.URI, w.Resource.MimeType)
			item.Text = w.Resource.Text
			return item
		}
		return tools.Content{Type: tools.ContentTypeResource}
	default:
		return tools.NewTextContent(w.Text)
	}
}

func contentText(content []tools.Content) string {
	var parts []string
	for _, item := range content {
		if item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "; ")
}
