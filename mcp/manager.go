package mcp

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolflow/pkg/metricskey"
	"github.com/effective-security/toolflow/tools"
	"github.com/effective-security/xlog"
)

// Provider is a registered tool provider: its identity, connection
// config, and the owned client. Registration is independent of the
// connection state.
type Provider struct {
	ID     string
	Name   string
	Config ServerConfig

	client  *Client
	stateCh <-chan StateChange

	mu      sync.RWMutex
	state   ConnState
	lastErr error
}

// State returns the last observed connection state.
func (p *Provider) State() ConnState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// LastError returns the last connection error recorded for the provider.
func (p *Provider) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Manager owns a collection of clients keyed by provider id, aggregates
// capability discovery across them, and routes calls to the provider
// that owns a tool. Per-provider failures during aggregate operations
// are logged, never propagated.
type Manager struct {
	clientFactory func(cfg ServerConfig) *Client

	mu        sync.RWMutex
	providers map[string]*Provider
	order     []string
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]*Provider),
	}
}

// WithClientFactory overrides how clients are created for registered
// providers, for callers that need a custom transport.
func (m *Manager) WithClientFactory(factory func(cfg ServerConfig) *Client) *Manager {
	m.clientFactory = factory
	return m
}

// AddProvider registers a provider and creates its client without
// connecting. Registering an id twice is an error.
func (m *Manager) AddProvider(id, name string, cfg ServerConfig) error {
	if id == "" {
		return errors.New("provider id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[id]; ok {
		return errors.Errorf("provider %q is already registered", id)
	}

	var client *Client
	if m.clientFactory != nil {
		client = m.clientFactory(cfg)
	} else {
		client = NewClient(cfg)
	}
	provider := &Provider{
		ID:     id,
		Name:   name,
		Config: cfg,
		client: client,
		state:  StateDisconnected,
	}
	provider.stateCh = client.Subscribe()
	go m.watchState(provider)

	m.providers[id] = provider
	m.order = append(m.order, id)
	return nil
}

// watchState consumes the client's state events so the manager can
// aggregate status without polling.
func (m *Manager) watchState(provider *Provider) {
	for change := range provider.stateCh {
		provider.mu.Lock()
		provider.state = change.State
		if change.Err != nil {
			provider.lastErr = change.Err
		}
		provider.mu.Unlock()

		if change.Err != nil {
			logger.KV(xlog.WARNING,
				"provider", provider.ID,
				"state", change.State,
				"err", change.Err.Error(),
			)
		}
	}
}

// RemoveProvider disconnects and deregisters a provider. Disconnect is
// idempotent if the provider was never connected.
func (m *Manager) RemoveProvider(id string) error {
	m.mu.Lock()
	provider, ok := m.providers[id]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf("provider %q is not registered", id)
	}
	delete(m.providers, id)
	for i, pid := range m.order {
		if pid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	err := provider.client.Disconnect()
	provider.client.Unsubscribe(provider.stateCh)
	return err
}

// Client returns the owned client for a provider id.
func (m *Manager) Client(id string) (*Client, error) {
	provider, err := m.provider(id)
	if err != nil {
		return nil, err
	}
	return provider.client, nil
}

func (m *Manager) provider(id string) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	provider, ok := m.providers[id]
	if !ok {
		return nil, errors.Errorf("provider %q is not registered", id)
	}
	return provider, nil
}

// list returns providers in registration order.
func (m *Manager) list() []*Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	providers := make([]*Provider, 0, len(m.order))
	for _, id := range m.order {
		providers = append(providers, m.providers[id])
	}
	return providers
}

// Providers returns registered providers in registration order.
func (m *Manager) Providers() []*Provider {
	return m.list()
}

// Connect connects one provider.
func (m *Manager) Connect(ctx context.Context, id string) error {
	provider, err := m.provider(id)
	if err != nil {
		return err
	}
	return m.connect(ctx, provider)
}

func (m *Manager) connect(ctx context.Context, provider *Provider) error {
	started := time.Now()
	if err := provider.client.Connect(ctx); err != nil {
		metricskey.StatsProviderConnectsFailed.IncrCounter(1, provider.ID)
		return err
	}
	metricskey.StatsProviderConnects.IncrCounter(1, provider.ID)
	metricskey.PerfProviderConnect.MeasureSince(started, provider.ID)
	return nil
}

// Disconnect disconnects one provider. Idempotent.
func (m *Manager) Disconnect(id string) error {
	provider, err := m.provider(id)
	if err != nil {
		return err
	}
	return provider.client.Disconnect()
}

// ConnectAll attempts every provider independently; a failure is logged
// and recorded on the provider, never returned.
func (m *Manager) ConnectAll(ctx context.Context) {
	for _, provider := range m.list() {
		if err := m.connect(ctx, provider); err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"reason", "connect_failed",
				"provider", provider.ID,
				"err", err.Error(),
			)
		}
	}
}

// DisconnectAll disconnects every provider.
func (m *Manager) DisconnectAll() {
	for _, provider := range m.list() {
		if err := provider.client.Disconnect(); err != nil {
			logger.KV(xlog.WARNING,
				"reason", "disconnect_failed",
				"provider", provider.ID,
				"err", err.Error(),
			)
		}
	}
}

// connected returns connected providers in registration order.
func (m *Manager) connected() []*Provider {
	var out []*Provider
	for _, provider := range m.list() {
		if provider.client.State() == StateConnected {
			out = append(out, provider)
		}
	}
	return out
}

// ListAllTools queries every connected provider and concatenates the
// discovered tools, each tagged with its owning provider.
func (m *Manager) ListAllTools(ctx context.Context) []ToolInfo {
	var all []ToolInfo
	for _, provider := range m.connected() {
		list, err := provider.client.ListTools(ctx)
		if err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"reason", "list_tools_failed",
				"provider", provider.ID,
				"err", err.Error(),
			)
			continue
		}
		for _, tool := range list {
			tool.ServerID = provider.ID
			tool.ServerName = provider.Name
			all = append(all, tool)
		}
	}
	return all
}

// ListAllResources queries every connected provider for resources.
func (m *Manager) ListAllResources(ctx context.Context) []ResourceInfo {
	var all []ResourceInfo
	for _, provider := range m.connected() {
		list, err := provider.client.ListResources(ctx)
		if err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"reason", "list_resources_failed",
				"provider", provider.ID,
				"err", err.Error(),
			)
			continue
		}
		for _, resource := range list {
			resource.ServerID = provider.ID
			resource.ServerName = provider.Name
			all = append(all, resource)
		}
	}
	return all
}

// ListAllPrompts queries every connected provider for prompts.
func (m *Manager) ListAllPrompts(ctx context.Context) []PromptInfo {
	var all []PromptInfo
	for _, provider := range m.connected() {
		list, err := provider.client.ListPrompts(ctx)
		if err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"reason", "list_prompts_failed",
				"provider", provider.ID,
				"err", err.Error(),
			)
			continue
		}
		for _, prompt := range list {
			prompt.ServerID = provider.ID
			prompt.ServerName = provider.Name
			all = append(all, prompt)
		}
	}
	return all
}

// CallTool invokes a named tool on a specific provider.
func (m *Manager) CallTool(ctx context.Context, providerID, name string, args map[string]any) ([]tools.Content, error) {
	provider, err := m.provider(providerID)
	if err != nil {
		return nil, err
	}
	if provider.client.State() != StateConnected {
		return nil, errors.WithMessagef(ErrNotConnected, "provider %q", providerID)
	}
	return provider.client.CallTool(ctx, name, args)
}

// ResolveTool performs a fresh discovery pass and returns the provider
// owning a tool name. When several providers expose the same name the
// first match in registration order wins and the ambiguity is logged.
func (m *Manager) ResolveTool(ctx context.Context, name string) (string, bool) {
	var owners []string
	for _, provider := range m.connected() {
		list, err := provider.client.ListTools(ctx)
		if err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"reason", "list_tools_failed",
				"provider", provider.ID,
				"err", err.Error(),
			)
			continue
		}
		for _, tool := range list {
			if tool.Name == name {
				owners = append(owners, provider.ID)
				break
			}
		}
	}

	if len(owners) == 0 {
		return "", false
	}
	if len(owners) > 1 {
		logger.ContextKV(ctx, xlog.WARNING,
			"reason", "ambiguous_tool",
			"tool", name,
			"providers", strings.Join(owners, ","),
		)
	}
	return owners[0], true
}

// CallToolByName resolves the owning provider and invokes the tool.
func (m *Manager) CallToolByName(ctx context.Context, name string, args map[string]any) ([]tools.Content, error) {
	providerID, ok := m.ResolveTool(ctx, name)
	if !ok {
		return nil, errors.WithMessagef(ErrToolNotFound, "tool %q", name)
	}
	return m.CallTool(ctx, providerID, name, args)
}

// ConnectionSummary counts providers per connection state.
func (m *Manager) ConnectionSummary() map[ConnState]int {
	summary := make(map[ConnState]int)
	for _, provider := range m.list() {
		summary[provider.client.State()]++
	}
	return summary
}
