// Package httpclient implements the transport against an HTTP provider:
// each outbound frame is POSTed to the provider URL and the reply frame is
// read from the response body.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolflow/mcp/transport"
)

// DefaultRequestTimeout applies when the caller does not supply a client.
const DefaultRequestTimeout = 180 * time.Second

// Transport is a stateless client-side HTTP transport.
type Transport struct {
	url     string
	headers map[string]string
	client  *http.Client

	mu             sync.RWMutex
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
}

// New creates a transport posting frames to the given URL.
func New(url string) *Transport {
	return &Transport{
		url:     url,
		headers: make(map[string]string),
		client:  &http.Client{Timeout: DefaultRequestTimeout},
	}
}

// WithHeader adds a header to every request.
func (t *Transport) WithHeader(key, value string) *Transport {
	t.headers[key] = value
	return t
}

// WithClient overrides the HTTP client.
func (t *Transport) WithClient(client *http.Client) *Transport {
	t.client = client
	return t
}

// Start implements Transport.Start
func (t *Transport) Start(ctx context.Context) error {
	// Stateless: nothing to start.
	return nil
}

// Send implements Transport.Send
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("server returned status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}
	if len(body) == 0 {
		// Notifications may have no reply.
		return nil
	}

	reply, err := transport.DeserializeMessage(body)
	if err != nil {
		return errors.Wrap(err, "received invalid response")
	}

	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()

	if handler != nil {
		handler(ctx, reply)
	}
	return nil
}

// Close implements Transport.Close
func (t *Transport) Close() error {
	t.mu.RLock()
	handler := t.closeHandler
	t.mu.RUnlock()
	if handler != nil {
		handler()
	}
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

var _ transport.Transport = (*Transport)(nil)
