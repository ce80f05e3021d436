// Package protocol implements JSON-RPC framing on top of a pluggable
// transport: request/response correlation, notifications, per-request
// timeouts, and failure of pending calls on a lost channel.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolflow/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolflow/mcp/internal", "protocol")

// DefaultRequestTimeout applies to requests without an explicit timeout.
const DefaultRequestTimeout = 60 * time.Second

// ErrConnectionLost fails every call still awaiting a response when the
// underlying channel goes away.
var ErrConnectionLost = errors.New("connection lost")

// RPCError is a failed response from the remote end, carrying the
// protocol error code.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RequestOptions contains options that can be given per request.
type RequestOptions struct {
	// Timeout bounds the wait for a response. If zero, the protocol default is used.
	Timeout time.Duration
}

// NotificationHandler consumes an unsolicited server-to-client message.
type NotificationHandler func(notification *transport.BaseJSONRPCNotification)

// Protocol manages JSON-RPC communication over one transport.
type Protocol struct {
	// OnClose is invoked when the connection is closed for any reason.
	OnClose func()
	// OnError is invoked for out-of-band channel errors.
	OnError func(error)

	mu             sync.RWMutex
	tr             transport.Transport
	nextRequestID  transport.RequestId
	pending        map[transport.RequestId]chan *responseEnvelope
	notifyHandlers map[string]NotificationHandler
	fallbackNotify NotificationHandler
	defaultTimeout time.Duration
}

type responseEnvelope struct {
	result json.RawMessage
	err    error
}

// New creates a Protocol instance; Connect attaches it to a transport.
func New() *Protocol {
	return &Protocol{
		pending:        make(map[transport.RequestId]chan *responseEnvelope),
		notifyHandlers: make(map[string]NotificationHandler),
		defaultTimeout: DefaultRequestTimeout,
	}
}

// WithDefaultTimeout overrides the default per-request timeout.
func (p *Protocol) WithDefaultTimeout(timeout time.Duration) *Protocol {
	if timeout > 0 {
		p.defaultTimeout = timeout
	}
	return p
}

// Connect attaches to the given transport, starts it, and starts
// dispatching inbound messages.
func (p *Protocol) Connect(ctx context.Context, tr transport.Transport) error {
	p.mu.Lock()
	p.tr = tr
	p.mu.Unlock()

	tr.SetCloseHandler(p.handleClose)
	tr.SetErrorHandler(p.handleError)
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCRequestType:
			p.handleRequest(ctx, message.JsonRpcRequest)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			p.handleNotification(message.JsonRpcNotification)
		case transport.BaseMessageTypeJSONRPCResponseType:
			p.settle(message.JsonRpcResponse.Id, &responseEnvelope{result: message.JsonRpcResponse.Result})
		case transport.BaseMessageTypeJSONRPCErrorType:
			p.settle(message.JsonRpcError.Id, &responseEnvelope{
				err: &RPCError{
					Code:    message.JsonRpcError.Error.Code,
					Message: message.JsonRpcError.Error.Message,
				},
			})
		}
	})

	return tr.Start(ctx)
}

// Close closes the underlying transport.
func (p *Protocol) Close() error {
	p.mu.RLock()
	tr := p.tr
	p.mu.RUnlock()
	if tr != nil {
		return tr.Close()
	}
	return nil
}

// Request sends a request and waits for the matching response.
func (p *Protocol) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	p.mu.Lock()
	tr := p.tr
	if tr == nil {
		p.mu.Unlock()
		return nil, errors.New("not connected")
	}
	p.nextRequestID++
	id := p.nextRequestID
	ch := make(chan *responseEnvelope, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	timeout := p.defaultTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	marshalled, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}

	request := &transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalled,
		Id:      id,
	}
	if err := tr.Send(ctx, transport.NewBaseMessageRequest(request)); err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return nil, envelope.err
		}
		return envelope.result, nil
	case <-ctx.Done():
		p.sendCancelled(id, ctx.Err().Error())
		return nil, ctx.Err()
	case <-timer.C:
		p.sendCancelled(id, "request timeout")
		return nil, errors.Errorf("request %q timed out after %v", method, timeout)
	}
}

// Notification emits a one-way message that does not expect a response.
func (p *Protocol) Notification(ctx context.Context, method string, params any) error {
	p.mu.RLock()
	tr := p.tr
	p.mu.RUnlock()
	if tr == nil {
		return errors.New("not connected")
	}

	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification params")
	}

	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalled,
	}
	return tr.Send(ctx, transport.NewBaseMessageNotification(notification))
}

// SetNotificationHandler registers a handler for a notification method.
func (p *Protocol) SetNotificationHandler(method string, handler NotificationHandler) {
	p.mu.Lock()
	p.notifyHandlers[method] = handler
	p.mu.Unlock()
}

// RemoveNotificationHandler removes the handler for a notification method.
func (p *Protocol) RemoveNotificationHandler(method string) {
	p.mu.Lock()
	delete(p.notifyHandlers, method)
	p.mu.Unlock()
}

// SetFallbackNotificationHandler registers a handler for notification
// methods without their own handler.
func (p *Protocol) SetFallbackNotificationHandler(handler NotificationHandler) {
	p.mu.Lock()
	p.fallbackNotify = handler
	p.mu.Unlock()
}

func (p *Protocol) settle(id transport.RequestId, envelope *responseEnvelope) {
	p.mu.RLock()
	ch := p.pending[id]
	p.mu.RUnlock()

	if ch == nil {
		logger.KV(xlog.DEBUG, "reason", "unmatched_response", "id", id)
		return
	}
	ch <- envelope
}

func (p *Protocol) handleNotification(notification *transport.BaseJSONRPCNotification) {
	logger.KV(xlog.DEBUG, "notification", notification.Method)

	p.mu.RLock()
	handler := p.notifyHandlers[notification.Method]
	if handler == nil {
		handler = p.fallbackNotify
	}
	p.mu.RUnlock()

	if handler != nil {
		go handler(notification)
	}
}

// handleRequest rejects server-initiated requests; this protocol instance
// is client-side and the only unsolicited inbound traffic it accepts is
// notifications.
func (p *Protocol) handleRequest(ctx context.Context, request *transport.BaseJSONRPCRequest) {
	logger.KV(xlog.DEBUG, "reason", "unsupported_request", "method", request.Method, "id", request.Id)

	p.mu.RLock()
	tr := p.tr
	p.mu.RUnlock()
	if tr == nil {
		return
	}

	response := &transport.BaseJSONRPCError{
		Jsonrpc: "2.0",
		Id:      request.Id,
		Error: transport.BaseJSONRPCErrorInner{
			Code:    transport.ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not supported: %s", request.Method),
		},
	}
	if err := tr.Send(ctx, transport.NewBaseMessageError(response)); err != nil {
		p.handleError(errors.Wrap(err, "failed to send error response"))
	}
}

func (p *Protocol) handleError(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}

// handleClose fails every pending call so none is left waiting forever.
func (p *Protocol) handleClose() {
	p.mu.Lock()
	for id, ch := range p.pending {
		ch <- &responseEnvelope{err: ErrConnectionLost}
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if p.OnClose != nil {
		p.OnClose()
	}
}

func (p *Protocol) sendCancelled(id transport.RequestId, reason string) {
	p.mu.RLock()
	tr := p.tr
	p.mu.RUnlock()
	if tr == nil {
		return
	}

	params, err := json.Marshal(map[string]any{
		"requestId": id,
		"reason":    reason,
	})
	if err != nil {
		return
	}
	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/cancelled",
		Params:  params,
	}
	if err := tr.Send(context.Background(), transport.NewBaseMessageNotification(notification)); err != nil {
		p.handleError(errors.Wrap(err, "failed to send cancel notification"))
	}
}
