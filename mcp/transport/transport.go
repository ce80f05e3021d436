// Package transport defines the JSON-RPC wire envelope and the pluggable
// duplex channel used to talk to tool providers.
package transport

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ProtocolVersion is the protocol revision negotiated during initialize.
const ProtocolVersion = "2024-11-05"

// RequestId is a correlation id matching an asynchronous response to its request.
type RequestId int64

// Standard JSON-RPC error codes, plus the protocol-specific range.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	ErrCodeInvalidTool      = -32000
	ErrCodeToolExecution    = -32001
	ErrCodeResourceNotFound = -32002
	ErrCodePromptNotFound   = -32003
)

// Transport is a single duplex channel carrying JSON-RPC messages.
type Transport interface {
	// Start begins processing messages on the channel.
	Start(ctx context.Context) error
	// Send delivers a message to the remote end.
	Send(ctx context.Context, message *BaseJsonRpcMessage) error
	// Close terminates the channel.
	Close() error

	// SetCloseHandler sets the callback for when the channel is closed for any reason.
	SetCloseHandler(handler func())
	// SetErrorHandler sets the callback for out-of-band channel errors.
	SetErrorHandler(handler func(error))
	// SetMessageHandler sets the callback for inbound messages.
	SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage))
}

// JsonRpcBody is a result or error payload.
type JsonRpcBody any

// BaseJSONRPCRequest is an outbound or inbound request carrying a correlation id.
type BaseJSONRPCRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Id      RequestId       `json:"id"`
}

// BaseJSONRPCNotification is a one-way message without an id.
type BaseJSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCResponse is a successful response correlated by id.
type BaseJSONRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Id      RequestId       `json:"id"`
}

// BaseJSONRPCErrorInner is the error payload of a failed response.
type BaseJSONRPCErrorInner struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BaseJSONRPCError is a failed response correlated by id.
type BaseJSONRPCError struct {
	Jsonrpc string                `json:"jsonrpc"`
	Error   BaseJSONRPCErrorInner `json:"error"`
	Id      RequestId             `json:"id"`
}

// BaseMessageType discriminates the message union.
type BaseMessageType string

const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
	BaseMessageTypeJSONRPCErrorType        BaseMessageType = "error"
)

// BaseJsonRpcMessage is a tagged union over the four message kinds.
type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
	JsonRpcError        *BaseJSONRPCError
}

func NewBaseMessageRequest(request *BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: request,
	}
}

func NewBaseMessageNotification(notification *BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: notification,
	}
}

func NewBaseMessageResponse(response *BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: response,
	}
}

func NewBaseMessageError(errResp *BaseJSONRPCError) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:         BaseMessageTypeJSONRPCErrorType,
		JsonRpcError: errResp,
	}
}

// MarshalJSON encodes the active member of the union.
func (m *BaseJsonRpcMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return json.Marshal(m.JsonRpcRequest)
	case BaseMessageTypeJSONRPCNotificationType:
		return json.Marshal(m.JsonRpcNotification)
	case BaseMessageTypeJSONRPCResponseType:
		return json.Marshal(m.JsonRpcResponse)
	case BaseMessageTypeJSONRPCErrorType:
		return json.Marshal(m.JsonRpcError)
	}
	return nil, errors.Errorf("unknown message type: %q", m.Type)
}

// DeserializeMessage decodes a wire frame into the message union.
// A frame with a method and an id is a request; a method without an id is
// a notification; an error member makes it an error response; otherwise an
// id alone identifies a successful response.
func DeserializeMessage(data []byte) (*BaseJsonRpcMessage, error) {
	var probe struct {
		Jsonrpc string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Id      *RequestId      `json:"id"`
		Error   json.RawMessage `json:"error"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrap(err, "failed to decode message frame")
	}

	switch {
	case probe.Method != "" && probe.Id != nil:
		var request BaseJSONRPCRequest
		if err := json.Unmarshal(data, &request); err != nil {
			return nil, errors.Wrap(err, "failed to decode request")
		}
		return NewBaseMessageRequest(&request), nil

	case probe.Method != "":
		var notification BaseJSONRPCNotification
		if err := json.Unmarshal(data, &notification); err != nil {
			return nil, errors.Wrap(err, "failed to decode notification")
		}
		return NewBaseMessageNotification(&notification), nil

	case len(probe.Error) > 0:
		var errResp BaseJSONRPCError
		if err := json.Unmarshal(data, &errResp); err != nil {
			return nil, errors.Wrap(err, "failed to decode error response")
		}
		return NewBaseMessageError(&errResp), nil

	case probe.Id != nil:
		var response BaseJSONRPCResponse
		if err := json.Unmarshal(data, &response); err != nil {
			return nil, errors.Wrap(err, "failed to decode response")
		}
		return NewBaseMessageResponse(&response), nil
	}

	return nil, errors.New("message is not a valid JSON-RPC frame")
}
