package mcp_test

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolflow/mcp/transport"
)

// fakeServer emulates a provider in memory: each request sent through
// the transport is answered synchronously from a method table.
type fakeServer struct {
	name    string
	version string

	// tools maps tool name to the text returned from tools/call.
	tools map[string]string
	// pageSize splits tools/list into cursor pages when > 0.
	pageSize int

	startErr error
	failCall bool

	mu             sync.Mutex
	started        bool
	closed         bool
	notifications  []string
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	closeHandler   func()
	errorHandler   func(error)
}

func newFakeServer(name string, tools map[string]string) *fakeServer {
	return &fakeServer{
		name:    name,
		version: "0.1.0",
		tools:   tools,
	}
}

func (s *fakeServer) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *fakeServer) Close() error {
	s.mu.Lock()
	s.closed = true
	handler := s.closeHandler
	s.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

func (s *fakeServer) SetCloseHandler(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandler = handler
}

func (s *fakeServer) SetErrorHandler(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

func (s *fakeServer) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageHandler = handler
}

// dropConnection simulates the channel going away underneath the client.
func (s *fakeServer) dropConnection() {
	s.mu.Lock()
	handler := s.closeHandler
	s.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func (s *fakeServer) notify(method string) {
	s.mu.Lock()
	handler := s.messageHandler
	s.mu.Unlock()
	if handler != nil {
		handler(context.Background(), transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{
			Jsonrpc: "2.0",
			Method:  method,
		}))
	}
}

func (s *fakeServer) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if message.Type == transport.BaseMessageTypeJSONRPCNotificationType {
		s.mu.Lock()
		s.notifications = append(s.notifications, message.JsonRpcNotification.Method)
		s.mu.Unlock()
		return nil
	}
	if message.Type != transport.BaseMessageTypeJSONRPCRequestType {
		return nil
	}

	req := message.JsonRpcRequest
	result, rpcErr := s.handle(req)

	s.mu.Lock()
	handler := s.messageHandler
	s.mu.Unlock()
	if handler == nil {
		return nil
	}

	if rpcErr != nil {
		handler(ctx, transport.NewBaseMessageError(&transport.BaseJSONRPCError{
			Jsonrpc: "2.0",
			Id:      req.Id,
			Error:   *rpcErr,
		}))
		return nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal fake result")
	}
	handler(ctx, transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
		Jsonrpc: "2.0",
		Result:  raw,
		Id:      req.Id,
	}))
	return nil
}

func (s *fakeServer) handle(req *transport.BaseJSONRPCRequest) (any, *transport.BaseJSONRPCErrorInner) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": transport.ProtocolVersion,
			"capabilities":    map[string]any{},
			"serverInfo": map[string]any{
				"name":    s.name,
				"version": s.version,
			},
		}, nil

	case "tools/list":
		return s.listTools(req.Params), nil

	case "resources/list":
		return map[string]any{
			"resources": []map[string]any{
				{"uri": "file:///" + s.name + "/readme", "name": "readme", "mimeType": "text/plain"},
			},
		}, nil

	case "prompts/list":
		return map[string]any{
			"prompts": []map[string]any{
				{
					"name": s.name + "-prompt",
					"arguments": []map[string]any{
						{"name": "topic", "required": true},
					},
				},
			},
		}, nil

	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)

		if s.failCall {
			return map[string]any{
				"content": []map[string]any{{"type": "text", "text": "boom"}},
				"isError": true,
			}, nil
		}
		text, ok := s.tools[params.Name]
		if !ok {
			return nil, &transport.BaseJSONRPCErrorInner{
				Code:    transport.ErrCodeInvalidTool,
				Message: "unknown tool: " + params.Name,
			}
		}
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		}, nil
	}

	return nil, &transport.BaseJSONRPCErrorInner{
		Code:    transport.ErrCodeMethodNotFound,
		Message: "method not found: " + req.Method,
	}
}

// listTools pages through the tool names in sorted order when pageSize
// is set, otherwise returns all in one response.
func (s *fakeServer) listTools(params json.RawMessage) map[string]any {
	var names []string
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	start := 0
	if len(params) > 0 {
		var p struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Cursor != "" {
			for i, name := range names {
				if name == p.Cursor {
					start = i + 1
					break
				}
			}
		}
	}

	end := len(names)
	if s.pageSize > 0 && start+s.pageSize < end {
		end = start + s.pageSize
	}

	list := make([]map[string]any, 0, end-start)
	for _, name := range names[start:end] {
		list = append(list, map[string]any{
			"name":        name,
			"description": "fake " + name,
			"inputSchema": map[string]any{"type": "object"},
		})
	}
	result := map[string]any{"tools": list}
	if end < len(names) {
		result["nextCursor"] = names[end-1]
	}
	return result
}

var _ transport.Transport = (*fakeServer)(nil)
