// Package stdio implements the transport over a child process,
// exchanging newline-delimited JSON-RPC frames on its stdin/stdout.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolflow/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolflow/mcp/transport", "stdio")

// maxFrameSize bounds a single JSON-RPC frame read from the child process.
const maxFrameSize = 4 * 1024 * 1024

// Config describes how to launch the provider process.
type Config struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Transport launches a child process and speaks JSON-RPC over its pipes.
type Transport struct {
	cfg Config

	mu             sync.RWMutex
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()

	writeMu sync.Mutex
	stdin   io.WriteCloser
	cmd     *exec.Cmd

	closeOnce sync.Once
	closed    bool
}

// New creates a transport for the given process config. The process is not
// started until Start is called.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// Start launches the child process and begins reading frames from its stdout.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Command == "" {
		return errors.New("stdio transport: command is required")
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Dir
	cmd.Env = os.Environ()
	for key, value := range t.cfg.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %q", t.cfg.Command)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.mu.Unlock()

	go t.readLoop(stdout)
	go t.drainStderr(stderr)

	return nil
}

func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// A frame that cannot be decoded means the channel is no longer
		// trustworthy; treat it as lost rather than resynchronizing.
		message, err := transport.DeserializeMessage(line)
		if err != nil {
			t.handleError(err)
			break
		}

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(context.Background(), message)
		}
	}

	if err := scanner.Err(); err != nil {
		t.handleError(errors.Wrap(err, "stdout read failed"))
	}

	// The channel is gone; any pending calls must be failed upstream.
	t.handleClose()
}

func (t *Transport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		logger.KV(xlog.DEBUG, "command", t.cfg.Command, "stderr", scanner.Text())
	}
}

// Send writes one frame to the child's stdin.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	stdin := t.stdin
	closed := t.closed
	t.mu.RUnlock()

	if closed || stdin == nil {
		return errors.New("stdio transport is not started")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		return errors.Wrap(err, "failed to write to child process")
	}
	return nil
}

// Close terminates the child process.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	t.handleClose()
	return nil
}

func (t *Transport) handleError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

func (t *Transport) handleClose() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		handler := t.closeHandler
		t.mu.Unlock()
		if handler != nil {
			handler()
		}
	})
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
