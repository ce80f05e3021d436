// Package callbacks provides ready-made implementations of the tool
// execution lifecycle hooks: printing, logging, journaling, and fanout.
package callbacks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/effective-security/toolflow/tools"
	"github.com/effective-security/xlog"
)

// ensure that the callbacks implement the correct interfaces
var (
	_ tools.Callback = (*Noop)(nil)
	_ tools.Callback = (*Printer)(nil)
	_ tools.Callback = (*PackageLogger)(nil)
	_ tools.Callback = (*Fanout)(nil)
)

// Mode defines the mode for callback printing
type Mode int

const (
	// ModeDefault is the default mode for callback printing
	ModeDefault Mode = iota
	// ModeVerbose is the verbose mode for callback printing
	ModeVerbose
)

// Fanout is a callback handler that forwards the events to multiple callbacks.
type Fanout struct {
	callbacks []tools.Callback
}

func NewFanout(callbacks ...tools.Callback) *Fanout {
	return &Fanout{callbacks: callbacks}
}

func (l *Fanout) Add(callback tools.Callback) {
	l.callbacks = append(l.callbacks, callback)
}

func (l *Fanout) OnToolStart(ctx context.Context, call *tools.ToolCall) {
	for _, callback := range l.callbacks {
		callback.OnToolStart(ctx, call)
	}
}

func (l *Fanout) OnToolEnd(ctx context.Context, call *tools.ToolCall, res *tools.ToolResult) {
	for _, callback := range l.callbacks {
		callback.OnToolEnd(ctx, call, res)
	}
}

func (l *Fanout) OnToolError(ctx context.Context, call *tools.ToolCall, err error) {
	for _, callback := range l.callbacks {
		callback.OnToolError(ctx, call, err)
	}
}

// Noop does nothing.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (l *Noop) OnToolStart(ctx context.Context, call *tools.ToolCall) {}
func (l *Noop) OnToolEnd(ctx context.Context, call *tools.ToolCall, res *tools.ToolResult) {}
func (l *Noop) OnToolError(ctx context.Context, call *tools.ToolCall, err error) {}

// Printer is a callback handler that prints to the Writer.
type Printer struct {
	Out  io.Writer
	Mode Mode

	lock sync.Mutex
}

func NewPrinter(out io.Writer, mode Mode) *Printer {
	return &Printer{Out: out, Mode: mode}
}

func (l *Printer) OnToolStart(ctx context.Context, call *tools.ToolCall) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool Start: %s [%s]\n", call.Name, call.ID)
	if l.Mode == ModeVerbose {
		fmt.Fprintf(l.Out, "Arguments: %v\n", call.ArgumentsMap())
	}
}

func (l *Printer) OnToolEnd(ctx context.Context, call *tools.ToolCall, res *tools.ToolResult) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool End: %s [%s] in %s\n", call.Name, call.ID, res.Duration)
	if l.Mode == ModeVerbose {
		for _, item := range res.Content {
			if item.Text != "" {
				fmt.Fprintln(l.Out, item.Text)
			}
		}
	}
}

func (l *Printer) OnToolError(ctx context.Context, call *tools.ToolCall, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool Error: %s [%s]: %s\n", call.Name, call.ID, err.Error())
}

// PackageLogger is a callback handler that logs with the package logger.
type PackageLogger struct {
	logger *xlog.PackageLogger
}

func NewPackageLogger(logger *xlog.PackageLogger) *PackageLogger {
	return &PackageLogger{logger: logger}
}

func (l *PackageLogger) OnToolStart(ctx context.Context, call *tools.ToolCall) {
	l.logger.ContextKV(ctx, xlog.DEBUG, "event", "tool_start", "tool", call.Name, "call", call.ID)
}

func (l *PackageLogger) OnToolEnd(ctx context.Context, call *tools.ToolCall, res *tools.ToolResult) {
	l.logger.ContextKV(ctx, xlog.DEBUG, "event", "tool_end", "tool", call.Name, "call", call.ID, "duration", res.Duration)
}

func (l *PackageLogger) OnToolError(ctx context.Context, call *tools.ToolCall, err error) {
	l.logger.ContextKV(ctx, xlog.ERROR, "event", "tool_error", "tool", call.Name, "call", call.ID, "err", err.Error())
}
