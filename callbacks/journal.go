package callbacks

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/effective-security/toolflow/tools"
)

// ensure Journal implements tools.Callback
var _ tools.Callback = (*Journal)(nil)

var TimeNowFn = time.Now

// ExecStats accumulates execution counters over the journal's lifetime.
type ExecStats struct {
	ToolCalls          uint32
	ToolCallsSucceeded uint32
	ToolCallsFailed    uint32
}

// Journal is a callback handler that records a timestamped transcript of
// tool executions, for session debugging and audit.
type Journal struct {
	mode Mode

	lock    sync.Mutex
	w       bytes.Buffer
	started time.Time
	stats   ExecStats
}

func NewJournal(mode Mode) *Journal {
	return &Journal{
		mode:    mode,
		started: TimeNowFn(),
	}
}

func (l *Journal) OnToolStart(ctx context.Context, call *tools.ToolCall) {
	atomic.AddUint32(&l.stats.ToolCalls, 1)
	l.print(call.Name, "*** Tool Start ***")
	if l.mode == ModeVerbose {
		l.print(call.Name, fmt.Sprintf("Arguments: %v", call.ArgumentsMap()))
	}
}

func (l *Journal) OnToolEnd(ctx context.Context, call *tools.ToolCall, res *tools.ToolResult) {
	atomic.AddUint32(&l.stats.ToolCallsSucceeded, 1)
	if l.mode == ModeVerbose {
		for _, item := range res.Content {
			if item.Text != "" {
				l.print(call.Name, "Output:", item.Text)
			}
		}
	}
	l.print(call.Name, fmt.Sprintf("*** Tool End. Duration: %s ***", res.Duration))
}

func (l *Journal) OnToolError(ctx context.Context, call *tools.ToolCall, err error) {
	atomic.AddUint32(&l.stats.ToolCallsFailed, 1)
	l.print(call.Name, "*** Tool Error ***", err.Error())
}

// Flush returns the accumulated stats and transcript, and resets both.
func (l *Journal) Flush() (ExecStats, []byte) {
	l.lock.Lock()
	defer l.lock.Unlock()

	stats := ExecStats{
		ToolCalls:          atomic.SwapUint32(&l.stats.ToolCalls, 0),
		ToolCallsSucceeded: atomic.SwapUint32(&l.stats.ToolCallsSucceeded, 0),
		ToolCallsFailed:    atomic.SwapUint32(&l.stats.ToolCallsFailed, 0),
	}
	out := append([]byte{}, l.w.Bytes()...)
	l.w.Reset()
	l.started = TimeNowFn()
	return stats, out
}

// print writes the entries to the journal's transcript.
// The entries are written in the following format:
// timestamp entry entry\n
func (l *Journal) print(entries ...string) {
	l.lock.Lock()
	defer l.lock.Unlock()

	ts := TimeNowFn().Format("2006-01-02 15:04:05")
	_, _ = l.w.WriteString(ts)

	for _, entry := range entries {
		_, _ = l.w.WriteString(" ")
		_, _ = l.w.WriteString(entry)
	}
	_, _ = l.w.WriteString("\n")
}
