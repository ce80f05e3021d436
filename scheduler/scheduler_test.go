package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolflow/scheduler"
	"github.com/effective-security/toolflow/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoRegistry(t *testing.T, invocations *atomic.Int64) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	err := reg.Register(tools.Definition{Name: "echo"}, func(_ context.Context, call *tools.ToolCall) ([]tools.Content, error) {
		if invocations != nil {
			invocations.Add(1)
		}
		text := ""
		if v, ok := call.Arguments.Get("text"); ok {
			text, _ = v.(string)
		}
		return []tools.Content{tools.NewTextContent(text)}, nil
	})
	require.NoError(t, err)
	return reg
}

func echoCall(text string) *tools.ToolCall {
	args := tools.NewArguments()
	args.Set("text", text)
	return tools.NewCall("echo", args)
}

func Test_SubmitSuccess(t *testing.T) {
	t.Parallel()

	var invocations atomic.Int64
	s := scheduler.New(newEchoRegistry(t, &invocations), nil)
	defer s.Shutdown()

	call := echoCall("hello")
	res := s.Submit(context.Background(), call)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, call.ID, res.ID)
	assert.NoError(t, res.Err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "hello", res.Content[0].Text)
	assert.False(t, res.CompletedAt.IsZero())
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))
	assert.Equal(t, int64(1), invocations.Load())
}

func Test_SubmitValidation(t *testing.T) {
	t.Parallel()

	var invocations atomic.Int64
	s := scheduler.New(newEchoRegistry(t, &invocations), nil)
	defer s.Shutdown()

	ctx := context.Background()

	res := s.Submit(ctx, nil)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	require.ErrorIs(t, res.Err, scheduler.ErrValidation)

	// Missing required fields never reach a handler.
	res = s.Submit(ctx, &tools.ToolCall{Name: "echo"})
	assert.False(t, res.Success)
	require.ErrorIs(t, res.Err, scheduler.ErrValidation)
	assert.Equal(t, int64(0), invocations.Load())
}

func Test_SubmitNoHandler(t *testing.T) {
	t.Parallel()

	s := scheduler.New(tools.NewRegistry(), nil)
	defer s.Shutdown()

	res := s.Submit(context.Background(), echoCall("hello"))
	assert.False(t, res.Success)
	require.ErrorIs(t, res.Err, scheduler.ErrNoHandler)
	assert.Contains(t, res.Error, `tool "echo"`)
	// Unroutable calls are not retried.
	assert.NotErrorIs(t, res.Err, scheduler.ErrRetryExhausted)
}

func Test_ConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int64
	reg := tools.NewRegistry()
	err := reg.Register(tools.Definition{Name: "slow"}, func(context.Context, *tools.ToolCall) ([]tools.Content, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	})
	require.NoError(t, err)

	s := scheduler.New(reg, nil, scheduler.WithMaxConcurrent(2))
	defer s.Shutdown()

	calls := make([]*tools.ToolCall, 6)
	for i := range calls {
		calls[i] = tools.NewCall("slow", nil)
	}
	results := s.SubmitBatch(context.Background(), calls)
	require.Len(t, results, 6)
	for i, res := range results {
		assert.True(t, res.Success, "call %d", i)
		assert.Equal(t, calls[i].ID, res.ID, "call %d", i)
	}
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func Test_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	reg := tools.NewRegistry()
	err := reg.Register(tools.Definition{Name: "flaky"}, func(context.Context, *tools.ToolCall) ([]tools.Content, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient failure")
		}
		return []tools.Content{tools.NewTextContent("done")}, nil
	})
	require.NoError(t, err)

	s := scheduler.New(reg, nil, scheduler.WithMaxRetries(2))
	defer s.Shutdown()

	res := s.Submit(context.Background(), tools.NewCall("flaky", nil))
	assert.True(t, res.Success)
	assert.Equal(t, int64(3), attempts.Load())
}

func Test_RetryExhausted(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	reg := tools.NewRegistry()
	err := reg.Register(tools.Definition{Name: "broken"}, func(context.Context, *tools.ToolCall) ([]tools.Content, error) {
		attempts.Add(1)
		return nil, errors.New("provider unavailable")
	})
	require.NoError(t, err)

	s := scheduler.New(reg, nil, scheduler.WithMaxRetries(2))
	defer s.Shutdown()

	res := s.Submit(context.Background(), tools.NewCall("broken", nil))
	assert.False(t, res.Success)
	require.ErrorIs(t, res.Err, scheduler.ErrRetryExhausted)
	assert.Contains(t, res.Error, "provider unavailable")
	// Initial attempt plus two retries.
	assert.Equal(t, int64(3), attempts.Load())
}

func Test_RetryJumpsQueue(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	firstStarted := make(chan struct{})
	release := make(chan struct{})
	var firstAttempts atomic.Int64

	reg := tools.NewRegistry()
	err := reg.Register(tools.Definition{Name: "first"}, func(context.Context, *tools.ToolCall) ([]tools.Content, error) {
		record("first")
		if firstAttempts.Add(1) == 1 {
			close(firstStarted)
			<-release
			return nil, errors.New("transient failure")
		}
		return []tools.Content{tools.NewTextContent("ok")}, nil
	})
	require.NoError(t, err)
	err = reg.Register(tools.Definition{Name: "second"}, func(context.Context, *tools.ToolCall) ([]tools.Content, error) {
		record("second")
		return []tools.Content{tools.NewTextContent("ok")}, nil
	})
	require.NoError(t, err)

	s := scheduler.New(reg, nil, scheduler.WithMaxConcurrent(1), scheduler.WithMaxRetries(2))
	defer s.Shutdown()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res := s.Submit(context.Background(), tools.NewCall("first", nil))
		assert.True(t, res.Success)
	}()
	<-firstStarted
	go func() {
		defer wg.Done()
		res := s.Submit(context.Background(), tools.NewCall("second", nil))
		assert.True(t, res.Success)
	}()

	// Give the second call time to enter the queue behind the in-flight one,
	// then fail the first attempt so its retry competes for the freed slot.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, []string{"first", "first", "second"}, order)
}

func Test_RetriesDisabled(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	reg := tools.NewRegistry()
	err := reg.Register(tools.Definition{Name: "broken"}, func(context.Context, *tools.ToolCall) ([]tools.Content, error) {
		attempts.Add(1)
		return nil, errors.New("boom")
	})
	require.NoError(t, err)

	s := scheduler.New(reg, nil, scheduler.WithMaxRetries(0))
	defer s.Shutdown()

	res := s.Submit(context.Background(), tools.NewCall("broken", nil))
	assert.False(t, res.Success)
	assert.NotErrorIs(t, res.Err, scheduler.ErrRetryExhausted)
	assert.Equal(t, int64(1), attempts.Load())
}

func Test_ConfirmationGate(t *testing.T) {
	t.Parallel()

	var invocations atomic.Int64
	approve := false
	s := scheduler.New(newEchoRegistry(t, &invocations), nil,
		scheduler.WithConfirm(func(context.Context, *tools.ToolCall) bool {
			return approve
		}),
	)
	defer s.Shutdown()

	ctx := context.Background()

	// Declined calls never reach a handler.
	res := s.Submit(ctx, echoCall("dangerous").WithConfirmation())
	assert.False(t, res.Success)
	require.ErrorIs(t, res.Err, scheduler.ErrCancelled)
	assert.Equal(t, int64(0), invocations.Load())

	// Approved calls proceed.
	approve = true
	res = s.Submit(ctx, echoCall("dangerous").WithConfirmation())
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), invocations.Load())

	// Calls without the flag skip the gate entirely.
	approve = false
	res = s.Submit(ctx, echoCall("safe"))
	assert.True(t, res.Success)
}

func Test_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	reg := tools.NewRegistry()
	err := reg.Register(tools.Definition{Name: "hang"}, func(context.Context, *tools.ToolCall) ([]tools.Content, error) {
		<-release
		return []tools.Content{tools.NewTextContent("late")}, nil
	})
	require.NoError(t, err)
	err = reg.Register(tools.Definition{Name: "fast"}, func(context.Context, *tools.ToolCall) ([]tools.Content, error) {
		return []tools.Content{tools.NewTextContent("ok")}, nil
	})
	require.NoError(t, err)

	s := scheduler.New(reg, nil, scheduler.WithTimeout(50*time.Millisecond))

	started := time.Now()
	res := s.Submit(context.Background(), tools.NewCall("hang", nil))
	assert.False(t, res.Success)
	require.ErrorIs(t, res.Err, scheduler.ErrTimeout)
	assert.Less(t, time.Since(started), 2*time.Second)

	// Timers are independent per call; other work is unaffected.
	res = s.Submit(context.Background(), tools.NewCall("fast", nil))
	assert.True(t, res.Success)

	close(release)
	s.Shutdown()
}

func Test_CacheDeterministicHits(t *testing.T) {
	t.Parallel()

	var invocations atomic.Int64
	reg := tools.NewRegistry()
	err := reg.Register(tools.Definition{Name: "lookup"}, func(_ context.Context, call *tools.ToolCall) ([]tools.Content, error) {
		invocations.Add(1)
		return []tools.Content{tools.NewTextContent("value")}, nil
	})
	require.NoError(t, err)

	s := scheduler.New(reg, nil, scheduler.WithMemoryCache(time.Minute, 100))
	defer s.Shutdown()

	ctx := context.Background()

	first := tools.NewArguments()
	first.Set("a", 1)
	first.Set("b", 2)
	callA := tools.NewCall("lookup", first)
	resA := s.Submit(ctx, callA)
	require.True(t, resA.Success)

	// Same arguments in a different insertion order hit the cache.
	second := tools.NewArguments()
	second.Set("b", 2)
	second.Set("a", 1)
	callB := tools.NewCall("lookup", second)
	resB := s.Submit(ctx, callB)
	require.True(t, resB.Success)
	assert.Equal(t, callB.ID, resB.ID)
	assert.Equal(t, resA.Content, resB.Content)
	assert.Equal(t, int64(1), invocations.Load())

	stats := s.Stats(ctx)
	assert.Equal(t, 1, stats.CacheSize)
	assert.Equal(t, 0.5, stats.CacheHitRate)
}

func Test_CacheSkipsFailures(t *testing.T) {
	t.Parallel()

	var invocations atomic.Int64
	reg := tools.NewRegistry()
	err := reg.Register(tools.Definition{Name: "broken"}, func(context.Context, *tools.ToolCall) ([]tools.Content, error) {
		invocations.Add(1)
		return nil, errors.New("boom")
	})
	require.NoError(t, err)

	s := scheduler.New(reg, nil,
		scheduler.WithMaxRetries(0),
		scheduler.WithMemoryCache(time.Minute, 100),
	)
	defer s.Shutdown()

	ctx := context.Background()
	res := s.Submit(ctx, tools.NewCall("broken", nil))
	assert.False(t, res.Success)
	res = s.Submit(ctx, tools.NewCall("broken", nil))
	assert.False(t, res.Success)
	// The failure is executed again, never served from cache.
	assert.Equal(t, int64(2), invocations.Load())
	assert.Equal(t, 0, s.Stats(ctx).CacheSize)
}

type fakeRouter struct {
	owned map[string]string
	calls atomic.Int64
	err   error
}

func (r *fakeRouter) ResolveTool(_ context.Context, name string) (string, bool) {
	id, ok := r.owned[name]
	return id, ok
}

func (r *fakeRouter) CallTool(_ context.Context, providerID, name string, args map[string]any) ([]tools.Content, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return []tools.Content{tools.NewTextContent(providerID + ":" + name)}, nil
}

func Test_RouterFallback(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{owned: map[string]string{"fetch": "web"}}
	s := scheduler.New(newEchoRegistry(t, nil), router)
	defer s.Shutdown()

	ctx := context.Background()

	// Built-in tools are preferred and never routed.
	res := s.Submit(ctx, echoCall("local"))
	assert.True(t, res.Success)
	assert.Equal(t, int64(0), router.calls.Load())

	res = s.Submit(ctx, tools.NewCall("fetch", nil))
	assert.True(t, res.Success)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "web:fetch", res.Content[0].Text)

	res = s.Submit(ctx, tools.NewCall("unknown", nil))
	assert.False(t, res.Success)
	require.ErrorIs(t, res.Err, scheduler.ErrNoHandler)
}

type countingCallback struct {
	starts atomic.Int64
	ends   atomic.Int64
	errs   atomic.Int64
}

func (c *countingCallback) OnToolStart(context.Context, *tools.ToolCall) { c.starts.Add(1) }
func (c *countingCallback) OnToolEnd(context.Context, *tools.ToolCall, *tools.ToolResult) {
	c.ends.Add(1)
}
func (c *countingCallback) OnToolError(context.Context, *tools.ToolCall, error) { c.errs.Add(1) }

func Test_CallbackHooks(t *testing.T) {
	t.Parallel()

	cb := &countingCallback{}
	s := scheduler.New(newEchoRegistry(t, nil), nil, scheduler.WithCallback(cb))
	defer s.Shutdown()

	ctx := context.Background()
	res := s.Submit(ctx, echoCall("one"))
	require.True(t, res.Success)
	assert.Equal(t, int64(1), cb.starts.Load())
	assert.Equal(t, int64(1), cb.ends.Load())
	assert.Equal(t, int64(0), cb.errs.Load())

	res = s.Submit(ctx, tools.NewCall("missing", nil))
	require.False(t, res.Success)
	assert.Equal(t, int64(1), cb.errs.Load())
}

func Test_SubmitBatchOrder(t *testing.T) {
	t.Parallel()

	s := scheduler.New(newEchoRegistry(t, nil), nil, scheduler.WithMaxConcurrent(3))
	defer s.Shutdown()

	calls := []*tools.ToolCall{
		echoCall("a"),
		echoCall("b"),
		echoCall("c"),
		echoCall("d"),
	}
	results := s.SubmitBatch(context.Background(), calls)
	require.Len(t, results, 4)
	for i, res := range results {
		require.True(t, res.Success)
		assert.Equal(t, calls[i].ID, res.ID)
	}
	assert.Equal(t, "a", results[0].Content[0].Text)
	assert.Equal(t, "d", results[3].Content[0].Text)
}

func Test_Shutdown(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var mu sync.Mutex
	running := 0
	reg := tools.NewRegistry()
	err := reg.Register(tools.Definition{Name: "slow"}, func(context.Context, *tools.ToolCall) ([]tools.Content, error) {
		mu.Lock()
		running++
		mu.Unlock()
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	s := scheduler.New(reg, nil, scheduler.WithMaxConcurrent(1))

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]*tools.ToolResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Submit(ctx, tools.NewCall("slow", nil))
		}(i)
	}

	// Wait until one call is running and the other is queued.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 1 && s.Stats(ctx).QueueDepth == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Shutdown drains the queued entry while the first call is still
	// running, then waits for it to finish.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	s.Shutdown()
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, res := range results {
		if res.Success {
			succeeded++
		} else {
			require.ErrorIs(t, res.Err, scheduler.ErrShuttingDown)
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	// Work after shutdown is rejected outright.
	res := s.Submit(ctx, tools.NewCall("slow", nil))
	assert.False(t, res.Success)
	require.ErrorIs(t, res.Err, scheduler.ErrShuttingDown)
}

func Test_Stats(t *testing.T) {
	t.Parallel()

	s := scheduler.New(newEchoRegistry(t, nil), nil)
	defer s.Shutdown()

	ctx := context.Background()
	stats := s.Stats(ctx)
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.CacheSize)
	assert.Equal(t, 0.0, stats.CacheHitRate)

	res := s.Submit(ctx, echoCall("x"))
	require.True(t, res.Success)
	stats = s.Stats(ctx)
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, 0, stats.Active)
}
