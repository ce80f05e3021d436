// Package scheduler is the single entry point for tool execution: it
// queues, throttles, caches, and retries tool invocations, dispatching
// each call to the built-in tool table or to a remote provider router.
package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/metrics"
	"github.com/effective-security/toolflow/pkg/metricskey"
	"github.com/effective-security/toolflow/tools"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/go-playground/validator/v10"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolflow", "scheduler")

var validate = validator.New()

const (
	DefaultMaxConcurrent = 4
	DefaultMaxRetries    = 2
	DefaultTimeout       = 2 * time.Minute

	shutdownPollInterval = 10 * time.Millisecond
	shutdownWait         = 5 * time.Second
)

// ToolRouter routes calls to remote providers. Implemented by
// mcp.Manager.
type ToolRouter interface {
	// ResolveTool returns the provider owning a tool name, if any.
	ResolveTool(ctx context.Context, name string) (string, bool)
	// CallTool invokes a tool on a specific provider.
	CallTool(ctx context.Context, providerID, name string, args map[string]any) ([]tools.Content, error)
}

type config struct {
	maxConcurrent int
	maxRetries    int
	timeout       time.Duration
	cache         Cache
	confirm       tools.ConfirmFunc
	callback      tools.Callback
}

// Option configures the scheduler.
type Option func(*config)

// WithMaxConcurrent bounds in-flight executions.
func WithMaxConcurrent(limit int) Option {
	return func(c *config) { c.maxConcurrent = limit }
}

// WithMaxRetries bounds re-run attempts for retryable failures.
// Zero disables retries.
func WithMaxRetries(limit int) Option {
	return func(c *config) {
		if limit >= 0 {
			c.maxRetries = limit
		}
	}
}

// WithTimeout bounds the caller-visible latency of a call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) { c.timeout = timeout }
}

// WithCache enables result caching with the given backend.
func WithCache(cache Cache) Option {
	return func(c *config) { c.cache = cache }
}

// WithMemoryCache enables result caching with an in-memory backend.
func WithMemoryCache(ttl time.Duration, capacity int) Option {
	return func(c *config) { c.cache = NewMemoryCache(ttl, capacity) }
}

// WithConfirm injects the confirmation handler supplied by the UI layer.
// Without one, calls flagged as requiring confirmation are treated as
// confirmed.
func WithConfirm(confirm tools.ConfirmFunc) Option {
	return func(c *config) { c.confirm = confirm }
}

// WithCallback injects execution lifecycle hooks.
func WithCallback(callback tools.Callback) Option {
	return func(c *config) { c.callback = callback }
}

// queueEntry wraps a pending call. It lives only while the call is
// pending and settles exactly once: completion, timeout, or shutdown.
type queueEntry struct {
	call        *tools.ToolCall
	ctx         context.Context
	cacheKey    string
	done        chan *tools.ToolResult
	timer       *time.Timer
	retries     int
	settled     bool
	submittedAt time.Time
	elem        *list.Element
}

// Scheduler accepts tool-call requests and applies confirmation gating,
// caching, concurrency limiting, retries, and timeouts. Construct one
// instance at startup and pass it to all consumers.
type Scheduler struct {
	cfg      config
	registry *tools.Registry
	router   ToolRouter

	mu     sync.Mutex
	queue  *deque
	active int
	down   bool
}

// New creates a scheduler over a built-in tool table and an optional
// remote router; either may be nil.
func New(registry *tools.Registry, router ToolRouter, opts ...Option) *Scheduler {
	cfg := config{maxRetries: -1}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.maxConcurrent = values.NumbersCoalesce(cfg.maxConcurrent, DefaultMaxConcurrent)
	if cfg.maxRetries < 0 {
		cfg.maxRetries = DefaultMaxRetries
	}
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultTimeout
	}

	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		router:   router,
		queue:    newDeque(),
	}
}

// Submit runs one call to completion. Failures originating inside queued
// work are delivered through the result, never as a panic or a separate
// error path; the Err field carries the typed cause.
func (s *Scheduler) Submit(ctx context.Context, call *tools.ToolCall) *tools.ToolResult {
	submittedAt := time.Now()

	if err := validateCall(call); err != nil {
		return s.failed(ctx, call, submittedAt, err)
	}

	cacheKey := ""
	if s.cfg.cache != nil {
		cacheKey = CacheKey(call)
		if cached, ok := s.cfg.cache.Get(ctx, cacheKey); ok {
			logger.ContextKV(ctx, xlog.DEBUG, "tool", call.Name, "cache", "hit")
			metricskey.StatsToolCacheHits.IncrCounter(1, call.Name)
			res := *cached
			res.ID = call.ID
			return &res
		}
	}

	if call.RequiresConfirmation && s.cfg.confirm != nil {
		if !s.cfg.confirm(ctx, call) {
			return s.failed(ctx, call, submittedAt, ErrCancelled)
		}
	}

	entry := &queueEntry{
		call:        call,
		ctx:         ctx,
		cacheKey:    cacheKey,
		done:        make(chan *tools.ToolResult, 1),
		submittedAt: submittedAt,
	}

	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return s.failed(ctx, call, submittedAt, ErrShuttingDown)
	}
	entry.timer = time.AfterFunc(s.cfg.timeout, func() { s.expire(entry) })
	s.queue.PushTail(entry)
	s.dispatchLocked()
	s.mu.Unlock()

	return <-entry.done
}

// SubmitBatch fans out Submit over all calls and waits for all to
// settle. Results are returned in input order.
func (s *Scheduler) SubmitBatch(ctx context.Context, calls []*tools.ToolCall) []*tools.ToolResult {
	results := make([]*tools.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call *tools.ToolCall) {
			defer wg.Done()
			results[i] = s.Submit(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// dispatchLocked starts queued entries while slots are available.
// Callers must hold s.mu.
func (s *Scheduler) dispatchLocked() {
	for !s.down && s.active < s.cfg.maxConcurrent {
		entry := s.queue.PopHead()
		if entry == nil {
			return
		}
		s.active++
		go s.execute(entry)
	}
}

func (s *Scheduler) execute(entry *queueEntry) {
	if s.cfg.callback != nil {
		s.cfg.callback.OnToolStart(entry.ctx, entry.call)
	}
	content, err := s.run(entry.ctx, entry.call)
	s.complete(entry, content, err)
}

// run resolves the handler: the built-in table first, then the remote
// router. Exactly one of the two must own the name.
func (s *Scheduler) run(ctx context.Context, call *tools.ToolCall) ([]tools.Content, error) {
	if handler, ok := s.registry.Lookup(call.Name); ok {
		return handler(ctx, call)
	}
	if s.router != nil {
		if providerID, ok := s.router.ResolveTool(ctx, call.Name); ok {
			return s.router.CallTool(ctx, providerID, call.Name, call.ArgumentsMap())
		}
	}
	return nil, errors.WithMessagef(ErrNoHandler, "tool %q", call.Name)
}

func (s *Scheduler) complete(entry *queueEntry, content []tools.Content, err error) {
	s.mu.Lock()
	s.active--

	if entry.settled {
		// Timed out while running; the result is discarded but the
		// slot is freed for queued work.
		s.dispatchLocked()
		s.mu.Unlock()
		return
	}

	if err != nil && retryable(err) && entry.retries < s.cfg.maxRetries && !s.down {
		entry.retries++
		metricskey.StatsToolCallsRetried.IncrCounter(1, entry.call.Name)
		s.queue.PushHead(entry)
		s.dispatchLocked()
		s.mu.Unlock()
		logger.ContextKV(entry.ctx, xlog.DEBUG,
			"tool", entry.call.Name,
			"retry", entry.retries,
			"err", slices.StringUpto(err.Error(), 128),
		)
		return
	}

	entry.settled = true
	entry.timer.Stop()
	s.dispatchLocked()
	s.mu.Unlock()

	if err != nil {
		if entry.retries > 0 {
			err = errors.Mark(
				errors.Wrapf(err, "retry limit exceeded after %d attempts", entry.retries+1),
				ErrRetryExhausted,
			)
		}
		entry.done <- s.failed(entry.ctx, entry.call, entry.submittedAt, err)
		return
	}

	metricskey.StatsToolCallsSucceeded.IncrCounter(1, entry.call.Name)
	metricskey.PerfToolCall.MeasureSince(entry.submittedAt, entry.call.Name)

	now := time.Now()
	res := &tools.ToolResult{
		ID:          entry.call.ID,
		Success:     true,
		Content:     content,
		Duration:    now.Sub(entry.submittedAt),
		CompletedAt: now,
	}
	if s.cfg.cache != nil {
		s.cfg.cache.Set(entry.ctx, entry.cacheKey, res)
	}
	if s.cfg.callback != nil {
		s.cfg.callback.OnToolEnd(entry.ctx, entry.call, res)
	}
	entry.done <- res
}

// expire fails a call whose timer fired while it was still pending.
// There is no cancellation signal to the handler: provider-side work may
// continue unobserved and its eventual result is discarded.
func (s *Scheduler) expire(entry *queueEntry) {
	s.mu.Lock()
	if entry.settled {
		s.mu.Unlock()
		return
	}
	entry.settled = true
	s.queue.Remove(entry)
	s.mu.Unlock()

	err := errors.WithMessagef(ErrTimeout, "tool %q after %v", entry.call.Name, s.cfg.timeout)
	entry.done <- s.failed(entry.ctx, entry.call, entry.submittedAt, err)
}

// failureMetric maps a terminal failure to its outcome counter, so every
// failed call increments exactly one counter.
func failureMetric(err error) *metrics.Describe {
	switch {
	case errors.Is(err, ErrCancelled):
		return &metricskey.StatsToolCallsCancelled
	case errors.Is(err, ErrTimeout):
		return &metricskey.StatsToolCallsTimedOut
	case errors.Is(err, ErrNoHandler):
		return &metricskey.StatsToolCallsNotFound
	default:
		return &metricskey.StatsToolCallsFailed
	}
}

// failed builds the failure result and fires the error hook.
func (s *Scheduler) failed(ctx context.Context, call *tools.ToolCall, submittedAt time.Time, err error) *tools.ToolResult {
	if call != nil {
		failureMetric(err).IncrCounter(1, call.Name)
	}
	if s.cfg.callback != nil && call != nil {
		s.cfg.callback.OnToolError(ctx, call, err)
	}
	now := time.Now()
	res := &tools.ToolResult{
		Success:     false,
		Error:       err.Error(),
		Duration:    now.Sub(submittedAt),
		CompletedAt: now,
		Err:         err,
	}
	if call != nil {
		res.ID = call.ID
	}
	return res
}

func validateCall(call *tools.ToolCall) error {
	if call == nil {
		return errors.WithMessage(ErrValidation, "call is required")
	}
	if err := validate.Struct(call); err != nil {
		return errors.WithMessagef(ErrValidation, "%s", err.Error())
	}
	return nil
}

// Shutdown drains the queue by failing every pending entry, waits with a
// bounded poll for active executions to finish, then halts the cache
// sweep. The scheduler accepts no further work.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.down = true
	var drained []*queueEntry
	for {
		entry := s.queue.PopHead()
		if entry == nil {
			break
		}
		if !entry.settled {
			entry.settled = true
			entry.timer.Stop()
			drained = append(drained, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range drained {
		entry.done <- s.failed(entry.ctx, entry.call, entry.submittedAt, ErrShuttingDown)
	}

	deadline := time.Now().Add(shutdownWait)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		active := s.active
		s.mu.Unlock()
		if active == 0 {
			break
		}
		time.Sleep(shutdownPollInterval)
	}

	if s.cfg.cache != nil {
		s.cfg.cache.Close()
	}
}

// Stats is a point-in-time view of scheduler load and cache efficiency.
type Stats struct {
	QueueDepth   int     `json:"queue_depth"`
	Active       int     `json:"active"`
	CacheSize    int     `json:"cache_size"`
	CacheHitRate float64 `json:"cache_hit_rate"`
}

// Stats reports queue depth, active executions, and cache efficiency.
func (s *Scheduler) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	stats := Stats{
		QueueDepth: s.queue.Len(),
		Active:     s.active,
	}
	s.mu.Unlock()

	if s.cfg.cache != nil {
		cs := s.cfg.cache.Stats(ctx)
		stats.CacheSize = cs.Size
		stats.CacheHitRate = cs.HitRate()
	}
	return stats
}
