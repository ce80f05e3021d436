// Package metricskey declares the metrics emitted by this repo.
package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsRetried = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_retried",
		Help:         "stats_tool_calls_retried provides total tool call attempts retried",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total tool calls without a handler",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsCancelled = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_cancelled",
		Help:         "stats_tool_calls_cancelled provides total tool calls declined by the user",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsTimedOut = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_timed_out",
		Help:         "stats_tool_calls_timed_out provides total tool calls that exceeded the execution timeout",
		RequiredTags: []string{"tool"},
	}

	StatsToolCacheHits = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_cache_hits",
		Help:         "stats_tool_cache_hits provides total tool calls served from cache",
		RequiredTags: []string{"tool"},
	}

	StatsProviderConnects = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_provider_connects",
		Help:         "stats_provider_connects provides total successful provider connections",
		RequiredTags: []string{"provider"},
	}

	StatsProviderConnectsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_provider_connects_failed",
		Help:         "stats_provider_connects_failed provides total failed provider connections",
		RequiredTags: []string{"provider"},
	}
)

// Perf
var (
	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool"},
	}

	PerfProviderConnect = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_provider_connect",
		Help:         "perf_provider_connect provides duration of provider connect and handshake",
		RequiredTags: []string{"provider"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfProviderConnect,
	&PerfToolCall,
	&StatsProviderConnects,
	&StatsProviderConnectsFailed,
	&StatsToolCacheHits,
	&StatsToolCallsCancelled,
	&StatsToolCallsFailed,
	&StatsToolCallsNotFound,
	&StatsToolCallsRetried,
	&StatsToolCallsSucceeded,
	&StatsToolCallsTimedOut,
}
