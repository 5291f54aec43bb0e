package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RelayRequests counts stream relay requests, labelled by result:
// "manifest" for rewritten playlists, "binary" for passthrough bodies,
// "upstream_error" and "error" for the failure paths.
var RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nodecast_relay_requests_total",
	Help: "Number of stream relay requests",
}, []string{"result"})

// RelayBytes tracks the total number of bytes relayed to clients.
var RelayBytes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nodecast_relay_bytes_total",
	Help: "Total bytes relayed to clients",
})

// CacheOps counts cache store operations per namespace. The "result" label
// distinguishes hit, miss, stale, write and error outcomes.
var CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nodecast_cache_operations_total",
	Help: "Number of cache store operations",
}, []string{"namespace", "result"})

// UpstreamErrors counts failed upstream provider requests per action.
var UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nodecast_upstream_errors_total",
	Help: "Number of upstream provider failures",
}, []string{"action"})

// TranscodeSessions tracks the number of currently running transcoder
// subprocesses, labelled by output mode (remux or transcode).
var TranscodeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "nodecast_transcode_sessions",
	Help: "Number of active transcoder subprocesses",
}, []string{"mode"})

// TranscodeBytes tracks bytes piped from transcoder subprocesses to clients.
var TranscodeBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nodecast_transcode_bytes_total",
	Help: "Total bytes piped from transcoder subprocesses",
}, []string{"mode"})
