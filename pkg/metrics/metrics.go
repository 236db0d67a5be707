// Package metrics registers the Prometheus counters and histograms the
// engine exposes. Kept deliberately flat (package-level vars registered
// once via promauto) rather than threaded through every call site, matching
// how the pack's kubernaut-style services expose client_golang metrics
// alongside structured logging rather than in place of it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NegotiationCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtr_discovery_negotiation_cache_hits_total",
		Help: "Number of connector negotiations served from the connection cache.",
	})
	NegotiationCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtr_discovery_negotiation_cache_misses_total",
		Help: "Number of connector negotiations that required a fresh handshake.",
	})
	NegotiationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtr_discovery_negotiation_failures_total",
		Help: "Number of connector negotiations that failed.",
	})
	CatalogFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtr_discovery_catalog_fetch_errors_total",
		Help: "Number of DCAT catalog fetches that failed.",
	})
	DTRCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtr_discovery_dtr_cache_hits_total",
		Help: "Number of get_dtrs calls served from a non-expired shard.",
	})
	DTRCacheRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtr_discovery_dtr_cache_refreshes_total",
		Help: "Number of get_dtrs calls that triggered re-discovery.",
	})
	ShellsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dtr_discovery_shells_discovered_total",
		Help: "Number of shell descriptors fetched across all discover_shells calls.",
	})
	DPPTaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dtr_discovery_dpp_task_duration_seconds",
		Help:    "Wall-clock duration of a DPP workflow task from creation to terminal state.",
		Buckets: prometheus.DefBuckets,
	})
	DPPTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dtr_discovery_dpp_tasks_total",
		Help: "DPP workflow tasks by terminal status.",
	}, []string{"status"})
)
