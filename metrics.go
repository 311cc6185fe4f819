package swcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Response sources for StrategyResponses.
const (
	sourceNetwork     = "network"
	sourceCache       = "cache"
	sourceOffline     = "offline"
	sourcePlaceholder = "placeholder"
	sourceError       = "error"
	sourcePassthrough = "passthrough"
)

var (
	// StrategyResponses counts answered fetches by strategy and where the answer came from.
	StrategyResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_strategy_responses_total",
			Help: "Total number of intercepted requests answered, by strategy and source",
		},
		[]string{"strategy", "source"},
	)

	// CacheWrites counts partition writes by result ("ok", "error", "skipped").
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_cache_writes_total",
			Help: "Total number of cache partition writes",
		},
		[]string{"partition", "result"},
	)

	// BackgroundRefreshes counts stale-while-revalidate refreshes by result.
	BackgroundRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_background_refreshes_total",
			Help: "Total number of background cache refreshes",
		},
		[]string{"result"},
	)

	// PartitionsEvicted counts partitions deleted on activation.
	PartitionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swcache_partitions_evicted_total",
			Help: "Total number of stale cache partitions deleted",
		},
	)

	// InstallAssets counts assets fetched during install by result ("stored", "failed").
	InstallAssets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_install_assets_total",
			Help: "Total number of assets pre-cached during install",
		},
		[]string{"result"},
	)
)
