package assetcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Requests tracks requests offered to the active worker by result
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asset_cache_requests_total",
			Help: "Total number of requests seen by the asset cache worker",
		},
		[]string{"result"}, // "hit", "miss", "error", "passthrough"
	)

	// PrecacheFetches tracks precache fetches during install
	PrecacheFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asset_cache_precache_fetches_total",
			Help: "Total number of precache fetches by outcome",
		},
		[]string{"outcome"}, // "ok", "failed"
	)

	// Installs tracks worker installs
	Installs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asset_cache_installs_total",
			Help: "Total number of worker installs by outcome",
		},
		[]string{"outcome"}, // "ok", "failed"
	)

	// BucketsDeleted tracks stale buckets removed on activation
	BucketsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "asset_cache_buckets_deleted_total",
			Help: "Total number of stale buckets deleted on activation",
		},
	)

	// StoreErrors tracks bucket operation errors
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asset_cache_store_errors_total",
			Help: "Total number of bucket operation errors",
		},
		[]string{"operation"}, // "open", "match", "put", "delete", "names"
	)
)
