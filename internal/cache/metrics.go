package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/feynbound/feynbound/internal/build"
)

var (
	memoHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "cache_memo_hits_total",
		Help:      "The total number of cache loads served from memory.",
	}, []string{"stage"})

	memoMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "cache_memo_misses_total",
		Help:      "The total number of cache loads that reached the backing store.",
	}, []string{"stage"})

	lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "cache_lookups_total",
		Help:      "The total number of stage lookups, by whether the entry was already computed.",
	}, []string{"stage", "outcome"})
)

// Observe records whether a stage found its entry already computed.
func Observe(stage Stage, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	lookups.WithLabelValues(string(stage), outcome).Inc()
}
