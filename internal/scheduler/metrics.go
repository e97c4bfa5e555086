package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/feynbound/feynbound/internal/build"
)

var (
	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "scheduler_submissions_total",
		Help:      "The total number of units of work started, including resubmissions.",
	}, []string{"kind"})

	reaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "scheduler_reaps_total",
		Help:      "The total number of finished units of work by outcome.",
	}, []string{"kind", "outcome"})

	liveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "scheduler_live_workers",
		Help:      "The number of units of work currently running.",
	})
)
