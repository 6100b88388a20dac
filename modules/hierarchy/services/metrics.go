package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hierarchyWriteConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hierarchy",
		Subsystem: "write",
		Name:      "conflicts_total",
		Help:      "Total number of hierarchy write conflicts broken down by kind.",
	}, []string{"kind"})

	hierarchyProjectionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hierarchy",
		Subsystem: "projection",
		Name:      "refreshes_total",
		Help:      "Total number of projection refreshes broken down by outcome.",
	}, []string{"outcome"})

	hierarchyProjectionQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hierarchy",
		Subsystem: "projection",
		Name:      "queries_total",
		Help:      "Total number of traversal queries broken down by serving source.",
	}, []string{"source"})
)

func recordWriteConflict(kind string) {
	if kind == "" {
		kind = "other"
	}
	hierarchyWriteConflicts.WithLabelValues(kind).Inc()
}

func recordProjectionRefresh(outcome string) {
	hierarchyProjectionRefreshes.WithLabelValues(outcome).Inc()
}

func recordProjectionQuery(source string) {
	hierarchyProjectionQueries.WithLabelValues(source).Inc()
}
