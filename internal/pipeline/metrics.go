package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billwatch_stage_processed_total",
		Help: "Records processed per stage invocation.",
	}, []string{"stage"})

	stageFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billwatch_stage_failed_total",
		Help: "Item-level failures per stage.",
	}, []string{"stage"})

	billsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billwatch_bills_dropped_total",
		Help: "Bills deleted after an insufficient-information verdict.",
	})

	requestsUsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billwatch_upstream_requests_total",
		Help: "Upstream API requests consumed against the daily quota.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billwatch_queue_depth",
		Help: "Entries remaining in the discovered-bills queue.",
	})
)
