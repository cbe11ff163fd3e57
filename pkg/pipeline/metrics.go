package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nhle_pages_committed_total",
		Help: "Total pages committed and checkpointed",
	})

	recordsCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nhle_records_committed_total",
		Help: "Total records written to the store",
	})

	recordFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nhle_record_failures_total",
		Help: "Total per-record failures by stage (detail, store)",
	}, []string{"stage"})

	detailFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nhle_detail_fetch_total",
		Help: "Total detail enrichments by result (full, empty, failed)",
	}, []string{"result"})

	pageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nhle_page_duration_seconds",
		Help:    "Wall time from page fetch to checkpoint",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nhle_runs_total",
		Help: "Total runs by final state and class",
	}, []string{"state", "class"})

	runState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nhle_run_state",
		Help: "Current orchestrator state as an index into the state machine",
	})
)

var stateOrder = []State{
	StateStarting, StateResuming, StateFresh, StateFetchingPage, StateMergingDetails,
	StateCommitting, StateCheckpointing, StateDone, StateFailed,
}

func stateIndex(s State) float64 {
	for i, st := range stateOrder {
		if st == s {
			return float64(i)
		}
	}
	return -1
}
