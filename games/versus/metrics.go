package versus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "versus",
		Name:      "matches_total",
		Help:      "Sessions created or joined by matchmaking.",
	}, []string{"result"})

	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "versus",
		Name:      "write_conflicts_total",
		Help:      "Conditional writes rejected because another writer won the race.",
	}, []string{"op"})

	movesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "versus",
		Name:      "moves_total",
		Help:      "Moves accepted by the store.",
	})

	finishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "versus",
		Name:      "finished_total",
		Help:      "Sessions finished, by reason.",
	}, []string{"reason"})

	reapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "versus",
		Name:      "sessions_reaped_total",
		Help:      "Idle waiting or finished sessions removed by the reaper.",
	})

	activeControllers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "versus",
		Name:      "active_controllers",
		Help:      "Controllers that have not exited yet.",
	})
)
