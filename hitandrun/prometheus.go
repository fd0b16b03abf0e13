package hitandrun

import "github.com/prometheus/client_golang/prometheus"

func init() {
	prometheus.MustRegister(promFlaggedTotal, promSweepDurationMilliseconds)
}

var promFlaggedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "privtracker_hitandrun_flagged_total",
		Help: "The number of hit-and-runs flagged, by trigger",
	},
	[]string{"trigger"},
)

var promSweepDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "privtracker_hitandrun_sweep_duration_milliseconds",
	Help:    "The time it takes to sweep for silent hit-and-runs",
	Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
})
