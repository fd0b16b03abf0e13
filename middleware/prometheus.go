package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(promCheckDurationMilliseconds, promAnnounceDurationMilliseconds)
}

var promCheckDurationMilliseconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "privtracker_check_duration_milliseconds",
		Help:    "The duration of time it takes to evaluate an anti-abuse check",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	},
	[]string{"check", "result"},
)

var promAnnounceDurationMilliseconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "privtracker_announce_duration_milliseconds",
		Help:    "The duration of time it takes to process an announce",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	},
	[]string{"result"},
)

func result(d Decision, err error) string {
	switch {
	case err != nil:
		return "error"
	case d.Rejected:
		return "rejected"
	default:
		return "accepted"
	}
}

// recordCheckDuration records the duration of time to evaluate a check in
// milliseconds.
func recordCheckDuration(check string, d Decision, err error, duration time.Duration) {
	promCheckDurationMilliseconds.
		WithLabelValues(check, result(d, err)).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// recordAnnounceDuration records the duration of time to process an announce
// in milliseconds.
func recordAnnounceDuration(d Decision, err error, duration time.Duration) {
	promAnnounceDurationMilliseconds.
		WithLabelValues(result(d, err)).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
