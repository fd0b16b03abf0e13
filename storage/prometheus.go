package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	// Register the metrics.
	prometheus.MustRegister(
		PromGCDurationMilliseconds,
		PromPeerRecordsCount,
		PromSeedersCount,
		PromLeechersCount,
		PromHitAndRunsCount,
	)
}

var (
	// PromGCDurationMilliseconds is a histogram used by the storage to record
	// the durations of execution time required for pruning the announce log.
	PromGCDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "privtracker_storage_gc_duration_milliseconds",
		Help:    "The time it takes to perform storage garbage collection",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	})

	// PromPeerRecordsCount is a gauge used to hold the current total amount
	// of peer records.
	PromPeerRecordsCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "privtracker_storage_peer_records_count",
		Help: "The number of peer records stored",
	})

	// PromSeedersCount is a gauge used to hold the current total amount of
	// peers that have not stopped and have nothing left to download.
	PromSeedersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "privtracker_storage_seeders_count",
		Help: "The number of seeders tracked",
	})

	// PromLeechersCount is a gauge used to hold the current total amount of
	// peers that have not stopped and are still downloading.
	PromLeechersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "privtracker_storage_leechers_count",
		Help: "The number of leechers tracked",
	})

	// PromHitAndRunsCount is a gauge used to hold the current total amount
	// of records flagged as hit-and-run.
	PromHitAndRunsCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "privtracker_storage_hit_and_runs_count",
		Help: "The number of (user, torrent) pairs flagged as hit-and-run",
	})
)

// RecordGCDuration records the duration of a GC sweep.
func RecordGCDuration(duration time.Duration) {
	PromGCDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// Stats are the totals reported to prometheus by a Store.
type Stats struct {
	PeerRecords int64
	Seeders     int64
	Leechers    int64
	HitAndRuns  int64
}

// ReportStats posts s to the prometheus gauges.
func ReportStats(s Stats) {
	PromPeerRecordsCount.Set(float64(s.PeerRecords))
	PromSeedersCount.Set(float64(s.Seeders))
	PromLeechersCount.Set(float64(s.Leechers))
	PromHitAndRunsCount.Set(float64(s.HitAndRuns))
}
