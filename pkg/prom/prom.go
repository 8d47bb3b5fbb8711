package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	statMigrateKeys     = "kvrocks_migrate_keys"
	statMigrateBytes    = "kvrocks_migrate_sent_bytes"
	statMigrateBatches  = "kvrocks_migrate_sent_batches"
	statMigrateState    = "kvrocks_migrate_state"
	statForbiddenWindow = "kvrocks_migrate_forbidden_window_us"
)

var (
	migrateKeys     *prometheus.CounterVec
	migrateBytes    prometheus.Counter
	migrateBatches  prometheus.Counter
	migrateState    prometheus.Gauge
	forbiddenWindow prometheus.Histogram

	resultLabels = []string{"result"}
)

// Init init prometheus.
func Init() {
	migrateKeys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: statMigrateKeys,
			Help: statMigrateKeys,
		}, resultLabels)
	prometheus.MustRegister(migrateKeys)
	migrateBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: statMigrateBytes,
			Help: statMigrateBytes,
		})
	prometheus.MustRegister(migrateBytes)
	migrateBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: statMigrateBatches,
			Help: statMigrateBatches,
		})
	prometheus.MustRegister(migrateBatches)
	migrateState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: statMigrateState,
			Help: statMigrateState,
		})
	prometheus.MustRegister(migrateState)
	forbiddenWindow = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    statForbiddenWindow,
			Help:    statForbiddenWindow,
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		})
	prometheus.MustRegister(forbiddenWindow)
	metrics()
}

func metrics() {
	http.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})
}

// MigrateKeyIncr counts one migrated key with the given result.
func MigrateKeyIncr(result string) {
	if migrateKeys == nil {
		return
	}
	migrateKeys.WithLabelValues(result).Inc()
}

// MigrateBytesAdd counts bytes sent to the destination.
func MigrateBytesAdd(n float64) {
	if migrateBytes == nil {
		return
	}
	migrateBytes.Add(n)
}

// MigrateBatchIncr counts one sent batch.
func MigrateBatchIncr() {
	if migrateBatches == nil {
		return
	}
	migrateBatches.Inc()
}

// MigrateStateSet publishes the observable migration state.
func MigrateStateSet(state int) {
	if migrateState == nil {
		return
	}
	migrateState.Set(float64(state))
}

// ForbiddenWindowObserve records the duration in microseconds during which
// client writes were paused to set the forbidden slot.
func ForbiddenWindowObserve(us float64) {
	if forbiddenWindow == nil {
		return
	}
	forbiddenWindow.Observe(us)
}
