package petrel

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Engine-wide counters. They live in the process-global metrics set,
// which is how the metrics package is meant to be used; per-engine
// numbers are available through DB.Stats and Compactor.Stats.
var (
	metricFlushes         = metrics.NewCounter("petrel_memtable_flushes_total")
	metricCompactions     = metrics.NewCounter("petrel_compactions_total")
	metricCompactionBytes = metrics.NewCounter("petrel_compaction_bytes_total")
	metricCacheHits       = metrics.NewCounter("petrel_cache_hits_total")
	metricCacheMisses     = metrics.NewCounter("petrel_cache_misses_total")
	metricWALRecovered    = metrics.NewCounter("petrel_wal_recovered_records_total")
	metricWALCorrupted    = metrics.NewCounter("petrel_wal_corrupted_records_total")
)

// WriteMetrics writes all engine counters in Prometheus text format.
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
