// Package metrics provides Prometheus metrics for the share loader.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the share loader.
type Metrics struct {
	// Scan metrics
	FilesScanned     *prometheus.CounterVec
	RecordsIngested  *prometheus.CounterVec
	RecordsDuplicate *prometheus.CounterVec

	// Partition metrics
	ManifestsWritten prometheus.Counter
	ManifestRecords  prometheus.Histogram

	// Upload metrics
	RecordsConfirmed *prometheus.CounterVec
	RecordsFailed    *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	TransferWait     prometheus.Histogram

	// Request metrics
	RequestAttempts *prometheus.CounterVec

	// Scheduler metrics
	ChunksDropped *prometheus.CounterVec
	ChunkDuration *prometheus.HistogramVec

	// Error metrics
	LedgerErrors *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "share_loader"
	}

	m := &Metrics{
		FilesScanned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_scanned_total",
				Help:      "Total number of candidate files found on the source share",
			},
			[]string{"path"},
		),
		RecordsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_ingested_total",
				Help:      "Total number of new records written to the ledger",
			},
			[]string{"table"},
		),
		RecordsDuplicate: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_duplicate_total",
				Help:      "Total number of files skipped because they were already ingested",
			},
			[]string{"table"},
		),
		ManifestsWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifests_written_total",
				Help:      "Total number of workload manifests written",
			},
		),
		ManifestRecords: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "manifest_records",
				Help:      "Number of records per workload manifest",
				Buckets:   prometheus.ExponentialBuckets(10, 2, 12), // 10 to ~20k
			},
		),
		RecordsConfirmed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_confirmed_total",
				Help:      "Total number of records uploaded and confirmed",
			},
			[]string{"table"},
		),
		RecordsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_failed_total",
				Help:      "Total number of records that failed the upload pipeline",
			},
			[]string{"table", "stage"},
		),
		PipelineDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Time to drive one record through the upload pipeline",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~800s
			},
			[]string{"outcome"},
		),
		TransferWait: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_wait_seconds",
				Help:      "Estimated wait applied after starting a server-side copy",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~2000s
			},
		),
		RequestAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_attempts_total",
				Help:      "Total number of remote request attempts by classification",
			},
			[]string{"operation", "class"},
		),
		ChunksDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_dropped_total",
				Help:      "Total number of scheduler chunks dropped after a timeout",
			},
			[]string{"operation"},
		),
		ChunkDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chunk_duration_seconds",
				Help:      "Time to run one scheduler chunk",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"operation"},
		),
		LedgerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_errors_total",
				Help:      "Total number of ledger read/write errors",
			},
			[]string{"operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Table     string
	Path      string
	Stage     string
	Outcome   string
	Operation string
	Class     string
}

// AddFilesScanned adds to the scanned files counter.
func (m *Metrics) AddFilesScanned(l Labels, count float64) {
	m.FilesScanned.WithLabelValues(l.Path).Add(count)
}

// IncRecordsIngested increments the ingested records counter.
func (m *Metrics) IncRecordsIngested(l Labels) {
	m.RecordsIngested.WithLabelValues(l.Table).Inc()
}

// IncRecordsDuplicate increments the duplicate records counter.
func (m *Metrics) IncRecordsDuplicate(l Labels) {
	m.RecordsDuplicate.WithLabelValues(l.Table).Inc()
}

// ObserveManifest records a written manifest and its size.
func (m *Metrics) ObserveManifest(records float64) {
	m.ManifestsWritten.Inc()
	m.ManifestRecords.Observe(records)
}

// IncRecordsConfirmed increments the confirmed records counter.
func (m *Metrics) IncRecordsConfirmed(l Labels) {
	m.RecordsConfirmed.WithLabelValues(l.Table).Inc()
}

// IncRecordsFailed increments the failed records counter.
func (m *Metrics) IncRecordsFailed(l Labels) {
	m.RecordsFailed.WithLabelValues(l.Table, l.Stage).Inc()
}

// ObservePipelineDuration records the time one record spent in the pipeline.
func (m *Metrics) ObservePipelineDuration(l Labels, seconds float64) {
	m.PipelineDuration.WithLabelValues(l.Outcome).Observe(seconds)
}

// ObserveTransferWait records the estimated copy wait.
func (m *Metrics) ObserveTransferWait(seconds float64) {
	m.TransferWait.Observe(seconds)
}

// IncRequestAttempts increments the request attempts counter.
func (m *Metrics) IncRequestAttempts(l Labels) {
	m.RequestAttempts.WithLabelValues(l.Operation, l.Class).Inc()
}

// IncChunksDropped increments the dropped chunks counter.
func (m *Metrics) IncChunksDropped(l Labels) {
	m.ChunksDropped.WithLabelValues(l.Operation).Inc()
}

// ObserveChunkDuration records the time one chunk took.
func (m *Metrics) ObserveChunkDuration(l Labels, seconds float64) {
	m.ChunkDuration.WithLabelValues(l.Operation).Observe(seconds)
}

// IncLedgerErrors increments the ledger errors counter.
func (m *Metrics) IncLedgerErrors(l Labels) {
	m.LedgerErrors.WithLabelValues(l.Operation).Inc()
}
