// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline, authenticator, and read surface, registered once and served
// from a dedicated HTTP server.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// IngestTotal counts every IngestHandler.ServeHTTP call by outcome.
	IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloud_logging_ingest_total",
			Help: "Total number of ingest requests by outcome",
		},
		[]string{"outcome"}, // ok, unauthorized, forbidden, malformed
	)

	// AuthValidations counts Authenticator.Validate calls by result.
	AuthValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloud_logging_auth_validations_total",
			Help: "Total number of API key validations by result",
		},
		[]string{"result"}, // accepted, rejected, error
	)

	// LocalBatchSize tracks the current size of a pipeline's LocalBatch.
	LocalBatchSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cloud_logging_local_batch_size",
		Help: "Current number of records buffered in the local batch",
	})

	// StagingCacheDrains counts drainLocalToStage outcomes.
	StagingCacheDrains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloud_logging_staging_cache_drains_total",
			Help: "Total number of local-to-staging drains by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	// ColdStoreCommits counts commitStageToCold outcomes.
	ColdStoreCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloud_logging_coldstore_commits_total",
			Help: "Total number of staging-to-coldstore commits by outcome",
		},
		[]string{"outcome"}, // full, partial, breaker_open
	)

	// ColdStoreCommitRows observes the batch size committed to ColdStore.
	ColdStoreCommitRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cloud_logging_coldstore_commit_rows",
		Help:    "Number of rows in each coldstore commit attempt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// CircuitBreakerState reports the ColdStore circuit breaker's state.
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cloud_logging_circuit_breaker_state",
		Help: "Coldstore circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// DLQSpills counts batches spilled to the dead letter queue.
	DLQSpills = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloud_logging_dlq_spills_total",
		Help: "Total number of batches spilled to the dead letter queue",
	})

	// DLQQueueSize reports the DeadLetterQueue's current size.
	DLQQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cloud_logging_dlq_queue_size",
		Help: "Current number of entries held by the dead letter queue",
	})

	// ReadAPIRequests counts List/Export calls by endpoint and outcome.
	ReadAPIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloud_logging_readapi_requests_total",
			Help: "Total ReadAPI requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // endpoint: list, export
	)

	// TenantRegistryCache reports hit/miss counts for the app cache.
	TenantRegistryCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloud_logging_tenant_registry_cache_total",
			Help: "Total TenantRegistry cache lookups by result",
		},
		[]string{"result"}, // hit, miss, expired
	)
)

var registerOnce sync.Once

// safeRegister registers a collector, tolerating a collector that was
// already registered (useful when metrics are wired from more than one
// constructed component in tests).
func safeRegister(c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			panic(err)
		}
	}
}

func registerAll() {
	registerOnce.Do(func() {
		safeRegister(IngestTotal)
		safeRegister(AuthValidations)
		safeRegister(LocalBatchSize)
		safeRegister(StagingCacheDrains)
		safeRegister(ColdStoreCommits)
		safeRegister(ColdStoreCommitRows)
		safeRegister(CircuitBreakerState)
		safeRegister(DLQSpills)
		safeRegister(DLQQueueSize)
		safeRegister(ReadAPIRequests)
		safeRegister(TenantRegistryCache)
	})
}

// Server serves /metrics and /health on a dedicated address.
type Server struct {
	server *http.Server
	logger *logrus.Logger
}

// NewServer builds a metrics Server, registering every collector exactly
// once regardless of how many times NewServer is called.
func NewServer(addr string, logger *logrus.Logger) *Server {
	registerAll()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start serves in the background. ListenAndServe errors other than a
// clean Close are logged, not returned, matching the front-end server's
// own fire-and-forget startup style.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics: server error")
		}
	}()
}

// Stop closes the metrics server.
func (s *Server) Stop() error {
	return s.server.Close()
}

// RecordIngest records an ingest outcome.
func RecordIngest(outcome string) { IngestTotal.WithLabelValues(outcome).Inc() }

// RecordAuthValidation records an authenticator validation result.
func RecordAuthValidation(result string) { AuthValidations.WithLabelValues(result).Inc() }

// SetLocalBatchSize updates the local batch size gauge.
func SetLocalBatchSize(n int) { LocalBatchSize.Set(float64(n)) }

// RecordStagingCacheDrain records a drain outcome.
func RecordStagingCacheDrain(outcome string) { StagingCacheDrains.WithLabelValues(outcome).Inc() }

// RecordColdStoreCommit records a commit outcome and its row count.
func RecordColdStoreCommit(outcome string, rows int) {
	ColdStoreCommits.WithLabelValues(outcome).Inc()
	ColdStoreCommitRows.Observe(float64(rows))
}

// SetCircuitBreakerState updates the breaker state gauge (0/1/2).
func SetCircuitBreakerState(state int) { CircuitBreakerState.Set(float64(state)) }

// RecordDLQSpill records a batch spilled to the dead letter queue.
func RecordDLQSpill() { DLQSpills.Inc() }

// SetDLQQueueSize updates the DLQ queue size gauge.
func SetDLQQueueSize(n int) { DLQQueueSize.Set(float64(n)) }

// RecordReadAPIRequest records a ReadAPI call outcome.
func RecordReadAPIRequest(endpoint, outcome string) {
	ReadAPIRequests.WithLabelValues(endpoint, outcome).Inc()
}

// RecordTenantRegistryCache records a cache lookup result.
func RecordTenantRegistryCache(result string) { TenantRegistryCache.WithLabelValues(result).Inc() }
