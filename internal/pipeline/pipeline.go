// Package pipeline implements the tiered ingestion pipeline: LocalBatch
// (process-local) drains into StagingCache (shared), which commits in
// bulk to ColdStore, with a circuit breaker guarding the ColdStore leg
// and a dead letter queue recording batches that fail to commit for an
// extended stretch.
package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/adelard07/cloud-logging/internal/metrics"
	"github.com/adelard07/cloud-logging/internal/model"
	"github.com/adelard07/cloud-logging/internal/stagingcache"
	"github.com/adelard07/cloud-logging/pkg/circuit"
	"github.com/adelard07/cloud-logging/pkg/dlq"
	"github.com/adelard07/cloud-logging/pkg/tracing"
)

// StageCache is the subset of the StagingCache adapter the pipeline uses.
type StageCache interface {
	Put(ctx context.Context, key string, valueJSON []byte) error
	GetAll(ctx context.Context) ([]stagingcache.Entry, error)
	Delete(ctx context.Context, key string) (int64, error)
}

// ColdInserter is the subset of the ColdStore adapter the pipeline uses.
type ColdInserter interface {
	Insert(ctx context.Context, batch []model.ColdRow) (int, error)
}

// Config holds the pipeline's batching thresholds (§4.7).
type Config struct {
	// LocalThreshold drains LocalBatch to StagingCache once its size
	// reaches this value. Default 1 (drain on every record).
	LocalThreshold int
	// StageThreshold commits the whole StagingCache to ColdStore once
	// its size reaches this value after a local drain. Default 10.
	StageThreshold int
	// DLQFailStreak is how many consecutive non-full commits trigger a
	// spill to the dead letter queue for operator visibility. Default 5.
	DLQFailStreak int
}

func (c *Config) applyDefaults() {
	if c.LocalThreshold <= 0 {
		c.LocalThreshold = 1
	}
	if c.StageThreshold <= 0 {
		c.StageThreshold = 10
	}
	if c.DLQFailStreak <= 0 {
		c.DLQFailStreak = 5
	}
}

// Pipeline is the IngestionPipeline component.
type Pipeline struct {
	config Config
	logger *logrus.Logger

	local      *LocalBatch
	stage      StageCache
	cold       ColdInserter
	breaker    *circuit.Breaker
	deadLetter *dlq.DeadLetterQueue
	tracer     oteltrace.Tracer

	failMu     sync.Mutex
	failStreak int
}

// New builds a Pipeline. deadLetter may be nil to disable the spill path.
// tracer may be nil, in which case spans are not recorded.
func New(config Config, logger *logrus.Logger, stage StageCache, cold ColdInserter, breaker *circuit.Breaker, deadLetter *dlq.DeadLetterQueue, tracer oteltrace.Tracer) *Pipeline {
	config.applyDefaults()
	if tracer == nil {
		tracer = otel.Tracer("pipeline")
	}
	return &Pipeline{
		config:     config,
		logger:     logger,
		local:      NewLocalBatch(),
		stage:      stage,
		cold:       cold,
		breaker:    breaker,
		deadLetter: deadLetter,
		tracer:     tracer,
	}
}

// Ingest implements §4.7's public operation.
func (p *Pipeline) Ingest(ctx context.Context, record *model.LogRecord) *model.LogRecord {
	ctx, span := tracing.StartSpan(ctx, p.tracer, "pipeline.ingest")
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	p.local.Append(record)
	metrics.SetLocalBatchSize(p.local.Len())

	if p.local.Len() >= p.config.LocalThreshold {
		if !p.drainLocalToStage(ctx) {
			p.logger.Warn("pipeline: drain to staging cache failed, record remains in local batch")
			return record
		}
	}

	entries, err := p.stage.GetAll(ctx)
	if err != nil {
		spanErr = err
		p.logger.WithError(err).Warn("pipeline: failed to read staging cache size")
		return record
	}

	n := len(entries)
	if n == 0 {
		return record
	}
	if n < p.config.StageThreshold {
		return record
	}

	if !p.commitStageToCold(ctx) {
		p.logger.Warn("pipeline: commit to cold store incomplete, entries remain staged")
	}

	return record
}

// drainLocalToStage implements §4.7: exactly one drain attempt per
// Ingest call. On the first failed Put, the remaining records (including
// the one that failed) are requeued and false is returned.
func (p *Pipeline) drainLocalToStage(ctx context.Context) bool {
	ctx, span := tracing.StartSpan(ctx, p.tracer, "pipeline.drain_local_to_stage")
	defer span.End()

	snapshot := p.local.SnapshotAndClear()
	span.SetAttributes(attribute.Int("batch_size", len(snapshot)))

	for i, record := range snapshot {
		recordID := model.NewRecordID()
		data, err := json.Marshal(record)
		if err != nil {
			p.logger.WithError(err).Error("pipeline: failed to serialize record, dropping from batch")
			continue
		}

		if err := p.stage.Put(ctx, recordID, data); err != nil {
			p.logger.WithError(err).Warn("pipeline: staging cache put failed, requeuing remainder")
			p.local.Requeue(snapshot[i:])
			metrics.RecordStagingCacheDrain("failure")
			span.RecordError(err)
			return false
		}
	}

	metrics.RecordStagingCacheDrain("success")
	return true
}

// commitStageToCold implements §4.7's full/partial-success handling and
// wraps the ColdStore.Insert call with the circuit breaker.
func (p *Pipeline) commitStageToCold(ctx context.Context) bool {
	ctx, span := tracing.StartSpan(ctx, p.tracer, "pipeline.commit_stage_to_cold")
	defer span.End()

	entries, err := p.stage.GetAll(ctx)
	if err != nil {
		p.logger.WithError(err).Error("pipeline: failed to snapshot staging cache for commit")
		span.RecordError(err)
		return false
	}

	n := len(entries)
	span.SetAttributes(attribute.Int("staged_count", n))
	if n == 0 {
		return true
	}

	batch := make([]model.ColdRow, 0, n)
	for _, e := range entries {
		row, err := entryToColdRow(e)
		if err != nil {
			p.logger.WithError(err).Warn("pipeline: failed to flatten staged entry, skipping")
			continue
		}
		batch = append(batch, row)
	}

	var inserted int
	breakerErr := p.breaker.Execute(func() error {
		got, err := p.cold.Insert(ctx, batch)
		inserted = got
		return err
	})
	if breakerErr != nil {
		inserted = 0
	}
	metrics.SetCircuitBreakerState(breakerState(p.breaker))

	if inserted == n {
		p.resetFailStreak()
		metrics.RecordColdStoreCommit("full", inserted)
		if _, err := p.stage.Delete(ctx, ""); err != nil {
			p.logger.WithError(err).Error("pipeline: eviction after full commit failed, duplicates possible on retry")
			return false
		}
		return true
	}

	streak, shouldSpill := p.recordFailure()
	outcome := "partial"
	if breakerErr != nil {
		outcome = "breaker_open"
		span.RecordError(breakerErr)
	}
	metrics.RecordColdStoreCommit(outcome, inserted)
	p.logger.WithFields(logrus.Fields{
		"inserted":    inserted,
		"staged":      n,
		"fail_streak": streak,
	}).Warn("pipeline: cold store commit incomplete, staging cache not evicted")

	if p.deadLetter != nil && shouldSpill {
		if err := p.deadLetter.AddEntry(entriesToStaged(entries), coldStoreFailureReason(breakerErr, inserted, n)); err != nil {
			p.logger.WithError(err).Error("pipeline: failed to spill persistently failing batch to dead letter queue")
		} else {
			metrics.RecordDLQSpill()
			metrics.SetDLQQueueSize(p.deadLetter.GetStats().CurrentQueueSize)
		}
		p.resetFailStreak()
	}

	return false
}

// resetFailStreak clears the consecutive-failure counter after a full
// commit or a DLQ spill.
func (p *Pipeline) resetFailStreak() {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	p.failStreak = 0
}

// recordFailure increments the consecutive-failure counter and reports
// whether it has reached the DLQ spill threshold, atomically with the
// increment so concurrent commit attempts can't race past the threshold.
func (p *Pipeline) recordFailure() (streak int, shouldSpill bool) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	p.failStreak++
	return p.failStreak, p.failStreak >= p.config.DLQFailStreak
}

// breakerState maps the circuit breaker's state to the metrics gauge
// convention (0=closed, 1=open, 2=half-open).
func breakerState(b *circuit.Breaker) int {
	switch b.State() {
	case circuit.CircuitBreakerOpen:
		return 1
	case circuit.CircuitBreakerHalfOpen:
		return 2
	default:
		return 0
	}
}

func coldStoreFailureReason(breakerErr error, inserted, n int) string {
	if breakerErr != nil {
		return "circuit breaker: " + breakerErr.Error()
	}
	return "partial commit: inserted " + strconv.Itoa(inserted) + " of " + strconv.Itoa(n)
}

// entryToColdRow flattens a decoded staging cache entry into a ColdRow.
func entryToColdRow(e stagingcache.Entry) (model.ColdRow, error) {
	fields, ok := e.Value.(map[string]interface{})
	if !ok {
		data, err := json.Marshal(e.Value)
		if err != nil {
			return model.ColdRow{}, err
		}
		fields = map[string]interface{}{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return model.ColdRow{}, err
		}
	}

	ts := time.Now()
	if raw, ok := fields["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}

	return model.ColdRow{ID: e.Key, Timestamp: ts, Fields: model.FlattenColdFields(fields)}, nil
}

// entriesToStaged reconstructs StagedEntry values (decoded back into
// model.LogRecord) from raw staging cache entries, for DLQ persistence.
func entriesToStaged(entries []stagingcache.Entry) []model.StagedEntry {
	staged := make([]model.StagedEntry, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e.Value)
		if err != nil {
			continue
		}
		var record model.LogRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		staged = append(staged, model.StagedEntry{RecordID: e.Key, Record: &record})
	}
	return staged
}
