// Package dlq is a last-resort spill for staged batches that keep
// failing ColdStore commit even with the circuit breaker's cooldown
// applied. Entries are appended as JSON lines to a file for later
// manual or automatic reprocessing. An entry leaves the file once it is
// reprocessed successfully, or, with a warning logged, once it has
// failed MaxReprocessTries reprocess attempts.
package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adelard07/cloud-logging/internal/model"
)

// ReprocessCallback attempts to re-commit a spilled batch. Returning nil
// removes the entry from the backlog on the next reprocessing pass.
type ReprocessCallback func(ctx context.Context, batch []model.StagedEntry) error

// Config configures the dead letter queue.
type Config struct {
	Enabled           bool          `yaml:"enabled"`
	Directory         string        `yaml:"directory"`
	QueueSize         int           `yaml:"queue_size"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	ReprocessInterval time.Duration `yaml:"reprocess_interval"`
	MaxReprocessTries int           `yaml:"max_reprocess_tries"`
}

func (c *Config) applyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 1000
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.ReprocessInterval == 0 {
		c.ReprocessInterval = 5 * time.Minute
	}
	if c.MaxReprocessTries == 0 {
		c.MaxReprocessTries = 5
	}
	if c.Directory == "" {
		c.Directory = "./dlq"
	}
}

// DLQEntry is one spilled batch awaiting reprocessing.
type DLQEntry struct {
	EntryID     string               `json:"entry_id"`
	Timestamp   time.Time            `json:"timestamp"`
	Batch       []model.StagedEntry  `json:"batch"`
	ErrorMessage string              `json:"error_message"`
	RetryCount  int                  `json:"retry_count"`
}

// Stats is a point-in-time snapshot of the queue's counters.
type Stats struct {
	TotalEntries          int64     `json:"total_entries"`
	EntriesWritten         int64     `json:"entries_written"`
	WriteErrors            int64     `json:"write_errors"`
	CurrentQueueSize       int       `json:"current_queue_size"`
	LastFlush              time.Time `json:"last_flush"`
	ReprocessingAttempts   int64     `json:"reprocessing_attempts"`
	ReprocessingSuccesses  int64     `json:"reprocessing_successes"`
	ReprocessingFailures   int64     `json:"reprocessing_failures"`
	LastReprocessing       time.Time `json:"last_reprocessing"`
}

// DeadLetterQueue buffers spilled batches in memory and flushes them to
// a file on disk, with an optional background reprocessing loop.
type DeadLetterQueue struct {
	config Config
	logger *logrus.Logger

	queue chan DLQEntry
	file  *os.File
	mu    sync.RWMutex
	stats Stats

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool

	reprocess ReprocessCallback
}

// New builds a DeadLetterQueue; call Start to begin its background loops.
func New(config Config, logger *logrus.Logger) *DeadLetterQueue {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &DeadLetterQueue{
		config: config,
		logger: logger,
		queue:  make(chan DLQEntry, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetReprocessCallback registers the function used to retry spilled
// batches. Must be called before Start.
func (d *DeadLetterQueue) SetReprocessCallback(fn ReprocessCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reprocess = fn
}

// Start opens the backing file and launches the flush and reprocessing
// loops. A no-op if the queue is disabled.
func (d *DeadLetterQueue) Start() error {
	if !d.config.Enabled {
		return nil
	}

	if err := os.MkdirAll(d.config.Directory, 0o755); err != nil {
		return fmt.Errorf("dlq: create directory: %w", err)
	}

	path := filepath.Join(d.config.Directory, "dlq.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("dlq: open file: %w", err)
	}

	d.mu.Lock()
	d.file = f
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.processingLoop()

	if d.config.ReprocessInterval > 0 {
		d.wg.Add(1)
		go d.reprocessingLoop()
	}

	d.logger.WithField("path", path).Info("dead letter queue started")
	return nil
}

// Stop drains the in-memory queue to disk and closes the file.
func (d *DeadLetterQueue) Stop() {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	d.running = false
}

// AddEntry enqueues a spilled batch for file persistence. Non-blocking:
// if the in-memory queue is full, the entry is written synchronously so
// it is never dropped.
func (d *DeadLetterQueue) AddEntry(batch []model.StagedEntry, errMsg string) error {
	if !d.config.Enabled {
		return nil
	}

	entry := DLQEntry{
		EntryID:      model.NewRecordID(),
		Timestamp:    time.Now(),
		Batch:        batch,
		ErrorMessage: errMsg,
	}

	d.mu.Lock()
	d.stats.TotalEntries++
	d.mu.Unlock()

	select {
	case d.queue <- entry:
		return nil
	default:
		return d.writeEntry(entry)
	}
}

func (d *DeadLetterQueue) processingLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.drainQueue()
			return
		case entry := <-d.queue:
			if err := d.writeEntry(entry); err != nil {
				d.logger.WithError(err).Error("dlq: failed to write entry")
			}
		case <-ticker.C:
			d.flushFile()
		}
	}
}

func (d *DeadLetterQueue) drainQueue() {
	for {
		select {
		case entry := <-d.queue:
			_ = d.writeEntry(entry)
		default:
			d.flushFile()
			return
		}
	}
}

func (d *DeadLetterQueue) writeEntry(entry DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		d.mu.Lock()
		d.stats.WriteErrors++
		d.mu.Unlock()
		return fmt.Errorf("dlq: marshal entry: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		d.stats.WriteErrors++
		return fmt.Errorf("dlq: file not open")
	}

	if _, err := d.file.Write(append(data, '\n')); err != nil {
		d.stats.WriteErrors++
		return fmt.Errorf("dlq: write entry: %w", err)
	}

	d.stats.EntriesWritten++
	d.stats.CurrentQueueSize = len(d.queue)
	return nil
}

func (d *DeadLetterQueue) flushFile() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		d.file.Sync()
		d.stats.LastFlush = time.Now()
	}
}

// reprocessingLoop periodically reads the spilled file and offers each
// entry to the reprocess callback, rewriting the file with only the
// entries that failed again and have not yet reached MaxReprocessTries;
// exhausted entries are dropped from the file.
func (d *DeadLetterQueue) reprocessingLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ReprocessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.reprocessOnce()
		}
	}
}

func (d *DeadLetterQueue) reprocessOnce() {
	d.mu.RLock()
	cb := d.reprocess
	d.mu.RUnlock()
	if cb == nil {
		return
	}

	entries, err := d.readEntries()
	if err != nil {
		d.logger.WithError(err).Error("dlq: failed to read entries for reprocessing")
		return
	}
	if len(entries) == 0 {
		return
	}

	var remaining []DLQEntry
	for _, entry := range entries {
		d.mu.Lock()
		d.stats.ReprocessingAttempts++
		d.stats.LastReprocessing = time.Now()
		d.mu.Unlock()

		err := cb(d.ctx, entry.Batch)
		if err == nil {
			d.mu.Lock()
			d.stats.ReprocessingSuccesses++
			d.mu.Unlock()
			continue
		}

		d.mu.Lock()
		d.stats.ReprocessingFailures++
		d.mu.Unlock()

		entry.RetryCount++
		entry.ErrorMessage = err.Error()
		if entry.RetryCount < d.config.MaxReprocessTries {
			remaining = append(remaining, entry)
		} else {
			d.logger.WithField("entry_id", entry.EntryID).
				Warn("dlq: entry exhausted reprocess attempts, dropping it from the backlog")
		}
	}

	if err := d.rewriteFile(remaining); err != nil {
		d.logger.WithError(err).Error("dlq: failed to rewrite file after reprocessing")
	}
}

func (d *DeadLetterQueue) readEntries() ([]DLQEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := filepath.Join(d.config.Directory, "dlq.jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []DLQEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var entry DLQEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func (d *DeadLetterQueue) rewriteFile(entries []DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := filepath.Join(d.config.Directory, "dlq.jsonl")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	if d.file != nil {
		d.file.Close()
	}
	reopened, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	d.file = reopened
	d.stats.CurrentQueueSize = len(entries)
	return nil
}

// GetStats returns a snapshot of the queue's counters.
func (d *DeadLetterQueue) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

// IsHealthy reports whether the queue is running and within bounds.
func (d *DeadLetterQueue) IsHealthy() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.config.Enabled {
		return true
	}
	return d.running && len(d.queue) < d.config.QueueSize
}
