package pipeline

import (
	"sync"

	"github.com/adelard07/cloud-logging/internal/model"
)

// LocalBatch is an in-memory, append-only buffer of LogRecords held
// inside a single pipeline instance. It is never shared between
// processes.
type LocalBatch struct {
	mu      sync.Mutex
	records []*model.LogRecord
}

// NewLocalBatch builds an empty LocalBatch.
func NewLocalBatch() *LocalBatch {
	return &LocalBatch{}
}

// Append adds record to the buffer.
func (b *LocalBatch) Append(record *model.LogRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, record)
}

// Len reports the current number of buffered records.
func (b *LocalBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// SnapshotAndClear returns every buffered record and empties the
// buffer. Callers that fail to persist the snapshot are responsible for
// re-appending whatever did not make it through.
func (b *LocalBatch) SnapshotAndClear() []*model.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.records
	b.records = nil
	return records
}

// Requeue re-appends records at the front of the buffer, used by
// drainLocalToStage to put back whatever a failed Put run did not reach.
func (b *LocalBatch) Requeue(records []*model.LogRecord) {
	if len(records) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(records, b.records...)
}
