package infra

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// maxInMemoryRecords bounds the in-memory trail. Older entries are
// still persisted in the audit store when one is attached.
const maxInMemoryRecords = 4096

// OperationRecorderImpl implements domain.Recorder. Record is append-only
// and never blocks the caller: persistence happens on a drain goroutine
// fed through a buffered channel, and an overflowing channel drops the
// persistence write rather than stall the hot path.
type OperationRecorderImpl struct {
	mu      sync.Mutex
	records []domain.SecurityOperationRecord

	sink   chan domain.SecurityOperationRecord
	done   chan struct{}
	logger *zap.Logger
}

// NewOperationRecorder creates an in-memory recorder.
func NewOperationRecorder(logger *zap.Logger) *OperationRecorderImpl {
	return &OperationRecorderImpl{logger: logger}
}

// NewOperationRecorderWithStore creates a recorder that mirrors every
// record into the encrypted audit store asynchronously.
func NewOperationRecorderWithStore(store *AuditStore, logger *zap.Logger) *OperationRecorderImpl {
	r := NewOperationRecorder(logger)
	r.sink = make(chan domain.SecurityOperationRecord, 256)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for rec := range r.sink {
			if err := store.Append(rec); err != nil {
				r.logger.Warn("failed to persist audit record",
					zap.String("path", rec.Path),
					zap.Error(err))
			}
		}
	}()

	return r
}

// Record appends one entry. Missing id/timestamp are filled in.
func (r *OperationRecorderImpl) Record(rec domain.SecurityOperationRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	r.mu.Lock()
	if len(r.records) >= maxInMemoryRecords {
		r.records = r.records[1:]
	}
	r.records = append(r.records, rec)
	r.mu.Unlock()

	if r.sink != nil {
		select {
		case r.sink <- rec:
		default:
			// Persistence is best-effort; the in-memory trail keeps it.
		}
	}
}

// Records returns a copy of the in-memory trail, oldest first.
func (r *OperationRecorderImpl) Records() []domain.SecurityOperationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SecurityOperationRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Close flushes the persistence drain. Safe to call once.
func (r *OperationRecorderImpl) Close() {
	if r.sink != nil {
		close(r.sink)
		<-r.done
	}
}

// Ensure OperationRecorderImpl implements domain.Recorder.
var _ domain.Recorder = (*OperationRecorderImpl)(nil)
