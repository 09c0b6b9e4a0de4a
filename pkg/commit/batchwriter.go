package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/pubgate/pkg/kv"
	"github.com/3leaps/pubgate/pkg/progress"
	"github.com/3leaps/pubgate/pkg/publish"
)

// KVWriter is the slice of the kv.Batcher used by the batch writer.
type KVWriter interface {
	GetBatches(items []publish.Item) []kv.Batch
	WriteBatch(ctx context.Context, batch kv.Batch, delete bool) error
	Aliases() []publish.Alias
}

// ErrQueueTimeout is recorded when a queue push or pop exceeds the
// configured timeout. A pop timeout is a failure, not a clean worker
// exit: treating it as benign could silently drop queued batches.
var ErrQueueTimeout = errors.New("batch queue timed out")

// ErrQueueNotEmpty is recorded when the writer stops with unwritten
// batches still queued.
var ErrQueueNotEmpty = errors.New("commit incomplete, queue not empty")

// BatchWriterConfig configures a BatchWriter.
type BatchWriterConfig struct {
	// Workers is the worker pool size. Default: 10.
	Workers int

	// QueueSize is the bounded queue capacity. Default: 1000.
	QueueSize int

	// QueueTimeout bounds queue pushes and pops. Default: 10 minutes.
	QueueTimeout time.Duration

	// Delete submits batch deletes instead of writes.
	Delete bool
}

// queueEntry is either one batch or a shutdown sentinel.
type queueEntry struct {
	batch    kv.Batch
	sentinel bool
}

// BatchWriter streams batches through a bounded queue to a pool of
// writer goroutines.
//
// Usage: Start, any number of QueueBatches, then Stop. Stop joins the
// workers and returns the first recorded error, if any. A BatchWriter
// is good for a single Start/Stop cycle.
type BatchWriter struct {
	writer   KVWriter
	cfg      BatchWriterConfig
	queue    chan queueEntry
	progress *progress.Logger
	log      *zap.Logger

	wg sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewBatchWriter creates a BatchWriter delegating batch construction
// and submission to writer. itemCount seeds the progress denominator.
func NewBatchWriter(writer KVWriter, cfg BatchWriterConfig, message string, itemCount int, log *zap.Logger) *BatchWriter {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BatchWriter{
		writer:   writer,
		cfg:      cfg,
		queue:    make(chan queueEntry, cfg.QueueSize),
		progress: progress.New(log, message, itemCount),
		log:      log,
	}
}

// AdjustTotal adjusts the progress denominator, used when items are
// reclassified mid-stream.
func (w *BatchWriter) AdjustTotal(delta int) {
	w.progress.AdjustTotal(delta)
}

// Start spawns the worker pool. Workers inherit ctx, which carries the
// spawning commit's cancellation and whose logger fields attribute
// their output to that commit.
func (w *BatchWriter) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.writeBatches(ctx)
		}()
	}
}

// QueueBatches chunks items via the KV writer and pushes each batch to
// the queue, returning the IDs of items successfully queued.
//
// Once any error has been recorded, no further batches are queued.
func (w *BatchWriter) QueueBatches(items []publish.Item) []uuid.UUID {
	var queued []uuid.UUID

	for _, batch := range w.writer.GetBatches(items) {
		if w.errored() {
			break
		}
		select {
		case w.queue <- queueEntry{batch: batch}:
			queued = append(queued, batch.ItemIDs()...)
		case <-time.After(w.cfg.QueueTimeout):
			w.appendError(fmt.Errorf("queueing batch: %w", ErrQueueTimeout))
		}
	}

	return queued
}

// Stop pushes one sentinel per worker, joins the pool, and verifies
// the queue drained. The first recorded error, if any, is returned.
func (w *BatchWriter) Stop() error {
	for i := 0; i < w.cfg.Workers; i++ {
		select {
		case w.queue <- queueEntry{sentinel: true}:
		case <-time.After(w.cfg.QueueTimeout):
			w.appendError(fmt.Errorf("queueing sentinel: %w", ErrQueueTimeout))
		}
	}

	w.wg.Wait()

	// Anything left beyond excess sentinels means batches were dropped.
drain:
	for {
		select {
		case entry := <-w.queue:
			if !entry.sentinel {
				w.appendError(ErrQueueNotEmpty)
				break drain
			}
		default:
			break drain
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.errs) > 0 {
		return w.errs[0]
	}
	return nil
}

// writeBatches is the worker loop: pop one entry, write it, repeat.
// Exits on sentinel, recorded error, pop timeout or write failure.
func (w *BatchWriter) writeBatches(ctx context.Context) {
	for !w.errored() {
		var entry queueEntry
		select {
		case entry = <-w.queue:
		case <-ctx.Done():
			w.appendError(ctx.Err())
			return
		case <-time.After(w.cfg.QueueTimeout):
			w.appendError(fmt.Errorf("awaiting batch: %w", ErrQueueTimeout))
			return
		}

		if entry.sentinel {
			return
		}

		if err := w.writer.WriteBatch(ctx, entry.batch, w.cfg.Delete); err != nil {
			w.appendError(err)
			return
		}
		w.progress.Update(len(entry.batch))
	}
}

// appendError records an error. The list is append-only; it is read
// under the same lock after Stop joins the workers.
func (w *BatchWriter) appendError(err error) {
	w.log.Error("Exception while submitting batch write(s)",
		zap.Error(err),
		zap.String("event", "publish"),
		zap.Bool("success", false))

	w.mu.Lock()
	defer w.mu.Unlock()
	w.errs = append(w.errs, err)
}

func (w *BatchWriter) errored() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.errs) > 0
}
