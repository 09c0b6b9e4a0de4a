package commit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pubgate/pkg/kv"
	"github.com/3leaps/pubgate/pkg/publish"
)

// fakeKVWriter chunks items into fixed-size batches and records every
// write. failAfter > 0 makes WriteBatch fail permanently once that
// many batches have succeeded.
type fakeKVWriter struct {
	batchSize int
	failAfter int
	aliases   []publish.Alias

	mu      sync.Mutex
	written []kv.Batch
	deleted []kv.Batch
}

func (f *fakeKVWriter) GetBatches(items []publish.Item) []kv.Batch {
	size := f.batchSize
	if size <= 0 {
		size = 25
	}
	var batches []kv.Batch
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		var batch kv.Batch
		for _, item := range items[start:end] {
			batch = append(batch, kv.Record{Item: item, WebURI: item.WebURI})
		}
		batches = append(batches, batch)
	}
	return batches
}

func (f *fakeKVWriter) WriteBatch(ctx context.Context, batch kv.Batch, delete bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if delete {
		f.deleted = append(f.deleted, batch)
		return nil
	}
	if f.failAfter > 0 && len(f.written) >= f.failAfter {
		return errors.New("backend unavailable")
	}
	f.written = append(f.written, batch)
	return nil
}

func (f *fakeKVWriter) Aliases() []publish.Alias {
	return f.aliases
}

func (f *fakeKVWriter) writtenItemIDs() map[uuid.UUID]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[uuid.UUID]bool)
	for _, batch := range f.written {
		for _, id := range batch.ItemIDs() {
			ids[id] = true
		}
	}
	return ids
}

func makeItems(n int) []publish.Item {
	items := make([]publish.Item, n)
	for i := range items {
		items[i] = publish.Item{
			ID:        uuid.New(),
			WebURI:    "/content/item",
			ObjectKey: "0123",
		}
	}
	return items
}

func TestBatchWriterWritesAllBatches(t *testing.T) {
	writer := &fakeKVWriter{batchSize: 10}
	items := makeItems(95)

	bw := NewBatchWriter(writer, BatchWriterConfig{Workers: 4}, "writing", len(items), nil)
	bw.Start(context.Background())

	queued := bw.QueueBatches(items)
	require.NoError(t, bw.Stop())

	assert.Len(t, queued, 95)
	assert.Len(t, writer.written, 10)
	assert.Len(t, writer.writtenItemIDs(), 95)
}

func TestBatchWriterShortCircuitsAfterError(t *testing.T) {
	writer := &fakeKVWriter{batchSize: 1, failAfter: 2}
	items := makeItems(50)

	// A tiny queue provides backpressure: once the single worker dies
	// on batch 3, the producer blocks, times out, and short-circuits.
	bw := NewBatchWriter(writer, BatchWriterConfig{
		Workers:      1,
		QueueSize:    1,
		QueueTimeout: 100 * time.Millisecond,
	}, "writing", len(items), nil)
	bw.Start(context.Background())

	var queued []uuid.UUID
	for start := 0; start < len(items); start += 5 {
		queued = append(queued, bw.QueueBatches(items[start:start+5])...)
	}

	err := bw.Stop()
	require.Error(t, err)
	assert.ErrorContains(t, err, "backend unavailable")

	// Items queued before the error was observed are a subset, not all.
	assert.Less(t, len(queued), len(items))
	assert.Len(t, writer.written, 2)
}

func TestBatchWriterDeleteMode(t *testing.T) {
	writer := &fakeKVWriter{batchSize: 25}
	items := makeItems(30)

	bw := NewBatchWriter(writer, BatchWriterConfig{Workers: 2, Delete: true}, "rolling back", len(items), nil)
	bw.Start(context.Background())
	bw.QueueBatches(items)
	require.NoError(t, bw.Stop())

	assert.Empty(t, writer.written)
	assert.Len(t, writer.deleted, 2)
}

func TestBatchWriterQueueTimeout(t *testing.T) {
	writer := &fakeKVWriter{batchSize: 1}
	items := makeItems(5)

	// No workers started, queue of 1: the second push must time out.
	bw := NewBatchWriter(writer, BatchWriterConfig{
		Workers:      1,
		QueueSize:    1,
		QueueTimeout: 20 * time.Millisecond,
	}, "writing", len(items), nil)

	queued := bw.QueueBatches(items)
	assert.Len(t, queued, 1)

	err := bw.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueTimeout)
}

func TestBatchWriterLeftoverBatchesAtStop(t *testing.T) {
	writer := &fakeKVWriter{batchSize: 1}

	// No workers started: the queued batch is still sitting in the
	// queue when Stop drains, which must surface as an error.
	bw := NewBatchWriter(writer, BatchWriterConfig{
		Workers:   1,
		QueueSize: 2,
	}, "writing", 1, nil)

	queued := bw.QueueBatches(makeItems(1))
	assert.Len(t, queued, 1)

	err := bw.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueNotEmpty)
	assert.Empty(t, writer.written)
}

func TestBatchWriterContextCancel(t *testing.T) {
	writer := &fakeKVWriter{batchSize: 1}

	ctx, cancel := context.WithCancel(context.Background())
	bw := NewBatchWriter(writer, BatchWriterConfig{Workers: 2}, "writing", 0, nil)
	bw.Start(ctx)
	cancel()

	err := bw.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
