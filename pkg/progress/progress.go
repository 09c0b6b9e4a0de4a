// Package progress reports commit progress as structured log events.
package progress

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Logger periodically emits progress records for a long-running batch
// operation. Safe for concurrent use by multiple workers.
type Logger struct {
	message  string
	log      *zap.Logger
	interval time.Duration

	done     atomic.Int64
	total    atomic.Int64
	lastEmit atomic.Int64 // unix nanos
}

// New creates a progress logger for an operation expected to process
// total items. log may be nil.
func New(log *zap.Logger, message string, total int) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Logger{
		message:  message,
		log:      log,
		interval: 5 * time.Second,
	}
	p.total.Store(int64(total))
	return p
}

// AdjustTotal changes the expected total by delta. Used when items are
// reclassified mid-stream.
func (p *Logger) AdjustTotal(delta int) {
	p.total.Add(int64(delta))
}

// Update records count more processed items, emitting a progress event
// at most once per interval.
func (p *Logger) Update(count int) {
	done := p.done.Add(int64(count))
	total := p.total.Load()

	now := time.Now().UnixNano()
	last := p.lastEmit.Load()
	if done >= total || now-last >= int64(p.interval) {
		if p.lastEmit.CompareAndSwap(last, now) {
			p.log.Info(p.message,
				zap.Int64("done", done),
				zap.Int64("total", total),
				zap.String("event", "publish"))
		}
	}
}

// Done returns the number of items processed so far.
func (p *Logger) Done() int64 {
	return p.done.Load()
}

// Total returns the current expected total.
func (p *Logger) Total() int64 {
	return p.total.Load()
}
