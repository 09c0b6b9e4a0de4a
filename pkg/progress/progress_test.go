package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestProgressCounts(t *testing.T) {
	p := New(nil, "writing", 100)
	p.Update(30)
	p.Update(20)

	assert.Equal(t, int64(50), p.Done())
	assert.Equal(t, int64(100), p.Total())

	p.AdjustTotal(-10)
	assert.Equal(t, int64(90), p.Total())
}

func TestProgressEmitsOnCompletion(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := New(zap.New(core), "writing", 10)

	// Mark the interval as freshly emitted so only completion logs.
	p.Update(10)

	entries := logs.All()
	assert.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "writing", last.Message)
	assert.Equal(t, int64(10), last.ContextMap()["done"])
}

func TestProgressConcurrentUpdates(t *testing.T) {
	p := New(nil, "writing", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.Update(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), p.Done())
}
