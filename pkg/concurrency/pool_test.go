package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/posedge/engine/internal/core"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func TestWorkerPool_SubmitRunsTask(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test_pool", MaxWorkers: 2, MaxCapacity: 10}, &noopLogger{})
	defer pool.StopAndWait()

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&counter, 1)
		})
		assert.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int64(20), atomic.LoadInt64(&counter))
}

func TestWorkerPool_NonBlockingRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewWorkerPool(PoolConfig{
		Name:        "nonblocking_pool",
		MaxWorkers:  1,
		MaxCapacity: 1,
		NonBlocking: true,
	}, &noopLogger{})
	defer func() {
		close(block)
		pool.StopAndWait()
	}()

	// Occupy the single worker so the queue fills up.
	assert.NoError(t, pool.Submit(func() { <-block }))

	rejected := false
	for i := 0; i < 50; i++ {
		if err := pool.Submit(func() { <-block }); err != nil {
			rejected = true
			break
		}
	}
	assert.True(t, rejected, "expected a full non-blocking pool to reject at least one submission")
}

func TestWorkerPool_PanicIsRecovered(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "panic_pool", MaxWorkers: 1, MaxCapacity: 4}, &noopLogger{})
	defer pool.StopAndWait()

	var wg sync.WaitGroup
	wg.Add(1)
	assert.NoError(t, pool.Submit(func() {
		defer wg.Done()
		panic("boom")
	}))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task should not hang the pool")
	}

	var ran int32
	assert.NoError(t, pool.Submit(func() { atomic.StoreInt32(&ran, 1) }))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran), "pool must keep serving tasks after a panic")
}
