package lease

import (
	"context"
	"sync"
	"time"

	"github.com/posedge/engine/internal/core"
)

// WithLease acquires key for the duration of fn, starting a background
// renewal loop at ttl/3 and releasing on return. If renewal ever reports
// IsLost, the renewal loop cancels fn's context so the caller stops acting
// on an exposure it may no longer exclusively own (spec I7).
func WithLease(ctx context.Context, mgr core.ILeaseManager, key string, ttl time.Duration, fn func(ctx context.Context, lease core.Lease) error) error {
	lease, err := mgr.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewEvery := ttl / 3
	if renewEvery <= 0 {
		renewEvery = time.Second
	}

	var mu sync.Mutex
	current := lease

	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				held := current
				mu.Unlock()
				renewed, err := mgr.Renew(leaseCtx, held, ttl)
				if err != nil {
					cancel()
					return
				}
				mu.Lock()
				current = renewed
				mu.Unlock()
			}
		}
	}()

	err = fn(leaseCtx, lease)

	close(done)
	mu.Lock()
	final := current
	mu.Unlock()
	_ = mgr.Release(ctx, final)
	return err
}
