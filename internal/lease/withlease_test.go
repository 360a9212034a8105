package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posedge/engine/internal/core"
)

type fakeManager struct {
	acquired  int32
	renewed   int32
	released  int32
	renewErr  error
}

func (f *fakeManager) Acquire(ctx context.Context, key string, ttl time.Duration) (core.Lease, error) {
	atomic.AddInt32(&f.acquired, 1)
	return core.Lease{Key: key, FencingToken: 1, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (f *fakeManager) Renew(ctx context.Context, l core.Lease, ttl time.Duration) (core.Lease, error) {
	atomic.AddInt32(&f.renewed, 1)
	if f.renewErr != nil {
		return core.Lease{}, f.renewErr
	}
	l.ExpiresAt = time.Now().Add(ttl)
	return l, nil
}

func (f *fakeManager) Release(ctx context.Context, l core.Lease) error {
	atomic.AddInt32(&f.released, 1)
	return nil
}

func TestWithLease_RunsFnUnderAnAcquiredLeaseAndReleasesAfter(t *testing.T) {
	mgr := &fakeManager{}
	ran := false

	err := WithLease(context.Background(), mgr, "acct-1:BTC/USDT", time.Minute, func(ctx context.Context, l core.Lease) error {
		ran = true
		assert.Equal(t, "acct-1:BTC/USDT", l.Key)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.EqualValues(t, 1, atomic.LoadInt32(&mgr.acquired))
	assert.EqualValues(t, 1, atomic.LoadInt32(&mgr.released))
}

func TestWithLease_PropagatesFnError(t *testing.T) {
	mgr := &fakeManager{}
	wantErr := errors.New("exec blew up")

	err := WithLease(context.Background(), mgr, "acct-1:BTC/USDT", time.Minute, func(ctx context.Context, l core.Lease) error {
		return wantErr
	})

	require.ErrorIs(t, err, wantErr)
	assert.EqualValues(t, 1, atomic.LoadInt32(&mgr.released), "the lease must be released even when fn fails")
}

func TestWithLease_CancelsFnContextWhenRenewalReportsLost(t *testing.T) {
	mgr := &fakeManager{renewErr: errLeaseLost}

	// A tiny TTL forces a renewal attempt within the test's lifetime
	// (renewEvery = ttl/3).
	err := WithLease(context.Background(), mgr, "acct-1:BTC/USDT", 30*time.Millisecond, func(ctx context.Context, l core.Lease) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			t.Fatal("fn's context was never cancelled after the lease was reported lost")
			return nil
		}
	})

	require.Error(t, err, "fn must observe cancellation once the background renewal loop loses the lease (I7)")
}
