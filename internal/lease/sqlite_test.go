package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	// A shared-cache in-memory database behaves like a real file for every
	// connection in the pool, unlike a bare ":memory:" DSN which hands each
	// connection its own independent database.
	m, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_AcquireGrantsAFreshLease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "acct-1:BTC/USDT", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "acct-1:BTC/USDT", l.Key)
	assert.EqualValues(t, 1, l.FencingToken)
}

func TestManager_AcquireRejectsAnAlreadyHeldLease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "acct-1:BTC/USDT", time.Minute)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "acct-1:BTC/USDT", time.Minute)
	require.Error(t, err)
	assert.True(t, IsHeld(err))
}

func TestManager_AcquireSucceedsOverAnExpiredLease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "acct-1:BTC/USDT", -time.Second)
	require.NoError(t, err)

	second, err := m.Acquire(ctx, "acct-1:BTC/USDT", time.Minute)
	require.NoError(t, err, "acquiring over an already-expired lease must succeed (bounded unavailability, spec §4.3)")
	assert.EqualValues(t, 2, second.FencingToken, "the fencing token must strictly increase across acquisitions")
}

func TestManager_RenewExtendsAnUnfencedLease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "acct-1:BTC/USDT", time.Minute)
	require.NoError(t, err)

	renewed, err := m.Renew(ctx, l, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, l.FencingToken, renewed.FencingToken)
	assert.True(t, renewed.ExpiresAt.After(l.ExpiresAt) || renewed.ExpiresAt.Equal(l.ExpiresAt))
}

func TestManager_RenewFailsOnceFencedByANewAcquisition(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "acct-1:BTC/USDT", -time.Second)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "acct-1:BTC/USDT", time.Minute)
	require.NoError(t, err, "acquiring over the expired lease mints a new fencing token")

	_, err = m.Renew(ctx, stale, time.Minute)
	require.Error(t, err)
	assert.True(t, IsLost(err), "a renewal against a superseded fencing token must report lost, not silently succeed (I7)")
}

func TestManager_ReleaseAllowsImmediateReacquisition(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "acct-1:BTC/USDT", time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, l))

	_, err = m.Acquire(ctx, "acct-1:BTC/USDT", time.Minute)
	require.NoError(t, err, "releasing early must allow immediate reacquisition without waiting out the TTL")
}

func TestManager_ReleaseWithAStaleTokenIsANoOp(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "acct-1:BTC/USDT", -time.Second)
	require.NoError(t, err)
	current, err := m.Acquire(ctx, "acct-1:BTC/USDT", time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, stale), "releasing with a superseded token must not error")

	// The current holder's lease must still be intact.
	_, err = m.Acquire(ctx, "acct-1:BTC/USDT", time.Minute)
	require.Error(t, err, "the still-valid current lease must not have been deleted by the stale release")
	assert.True(t, IsHeld(err))
	_ = current
}
