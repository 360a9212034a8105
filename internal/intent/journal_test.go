package intent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posedge/engine/internal/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

// fakeStore is a minimal in-memory core.IEventStore, exercising only the
// intent-table methods the journal actually calls.
type fakeStore struct {
	mu      sync.Mutex
	intents map[string]core.Intent
}

func newFakeStore() *fakeStore {
	return &fakeStore{intents: make(map[string]core.Intent)}
}

func key(id core.IntentId, positionId core.PositionId) string {
	return string(id) + "|" + string(positionId)
}

func (f *fakeStore) Append(context.Context, core.PositionId, core.EventType, []byte, core.Position) (int64, error) {
	return 0, nil
}
func (f *fakeStore) LoadSnapshot(context.Context, core.PositionId) (*core.Position, error) { return nil, nil }
func (f *fakeStore) LoadEvents(context.Context, core.PositionId) ([]core.Event, error)      { return nil, nil }
func (f *fakeStore) RebuildSnapshot(context.Context, core.PositionId) (core.Position, error) {
	return core.Position{}, nil
}
func (f *fakeStore) ListActive(context.Context) ([]core.Position, error) { return nil, nil }
func (f *fakeStore) SaveOrder(context.Context, core.Order) error         { return nil }
func (f *fakeStore) LoadOrder(context.Context, core.OrderId) (*core.Order, error) { return nil, nil }
func (f *fakeStore) LoadOrderByClientId(context.Context, core.ClientOrderId) (*core.Order, error) {
	return nil, nil
}

func (f *fakeStore) AppendIntent(ctx context.Context, i core.Intent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[key(i.Id, i.PositionId)] = i
	return nil
}

func (f *fakeStore) MarkIntent(ctx context.Context, id core.IntentId, positionId core.PositionId, status core.IntentStatus, result []byte, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.intents[key(id, positionId)]
	if !ok {
		return errors.New("intent not found")
	}
	i.Status = status
	i.Result = result
	i.Error = errMsg
	f.intents[key(id, positionId)] = i
	return nil
}

func (f *fakeStore) LoadIntent(ctx context.Context, id core.IntentId, positionId core.PositionId) (*core.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.intents[key(id, positionId)]
	if !ok {
		return nil, nil
	}
	return &i, nil
}

func (f *fakeStore) ListPendingIntents(ctx context.Context) ([]core.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Intent
	for _, i := range f.intents {
		if i.Status == core.IntentPending || i.Status == core.IntentProcessing {
			out = append(out, i)
		}
	}
	return out, nil
}

func TestJournal_ProcessRunsExecOnceForAPendingIntent(t *testing.T) {
	store := newFakeStore()
	j := New(store, nopLogger{})
	ctx := context.Background()

	intent := core.Intent{Id: "intent-1", PositionId: "pos-1", Type: core.IntentEnterMarket}
	require.NoError(t, j.Record(ctx, intent))

	calls := 0
	err := j.Process(ctx, intent.Id, intent.PositionId, func(context.Context) ([]byte, error) {
		calls++
		return json.Marshal(map[string]string{"order_id": "o-1"})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	loaded, err := store.LoadIntent(ctx, intent.Id, intent.PositionId)
	require.NoError(t, err)
	assert.Equal(t, core.IntentCompleted, loaded.Status)
}

func TestJournal_ProcessIsANoOpOnceCompleted(t *testing.T) {
	store := newFakeStore()
	j := New(store, nopLogger{})
	ctx := context.Background()

	intent := core.Intent{Id: "intent-1", PositionId: "pos-1", Type: core.IntentEnterMarket}
	require.NoError(t, j.Record(ctx, intent))

	calls := 0
	exec := func(context.Context) ([]byte, error) {
		calls++
		return nil, nil
	}
	require.NoError(t, j.Process(ctx, intent.Id, intent.PositionId, exec))
	require.NoError(t, j.Process(ctx, intent.Id, intent.PositionId, exec))

	assert.Equal(t, 1, calls, "a second Process call on a completed intent must never re-invoke exec (property P7)")
}

func TestJournal_ProcessReRunsExecAfterACrashMidExecution(t *testing.T) {
	store := newFakeStore()
	j := New(store, nopLogger{})
	ctx := context.Background()

	intent := core.Intent{Id: "intent-1", PositionId: "pos-1", Type: core.IntentEnterMarket}
	require.NoError(t, store.AppendIntent(ctx, intent))
	// Simulate a crash having left the intent mid-flight.
	require.NoError(t, store.MarkIntent(ctx, intent.Id, intent.PositionId, core.IntentProcessing, nil, ""))

	calls := 0
	err := j.Process(ctx, intent.Id, intent.PositionId, func(context.Context) ([]byte, error) {
		calls++
		return json.Marshal(map[string]string{"order_id": "o-1"})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a Processing intent left by a crash must be re-driven, not skipped")
}

func TestJournal_ProcessMarksFailedOnExecError(t *testing.T) {
	store := newFakeStore()
	j := New(store, nopLogger{})
	ctx := context.Background()

	intent := core.Intent{Id: "intent-1", PositionId: "pos-1", Type: core.IntentEnterMarket}
	require.NoError(t, j.Record(ctx, intent))

	wantErr := errors.New("exchange rejected order")
	err := j.Process(ctx, intent.Id, intent.PositionId, func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	loaded, err := store.LoadIntent(ctx, intent.Id, intent.PositionId)
	require.NoError(t, err)
	assert.Equal(t, core.IntentFailed, loaded.Status)
	assert.Equal(t, wantErr.Error(), loaded.Error)
}

func TestJournal_ProcessErrorsOnUnrecordedIntent(t *testing.T) {
	store := newFakeStore()
	j := New(store, nopLogger{})

	err := j.Process(context.Background(), "never-recorded", "pos-1", func(context.Context) ([]byte, error) {
		t.Fatal("exec must never run for an intent that was never recorded")
		return nil, nil
	})
	require.Error(t, err)
}

func TestJournal_ReplayPendingResolvesEveryPendingOrProcessingIntent(t *testing.T) {
	store := newFakeStore()
	j := New(store, nopLogger{})
	ctx := context.Background()

	require.NoError(t, store.AppendIntent(ctx, core.Intent{Id: "i-1", PositionId: "pos-1", Type: core.IntentEnterMarket}))
	require.NoError(t, store.AppendIntent(ctx, core.Intent{Id: "i-2", PositionId: "pos-2", Type: core.IntentExitMarket}))
	require.NoError(t, store.MarkIntent(ctx, "i-2", "pos-2", core.IntentProcessing, nil, ""))
	// A completed intent must never be handed to resolve.
	require.NoError(t, store.AppendIntent(ctx, core.Intent{Id: "i-3", PositionId: "pos-3", Type: core.IntentEnterMarket}))
	require.NoError(t, store.MarkIntent(ctx, "i-3", "pos-3", core.IntentCompleted, nil, ""))

	var resolved []core.IntentId
	err := j.ReplayPending(ctx, func(ctx context.Context, intent core.Intent) error {
		resolved = append(resolved, intent.Id)
		return nil
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []core.IntentId{"i-1", "i-2"}, resolved)
}

func TestJournal_ReplayPendingStopsOnFirstResolveError(t *testing.T) {
	store := newFakeStore()
	j := New(store, nopLogger{})
	ctx := context.Background()
	require.NoError(t, store.AppendIntent(ctx, core.Intent{Id: "i-1", PositionId: "pos-1", Type: core.IntentEnterMarket}))

	wantErr := errors.New("resolver blew up")
	err := j.ReplayPending(ctx, func(ctx context.Context, intent core.Intent) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestDecodeResult_EmptyPayloadYieldsZeroValue(t *testing.T) {
	type result struct {
		OrderId string `json:"order_id"`
	}
	out, err := DecodeResult[result](nil)
	require.NoError(t, err)
	assert.Equal(t, result{}, out)
}

func TestDecodeResult_DecodesTypedPayload(t *testing.T) {
	type result struct {
		OrderId string `json:"order_id"`
	}
	raw, err := json.Marshal(result{OrderId: "o-1"})
	require.NoError(t, err)

	out, err := DecodeResult[result](raw)
	require.NoError(t, err)
	assert.Equal(t, "o-1", out.OrderId)
}
