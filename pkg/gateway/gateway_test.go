package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stepwise-analytics/stepwise/pkg/gateway"
	"github.com/stepwise-analytics/stepwise/pkg/log"
	"github.com/stepwise-analytics/stepwise/pkg/mocks"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
	"github.com/stepwise-analytics/stepwise/pkg/persistence/memory"
	"github.com/stepwise-analytics/stepwise/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	degraded []gateway.Degraded
	synced   []gateway.Synced
}

func (r *recorder) PersistenceDegraded(event gateway.Degraded) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.degraded = append(r.degraded, event)
}

func (r *recorder) PersistenceSynced(event gateway.Synced) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.synced = append(r.synced, event)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.degraded), len(r.synced)
}

func newGateway(t *testing.T, transport persistence.Transport) (*gateway.Gateway, *memory.Cache, *recorder) {
	t.Helper()

	cache := memory.NewCache()
	gw := gateway.New(cache, transport,
		gateway.WithLogger(log.Discard()),
		gateway.WithConfig(gateway.Config{
			MaxAttempts:  3,
			BaseDelay:    time.Millisecond,
			WriteTimeout: time.Second,
			ReadTimeout:  time.Second,
		}),
	)

	rec := &recorder{}
	gw.AddListener(rec)

	return gw, cache, rec
}

func wait(t *testing.T, gw *gateway.Gateway) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, gw.Wait(ctx))
}

func outage() error {
	return persistence.NewTransientError("Send", "", errors.New("connection refused"))
}

func TestGateway_SaveWritesLocalThenDurable(t *testing.T) {
	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).Return(nil).Once()

	gw, cache, rec := newGateway(t, transport)
	ctx := context.Background()
	snapshot := testutil.CreateTestSnapshot()

	gw.Save(ctx, snapshot)

	local := gw.LoadLocal(ctx, snapshot.SessionID)
	require.NotNil(t, local)
	assert.Equal(t, snapshot.Version, local.Version)
	assert.Equal(t, snapshot.SessionID, gw.ActiveSessionID(ctx, models.RegressionWorkflow))

	wait(t, gw)

	transport.AssertNumberOfCalls(t, "Send", 1)

	degraded, synced := rec.counts()
	assert.Zero(t, degraded)
	assert.Equal(t, 1, synced)
	assert.Equal(t, 2, cache.Len())
}

func TestGateway_DegradedAfterThreeAttempts(t *testing.T) {
	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).Return(outage())

	gw, _, rec := newGateway(t, transport)
	ctx := context.Background()
	snapshot := testutil.CreateTestSnapshot()

	gw.Save(ctx, snapshot)
	wait(t, gw)

	transport.AssertNumberOfCalls(t, "Send", 3)

	degraded, synced := rec.counts()
	require.Equal(t, 1, degraded)
	assert.Zero(t, synced)
	assert.Equal(t, 3, rec.degraded[0].Attempts)
	assert.Equal(t, snapshot.Version, rec.degraded[0].Version)
	assert.True(t, persistence.IsTransient(rec.degraded[0].Err))

	kept := gw.LoadLocal(ctx, snapshot.SessionID)
	require.NotNil(t, kept)
	assert.Equal(t, snapshot.Version, kept.Version)
}

func TestGateway_RecoversWithinRetryBudget(t *testing.T) {
	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).Return(outage()).Twice()
	transport.On("Send", mock.Anything, mock.Anything).Return(nil).Once()

	gw, _, rec := newGateway(t, transport)

	gw.Save(context.Background(), testutil.CreateTestSnapshot())
	wait(t, gw)

	transport.AssertNumberOfCalls(t, "Send", 3)

	degraded, synced := rec.counts()
	assert.Zero(t, degraded)
	assert.Equal(t, 1, synced)
}

func TestGateway_SerializationErrorIsNotRetried(t *testing.T) {
	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).
		Return(persistence.NewSerializationError("Send", "s", errors.New("422 unprocessable"))).Once()

	gw, _, rec := newGateway(t, transport)
	snapshot := testutil.CreateTestSnapshot()

	gw.Save(context.Background(), snapshot)
	wait(t, gw)

	transport.AssertNumberOfCalls(t, "Send", 1)

	degraded, _ := rec.counts()
	require.Equal(t, 1, degraded)
	assert.Equal(t, 1, rec.degraded[0].Attempts)
	assert.NotNil(t, gw.LoadLocal(context.Background(), snapshot.SessionID))
}

func TestGateway_SerializationErrorDropsSnapshot(t *testing.T) {
	var cache *memory.Cache

	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			// Simulate an eviction while the write is in flight.
			_ = cache.Delete(context.Background(), gateway.SnapshotKey(args.Get(1).(*models.Snapshot).SessionID))
		}).
		Return(persistence.NewSerializationError("Send", "s", errors.New("422 unprocessable"))).Once()

	gw, c, rec := newGateway(t, transport)
	cache = c
	snapshot := testutil.CreateTestSnapshot()

	gw.Save(context.Background(), snapshot)
	wait(t, gw)

	degraded, _ := rec.counts()
	assert.Equal(t, 1, degraded)
	assert.Nil(t, gw.LoadLocal(context.Background(), snapshot.SessionID))
}

func TestGateway_TransientFailureRestoresEvictedSnapshot(t *testing.T) {
	var cache *memory.Cache

	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			_ = cache.Delete(context.Background(), gateway.SnapshotKey(args.Get(1).(*models.Snapshot).SessionID))
		}).
		Return(outage())

	gw, c, _ := newGateway(t, transport)
	cache = c
	snapshot := testutil.CreateTestSnapshot()

	gw.Save(context.Background(), snapshot)
	wait(t, gw)

	assert.NotNil(t, gw.LoadLocal(context.Background(), snapshot.SessionID))
}

func TestGateway_SaveIgnoresCallerCancellation(t *testing.T) {
	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).Return(nil).Once()

	gw, _, rec := newGateway(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	gw.Save(ctx, testutil.CreateTestSnapshot())
	cancel()

	wait(t, gw)

	_, synced := rec.counts()
	assert.Equal(t, 1, synced)
}

func TestGateway_InvalidateCancelsAndClears(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)

			select {
			case <-args.Get(0).(context.Context).Done():
			case <-release:
			}
		}).
		Return(outage()).Once()

	gw, _, rec := newGateway(t, transport)
	ctx := context.Background()
	snapshot := testutil.CreateTestSnapshot()

	gw.Save(ctx, snapshot)
	<-started

	gw.Invalidate(ctx, snapshot.SessionID)
	wait(t, gw)
	close(release)

	degraded, synced := rec.counts()
	assert.Zero(t, degraded)
	assert.Zero(t, synced)
	assert.Nil(t, gw.LoadLocal(ctx, snapshot.SessionID))
	assert.Empty(t, gw.ActiveSessionID(ctx, models.RegressionWorkflow))

	gw.Save(ctx, snapshot)
	assert.Nil(t, gw.LoadLocal(ctx, snapshot.SessionID))
	transport.AssertNumberOfCalls(t, "Send", 1)
}

// blockingCache holds the first snapshot Put until release is closed.
type blockingCache struct {
	*memory.Cache

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCache) Put(ctx context.Context, key string, value []byte) error {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})

	return c.Cache.Put(ctx, key, value)
}

func TestGateway_InvalidateDuringLocalWrite(t *testing.T) {
	cache := &blockingCache{
		Cache:   memory.NewCache(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).Return(nil).Maybe()

	gw := gateway.New(cache, transport, gateway.WithLogger(log.Discard()))
	ctx := context.Background()
	snapshot := testutil.CreateTestSnapshot()

	saved := make(chan struct{})

	go func() {
		defer close(saved)
		gw.Save(ctx, snapshot)
	}()

	<-cache.entered

	invalidated := make(chan struct{})

	go func() {
		defer close(invalidated)
		gw.Invalidate(ctx, snapshot.SessionID)
	}()

	time.Sleep(20 * time.Millisecond)
	close(cache.release)

	<-saved
	<-invalidated
	wait(t, gw)

	reloaded := gateway.New(cache.Cache, transport, gateway.WithLogger(log.Discard()))
	assert.Nil(t, reloaded.LoadLocal(ctx, snapshot.SessionID))
	assert.Empty(t, reloaded.ActiveSessionID(ctx, snapshot.Kind))
}

func TestGateway_InvalidateKeepsOtherPointer(t *testing.T) {
	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).Return(nil)

	gw, _, _ := newGateway(t, transport)
	ctx := context.Background()

	older := testutil.CreateTestSnapshot()
	newer := testutil.CreateTestSnapshot()

	gw.Save(ctx, older)
	gw.Save(ctx, newer)
	wait(t, gw)

	gw.Invalidate(ctx, older.SessionID)

	assert.Equal(t, newer.SessionID, gw.ActiveSessionID(ctx, models.RegressionWorkflow))
}

func TestGateway_LoadLocalRejectsStaleEntries(t *testing.T) {
	gw, cache, _ := newGateway(t, &mocks.MockTransport{})
	ctx := context.Background()

	other := testutil.CreateTestSnapshot(testutil.WithSessionID("other"))
	encoded, err := json.Marshal(other)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, gateway.SnapshotKey("wanted"), encoded))

	assert.Nil(t, gw.LoadLocal(ctx, "wanted"))

	_, err = cache.Get(ctx, gateway.SnapshotKey("wanted"))
	assert.True(t, persistence.IsCacheMiss(err))
}

func TestGateway_LoadLocalRejectsCorruptEntries(t *testing.T) {
	gw, cache, _ := newGateway(t, &mocks.MockTransport{})
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, gateway.SnapshotKey("garbled"), []byte("{")))
	assert.Nil(t, gw.LoadLocal(ctx, "garbled"))

	tampered := testutil.CreateTestSnapshot(
		testutil.WithSessionID("tampered"),
		testutil.WithDigest("0000000000000000000000000000000000000000000000000000000000000000"),
	)
	encoded, err := json.Marshal(tampered)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, gateway.SnapshotKey("tampered"), encoded))

	assert.Nil(t, gw.LoadLocal(ctx, "tampered"))
	assert.Nil(t, gw.LoadLocal(ctx, "missing"))
}

func TestGateway_LoadRemote(t *testing.T) {
	ctx := context.Background()
	stored := testutil.CreateTestSnapshot(testutil.WithSessionID("remote"))

	tests := []struct {
		name     string
		snapshot *models.Snapshot
		err      error
		want     bool
	}{
		{name: "found", snapshot: stored, want: true},
		{name: "not found", err: persistence.ErrSnapshotNotFound},
		{name: "transient failure", err: outage()},
		{name: "stale record", snapshot: testutil.CreateTestSnapshot(testutil.WithSessionID("someone-else"))},
		{name: "digest mismatch", snapshot: testutil.CreateTestSnapshot(
			testutil.WithSessionID("remote"),
			testutil.WithDigest("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"),
		)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &mocks.MockTransport{}
			transport.On("Fetch", mock.Anything, "remote").Return(tt.snapshot, tt.err).Once()

			gw, _, _ := newGateway(t, transport)

			got := gw.LoadRemote(ctx, "remote")
			if tt.want {
				require.NotNil(t, got)
				assert.Equal(t, stored.Version, got.Version)
			} else {
				assert.Nil(t, got)
			}

			transport.AssertExpectations(t)
		})
	}
}

func TestGateway_SkipsWritesAlreadyConfirmed(t *testing.T) {
	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).Return(nil)

	gw, _, rec := newGateway(t, transport)
	ctx := context.Background()

	newer := testutil.CreateTestSnapshot(testutil.WithVersion(9))
	gw.Save(ctx, newer)
	wait(t, gw)

	older := testutil.CreateTestSnapshot(testutil.WithSessionID(newer.SessionID), testutil.WithVersion(8))
	gw.Save(ctx, older)
	wait(t, gw)

	transport.AssertNumberOfCalls(t, "Send", 1)

	_, synced := rec.counts()
	assert.Equal(t, 1, synced)
}

func TestGateway_CloseKeepsLocalOnly(t *testing.T) {
	transport := &mocks.MockTransport{}

	gw, _, _ := newGateway(t, transport)
	ctx := context.Background()

	require.NoError(t, gw.Close(ctx))

	snapshot := testutil.CreateTestSnapshot()
	gw.Save(ctx, snapshot)

	assert.NotNil(t, gw.LoadLocal(ctx, snapshot.SessionID))
	transport.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestGateway_LocalCacheFailures(t *testing.T) {
	cache := &mocks.MockLocalCache{}
	cache.On("Put", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full"))
	cache.On("Get", mock.Anything, mock.Anything).Return(nil, errors.New("disk unreadable"))

	transport := &mocks.MockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).Return(nil).Once()

	gw := gateway.New(cache, transport, gateway.WithLogger(log.Discard()))
	rec := &recorder{}
	gw.AddListener(rec)

	ctx := context.Background()
	snapshot := testutil.CreateTestSnapshot()

	gw.Save(ctx, snapshot)
	wait(t, gw)

	transport.AssertNumberOfCalls(t, "Send", 1)

	_, synced := rec.counts()
	assert.Equal(t, 1, synced)
	assert.Nil(t, gw.LoadLocal(ctx, snapshot.SessionID))
	cache.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestGateway_LoadLocalDiscardsUndecodableEntry(t *testing.T) {
	cache := &mocks.MockLocalCache{}
	cache.On("Get", mock.Anything, gateway.SnapshotKey("s-1")).Return([]byte("{"), nil)
	cache.On("Delete", mock.Anything, gateway.SnapshotKey("s-1")).Return(persistence.ErrCacheMiss).Once()

	gw := gateway.New(cache, &mocks.MockTransport{}, gateway.WithLogger(log.Discard()))

	assert.Nil(t, gw.LoadLocal(context.Background(), "s-1"))
	cache.AssertExpectations(t)
}
