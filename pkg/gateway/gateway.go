// Package gateway writes and reads session snapshots through a local cache and
// a durable transport.
//
// Save writes the local cache synchronously and then retries the durable write
// in the background with exponential backoff. Load operations never fail: any
// unusable record is reported as absent so resume can fall back to another source.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/otelhelper"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the durable write policy.
type Config struct {
	// MaxAttempts is the total number of durable write attempts per save.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt; it doubles each retry.
	BaseDelay time.Duration
	// WriteTimeout bounds a single durable write attempt.
	WriteTimeout time.Duration
	// ReadTimeout bounds LoadRemote.
	ReadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    200 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  5 * time.Second,
	}
}

// Degraded describes a durable write that gave up.
type Degraded struct {
	SessionID string
	Kind      models.WorkflowKind
	Version   uint64
	Attempts  int
	Err       error
}

// Synced describes a confirmed durable write.
type Synced struct {
	SessionID string
	Kind      models.WorkflowKind
	Version   uint64
	SavedAt   time.Time
}

// Listener receives persistence outcomes. Calls come from background
// goroutines and must not block.
type Listener interface {
	PersistenceDegraded(event Degraded)
	PersistenceSynced(event Synced)
}

// Gateway is the dual-write adapter in front of a LocalCache and a Transport.
type Gateway struct {
	cache     persistence.LocalCache
	transport persistence.Transport
	config    Config
	logger    *slog.Logger
	tracer    trace.Tracer

	// localMu orders local cache writes against Invalidate.
	localMu sync.Mutex

	mu          sync.Mutex
	invalidated map[string]struct{}
	confirmed   map[string]uint64
	inflight    map[string]map[uint64]context.CancelFunc
	nextWrite   uint64
	listeners   []Listener
	closed      bool
	pending     int
	idle        chan struct{}
}

type Option func(*Gateway)

func WithConfig(config Config) Option {
	return func(g *Gateway) {
		g.config = config
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

func New(cache persistence.LocalCache, transport persistence.Transport, opts ...Option) *Gateway {
	g := &Gateway{
		cache:       cache,
		transport:   transport,
		config:      DefaultConfig(),
		logger:      slog.Default(),
		tracer:      otelhelper.Tracer(),
		invalidated: make(map[string]struct{}),
		confirmed:   make(map[string]uint64),
		inflight:    make(map[string]map[uint64]context.CancelFunc),
		idle:        make(chan struct{}),
	}

	close(g.idle)

	for _, opt := range opts {
		opt(g)
	}

	if g.config.MaxAttempts < 1 {
		g.config.MaxAttempts = 1
	}

	g.logger = g.logger.With("module", "gateway")

	return g
}

// SnapshotKey is the local cache key of a session snapshot.
func SnapshotKey(sessionID string) string {
	return "snapshot:" + sessionID
}

// ActiveKey is the local cache key naming the last saved session of kind.
func ActiveKey(kind models.WorkflowKind) string {
	return "active:" + string(kind)
}

// AddListener registers l for degraded and synced notifications.
func (g *Gateway) AddListener(l Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.listeners = append(g.listeners, l)
}

// Save stores snapshot in the local cache and schedules the durable write.
// It never fails the caller; problems are logged and surface as Degraded.
func (g *Gateway) Save(ctx context.Context, snapshot *models.Snapshot) {
	if snapshot == nil {
		return
	}

	encoded, err := json.Marshal(snapshot)
	if err != nil {
		g.logger.ErrorContext(ctx, "Dropping snapshot that cannot be encoded",
			"error", persistence.NewSerializationError("Encode", snapshot.SessionID, err),
			"version", snapshot.Version,
		)

		return
	}

	g.localMu.Lock()

	g.mu.Lock()
	if _, gone := g.invalidated[snapshot.SessionID]; gone {
		g.mu.Unlock()
		g.localMu.Unlock()
		g.logger.DebugContext(ctx, "Ignoring save for invalidated session", "session_id", snapshot.SessionID)

		return
	}

	closed := g.closed
	g.mu.Unlock()

	g.putLocal(ctx, snapshot, encoded)
	g.localMu.Unlock()

	if closed {
		g.logger.WarnContext(ctx, "Gateway closed, snapshot kept locally only", "session_id", snapshot.SessionID)

		return
	}

	writeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	g.mu.Lock()
	if _, gone := g.invalidated[snapshot.SessionID]; gone {
		g.mu.Unlock()
		cancel()

		return
	}

	g.nextWrite++
	token := g.nextWrite

	if g.inflight[snapshot.SessionID] == nil {
		g.inflight[snapshot.SessionID] = make(map[uint64]context.CancelFunc)
	}

	g.inflight[snapshot.SessionID][token] = cancel

	g.pending++
	if g.pending == 1 {
		g.idle = make(chan struct{})
	}
	g.mu.Unlock()

	go g.write(writeCtx, cancel, token, snapshot.Clone(), encoded)
}

func (g *Gateway) putLocal(ctx context.Context, snapshot *models.Snapshot, encoded []byte) {
	err := g.cache.Put(ctx, SnapshotKey(snapshot.SessionID), encoded)
	if err != nil {
		g.logger.WarnContext(ctx, "Local cache write failed", "session_id", snapshot.SessionID, "error", err)

		return
	}

	err = g.cache.Put(ctx, ActiveKey(snapshot.Kind), []byte(snapshot.SessionID))
	if err != nil {
		g.logger.WarnContext(ctx, "Local cache pointer write failed", "session_id", snapshot.SessionID, "error", err)
	}
}

func (g *Gateway) restoreLocal(ctx context.Context, snapshot *models.Snapshot, encoded []byte) {
	g.localMu.Lock()
	defer g.localMu.Unlock()

	if g.isInvalidated(snapshot.SessionID) {
		return
	}

	g.putLocal(ctx, snapshot, encoded)
}

func (g *Gateway) write(ctx context.Context, cancel context.CancelFunc, token uint64, snapshot *models.Snapshot, encoded []byte) {
	defer g.forget(snapshot.SessionID, token)
	defer cancel()

	ctx, span := otelhelper.StartSpan(ctx, g.tracer, "gateway.durable_write",
		attribute.String(otelhelper.SessionIDKey, snapshot.SessionID),
		attribute.String(otelhelper.WorkflowKindKey, string(snapshot.Kind)),
		attribute.Int64(otelhelper.SnapshotVersionKey, int64(snapshot.Version)),
	)
	defer span.End()

	logger := g.logger.With("session_id", snapshot.SessionID, "version", snapshot.Version)

	attempts := 0
	skipped := false

	operation := func() error {
		if g.superseded(snapshot.SessionID, snapshot.Version) {
			skipped = true

			return nil
		}

		attempts++

		attemptCtx, cancelAttempt := context.WithTimeout(ctx, g.config.WriteTimeout)
		defer cancelAttempt()

		err := g.transport.Send(attemptCtx, snapshot)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		if persistence.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		logger.WarnContext(ctx, "Durable write failed, retrying", "attempt", attempts, "retry_in", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, g.policy(ctx), notify)

	span.SetAttributes(attribute.Int(otelhelper.AttemptKey, attempts))

	switch {
	case skipped:
		logger.DebugContext(ctx, "Durable write superseded")

		return
	case err == nil:
		savedAt := snapshot.SavedAt
		if g.confirm(snapshot.SessionID, snapshot.Version) {
			logger.DebugContext(ctx, "Durable write confirmed", "attempts", attempts)
			g.notifySynced(Synced{SessionID: snapshot.SessionID, Kind: snapshot.Kind, Version: snapshot.Version, SavedAt: savedAt})
		}

		return
	case ctx.Err() != nil:
		logger.DebugContext(ctx, "Durable write cancelled", "attempts", attempts)

		return
	}

	otelhelper.SetError(span, err)

	if g.superseded(snapshot.SessionID, snapshot.Version) {
		return
	}

	if persistence.IsSerialization(err) {
		logger.ErrorContext(ctx, "Durable store rejected snapshot, dropping it", "error", err)
	} else {
		// The cache may have evicted the entry while retrying.
		g.restoreLocal(context.WithoutCancel(ctx), snapshot, encoded)
		logger.ErrorContext(ctx, "Durable write failed, persistence degraded", "attempts", attempts, "error", err)
	}

	g.notifyDegraded(Degraded{
		SessionID: snapshot.SessionID,
		Kind:      snapshot.Kind,
		Version:   snapshot.Version,
		Attempts:  attempts,
		Err:       err,
	})
}

// policy waits BaseDelay, 2*BaseDelay, ... between at most MaxAttempts attempts.
func (g *Gateway) policy(ctx context.Context) backoff.BackOffContext {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = g.config.BaseDelay
	exponential.RandomizationFactor = 0
	exponential.Multiplier = 2
	exponential.MaxInterval = time.Minute
	exponential.MaxElapsedTime = 0
	exponential.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(g.config.MaxAttempts-1)), ctx)
}

func (g *Gateway) superseded(sessionID string, version uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, gone := g.invalidated[sessionID]; gone {
		return true
	}

	confirmed, ok := g.confirmed[sessionID]

	return ok && confirmed >= version
}

func (g *Gateway) confirm(sessionID string, version uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, gone := g.invalidated[sessionID]; gone {
		return false
	}

	if g.confirmed[sessionID] < version {
		g.confirmed[sessionID] = version
	}

	return true
}

func (g *Gateway) forget(sessionID string, token uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inflight[sessionID], token)

	if len(g.inflight[sessionID]) == 0 {
		delete(g.inflight, sessionID)
	}

	g.pending--
	if g.pending == 0 {
		close(g.idle)
	}
}

func (g *Gateway) notifyDegraded(event Degraded) {
	for _, l := range g.snapshotListeners() {
		l.PersistenceDegraded(event)
	}
}

func (g *Gateway) notifySynced(event Synced) {
	for _, l := range g.snapshotListeners() {
		l.PersistenceSynced(event)
	}
}

func (g *Gateway) snapshotListeners() []Listener {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]Listener(nil), g.listeners...)
}

// LoadLocal returns the cached snapshot of sessionID, or nil when it is absent,
// unreadable, fails its digest check, or belongs to another session.
// Unusable entries are removed from the cache.
func (g *Gateway) LoadLocal(ctx context.Context, sessionID string) *models.Snapshot {
	if sessionID == "" || g.isInvalidated(sessionID) {
		return nil
	}

	key := SnapshotKey(sessionID)

	encoded, err := g.cache.Get(ctx, key)
	if err != nil {
		if !persistence.IsCacheMiss(err) {
			g.logger.WarnContext(ctx, "Local cache read failed", "session_id", sessionID, "error", err)
		}

		return nil
	}

	var snapshot models.Snapshot

	err = json.Unmarshal(encoded, &snapshot)
	if err != nil {
		g.discardLocal(ctx, key, persistence.NewSerializationError("Decode", sessionID, err))

		return nil
	}

	if snapshot.SessionID != sessionID {
		g.discardLocal(ctx, key, &persistence.StaleSessionError{Expected: sessionID, Actual: snapshot.SessionID, Reason: "local cache"})

		return nil
	}

	err = snapshot.VerifyDigest()
	if err != nil {
		g.discardLocal(ctx, key, persistence.NewSerializationError("Verify", sessionID, err))

		return nil
	}

	return &snapshot
}

func (g *Gateway) discardLocal(ctx context.Context, key string, reason error) {
	g.logger.WarnContext(ctx, "Discarding unusable cached snapshot", "key", key, "error", reason)

	err := g.cache.Delete(ctx, key)
	if err != nil && !persistence.IsCacheMiss(err) {
		g.logger.WarnContext(ctx, "Local cache delete failed", "key", key, "error", err)
	}
}

// LoadRemote fetches the durable snapshot of sessionID. Missing records,
// transient failures, stale records and digest mismatches all yield nil.
func (g *Gateway) LoadRemote(ctx context.Context, sessionID string) *models.Snapshot {
	if sessionID == "" || g.isInvalidated(sessionID) {
		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, g.tracer, "gateway.load_remote",
		attribute.String(otelhelper.SessionIDKey, sessionID),
	)
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, g.config.ReadTimeout)
	defer cancel()

	snapshot, err := g.transport.Fetch(fetchCtx, sessionID)

	switch {
	case persistence.IsSnapshotNotFound(err):
		g.logger.DebugContext(ctx, "No durable snapshot", "session_id", sessionID)

		return nil
	case err != nil:
		otelhelper.SetError(span, err)
		g.logger.WarnContext(ctx, "Durable snapshot unavailable", "session_id", sessionID, "transient", persistence.IsTransient(err), "error", err)

		return nil
	case snapshot == nil:
		return nil
	}

	if snapshot.SessionID != sessionID {
		stale := &persistence.StaleSessionError{Expected: sessionID, Actual: snapshot.SessionID, Reason: "durable store"}
		otelhelper.SetError(span, stale)
		g.logger.WarnContext(ctx, "Ignoring durable snapshot", "error", stale)

		return nil
	}

	err = snapshot.VerifyDigest()
	if err != nil {
		otelhelper.SetError(span, err)
		g.logger.WarnContext(ctx, "Ignoring durable snapshot", "session_id", sessionID, "error", err)

		return nil
	}

	span.SetAttributes(attribute.Int64(otelhelper.SnapshotVersionKey, int64(snapshot.Version)))

	return snapshot
}

// ActiveSessionID returns the id of the last session of kind saved through the
// local cache, or "" when there is none.
func (g *Gateway) ActiveSessionID(ctx context.Context, kind models.WorkflowKind) string {
	value, err := g.cache.Get(ctx, ActiveKey(kind))
	if err != nil {
		if !persistence.IsCacheMiss(err) {
			g.logger.WarnContext(ctx, "Local cache read failed", "key", ActiveKey(kind), "error", err)
		}

		return ""
	}

	sessionID := string(value)
	if g.isInvalidated(sessionID) {
		return ""
	}

	return sessionID
}

// Invalidate forgets sessionID: pending durable writes are cancelled, its
// cached snapshot and any pointer naming it are removed, and later saves or
// loads for it are ignored.
func (g *Gateway) Invalidate(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}

	g.localMu.Lock()
	defer g.localMu.Unlock()

	g.mu.Lock()
	g.invalidated[sessionID] = struct{}{}
	delete(g.confirmed, sessionID)

	for _, cancel := range g.inflight[sessionID] {
		cancel()
	}
	g.mu.Unlock()

	err := g.cache.Delete(ctx, SnapshotKey(sessionID))
	if err != nil && !persistence.IsCacheMiss(err) {
		g.logger.WarnContext(ctx, "Local cache delete failed", "session_id", sessionID, "error", err)
	}

	for _, kind := range models.WorkflowKinds() {
		value, err := g.cache.Get(ctx, ActiveKey(kind))
		if err != nil || string(value) != sessionID {
			continue
		}

		err = g.cache.Delete(ctx, ActiveKey(kind))
		if err != nil && !persistence.IsCacheMiss(err) {
			g.logger.WarnContext(ctx, "Local cache delete failed", "key", ActiveKey(kind), "error", err)
		}
	}

	g.logger.DebugContext(ctx, "Session invalidated", "session_id", sessionID)
}

func (g *Gateway) isInvalidated(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, gone := g.invalidated[sessionID]

	return gone
}

// Wait blocks until every in-flight durable write has finished or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops scheduling durable writes and waits for in-flight ones. Writes
// still running when ctx ends are cancelled.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	err := g.Wait(ctx)
	if err == nil {
		return nil
	}

	g.mu.Lock()
	for _, writes := range g.inflight {
		for _, cancel := range writes {
			cancel()
		}
	}
	g.mu.Unlock()

	return err
}
