// Package reconcile exchanges periodic full-state snapshots between the two
// clients of a room and applies the peer's snapshots newest-wins.
package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/observability"
)

// EventSyncState is the broadcast event name snapshots travel under.
const EventSyncState = "sync_state"

// DefaultInterval is the snapshot period.
const DefaultInterval = time.Second

// State holds the opaque per-category blobs of a snapshot.
type State struct {
	Heroes    json.RawMessage `json:"heroes,omitempty"`
	Enemies   json.RawMessage `json:"enemies,omitempty"`
	Towers    json.RawMessage `json:"towers,omitempty"`
	Buildings json.RawMessage `json:"buildings,omitempty"`
}

// Snapshot is a full-state capture tagged with the sender's wall-clock tick in
// Unix milliseconds.
type Snapshot struct {
	RoomID   string `json:"room_id"`
	PlayerID string `json:"player_id"`
	Tick     int64  `json:"tick"`
	State
}

// Source captures the locally simulated state.
type Source interface {
	Capture() State
}

// SourceFunc adapts a function to Source.
type SourceFunc func() State

// Capture calls f.
func (f SourceFunc) Capture() State { return f() }

// Policy moves local state toward an accepted peer snapshot. Whether it snaps,
// interpolates or ignores categories is up to the implementation.
type Policy interface {
	Correct(s Snapshot)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(Snapshot)

// Correct calls f.
func (f PolicyFunc) Correct(s Snapshot) { f(s) }

// Broadcaster sends a best-effort message on the room channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload any) error
}

// Store persists snapshots.
type Store interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

// Reconciler produces this client's snapshots on a fixed interval and applies
// the peer's.
//
// Invariant: the watermark never decreases, and a peer snapshot is applied
// only if its tick is strictly greater than the watermark.
type Reconciler struct {
	roomID   string
	playerID string
	out      Broadcaster
	store    Store
	source   Source
	policy   Policy
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	lastTick int64
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInterval sets the snapshot period.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock overrides the tick source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a stopped Reconciler.
//
// Precondition: out, store, source and policy must be non-nil.
func NewReconciler(roomID, playerID string, out Broadcaster, store Store, source Source, policy Policy, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		roomID:   roomID,
		playerID: playerID,
		out:      out,
		store:    store,
		source:   source,
		policy:   policy,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   observability.Session(logger, "reconcile", roomID, playerID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins producing snapshots every interval until Stop or ctx ends.
// Calling Start on a running Reconciler does nothing.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.logger.Warn("persisting snapshot", zap.Error(err))
			}
		}
	}
}

// Stop halts the snapshot loop and waits for an in-flight tick to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick captures, broadcasts and persists one snapshot. Every snapshot is
// persisted; a broadcast failure is logged and does not stop persistence.
//
// Postcondition: returns the snapshot sent and any persistence error.
func (r *Reconciler) Tick(ctx context.Context) (Snapshot, error) {
	s := Snapshot{
		RoomID:   r.roomID,
		PlayerID: r.playerID,
		Tick:     r.now().UnixMilli(),
		State:    r.source.Capture(),
	}
	if err := r.out.Broadcast(ctx, EventSyncState, s); err != nil {
		r.logger.Warn("broadcasting snapshot", zap.Int64("tick", s.Tick), zap.Error(err))
	}
	return s, r.store.SaveSnapshot(ctx, s)
}

// Reconcile applies a peer snapshot if it is newer than the watermark.
//
// Postcondition: returns true iff the policy was invoked; the watermark is
// then s.Tick. Own and stale snapshots are discarded silently.
func (r *Reconciler) Reconcile(s Snapshot) bool {
	if s.PlayerID == r.playerID || (s.RoomID != "" && s.RoomID != r.roomID) {
		return false
	}
	r.mu.Lock()
	if s.Tick <= r.lastTick {
		last := r.lastTick
		r.mu.Unlock()
		r.logger.Debug("discarding stale snapshot", zap.Int64("tick", s.Tick), zap.Int64("watermark", last))
		return false
	}
	r.lastTick = s.Tick
	r.mu.Unlock()

	r.policy.Correct(s)
	return true
}

// Advance raises the watermark to tick when a finer-grained update newer than
// it has already been applied, so an older snapshot cannot regress that state.
func (r *Reconciler) Advance(tick int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tick > r.lastTick {
		r.lastTick = tick
	}
}

// LastTick returns the watermark.
func (r *Reconciler) LastTick() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTick
}
