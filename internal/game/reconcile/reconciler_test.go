package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeStore struct {
	mu    sync.Mutex
	saved []Snapshot
	err   error
}

func (f *fakeStore) SaveSnapshot(_ context.Context, s Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, s)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type policyRecorder struct {
	mu      sync.Mutex
	applied []int64
}

func (p *policyRecorder) Correct(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, s.Tick)
}

func heroes() State {
	return State{Heroes: json.RawMessage(`[{"id":"h1","x":1}]`)}
}

func newTestReconciler(t *testing.T, b Broadcaster, s Store, p Policy, opts ...Option) *Reconciler {
	t.Helper()
	return NewReconciler("room-1", "p1", b, s, SourceFunc(heroes), p, zaptest.NewLogger(t), opts...)
}

func peer(tick int64) Snapshot {
	return Snapshot{RoomID: "room-1", PlayerID: "p2", Tick: tick}
}

func TestReconcile_StaleDiscardedNewerApplied(t *testing.T) {
	p := &policyRecorder{}
	r := newTestReconciler(t, &fakeBroadcaster{}, &fakeStore{}, p)
	r.Advance(100)

	assert.False(t, r.Reconcile(peer(50)))
	assert.Empty(t, p.applied)
	assert.Equal(t, int64(100), r.LastTick())

	assert.True(t, r.Reconcile(peer(150)))
	assert.Equal(t, []int64{150}, p.applied)
	assert.Equal(t, int64(150), r.LastTick())
}

func TestReconcile_EqualTickDiscarded(t *testing.T) {
	p := &policyRecorder{}
	r := newTestReconciler(t, &fakeBroadcaster{}, &fakeStore{}, p)
	require.True(t, r.Reconcile(peer(10)))
	assert.False(t, r.Reconcile(peer(10)))
	assert.Equal(t, []int64{10}, p.applied)
}

func TestReconcile_IgnoresOwnAndOtherRoom(t *testing.T) {
	p := &policyRecorder{}
	r := newTestReconciler(t, &fakeBroadcaster{}, &fakeStore{}, p)

	own := peer(10)
	own.PlayerID = "p1"
	assert.False(t, r.Reconcile(own))

	other := peer(10)
	other.RoomID = "room-2"
	assert.False(t, r.Reconcile(other))
	assert.Empty(t, p.applied)
}

func TestAdvance_NeverLowersWatermark(t *testing.T) {
	r := newTestReconciler(t, &fakeBroadcaster{}, &fakeStore{}, &policyRecorder{})
	r.Advance(200)
	r.Advance(100)
	assert.Equal(t, int64(200), r.LastTick())
	assert.False(t, r.Reconcile(peer(150)))
}

func TestTick_BroadcastsAndPersists(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	b, s := &fakeBroadcaster{}, &fakeStore{}
	r := newTestReconciler(t, b, s, &policyRecorder{}, WithClock(func() time.Time { return at }))

	snap, err := r.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1_700_000_000_123), snap.Tick)
	assert.Equal(t, []string{EventSyncState}, b.events)
	require.Len(t, s.saved, 1)
	assert.JSONEq(t, `[{"id":"h1","x":1}]`, string(s.saved[0].Heroes))
	// Producing a snapshot does not move the watermark for peer snapshots.
	assert.Equal(t, int64(0), r.LastTick())
}

func TestTick_PersistsEvenWhenBroadcastFails(t *testing.T) {
	s := &fakeStore{}
	r := newTestReconciler(t, &fakeBroadcaster{err: errors.New("down")}, s, &policyRecorder{})
	_, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.saved, 1)
}

func TestTick_ReturnsPersistenceError(t *testing.T) {
	storeErr := errors.New("disk full")
	r := newTestReconciler(t, &fakeBroadcaster{}, &fakeStore{err: storeErr}, &policyRecorder{})
	_, err := r.Tick(context.Background())
	assert.ErrorIs(t, err, storeErr)
}

func TestStartStop_ProducesOnInterval(t *testing.T) {
	b, s := &fakeBroadcaster{}, &fakeStore{}
	r := newTestReconciler(t, b, s, &policyRecorder{}, WithInterval(10*time.Millisecond))

	r.Start(context.Background())
	r.Start(context.Background())
	require.Eventually(t, func() bool { return s.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()

	n := b.count()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, b.count())
}

func TestSnapshot_JSONFlattensState(t *testing.T) {
	raw, err := json.Marshal(Snapshot{RoomID: "r", PlayerID: "p", Tick: 5, State: State{Towers: json.RawMessage(`[]`)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"room_id":"r","player_id":"p","tick":5,"towers":[]}`, string(raw))
}

// Property: applied ticks are strictly increasing and the watermark equals the
// maximum tick seen.
func TestPropertyWatermarkMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ticks := rapid.SliceOf(rapid.Int64Range(0, 1000)).Draw(rt, "ticks")
		p := &policyRecorder{}
		r := newTestReconciler(t, &fakeBroadcaster{}, &fakeStore{}, p)

		var max int64
		for _, tick := range ticks {
			applied := r.Reconcile(peer(tick))
			if applied != (tick > max) {
				rt.Fatalf("tick %d applied=%v with watermark %d", tick, applied, max)
			}
			if tick > max {
				max = tick
			}
		}
		for i := 1; i < len(p.applied); i++ {
			if p.applied[i] <= p.applied[i-1] {
				rt.Fatalf("applied ticks not increasing: %v", p.applied)
			}
		}
		if r.LastTick() != max {
			rt.Fatalf("watermark %d, want %d", r.LastTick(), max)
		}
	})
}
