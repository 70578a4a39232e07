package action

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

type sent struct {
	event   string
	payload any
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{event: event, payload: payload})
	return f.err
}

type fakeLog struct {
	mu      sync.Mutex
	actions []GameAction
	err     error
}

func (f *fakeLog) AppendAction(_ context.Context, a GameAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.actions = append(f.actions, a)
	return nil
}

type recordingHandler struct {
	NopHandler
	towers []BuildTower
	moves  []HeroMove
}

func (h *recordingHandler) TowerBuilt(_ GameAction, p BuildTower) { h.towers = append(h.towers, p) }
func (h *recordingHandler) HeroMoved(_ GameAction, p HeroMove)    { h.moves = append(h.moves, p) }

func newTestRelay(t *testing.T, b Broadcaster, l Log, h Handler) *Relay {
	t.Helper()
	return NewRelay("room-1", "p1", b, l, h, zaptest.NewLogger(t))
}

func TestSend_SequenceStartsAtOneAndIncrements(t *testing.T) {
	b := &fakeBroadcaster{}
	r := newTestRelay(t, b, &fakeLog{}, NopHandler{})
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 3; i++ {
		a, err := r.Send(ctx, HeroMove{HeroID: "h1"})
		require.NoError(t, err)
		seqs = append(seqs, a.Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
	assert.Equal(t, int64(3), r.Sequence())
}

func TestSend_FreshRelayRestartsSequence(t *testing.T) {
	ctx := context.Background()
	r1 := newTestRelay(t, &fakeBroadcaster{}, &fakeLog{}, NopHandler{})
	_, _ = r1.Send(ctx, HeroMove{})
	_, _ = r1.Send(ctx, HeroMove{})

	r2 := newTestRelay(t, &fakeBroadcaster{}, &fakeLog{}, NopHandler{})
	a, err := r2.Send(ctx, HeroMove{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Sequence)
}

func TestSend_HeroMoveNeverLogged(t *testing.T) {
	b, l := &fakeBroadcaster{}, &fakeLog{}
	r := newTestRelay(t, b, l, NopHandler{})

	a, err := r.Send(context.Background(), HeroMove{HeroID: "h1", Position: Point{X: 1, Y: 2}})
	require.NoError(t, err)

	assert.Len(t, b.sent, 1)
	assert.Equal(t, EventGameAction, b.sent[0].event)
	assert.Equal(t, a, b.sent[0].payload)
	assert.Empty(t, l.actions)
}

func TestSend_BuildTowerLoggedExactlyOnce(t *testing.T) {
	b, l := &fakeBroadcaster{}, &fakeLog{}
	r := newTestRelay(t, b, l, NopHandler{})

	a, err := r.Send(context.Background(), BuildTower{TowerID: "t1", TowerType: "arrow", Cost: 50})
	require.NoError(t, err)

	assert.Len(t, b.sent, 1)
	require.Len(t, l.actions, 1)
	assert.Equal(t, a.ID, l.actions[0].ID)
	assert.Equal(t, TypeBuildTower, l.actions[0].Type)
	assert.Equal(t, "room-1", l.actions[0].RoomID)
	assert.Equal(t, "p1", l.actions[0].PlayerID)
}

func TestSend_EphemeralSetIsFixed(t *testing.T) {
	for _, typ := range []Type{TypeHeroMove, TypeGameStateSync, TypeEnemiesKilled, TypeResourceSync, TypeUpgradeSync} {
		assert.True(t, Ephemeral(typ), "%s should be ephemeral", typ)
	}
	for _, typ := range []Type{TypeSpawnEnemy, TypeBuildTower, TypeUpgradeTower, TypeDowngradeTower, TypeBuildTrap, TypeSellBuilding} {
		assert.False(t, Ephemeral(typ), "%s should be persisted", typ)
	}
}

func TestSend_BroadcastFailureStillLogs(t *testing.T) {
	b := &fakeBroadcaster{err: errors.New("channel down")}
	l := &fakeLog{}
	r := newTestRelay(t, b, l, NopHandler{})

	_, err := r.Send(context.Background(), SpawnEnemy{EnemyType: "goblin", Lane: 1, Count: 3})
	require.NoError(t, err)
	assert.Len(t, l.actions, 1)
}

func TestSend_LogFailureReturnsStampedAction(t *testing.T) {
	storeErr := errors.New("insert failed")
	r := newTestRelay(t, &fakeBroadcaster{}, &fakeLog{err: storeErr}, NopHandler{})

	a, err := r.Send(context.Background(), UpgradeTower{TowerID: "t1", Level: 2})
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, int64(1), a.Sequence)
}

func TestSend_StampsClock(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRelay("room-1", "p1", &fakeBroadcaster{}, &fakeLog{}, NopHandler{}, zaptest.NewLogger(t), WithClock(func() time.Time { return at }))
	a, err := r.Send(context.Background(), HeroMove{})
	require.NoError(t, err)
	assert.Equal(t, at, a.Timestamp)
}

func remoteAction(id string, p Payload) GameAction {
	return GameAction{ID: id, RoomID: "room-1", PlayerID: "p2", Type: p.ActionType(), Data: p, Sequence: 1, Timestamp: time.Now()}
}

func TestDispatch_RoutesByVariant(t *testing.T) {
	h := &recordingHandler{}
	r := newTestRelay(t, &fakeBroadcaster{}, &fakeLog{}, h)

	assert.True(t, r.Dispatch(remoteAction("a1", BuildTower{TowerID: "t9"})))
	assert.True(t, r.Dispatch(remoteAction("a2", HeroMove{HeroID: "h2"})))

	require.Len(t, h.towers, 1)
	assert.Equal(t, "t9", h.towers[0].TowerID)
	require.Len(t, h.moves, 1)
}

func TestDispatch_SuppressesOwnEcho(t *testing.T) {
	h := &recordingHandler{}
	r := newTestRelay(t, &fakeBroadcaster{}, &fakeLog{}, h)

	own := remoteAction("a1", BuildTower{})
	own.PlayerID = "p1"
	assert.False(t, r.Dispatch(own))
	assert.Empty(t, h.towers)
}

func TestDispatch_DropsDuplicateDelivery(t *testing.T) {
	h := &recordingHandler{}
	r := newTestRelay(t, &fakeBroadcaster{}, &fakeLog{}, h)

	a := remoteAction("dup", BuildTower{TowerID: "t1"})
	assert.True(t, r.Dispatch(a))  // broadcast path
	assert.False(t, r.Dispatch(a)) // persisted-insert path
	assert.Len(t, h.towers, 1)
}

func TestDispatch_IgnoresOtherRoomAndEmptyPayload(t *testing.T) {
	r := newTestRelay(t, &fakeBroadcaster{}, &fakeLog{}, NopHandler{})

	other := remoteAction("a1", BuildTower{})
	other.RoomID = "room-2"
	assert.False(t, r.Dispatch(other))

	empty := remoteAction("a2", BuildTower{})
	empty.Data = nil
	assert.False(t, r.Dispatch(empty))
}

func TestDispatch_DedupWindowForgetsOldest(t *testing.T) {
	r := NewRelay("room-1", "p1", &fakeBroadcaster{}, &fakeLog{}, NopHandler{}, zaptest.NewLogger(t), WithDedupWindow(2))
	assert.True(t, r.Dispatch(remoteAction("a", HeroMove{})))
	assert.True(t, r.Dispatch(remoteAction("b", HeroMove{})))
	assert.True(t, r.Dispatch(remoteAction("c", HeroMove{})))
	assert.True(t, r.Dispatch(remoteAction("a", HeroMove{})))
	assert.False(t, r.Dispatch(remoteAction("c", HeroMove{})))
}

func TestOnApplied_FiresAfterDispatch(t *testing.T) {
	r := newTestRelay(t, &fakeBroadcaster{}, &fakeLog{}, NopHandler{})
	var got []string
	unsub := r.OnApplied(func(a GameAction) { got = append(got, a.ID) })

	r.Dispatch(remoteAction("a1", HeroMove{}))
	unsub()
	r.Dispatch(remoteAction("a2", HeroMove{}))
	assert.Equal(t, []string{"a1"}, got)
}

func TestGameAction_DecodesStoredRow(t *testing.T) {
	row := `{"id":"8d5a","room_id":"room-1","player_id":"p2","action_type":"build_tower",
		"action_data":{"tower_id":"t1","tower_type":"cannon","position":{"x":3,"y":4},"cost":120},
		"sequence_number":7,"created_at":"2026-10-17T12:00:00.123456+00:00"}`

	var a GameAction
	require.NoError(t, json.Unmarshal([]byte(row), &a))
	assert.Equal(t, TypeBuildTower, a.Type)
	assert.Equal(t, int64(7), a.Sequence)
	tower, ok := a.Data.(BuildTower)
	require.True(t, ok, "payload is %T", a.Data)
	assert.Equal(t, Point{X: 3, Y: 4}, tower.Position)
	assert.Equal(t, 120, tower.Cost)
}

func TestGameAction_UnknownTypeRejectedOnDecode(t *testing.T) {
	var a GameAction
	err := json.Unmarshal([]byte(`{"id":"x","action_type":"cast_spell","action_data":{}}`), &a)
	assert.ErrorIs(t, err, ErrUnknownActionType)
}

func TestDecodePayload_EveryTypeKnown(t *testing.T) {
	all := []Payload{
		HeroMove{}, SpawnEnemy{}, BuildTower{}, UpgradeTower{}, DowngradeTower{}, BuildTrap{},
		SellBuilding{}, ResourceSync{}, UpgradeSync{}, EnemiesKilled{}, GameStateSync{},
	}
	for _, p := range all {
		got, err := DecodePayload(p.ActionType(), json.RawMessage(`{}`))
		require.NoError(t, err, "type %s", p.ActionType())
		assert.IsType(t, p, got)
	}
}

// Property: sequence numbers from one Relay are exactly 1..n in send order.
func TestPropertySequenceContiguous(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(rt, "n")
		persist := rapid.SliceOfN(rapid.Bool(), n, n).Draw(rt, "persist")
		r := NewRelay("room-1", "p1", &fakeBroadcaster{}, &fakeLog{}, NopHandler{}, zaptest.NewLogger(t))
		for i := 0; i < n; i++ {
			var p Payload = HeroMove{}
			if persist[i] {
				p = BuildTrap{}
			}
			a, err := r.Send(context.Background(), p)
			if err != nil {
				rt.Fatalf("send %d: %v", i, err)
			}
			if a.Sequence != int64(i+1) {
				rt.Fatalf("send %d got sequence %d", i, a.Sequence)
			}
		}
	})
}
