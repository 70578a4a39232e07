package board_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/duel/internal/game/action"
	"github.com/cory-johannsen/duel/internal/game/board"
	"github.com/cory-johannsen/duel/internal/game/reconcile"
)

func apply(b *board.Board, p action.Payload) {
	action.Apply(b, action.GameAction{ID: "a", Type: p.ActionType(), Data: p})
}

func TestBoard_TowerLifecycle(t *testing.T) {
	b := board.New(100, 20, zaptest.NewLogger(t))

	apply(b, action.BuildTower{TowerID: "t1", TowerType: "arrow", Position: action.Point{X: 1, Y: 2}, Cost: 50})
	apply(b, action.UpgradeTower{TowerID: "t1", Level: 3})
	apply(b, action.DowngradeTower{TowerID: "t1", Level: 2})
	apply(b, action.UpgradeTower{TowerID: "missing", Level: 9})

	require.Len(t, b.Towers(), 1)
	assert.Equal(t, board.Tower{ID: "t1", Type: "arrow", Position: action.Point{X: 1, Y: 2}, Level: 2}, b.Towers()[0])

	apply(b, action.SellBuilding{BuildingID: "t1", Refund: 25})
	assert.Empty(t, b.Towers())
}

func TestBoard_EnemiesKilledDrainsOldestWaveFirst(t *testing.T) {
	b := board.New(0, 20, zaptest.NewLogger(t))
	apply(b, action.SpawnEnemy{EnemyType: "grunt", Lane: 1, Count: 2})
	apply(b, action.SpawnEnemy{EnemyType: "brute", Lane: 2, Count: 3})
	apply(b, action.SpawnEnemy{EnemyType: "none", Lane: 2, Count: 0})

	apply(b, action.EnemiesKilled{EnemyIDs: []string{"e1", "e2", "e3"}, Bounty: 15})

	assert.Equal(t, 2, b.Pending())
	gold, _ := b.Resources()
	assert.Equal(t, 15, gold)
}

func TestBoard_CorrectReplacesOnlyPresentCategories(t *testing.T) {
	peer := board.New(0, 0, zaptest.NewLogger(t))
	apply(peer, action.BuildTower{TowerID: "p1", TowerType: "cannon"})

	local := board.New(0, 0, zaptest.NewLogger(t))
	apply(local, action.HeroMove{HeroID: "h1", Position: action.Point{X: 5}})
	apply(local, action.BuildTower{TowerID: "l1", TowerType: "arrow"})

	state := peer.Capture()
	local.Correct(reconcile.Snapshot{Tick: 10, State: reconcile.State{Towers: state.Towers}})

	require.Len(t, local.Towers(), 1)
	assert.Equal(t, "p1", local.Towers()[0].ID)
	assert.Len(t, local.Heroes(), 1, "heroes absent from the snapshot are kept")
}

func TestBoard_MalformedCategoryIgnored(t *testing.T) {
	b := board.New(0, 0, zaptest.NewLogger(t))
	apply(b, action.BuildTower{TowerID: "t1"})
	b.Correct(reconcile.Snapshot{State: reconcile.State{Towers: json.RawMessage(`{"not":"a list"}`)}})
	assert.Len(t, b.Towers(), 1)
}

func TestBoard_GameStateSyncSnaps(t *testing.T) {
	peer := board.New(0, 0, nil)
	apply(peer, action.BuildTrap{TrapID: "trap", TrapType: "spikes"})
	raw, err := json.Marshal(peer.Capture())
	require.NoError(t, err)

	b := board.New(0, 0, zaptest.NewLogger(t))
	apply(b, action.GameStateSync{State: raw})
	assert.JSONEq(t, string(peer.Capture().Buildings), string(b.Capture().Buildings))
}

func TestPropertyCaptureCorrectRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		src := board.New(0, 0, nil)
		n := rapid.IntRange(0, 8).Draw(rt, "towers")
		for i := range n {
			apply(src, action.BuildTower{
				TowerID:   rapid.StringMatching(`t[0-9]{1,3}`).Draw(rt, "id"),
				TowerType: "arrow",
				Position:  action.Point{X: float64(i)},
			})
		}
		dst := board.New(0, 0, nil)
		dst.Correct(reconcile.Snapshot{State: src.Capture()})
		assert.Equal(rt, src.Towers(), dst.Towers())
	})
}
