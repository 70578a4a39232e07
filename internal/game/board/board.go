// Package board is the small battlefield model the headless client simulates.
// It applies peer actions, captures itself for snapshots, and snaps to an
// accepted peer snapshot.
package board

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/game/action"
	"github.com/cory-johannsen/duel/internal/game/reconcile"
)

// Hero is a hero's last known position.
type Hero struct {
	ID       string       `json:"id"`
	Position action.Point `json:"position"`
	Facing   string       `json:"facing,omitempty"`
}

// Tower is a placed tower.
type Tower struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Position action.Point `json:"position"`
	Level    int          `json:"level"`
}

// Building is a placed trap or other non-tower structure.
type Building struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Position action.Point `json:"position"`
}

// Wave is a pending group of enemies in a lane.
type Wave struct {
	Type  string `json:"type"`
	Lane  int    `json:"lane"`
	Count int    `json:"count"`
}

// Board holds the local battlefield. All methods are safe for concurrent use.
type Board struct {
	mu        sync.Mutex
	heroes    map[string]Hero
	towers    map[string]Tower
	buildings map[string]Building
	waves     []Wave
	gold      int
	lives     int
	logger    *zap.Logger
}

var (
	_ action.Handler   = (*Board)(nil)
	_ reconcile.Source = (*Board)(nil)
	_ reconcile.Policy = (*Board)(nil)
)

// New creates an empty Board with the given starting resources.
func New(gold, lives int, logger *zap.Logger) *Board {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Board{
		heroes:    make(map[string]Hero),
		towers:    make(map[string]Tower),
		buildings: make(map[string]Building),
		gold:      gold,
		lives:     lives,
		logger:    logger.Named("board"),
	}
}

// HeroMoved records the hero's new position.
func (b *Board) HeroMoved(_ action.GameAction, p action.HeroMove) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heroes[p.HeroID] = Hero{ID: p.HeroID, Position: p.Position, Facing: p.Facing}
}

// EnemySpawnRequested queues a wave.
func (b *Board) EnemySpawnRequested(_ action.GameAction, p action.SpawnEnemy) {
	if p.Count <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waves = append(b.waves, Wave{Type: p.EnemyType, Lane: p.Lane, Count: p.Count})
}

// TowerBuilt places a level 1 tower.
func (b *Board) TowerBuilt(_ action.GameAction, p action.BuildTower) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.towers[p.TowerID] = Tower{ID: p.TowerID, Type: p.TowerType, Position: p.Position, Level: 1}
}

// TowerUpgraded sets a known tower's level.
func (b *Board) TowerUpgraded(a action.GameAction, p action.UpgradeTower) {
	b.setLevel(a, p.TowerID, p.Level)
}

// TowerDowngraded sets a known tower's level.
func (b *Board) TowerDowngraded(a action.GameAction, p action.DowngradeTower) {
	b.setLevel(a, p.TowerID, p.Level)
}

func (b *Board) setLevel(a action.GameAction, towerID string, level int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.towers[towerID]
	if !ok {
		b.logger.Debug("level change for unknown tower",
			zap.String("tower_id", towerID),
			zap.String("action_type", string(a.Type)),
		)
		return
	}
	t.Level = level
	b.towers[towerID] = t
}

// TrapBuilt places a trap.
func (b *Board) TrapBuilt(_ action.GameAction, p action.BuildTrap) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buildings[p.TrapID] = Building{ID: p.TrapID, Type: p.TrapType, Position: p.Position}
}

// BuildingSold removes the tower or building with the given id.
func (b *Board) BuildingSold(_ action.GameAction, p action.SellBuilding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.towers, p.BuildingID)
	delete(b.buildings, p.BuildingID)
}

// ResourcesSynced adopts the sender's resources.
func (b *Board) ResourcesSynced(_ action.GameAction, p action.ResourceSync) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gold, b.lives = p.Gold, p.Lives
}

// UpgradesSynced is accepted and ignored; the board has no upgrade tree.
func (b *Board) UpgradesSynced(action.GameAction, action.UpgradeSync) {}

// EnemiesEliminated removes killed enemies from the oldest waves and credits
// the bounty.
func (b *Board) EnemiesEliminated(_ action.GameAction, p action.EnemiesKilled) {
	b.mu.Lock()
	defer b.mu.Unlock()
	left := len(p.EnemyIDs)
	for left > 0 && len(b.waves) > 0 {
		w := &b.waves[0]
		n := min(left, w.Count)
		w.Count -= n
		left -= n
		if w.Count == 0 {
			b.waves = b.waves[1:]
		}
	}
	b.gold += p.Bounty
}

// GameStateSynced treats the payload as a snapshot state and snaps to it.
func (b *Board) GameStateSynced(_ action.GameAction, p action.GameStateSync) {
	var s reconcile.State
	if err := json.Unmarshal(p.State, &s); err != nil {
		b.logger.Warn("discarding malformed game state", zap.Error(err))
		return
	}
	b.replace(s)
}

// Capture encodes the board as snapshot state.
func (b *Board) Capture() reconcile.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return reconcile.State{
		Heroes:    mustJSON(sorted(b.heroes, func(h Hero) string { return h.ID })),
		Enemies:   mustJSON(append([]Wave{}, b.waves...)),
		Towers:    mustJSON(sorted(b.towers, func(t Tower) string { return t.ID })),
		Buildings: mustJSON(sorted(b.buildings, func(bl Building) string { return bl.ID })),
	}
}

// Correct snaps every category present in s.
func (b *Board) Correct(s reconcile.Snapshot) {
	b.replace(s.State)
}

func (b *Board) replace(s reconcile.State) {
	var (
		heroes    []Hero
		waves     []Wave
		towers    []Tower
		buildings []Building
	)
	decode := func(raw json.RawMessage, v any, name string) bool {
		if len(raw) == 0 {
			return false
		}
		if err := json.Unmarshal(raw, v); err != nil {
			b.logger.Warn("discarding malformed snapshot category", zap.String("category", name), zap.Error(err))
			return false
		}
		return true
	}
	hasHeroes := decode(s.Heroes, &heroes, "heroes")
	hasWaves := decode(s.Enemies, &waves, "enemies")
	hasTowers := decode(s.Towers, &towers, "towers")
	hasBuildings := decode(s.Buildings, &buildings, "buildings")

	b.mu.Lock()
	defer b.mu.Unlock()
	if hasHeroes {
		b.heroes = index(heroes, func(h Hero) string { return h.ID })
	}
	if hasWaves {
		b.waves = waves
	}
	if hasTowers {
		b.towers = index(towers, func(t Tower) string { return t.ID })
	}
	if hasBuildings {
		b.buildings = index(buildings, func(bl Building) string { return bl.ID })
	}
}

// Towers returns the placed towers ordered by id.
func (b *Board) Towers() []Tower {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sorted(b.towers, func(t Tower) string { return t.ID })
}

// Heroes returns known heroes ordered by id.
func (b *Board) Heroes() []Hero {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sorted(b.heroes, func(h Hero) string { return h.ID })
}

// Pending returns the number of enemies waiting in all waves.
func (b *Board) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, w := range b.waves {
		n += w.Count
	}
	return n
}

// Resources returns the current gold and lives.
func (b *Board) Resources() (gold, lives int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gold, b.lives
}

// String renders a one-line summary for the console.
func (b *Board) String() string {
	gold, lives := b.Resources()
	var parts []string
	for _, t := range b.Towers() {
		parts = append(parts, fmt.Sprintf("%s(%s L%d)", t.ID, t.Type, t.Level))
	}
	return fmt.Sprintf("gold=%d lives=%d heroes=%d pending=%d towers=[%s]",
		gold, lives, len(b.Heroes()), b.Pending(), strings.Join(parts, " "))
}

func sorted[T any](m map[string]T, key func(T) string) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

func index[T any](vs []T, key func(T) string) map[string]T {
	m := make(map[string]T, len(vs))
	for _, v := range vs {
		m[key(v)] = v
	}
	return m
}

// mustJSON encodes values built from plain structs, which cannot fail.
func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("board: encoding %T: %v", v, err))
	}
	return raw
}
