// Package action relays gameplay actions between the two clients of a room:
// every action is broadcast, and actions whose history matters are also
// appended to the durable action log.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type tags a GameAction and selects its payload variant.
type Type string

const (
	TypeHeroMove       Type = "hero_move"
	TypeSpawnEnemy     Type = "spawn_enemy"
	TypeBuildTower     Type = "build_tower"
	TypeUpgradeTower   Type = "upgrade_tower"
	TypeDowngradeTower Type = "downgrade_tower"
	TypeBuildTrap      Type = "build_trap"
	TypeSellBuilding   Type = "sell_building"
	TypeResourceSync   Type = "resource_sync"
	TypeUpgradeSync    Type = "upgrade_sync"
	TypeEnemiesKilled  Type = "enemies_killed"
	TypeGameStateSync  Type = "game_state_sync"
)

// EventGameAction is the broadcast event name actions travel under.
const EventGameAction = "game_action"

// ErrUnknownActionType is returned when decoding an action_type this build does not know.
var ErrUnknownActionType = errors.New("unknown action type")

// ephemeral lists the high-frequency or supersede-able types that are never
// written to the action log. Their latest value is the only one that matters.
var ephemeral = map[Type]bool{
	TypeHeroMove:      true,
	TypeGameStateSync: true,
	TypeEnemiesKilled: true,
	TypeResourceSync:  true,
	TypeUpgradeSync:   true,
}

// Ephemeral reports whether actions of type t skip the durable log.
func Ephemeral(t Type) bool {
	return ephemeral[t]
}

// Payload is the typed body of a GameAction. Each variant dispatches itself to
// the matching Handler method, so adding a variant forces every Handler to
// handle it.
type Payload interface {
	ActionType() Type
	dispatch(h Handler, a GameAction)
}

// Point is a position on the battlefield in world units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// HeroMove is a hero position and animation update.
type HeroMove struct {
	HeroID    string `json:"hero_id"`
	Position  Point  `json:"position"`
	Velocity  Point  `json:"velocity"`
	Facing    string `json:"facing,omitempty"`
	Animation string `json:"animation,omitempty"`
}

// SpawnEnemy asks the opponent's side to spawn enemies in a lane.
type SpawnEnemy struct {
	EnemyType string `json:"enemy_type"`
	Lane      int    `json:"lane"`
	Count     int    `json:"count"`
}

// BuildTower places a tower.
type BuildTower struct {
	TowerID   string `json:"tower_id"`
	TowerType string `json:"tower_type"`
	Position  Point  `json:"position"`
	Cost      int    `json:"cost"`
}

// UpgradeTower raises a tower to Level.
type UpgradeTower struct {
	TowerID string `json:"tower_id"`
	Level   int    `json:"level"`
	Cost    int    `json:"cost"`
}

// DowngradeTower lowers a tower to Level.
type DowngradeTower struct {
	TowerID string `json:"tower_id"`
	Level   int    `json:"level"`
	Refund  int    `json:"refund"`
}

// BuildTrap places a trap.
type BuildTrap struct {
	TrapID   string `json:"trap_id"`
	TrapType string `json:"trap_type"`
	Position Point  `json:"position"`
	Cost     int    `json:"cost"`
}

// SellBuilding removes a tower, trap or building for a refund.
type SellBuilding struct {
	BuildingID string `json:"building_id"`
	Refund     int    `json:"refund"`
}

// ResourceSync carries the sender's current resources.
type ResourceSync struct {
	Gold  int `json:"gold"`
	Lives int `json:"lives"`
}

// UpgradeSync carries client-authoritative upgrade levels keyed by upgrade id.
type UpgradeSync struct {
	Levels map[string]int `json:"levels"`
}

// EnemiesKilled reports a batch of eliminations.
type EnemiesKilled struct {
	EnemyIDs []string `json:"enemy_ids"`
	Bounty   int      `json:"bounty"`
}

// GameStateSync carries an opaque full game state from the sender.
type GameStateSync struct {
	State json.RawMessage `json:"state"`
}

func (HeroMove) ActionType() Type { return TypeHeroMove }
func (SpawnEnemy) ActionType() Type { return TypeSpawnEnemy }
func (BuildTower) ActionType() Type { return TypeBuildTower }
func (UpgradeTower) ActionType() Type { return TypeUpgradeTower }
func (DowngradeTower) ActionType() Type { return TypeDowngradeTower }
func (BuildTrap) ActionType() Type { return TypeBuildTrap }
func (SellBuilding) ActionType() Type { return TypeSellBuilding }
func (ResourceSync) ActionType() Type { return TypeResourceSync }
func (UpgradeSync) ActionType() Type { return TypeUpgradeSync }
func (EnemiesKilled) ActionType() Type { return TypeEnemiesKilled }
func (GameStateSync) ActionType() Type { return TypeGameStateSync }

// GameAction is one stamped action as broadcast and as stored.
//
// Sequence is strictly increasing per Relay instance only. It is carried for
// diagnostics and is not an ordering or deduplication key.
type GameAction struct {
	ID        string
	RoomID    string
	PlayerID  string
	Type      Type
	Data      Payload
	Sequence  int64
	Timestamp time.Time
}

// wireAction is the JSON shape shared by broadcasts and game_actions rows.
type wireAction struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	PlayerID  string          `json:"player_id"`
	Type      Type            `json:"action_type"`
	Data      json.RawMessage `json:"action_data"`
	Sequence  int64           `json:"sequence_number"`
	Timestamp time.Time       `json:"created_at"`
}

// MarshalJSON encodes the action with its payload under action_data.
func (a GameAction) MarshalJSON() ([]byte, error) {
	var data json.RawMessage = []byte("null")
	if a.Data != nil {
		raw, err := json.Marshal(a.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", a.Type, err)
		}
		data = raw
	}
	return json.Marshal(wireAction{
		ID:        a.ID,
		RoomID:    a.RoomID,
		PlayerID:  a.PlayerID,
		Type:      a.Type,
		Data:      data,
		Sequence:  a.Sequence,
		Timestamp: a.Timestamp,
	})
}

// UnmarshalJSON decodes the action, selecting the payload variant by action_type.
//
// Postcondition: returns an error wrapping ErrUnknownActionType for an
// action_type this build does not know.
func (a *GameAction) UnmarshalJSON(b []byte) error {
	var w wireAction
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	payload, err := DecodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	*a = GameAction{
		ID:        w.ID,
		RoomID:    w.RoomID,
		PlayerID:  w.PlayerID,
		Type:      w.Type,
		Data:      payload,
		Sequence:  w.Sequence,
		Timestamp: w.Timestamp,
	}
	return nil
}

// DecodePayload decodes raw into the variant registered for t.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeHeroMove:
		p = &HeroMove{}
	case TypeSpawnEnemy:
		p = &SpawnEnemy{}
	case TypeBuildTower:
		p = &BuildTower{}
	case TypeUpgradeTower:
		p = &UpgradeTower{}
	case TypeDowngradeTower:
		p = &DowngradeTower{}
	case TypeBuildTrap:
		p = &BuildTrap{}
	case TypeSellBuilding:
		p = &SellBuilding{}
	case TypeResourceSync:
		p = &ResourceSync{}
	case TypeUpgradeSync:
		p = &UpgradeSync{}
	case TypeEnemiesKilled:
		p = &EnemiesKilled{}
	case TypeGameStateSync:
		p = &GameStateSync{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, t)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", t, err)
		}
	}
	return deref(p), nil
}

// deref returns payload variants by value so handlers see the same types the
// sender constructed.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *HeroMove:
		return *v
	case *SpawnEnemy:
		return *v
	case *BuildTower:
		return *v
	case *UpgradeTower:
		return *v
	case *DowngradeTower:
		return *v
	case *BuildTrap:
		return *v
	case *SellBuilding:
		return *v
	case *ResourceSync:
		return *v
	case *UpgradeSync:
		return *v
	case *EnemiesKilled:
		return *v
	case *GameStateSync:
		return *v
	}
	return p
}
