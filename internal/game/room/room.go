// Package room manages two-player room membership, presence, heartbeat
// liveness and reconnection for one client.
package room

import (
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cory-johannsen/duel/internal/realtime"
)

// Status is a room's lifecycle state. It only moves from waiting to playing.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusPlaying Status = "playing"
)

const (
	// MaxPlayers is the capacity of every room.
	MaxPlayers = 2
	// CodeLength is the number of letters in a room code.
	CodeLength = 5
	// DefaultHealth is a player's starting health.
	DefaultHealth = 100
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomFull         = errors.New("room is full")
	ErrAlreadyJoined    = errors.New("player already joined")
	ErrPlayerNotFound   = errors.New("player not in room")
	ErrNotHost          = errors.New("only the host can start the game")
	ErrNotEnoughPlayers = errors.New("not enough players")
	ErrNotAllReady      = errors.New("not all players are ready")
	ErrRoomNotWaiting   = errors.New("room is not waiting for players")
	ErrNotConnected     = errors.New("not connected to a room")
	// ErrReconnectExhausted is delivered to OnConnectionLost listeners once
	// every reconnect attempt has failed. It is never returned.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrConnectSuperseded is returned by ConnectToRoom when a later connect or
	// Disconnect ran while it was loading the room.
	ErrConnectSuperseded = errors.New("connect superseded")
)

// Room is a game room row.
//
// Invariant: CurrentPlayerCount <= MaxPlayers.
type Room struct {
	ID                 string     `json:"id"`
	Code               string     `json:"code"`
	HostID             string     `json:"host_id"`
	Status             Status     `json:"status"`
	CurrentPlayerCount int        `json:"current_player_count"`
	MaxPlayers         int        `json:"max_players"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at"`
}

// Player is a room_players row: one player's seat in a room.
type Player struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"room_id"`
	PlayerID      string    `json:"player_id"`
	Username      string    `json:"username"`
	PlayerNumber  int       `json:"player_number"`
	IsReady       bool      `json:"is_ready"`
	Health        int       `json:"health"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	JoinedAt      time.Time `json:"joined_at"`
}

// Details is a room with its players ordered by player number.
type Details struct {
	Room    Room
	Players []Player
}

// Player returns the seat held by playerID.
func (d Details) Player(playerID string) (Player, bool) {
	for _, p := range d.Players {
		if p.PlayerID == playerID {
			return p, true
		}
	}
	return Player{}, false
}

// PresenceUpdate reports a presence change on the room channel.
type PresenceUpdate struct {
	Kind realtime.PresenceKind
	// Key is the presence key that joined or left; empty for sync.
	Key string
	// Online lists the player ids currently present, sorted.
	Online []string
}

// NewCode returns a room code of CodeLength letters, each drawn uniformly
// and independently from A-Z. Codes are not checked for uniqueness.
func NewCode() string {
	var b strings.Builder
	b.Grow(CodeLength)
	for range CodeLength {
		b.WriteByte(byte('A' + rand.IntN(26)))
	}
	return b.String()
}

// ValidCode reports whether code has the room code format.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}

// NormalizeCode upper-cases and trims a code typed by a player.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
