package room

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence boundary for rooms and their players.
//
// AddPlayer, MarkPlaying and RemoveWaitingPlayer are atomic conditional
// writes; implementations must not split them into a read and a write.
type Store interface {
	// CreateRoom inserts r and its host seat together.
	CreateRoom(ctx context.Context, r Room, host Player) error
	// FindWaitingRoomByCode returns ErrRoomNotFound unless a waiting room has code.
	FindWaitingRoomByCode(ctx context.Context, code string) (Room, error)
	GetRoom(ctx context.Context, roomID string) (Room, error)
	// ListPlayers returns the room's seats ordered by player number.
	ListPlayers(ctx context.Context, roomID string) ([]Player, error)
	// AddPlayer seats p in the lowest free player number and increments the
	// room's player count. It fails with ErrRoomNotWaiting, ErrRoomFull or
	// ErrAlreadyJoined without writing.
	AddPlayer(ctx context.Context, p Player) (Room, Player, error)
	SetReady(ctx context.Context, roomID, playerID string, ready bool) error
	TouchHeartbeat(ctx context.Context, roomID, playerID string, at time.Time) error
	// MarkPlaying moves a waiting room to playing, or fails with ErrRoomNotWaiting.
	MarkPlaying(ctx context.Context, roomID string, at time.Time) (Room, error)
	// RemoveWaitingPlayer deletes the seat and decrements the count only while
	// the room is waiting. It reports whether a row was removed.
	RemoveWaitingPlayer(ctx context.Context, roomID, playerID string) (bool, error)
}

// Table names a change feed source.
type Table string

const (
	TableRooms   Table = "rooms"
	TablePlayers Table = "room_players"
	TableActions Table = "game_actions"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Change is one row change delivered by a ChangeFeed. Record holds the row
// as JSON with the column names as keys.
type Change struct {
	Table  Table           `json:"table"`
	Op     Op              `json:"op"`
	RoomID string          `json:"room_id"`
	Record json.RawMessage `json:"record"`
}

// ChangeFeed delivers row changes for one room and table.
type ChangeFeed interface {
	// Watch calls fn for each change to table rows of roomID until cancel is
	// called or ctx ends.
	Watch(ctx context.Context, table Table, roomID string, fn func(Change)) (cancel func(), err error)
}
