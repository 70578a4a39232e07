// Package memory is an in-process implementation of the room, action and
// snapshot stores and of the room change feed.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cory-johannsen/duel/internal/game/action"
	"github.com/cory-johannsen/duel/internal/game/reconcile"
	"github.com/cory-johannsen/duel/internal/game/room"
)

// Store holds rooms, seats, actions and snapshots in memory. Every write that
// the room change feed covers is delivered to matching watchers synchronously,
// after the store lock is released, in the writing goroutine.
type Store struct {
	mu        sync.Mutex
	rooms     map[string]room.Room
	players   map[string][]room.Player
	actions   map[string][]action.GameAction
	snapshots map[string][]reconcile.Snapshot

	watchMu sync.Mutex
	nextID  uint64
	watches map[uint64]watch
}

type watch struct {
	table  room.Table
	roomID string
	fn     func(room.Change)
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		rooms:     make(map[string]room.Room),
		players:   make(map[string][]room.Player),
		actions:   make(map[string][]action.GameAction),
		snapshots: make(map[string][]reconcile.Snapshot),
		watches:   make(map[uint64]watch),
	}
}

// CreateRoom implements room.Store.
func (s *Store) CreateRoom(_ context.Context, r room.Room, host room.Player) error {
	s.mu.Lock()
	if _, ok := s.rooms[r.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("room %s already exists", r.ID)
	}
	s.rooms[r.ID] = r
	s.players[r.ID] = []room.Player{host}
	s.mu.Unlock()

	s.publish(room.TableRooms, room.OpInsert, r.ID, r)
	s.publish(room.TablePlayers, room.OpInsert, r.ID, host)
	return nil
}

// FindWaitingRoomByCode implements room.Store. When several waiting rooms
// share a code the most recently created one wins.
func (s *Store) FindWaitingRoomByCode(_ context.Context, code string) (room.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found room.Room
	ok := false
	for _, r := range s.rooms {
		if r.Code != code || r.Status != room.StatusWaiting {
			continue
		}
		if !ok || r.CreatedAt.After(found.CreatedAt) {
			found, ok = r, true
		}
	}
	if !ok {
		return room.Room{}, room.ErrRoomNotFound
	}
	return found, nil
}

// GetRoom implements room.Store.
func (s *Store) GetRoom(_ context.Context, roomID string) (room.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return room.Room{}, room.ErrRoomNotFound
	}
	return r, nil
}

// ListPlayers implements room.Store.
func (s *Store) ListPlayers(_ context.Context, roomID string) ([]room.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return nil, room.ErrRoomNotFound
	}
	out := append([]room.Player(nil), s.players[roomID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerNumber < out[j].PlayerNumber })
	return out, nil
}

// AddPlayer implements room.Store.
func (s *Store) AddPlayer(_ context.Context, p room.Player) (room.Room, room.Player, error) {
	s.mu.Lock()
	r, ok := s.rooms[p.RoomID]
	switch {
	case !ok:
		s.mu.Unlock()
		return room.Room{}, room.Player{}, room.ErrRoomNotFound
	case r.Status != room.StatusWaiting:
		s.mu.Unlock()
		return room.Room{}, room.Player{}, room.ErrRoomNotWaiting
	case r.CurrentPlayerCount >= r.MaxPlayers:
		s.mu.Unlock()
		return room.Room{}, room.Player{}, room.ErrRoomFull
	}
	taken := make(map[int]bool)
	for _, existing := range s.players[p.RoomID] {
		if existing.PlayerID == p.PlayerID {
			s.mu.Unlock()
			return room.Room{}, room.Player{}, room.ErrAlreadyJoined
		}
		taken[existing.PlayerNumber] = true
	}
	p.PlayerNumber = 1
	for taken[p.PlayerNumber] {
		p.PlayerNumber++
	}
	r.CurrentPlayerCount++
	s.rooms[r.ID] = r
	s.players[r.ID] = append(s.players[r.ID], p)
	s.mu.Unlock()

	s.publish(room.TablePlayers, room.OpInsert, r.ID, p)
	s.publish(room.TableRooms, room.OpUpdate, r.ID, r)
	return r, p, nil
}

// SetReady implements room.Store.
func (s *Store) SetReady(_ context.Context, roomID, playerID string, ready bool) error {
	p, err := s.updatePlayer(roomID, playerID, func(p *room.Player) { p.IsReady = ready })
	if err != nil {
		return err
	}
	s.publish(room.TablePlayers, room.OpUpdate, roomID, p)
	return nil
}

// TouchHeartbeat implements room.Store.
func (s *Store) TouchHeartbeat(_ context.Context, roomID, playerID string, at time.Time) error {
	p, err := s.updatePlayer(roomID, playerID, func(p *room.Player) { p.LastHeartbeat = at })
	if err != nil {
		return err
	}
	s.publish(room.TablePlayers, room.OpUpdate, roomID, p)
	return nil
}

func (s *Store) updatePlayer(roomID, playerID string, fn func(*room.Player)) (room.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return room.Player{}, room.ErrRoomNotFound
	}
	players := s.players[roomID]
	for i := range players {
		if players[i].PlayerID == playerID {
			fn(&players[i])
			return players[i], nil
		}
	}
	return room.Player{}, room.ErrPlayerNotFound
}

// MarkPlaying implements room.Store.
func (s *Store) MarkPlaying(_ context.Context, roomID string, at time.Time) (room.Room, error) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return room.Room{}, room.ErrRoomNotFound
	}
	if r.Status != room.StatusWaiting {
		s.mu.Unlock()
		return room.Room{}, room.ErrRoomNotWaiting
	}
	r.Status = room.StatusPlaying
	r.StartedAt = &at
	s.rooms[roomID] = r
	s.mu.Unlock()

	s.publish(room.TableRooms, room.OpUpdate, roomID, r)
	return r, nil
}

// RemoveWaitingPlayer implements room.Store.
func (s *Store) RemoveWaitingPlayer(_ context.Context, roomID, playerID string) (bool, error) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false, room.ErrRoomNotFound
	}
	if r.Status != room.StatusWaiting {
		s.mu.Unlock()
		return false, nil
	}
	players := s.players[roomID]
	idx := -1
	for i, p := range players {
		if p.PlayerID == playerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false, nil
	}
	removed := players[idx]
	s.players[roomID] = append(players[:idx:idx], players[idx+1:]...)
	r.CurrentPlayerCount--
	s.rooms[roomID] = r
	s.mu.Unlock()

	s.publish(room.TablePlayers, room.OpDelete, roomID, removed)
	s.publish(room.TableRooms, room.OpUpdate, roomID, r)
	return true, nil
}

// AppendAction implements action.Log.
func (s *Store) AppendAction(_ context.Context, a action.GameAction) error {
	s.mu.Lock()
	if _, ok := s.rooms[a.RoomID]; !ok {
		s.mu.Unlock()
		return room.ErrRoomNotFound
	}
	s.actions[a.RoomID] = append(s.actions[a.RoomID], a)
	s.mu.Unlock()

	s.publish(room.TableActions, room.OpInsert, a.RoomID, a)
	return nil
}

// Actions returns the logged actions of a room in append order.
func (s *Store) Actions(roomID string) []action.GameAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]action.GameAction(nil), s.actions[roomID]...)
}

// SaveSnapshot implements reconcile.Store.
func (s *Store) SaveSnapshot(_ context.Context, snap reconcile.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.RoomID] = append(s.snapshots[snap.RoomID], snap)
	return nil
}

// Snapshots returns the saved snapshots of a room in save order.
func (s *Store) Snapshots(roomID string) []reconcile.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reconcile.Snapshot(nil), s.snapshots[roomID]...)
}

// Watch implements room.ChangeFeed.
func (s *Store) Watch(ctx context.Context, table room.Table, roomID string, fn func(room.Change)) (func(), error) {
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watches[id] = watch{table: table, roomID: roomID, fn: fn}
	s.watchMu.Unlock()

	remove := func() {
		s.watchMu.Lock()
		delete(s.watches, id)
		s.watchMu.Unlock()
	}
	stop := context.AfterFunc(ctx, remove)
	return func() {
		stop()
		remove()
	}, nil
}

// WatchCount reports the number of registered watches.
func (s *Store) WatchCount() int {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return len(s.watches)
}

func (s *Store) publish(table room.Table, op room.Op, roomID string, record any) {
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	change := room.Change{Table: table, Op: op, RoomID: roomID, Record: raw}

	s.watchMu.Lock()
	ids := make([]uint64, 0, len(s.watches))
	for id, w := range s.watches {
		if w.table == table && w.roomID == roomID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(room.Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.watches[id].fn)
	}
	s.watchMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
