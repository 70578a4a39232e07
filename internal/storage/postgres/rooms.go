package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/duel/internal/game/room"
)

const roomColumns = `id::text, code, host_id, status, current_player_count, max_players, created_at, started_at`

const playerColumns = `id::text, room_id::text, player_id, username, player_number, is_ready, health, last_heartbeat, joined_at`

// RoomRepository implements room.Store.
type RoomRepository struct {
	db *pgxpool.Pool
}

// NewRoomRepository creates a RoomRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

// CreateRoom inserts the room and the host's seat in one transaction.
func (r *RoomRepository) CreateRoom(ctx context.Context, rm room.Room, host room.Player) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO rooms (id, code, host_id, status, current_player_count, max_players, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rm.ID, rm.Code, rm.HostID, string(rm.Status), rm.CurrentPlayerCount, rm.MaxPlayers, rm.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting room: %w", err)
		}
		if _, err := insertPlayer(ctx, tx, host); err != nil {
			return err
		}
		return nil
	})
}

// FindWaitingRoomByCode returns the newest waiting room with code.
//
// Postcondition: Returns room.ErrRoomNotFound if none matches.
func (r *RoomRepository) FindWaitingRoomByCode(ctx context.Context, code string) (room.Room, error) {
	return scanRoom(r.db.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms
		 WHERE code = $1 AND status = 'waiting'
		 ORDER BY created_at DESC LIMIT 1`,
		code,
	))
}

// GetRoom returns the room with roomID or room.ErrRoomNotFound.
func (r *RoomRepository) GetRoom(ctx context.Context, roomID string) (room.Room, error) {
	if !validID(roomID) {
		return room.Room{}, room.ErrRoomNotFound
	}
	return scanRoom(r.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1::uuid`, roomID))
}

// ListPlayers returns the seats of roomID ordered by player number. An unknown
// room has no seats.
func (r *RoomRepository) ListPlayers(ctx context.Context, roomID string) ([]room.Player, error) {
	if !validID(roomID) {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+playerColumns+` FROM room_players WHERE room_id = $1::uuid ORDER BY player_number`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying players: %w", err)
	}
	defer rows.Close()

	var players []room.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating players: %w", err)
	}
	return players, nil
}

// AddPlayer seats p in the lowest free player number. The room row is locked
// for the duration so concurrent joins serialize.
func (r *RoomRepository) AddPlayer(ctx context.Context, p room.Player) (room.Room, room.Player, error) {
	if !validID(p.RoomID) {
		return room.Room{}, room.Player{}, room.ErrRoomNotFound
	}
	var (
		rm   room.Room
		seat room.Player
	)
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		locked, err := scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1::uuid FOR UPDATE`, p.RoomID))
		if err != nil {
			return err
		}
		switch {
		case locked.Status != room.StatusWaiting:
			return room.ErrRoomNotWaiting
		case locked.CurrentPlayerCount >= locked.MaxPlayers:
			return room.ErrRoomFull
		}

		rows, err := tx.Query(ctx, `SELECT player_id, player_number FROM room_players WHERE room_id = $1::uuid`, p.RoomID)
		if err != nil {
			return fmt.Errorf("querying seats: %w", err)
		}
		taken := make(map[int]bool)
		for rows.Next() {
			var (
				playerID string
				number   int
			)
			if err := rows.Scan(&playerID, &number); err != nil {
				rows.Close()
				return fmt.Errorf("scanning seat: %w", err)
			}
			if playerID == p.PlayerID {
				rows.Close()
				return room.ErrAlreadyJoined
			}
			taken[number] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating seats: %w", err)
		}

		p.PlayerNumber = 1
		for taken[p.PlayerNumber] {
			p.PlayerNumber++
		}
		if seat, err = insertPlayer(ctx, tx, p); err != nil {
			return err
		}
		rm, err = scanRoom(tx.QueryRow(ctx,
			`UPDATE rooms SET current_player_count = current_player_count + 1
			 WHERE id = $1::uuid RETURNING `+roomColumns,
			p.RoomID,
		))
		return err
	})
	if err != nil {
		return room.Room{}, room.Player{}, err
	}
	return rm, seat, nil
}

// SetReady updates a seat's ready flag.
func (r *RoomRepository) SetReady(ctx context.Context, roomID, playerID string, ready bool) error {
	return r.updateSeat(ctx, roomID, playerID,
		`UPDATE room_players SET is_ready = $3 WHERE room_id = $1::uuid AND player_id = $2`, ready)
}

// TouchHeartbeat sets a seat's last_heartbeat.
func (r *RoomRepository) TouchHeartbeat(ctx context.Context, roomID, playerID string, at time.Time) error {
	return r.updateSeat(ctx, roomID, playerID,
		`UPDATE room_players SET last_heartbeat = $3 WHERE room_id = $1::uuid AND player_id = $2`, at)
}

func (r *RoomRepository) updateSeat(ctx context.Context, roomID, playerID, sql string, value any) error {
	if !validID(roomID) {
		return room.ErrRoomNotFound
	}
	tag, err := r.db.Exec(ctx, sql, roomID, playerID, value)
	if err != nil {
		return fmt.Errorf("updating seat: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.GetRoom(ctx, roomID); err != nil {
		return err
	}
	return room.ErrPlayerNotFound
}

// MarkPlaying moves a waiting room to playing with a single conditional update.
//
// Postcondition: Returns room.ErrRoomNotWaiting if the room had already
// started, room.ErrRoomNotFound if it does not exist.
func (r *RoomRepository) MarkPlaying(ctx context.Context, roomID string, at time.Time) (room.Room, error) {
	if !validID(roomID) {
		return room.Room{}, room.ErrRoomNotFound
	}
	rm, err := scanRoom(r.db.QueryRow(ctx,
		`UPDATE rooms SET status = 'playing', started_at = $2
		 WHERE id = $1::uuid AND status = 'waiting'
		 RETURNING `+roomColumns,
		roomID, at,
	))
	if !errors.Is(err, room.ErrRoomNotFound) {
		return rm, err
	}
	if _, err := r.GetRoom(ctx, roomID); err != nil {
		return room.Room{}, err
	}
	return room.Room{}, room.ErrRoomNotWaiting
}

// RemoveWaitingPlayer deletes the seat and decrements the count in one
// transaction, and only while the room is waiting.
func (r *RoomRepository) RemoveWaitingPlayer(ctx context.Context, roomID, playerID string) (bool, error) {
	if !validID(roomID) {
		return false, room.ErrRoomNotFound
	}
	removed := false
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM rooms WHERE id = $1::uuid FOR UPDATE`, roomID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return room.ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("locking room: %w", err)
		}
		if room.Status(status) != room.StatusWaiting {
			return nil
		}
		tag, err := tx.Exec(ctx, `DELETE FROM room_players WHERE room_id = $1::uuid AND player_id = $2`, roomID, playerID)
		if err != nil {
			return fmt.Errorf("deleting seat: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE rooms SET current_player_count = current_player_count - 1 WHERE id = $1::uuid`, roomID,
		); err != nil {
			return fmt.Errorf("decrementing player count: %w", err)
		}
		removed = true
		return nil
	})
	return removed, err
}

func insertPlayer(ctx context.Context, tx pgx.Tx, p room.Player) (room.Player, error) {
	seat, err := scanPlayer(tx.QueryRow(ctx,
		`INSERT INTO room_players (id, room_id, player_id, username, player_number, is_ready, health, last_heartbeat, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+playerColumns,
		p.ID, p.RoomID, p.PlayerID, p.Username, p.PlayerNumber, p.IsReady, p.Health, p.LastHeartbeat, p.JoinedAt,
	))
	if isUniqueViolation(err) {
		return room.Player{}, room.ErrAlreadyJoined
	}
	if err != nil {
		return room.Player{}, fmt.Errorf("inserting player: %w", err)
	}
	return seat, nil
}

func scanRoom(row pgx.Row) (room.Room, error) {
	var (
		rm     room.Room
		status string
	)
	err := row.Scan(&rm.ID, &rm.Code, &rm.HostID, &status, &rm.CurrentPlayerCount, &rm.MaxPlayers, &rm.CreatedAt, &rm.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return room.Room{}, room.ErrRoomNotFound
	}
	if err != nil {
		return room.Room{}, fmt.Errorf("scanning room: %w", err)
	}
	rm.Status = room.Status(status)
	return rm, nil
}

func scanPlayer(row pgx.Row) (room.Player, error) {
	var p room.Player
	if err := row.Scan(&p.ID, &p.RoomID, &p.PlayerID, &p.Username, &p.PlayerNumber, &p.IsReady, &p.Health, &p.LastHeartbeat, &p.JoinedAt); err != nil {
		return room.Player{}, fmt.Errorf("scanning player: %w", err)
	}
	return p, nil
}
