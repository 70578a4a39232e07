package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/duel/internal/game/reconcile"
)

// ErrSnapshotNotFound is returned when a player has saved no snapshot.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotRepository persists state snapshots.
type SnapshotRepository struct {
	db *pgxpool.Pool
}

// NewSnapshotRepository creates a SnapshotRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewSnapshotRepository(db *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// SaveSnapshot implements reconcile.Store. Empty categories are stored as NULL.
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, s reconcile.Snapshot) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO state_snapshots (room_id, player_id, tick, heroes, enemies, towers, buildings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.RoomID, s.PlayerID, s.Tick, jsonb(s.Heroes), jsonb(s.Enemies), jsonb(s.Towers), jsonb(s.Buildings),
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot at tick %d: %w", s.Tick, err)
	}
	return nil
}

// Latest returns the highest-tick snapshot saved by playerID in roomID.
func (r *SnapshotRepository) Latest(ctx context.Context, roomID, playerID string) (reconcile.Snapshot, error) {
	if !validID(roomID) {
		return reconcile.Snapshot{}, ErrSnapshotNotFound
	}
	s := reconcile.Snapshot{RoomID: roomID, PlayerID: playerID}
	var heroes, enemies, towers, buildings []byte
	err := r.db.QueryRow(ctx,
		`SELECT tick, heroes, enemies, towers, buildings FROM state_snapshots
		 WHERE room_id = $1::uuid AND player_id = $2
		 ORDER BY tick DESC LIMIT 1`,
		roomID, playerID,
	).Scan(&s.Tick, &heroes, &enemies, &towers, &buildings)
	if errors.Is(err, pgx.ErrNoRows) {
		return reconcile.Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return reconcile.Snapshot{}, fmt.Errorf("querying snapshot: %w", err)
	}
	s.Heroes = json.RawMessage(heroes)
	s.Enemies = json.RawMessage(enemies)
	s.Towers = json.RawMessage(towers)
	s.Buildings = json.RawMessage(buildings)
	return s, nil
}

func jsonb(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
