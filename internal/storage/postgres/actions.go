package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/duel/internal/game/action"
)

// ActionRepository is the durable action log.
type ActionRepository struct {
	db *pgxpool.Pool
}

// NewActionRepository creates an ActionRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewActionRepository(db *pgxpool.Pool) *ActionRepository {
	return &ActionRepository{db: db}
}

// AppendAction implements action.Log.
func (r *ActionRepository) AppendAction(ctx context.Context, a action.GameAction) error {
	data, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", a.Type, err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO game_actions (id, room_id, player_id, action_type, action_data, sequence_number, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.RoomID, a.PlayerID, string(a.Type), string(data), a.Sequence, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting action: %w", err)
	}
	return nil
}

// ListActions returns the logged actions of a room oldest first. Rows whose
// type this build does not know are skipped.
func (r *ActionRepository) ListActions(ctx context.Context, roomID string) ([]action.GameAction, error) {
	if !validID(roomID) {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT id::text, room_id::text, player_id, action_type, action_data, sequence_number, created_at
		 FROM game_actions WHERE room_id = $1::uuid
		 ORDER BY created_at, id`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying actions: %w", err)
	}
	defer rows.Close()

	var out []action.GameAction
	for rows.Next() {
		var (
			a    action.GameAction
			typ  string
			data []byte
		)
		if err := rows.Scan(&a.ID, &a.RoomID, &a.PlayerID, &typ, &data, &a.Sequence, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		a.Type = action.Type(typ)
		p, err := action.DecodePayload(a.Type, data)
		if err != nil {
			continue
		}
		a.Data = p
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating actions: %w", err)
	}
	return out, nil
}
