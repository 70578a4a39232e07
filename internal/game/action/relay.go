package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/game/event"
	"github.com/cory-johannsen/duel/internal/observability"
)

// Broadcaster sends a best-effort message on the room channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload any) error
}

// Log is the durable action log.
type Log interface {
	AppendAction(ctx context.Context, a GameAction) error
}

// DefaultDedupWindow is how many recently dispatched action ids are remembered.
const DefaultDedupWindow = 256

// Relay stamps and sends this client's actions and dispatches the peer's.
// A Relay belongs to one room connection; build a new one after reconnecting,
// which restarts the sequence at 1.
type Relay struct {
	roomID   string
	playerID string
	out      Broadcaster
	log      Log
	handler  Handler
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	seq    int64
	seen   map[string]struct{}
	recent []string
	window int

	applied event.Listeners[GameAction]
}

// Option configures a Relay.
type Option func(*Relay)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithDedupWindow sets how many dispatched action ids are remembered.
func WithDedupWindow(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.window = n
		}
	}
}

// NewRelay creates a Relay for playerID in roomID.
//
// Precondition: out, log and handler must be non-nil.
// Postcondition: the first Send is stamped with sequence number 1.
func NewRelay(roomID, playerID string, out Broadcaster, log Log, handler Handler, logger *zap.Logger, opts ...Option) *Relay {
	r := &Relay{
		roomID:   roomID,
		playerID: playerID,
		out:      out,
		log:      log,
		handler:  handler,
		logger:   observability.Session(logger, "action", roomID, playerID),
		now:      time.Now,
		seen:     make(map[string]struct{}),
		window:   DefaultDedupWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send stamps p with the next sequence number and the current time, broadcasts
// it, and appends it to the action log unless its type is ephemeral.
//
// The broadcast is fire-and-forget: a failure is logged and not retried.
// Postcondition: the returned action carries the assigned sequence number even
// when the log append fails, in which case the error is also returned.
func (r *Relay) Send(ctx context.Context, p Payload) (GameAction, error) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	a := GameAction{
		ID:        uuid.NewString(),
		RoomID:    r.roomID,
		PlayerID:  r.playerID,
		Type:      p.ActionType(),
		Data:      p,
		Sequence:  seq,
		Timestamp: r.now(),
	}

	if err := r.out.Broadcast(ctx, EventGameAction, a); err != nil {
		r.logger.Warn("broadcasting action",
			zap.String("action_type", string(a.Type)),
			zap.Int64("sequence", seq),
			zap.Error(err),
		)
	}

	if Ephemeral(a.Type) {
		return a, nil
	}
	if err := r.log.AppendAction(ctx, a); err != nil {
		return a, fmt.Errorf("appending %s action %d: %w", a.Type, seq, err)
	}
	return a, nil
}

// Sequence returns the last sequence number assigned by Send.
func (r *Relay) Sequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Dispatch routes an inbound action to its handler method.
//
// Actions sent by this player, addressed to another room, without a payload,
// or already dispatched under the same id are dropped.
// Postcondition: returns true iff the handler was invoked.
func (r *Relay) Dispatch(a GameAction) bool {
	if a.PlayerID == r.playerID || a.RoomID != r.roomID || a.Data == nil {
		return false
	}
	if !r.markSeen(a.ID) {
		r.logger.Debug("dropping duplicate action",
			zap.String("action_id", a.ID),
			zap.String("action_type", string(a.Type)),
		)
		return false
	}
	Apply(r.handler, a)
	r.applied.Emit(a)
	return true
}

// OnApplied registers fn to run after each dispatched action.
func (r *Relay) OnApplied(fn func(GameAction)) event.Unsubscribe {
	return r.applied.Add(fn)
}

// markSeen records id and reports whether it was new. Ids are forgotten
// first-in first-out once the window is full.
func (r *Relay) markSeen(id string) bool {
	if id == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	r.recent = append(r.recent, id)
	if len(r.recent) > r.window {
		delete(r.seen, r.recent[0])
		r.recent = r.recent[1:]
	}
	return true
}
