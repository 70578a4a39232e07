// Package client composes room lifecycle, action relay and state
// reconciliation into the surface a game loop drives.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/game/action"
	"github.com/cory-johannsen/duel/internal/game/event"
	"github.com/cory-johannsen/duel/internal/game/reconcile"
	"github.com/cory-johannsen/duel/internal/game/room"
	"github.com/cory-johannsen/duel/internal/realtime"
)

// ErrNotPlaying is returned by SendAction outside a playing room.
var ErrNotPlaying = errors.New("room is not playing")

// Backend is the set of stores and transports a Client runs against.
type Backend struct {
	Rooms     room.Store
	Feed      room.ChangeFeed
	Dialer    realtime.Dialer
	Actions   action.Log
	Snapshots reconcile.Store
}

// Game is the local simulation the client feeds and reads.
type Game struct {
	Handler action.Handler
	Source  reconcile.Source
	Policy  reconcile.Policy
}

// Client is one player's connection to the game. Room operations are
// promoted from the embedded Manager.
type Client struct {
	*room.Manager

	backend Backend
	game    Game
	cfg     config.SyncConfig
	logger  *zap.Logger
	opts    []action.Option

	mu      sync.Mutex
	session *session
	unsubs  []event.Unsubscribe
}

// session is the per-game state rebuilt on every transition to playing and
// every resubscription while playing.
type session struct {
	roomID     string
	relay      *action.Relay
	reconciler *reconcile.Reconciler
	unapplied  event.Unsubscribe
}

// New creates a Client.
//
// Precondition: every Backend field and every Game field must be non-nil.
func New(b Backend, g Game, cfg config.SyncConfig, logger *zap.Logger, opts ...room.Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		Manager: room.NewManager(b.Rooms, b.Feed, b.Dialer, cfg, logger, opts...),
		backend: b,
		game:    g,
		cfg:     cfg,
		logger:  logger.Named("client"),
	}
	c.unsubs = []event.Unsubscribe{
		c.OnGameAction(c.dispatch),
		c.OnStateSync(c.applySnapshot),
		c.OnRoomStatusChanged(func(r room.Room) {
			if r.Status == room.StatusPlaying {
				c.begin(r.ID, false)
			}
		}),
		c.OnConnected(c.resume),
		c.OnConnectionLost(func(error) { c.end() }),
	}
	return c
}

// WithRelayOptions sets options applied to every action relay the client
// builds.
func (c *Client) WithRelayOptions(opts ...action.Option) *Client {
	c.opts = opts
	return c
}

// StartGame starts the room and begins the game session without waiting for
// the status change to come back through the change feed.
func (c *Client) StartGame(ctx context.Context, roomID, hostID string) (room.Room, error) {
	r, err := c.Manager.StartGame(ctx, roomID, hostID)
	if err != nil {
		return r, err
	}
	c.begin(r.ID, false)
	return r, nil
}

// SendAction stamps and sends p through the current session's relay.
func (c *Client) SendAction(ctx context.Context, p action.Payload) (action.GameAction, error) {
	s := c.current()
	if s == nil {
		return action.GameAction{}, ErrNotPlaying
	}
	a, err := s.relay.Send(ctx, p)
	// Durable own actions raise the watermark so an older peer snapshot cannot
	// undo them. Ephemeral ones (hero_move and the periodic syncs) do not: sent
	// continuously they would starve every peer snapshot, and the next one of
	// them supersedes whatever a snapshot corrected.
	if !action.Ephemeral(a.Type) {
		s.reconciler.Advance(a.Timestamp.UnixMilli())
	}
	return a, err
}

// Playing reports whether a game session is running.
func (c *Client) Playing() bool {
	return c.current() != nil
}

// Sequence returns the last sequence number the current relay assigned.
func (c *Client) Sequence() int64 {
	if s := c.current(); s != nil {
		return s.relay.Sequence()
	}
	return 0
}

// Disconnect ends the game session and disconnects from the room.
func (c *Client) Disconnect(ctx context.Context) error {
	c.end()
	return c.Manager.Disconnect(ctx)
}

// Close disconnects and removes the client's own listeners.
func (c *Client) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	return err
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// resume replaces the session after a resubscription to a playing room so the
// relay's sequence restarts with the new connection.
func (c *Client) resume(roomID string) {
	d, err := c.GetRoomDetails(context.Background(), roomID)
	if err != nil {
		c.logger.Warn("loading room after connect", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if d.Room.Status == room.StatusPlaying {
		c.begin(roomID, true)
	}
}

// begin starts a session for roomID. An existing session for the same room is
// kept unless replace is set.
func (c *Client) begin(roomID string, replace bool) {
	_, playerID, ok := c.Connected()
	if !ok {
		return
	}

	c.mu.Lock()
	old := c.session
	if old != nil && old.roomID == roomID && !replace {
		c.mu.Unlock()
		return
	}
	s := &session{
		roomID:     roomID,
		relay:      action.NewRelay(roomID, playerID, c.Manager, c.backend.Actions, c.game.Handler, c.logger, c.opts...),
		reconciler: reconcile.NewReconciler(roomID, playerID, c.Manager, c.backend.Snapshots, c.game.Source, c.game.Policy, c.logger, reconcile.WithInterval(c.cfg.SnapshotInterval)),
	}
	s.unapplied = s.relay.OnApplied(func(a action.GameAction) {
		s.reconciler.Advance(a.Timestamp.UnixMilli())
	})
	c.session = s
	c.mu.Unlock()

	if old != nil {
		old.stop()
	}
	s.reconciler.Start(context.Background())
	c.logger.Info("game session started", zap.String("room_id", roomID), zap.String("player_id", playerID))
}

func (c *Client) end() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

func (s *session) stop() {
	s.reconciler.Stop()
	s.unapplied()
}

func (c *Client) dispatch(a action.GameAction) {
	if s := c.current(); s != nil {
		s.relay.Dispatch(a)
	}
}

func (c *Client) applySnapshot(snap reconcile.Snapshot) {
	if s := c.current(); s != nil {
		s.reconciler.Reconcile(snap)
	}
}

// String describes the client's connection for logs and prompts.
func (c *Client) String() string {
	roomID, playerID, ok := c.Connected()
	if !ok {
		return "disconnected"
	}
	state := "waiting"
	if c.Playing() {
		state = "playing"
	}
	return fmt.Sprintf("%s in room %s (%s)", playerID, roomID, state)
}
