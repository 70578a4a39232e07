package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/game/action"
	"github.com/cory-johannsen/duel/internal/game/event"
	"github.com/cory-johannsen/duel/internal/game/reconcile"
	"github.com/cory-johannsen/duel/internal/observability"
	"github.com/cory-johannsen/duel/internal/realtime"
)

// Manager owns one client's room membership and its connection set: the room
// channel, the heartbeat loop and the change feed watches.
//
// Invariant: at most one connection set is active. Callbacks from a torn-down
// set are dropped.
type Manager struct {
	store  Store
	feed   ChangeFeed
	dialer realtime.Dialer
	cfg    config.SyncConfig
	logger *zap.Logger
	now    func() time.Time
	code   func() string

	mu         sync.Mutex
	gen        uint64
	conn       *connection
	retry      backoff.BackOff
	retryTimer *time.Timer
	retrySeq   uint64
	attempt    int

	// lastRoom and lastPlayer name the most recent connection set and survive
	// reconnect exhaustion so Disconnect can still give up the seat.
	lastRoom   string
	lastPlayer string

	presence     event.Listeners[PresenceUpdate]
	joined       event.Listeners[Player]
	disconnected event.Listeners[string]
	actions      event.Listeners[action.GameAction]
	snapshots    event.Listeners[reconcile.Snapshot]
	status       event.Listeners[Room]
	lost         event.Listeners[error]
	connected    event.Listeners[string]
}

// connection is one connection set. Fields other than peers, status and
// heartbeating are immutable after connect.
type connection struct {
	gen      uint64
	roomID   string
	playerID string
	ctx      context.Context
	cancel   context.CancelFunc
	ch       realtime.Channel
	logger   *zap.Logger

	unwatch      []func()
	status       Status
	peers        map[string]*peerLiveness
	heartbeating bool
}

type peerLiveness struct {
	last     time.Time
	reported bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for timestamps and staleness.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCodeGenerator overrides room code generation.
func WithCodeGenerator(fn func() string) Option {
	return func(m *Manager) { m.code = fn }
}

// NewManager creates a Manager with no active connection.
//
// Precondition: store, feed and dialer must be non-nil; cfg must pass
// config.ValidateSync.
func NewManager(store Store, feed ChangeFeed, dialer realtime.Dialer, cfg config.SyncConfig, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:  store,
		feed:   feed,
		dialer: dialer,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		code:   NewCode,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnPresenceUpdate registers fn for presence sync, join and leave events.
func (m *Manager) OnPresenceUpdate(fn func(PresenceUpdate)) event.Unsubscribe {
	return m.presence.Add(fn)
}

// OnPlayerJoined registers fn for seats added to the connected room by others.
func (m *Manager) OnPlayerJoined(fn func(Player)) event.Unsubscribe {
	return m.joined.Add(fn)
}

// OnPlayerDisconnected registers fn for peers detected as gone, either by a
// presence leave or by a stale heartbeat.
func (m *Manager) OnPlayerDisconnected(fn func(playerID string)) event.Unsubscribe {
	return m.disconnected.Add(fn)
}

// OnGameAction registers fn for the peer's actions, from broadcasts and from
// the durable log. The same action may arrive on both paths.
func (m *Manager) OnGameAction(fn func(action.GameAction)) event.Unsubscribe {
	return m.actions.Add(fn)
}

// OnStateSync registers fn for the peer's snapshots.
func (m *Manager) OnStateSync(fn func(reconcile.Snapshot)) event.Unsubscribe {
	return m.snapshots.Add(fn)
}

// OnRoomStatusChanged registers fn for status transitions of the connected room.
func (m *Manager) OnRoomStatusChanged(fn func(Room)) event.Unsubscribe {
	return m.status.Add(fn)
}

// OnConnectionLost registers fn for the terminal failure after every reconnect
// attempt failed. The error wraps ErrReconnectExhausted.
func (m *Manager) OnConnectionLost(fn func(error)) event.Unsubscribe {
	return m.lost.Add(fn)
}

// OnConnected registers fn for each successful subscription to a room
// channel, including after a reconnect. fn receives the room id.
func (m *Manager) OnConnected(fn func(roomID string)) event.Unsubscribe {
	return m.connected.Add(fn)
}

// CreateRoom opens a waiting room hosted by playerID and connects to it.
//
// Postcondition: the host holds player number 1 and the room has one player.
func (m *Manager) CreateRoom(ctx context.Context, playerID, username string) (Room, Player, error) {
	now := m.now()
	r := Room{
		ID:                 uuid.NewString(),
		Code:               m.code(),
		HostID:             playerID,
		Status:             StatusWaiting,
		CurrentPlayerCount: 1,
		MaxPlayers:         MaxPlayers,
		CreatedAt:          now,
	}
	p := Player{
		ID:            uuid.NewString(),
		RoomID:        r.ID,
		PlayerID:      playerID,
		Username:      username,
		PlayerNumber:  1,
		Health:        DefaultHealth,
		LastHeartbeat: now,
		JoinedAt:      now,
	}
	if err := m.store.CreateRoom(ctx, r, p); err != nil {
		return Room{}, Player{}, fmt.Errorf("creating room: %w", err)
	}
	if err := m.ConnectToRoom(ctx, r.ID, playerID); err != nil {
		return r, p, err
	}
	return r, p, nil
}

// JoinRoom takes the free seat in the waiting room with code and connects.
//
// Precondition: code is a room code; it is normalized before lookup.
// Postcondition: on error no seat was taken.
func (m *Manager) JoinRoom(ctx context.Context, code, playerID, username string) (Room, Player, error) {
	code = NormalizeCode(code)
	r, err := m.store.FindWaitingRoomByCode(ctx, code)
	if err != nil {
		return Room{}, Player{}, fmt.Errorf("finding room %s: %w", code, err)
	}
	if r.CurrentPlayerCount >= r.MaxPlayers {
		return Room{}, Player{}, fmt.Errorf("room %s: %w", code, ErrRoomFull)
	}
	players, err := m.store.ListPlayers(ctx, r.ID)
	if err != nil {
		return Room{}, Player{}, fmt.Errorf("listing players of room %s: %w", code, err)
	}
	for _, p := range players {
		if p.PlayerID == playerID {
			return Room{}, Player{}, fmt.Errorf("room %s: %w", code, ErrAlreadyJoined)
		}
	}

	now := m.now()
	r, p, err := m.store.AddPlayer(ctx, Player{
		ID:            uuid.NewString(),
		RoomID:        r.ID,
		PlayerID:      playerID,
		Username:      username,
		Health:        DefaultHealth,
		LastHeartbeat: now,
		JoinedAt:      now,
	})
	if err != nil {
		return Room{}, Player{}, fmt.Errorf("joining room %s: %w", code, err)
	}
	if err := m.ConnectToRoom(ctx, r.ID, playerID); err != nil {
		return r, p, err
	}
	return r, p, nil
}

// SetPlayerReady sets playerID's ready flag.
func (m *Manager) SetPlayerReady(ctx context.Context, roomID, playerID string, ready bool) error {
	if err := m.store.SetReady(ctx, roomID, playerID, ready); err != nil {
		return fmt.Errorf("setting ready for %s: %w", playerID, err)
	}
	return nil
}

// StartGame moves the room to playing.
//
// Precondition: hostID is the room's host, the room has MaxPlayers seats and
// every player is ready.
// Postcondition: exactly one of two concurrent callers succeeds; the other
// gets ErrRoomNotWaiting. A player un-readying between the checks and the
// status write is not detected.
func (m *Manager) StartGame(ctx context.Context, roomID, hostID string) (Room, error) {
	r, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return Room{}, fmt.Errorf("loading room %s: %w", roomID, err)
	}
	if r.HostID != hostID {
		return Room{}, fmt.Errorf("room %s: %w", r.Code, ErrNotHost)
	}
	players, err := m.store.ListPlayers(ctx, roomID)
	if err != nil {
		return Room{}, fmt.Errorf("listing players of room %s: %w", r.Code, err)
	}
	if len(players) != MaxPlayers {
		return Room{}, fmt.Errorf("room %s has %d of %d players: %w", r.Code, len(players), MaxPlayers, ErrNotEnoughPlayers)
	}
	for _, p := range players {
		if !p.IsReady {
			return Room{}, fmt.Errorf("room %s: %s is not ready: %w", r.Code, p.Username, ErrNotAllReady)
		}
	}
	started, err := m.store.MarkPlaying(ctx, roomID, m.now())
	if err != nil {
		return Room{}, fmt.Errorf("starting room %s: %w", r.Code, err)
	}
	return started, nil
}

// GetRoomDetails reads the room and its players.
func (m *Manager) GetRoomDetails(ctx context.Context, roomID string) (Details, error) {
	r, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return Details{}, fmt.Errorf("loading room %s: %w", roomID, err)
	}
	players, err := m.store.ListPlayers(ctx, roomID)
	if err != nil {
		return Details{}, fmt.Errorf("listing players of room %s: %w", roomID, err)
	}
	return Details{Room: r, Players: players}, nil
}

// LeaveRoom gives up playerID's seat while the room is waiting. Once the room
// is playing no row changes; the peer learns of the departure through
// presence and heartbeat instead.
func (m *Manager) LeaveRoom(ctx context.Context, roomID, playerID string) error {
	removed, err := m.store.RemoveWaitingPlayer(ctx, roomID, playerID)
	if err != nil {
		return fmt.Errorf("leaving room %s: %w", roomID, err)
	}
	if !removed {
		m.logger.Debug("leave kept seat", zap.String("room_id", roomID), zap.String("player_id", playerID))
	}
	return nil
}

// Disconnect tears down the connection set, cancels any pending reconnect and
// leaves the connected room.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.stopRetryLocked()
	m.retry = nil
	m.attempt = 0
	old := m.detachLocked()
	roomID, playerID := m.lastRoom, m.lastPlayer
	m.lastRoom, m.lastPlayer = "", ""
	m.mu.Unlock()

	if old != nil {
		old.close(ctx)
	}
	if roomID == "" {
		return nil
	}
	return m.LeaveRoom(ctx, roomID, playerID)
}

// Connected returns the room and player of the active connection set.
func (m *Manager) Connected() (roomID, playerID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return "", "", false
	}
	return m.conn.roomID, m.conn.playerID, true
}

// Broadcast sends payload under event on the room channel. Delivery is best
// effort and unacknowledged.
func (m *Manager) Broadcast(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.ch.Send(ctx, event, payload)
}

// ConnectToRoom replaces any active connection set with a new one for roomID
// and cancels a pending reconnect. The channel reports SUBSCRIBED
// asynchronously; presence tracking and the heartbeat start then.
//
// Postcondition: on nil error exactly one connection set is active.
func (m *Manager) ConnectToRoom(ctx context.Context, roomID, playerID string) error {
	m.mu.Lock()
	m.stopRetryLocked()
	token := m.retrySeq
	m.mu.Unlock()
	return m.connect(ctx, token, roomID, playerID)
}

// connect builds a connection set for roomID and makes it the active one.
// token is the retrySeq the caller observed; if a ConnectToRoom, Disconnect or
// newer reconnect has bumped it by the time the room is loaded, connect
// installs nothing and returns ErrConnectSuperseded.
func (m *Manager) connect(ctx context.Context, token uint64, roomID, playerID string) error {
	r, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("connecting to room %s: %w", roomID, err)
	}
	players, err := m.store.ListPlayers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("connecting to room %s: %w", roomID, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &connection{
		roomID:   roomID,
		playerID: playerID,
		ctx:      connCtx,
		cancel:   cancel,
		logger:   observability.Session(m.logger, "room", roomID, playerID),
		status:   r.Status,
		peers:    make(map[string]*peerLiveness),
	}
	for _, p := range players {
		if p.PlayerID != playerID {
			c.peers[p.PlayerID] = &peerLiveness{last: p.LastHeartbeat}
		}
	}
	c.ch = m.dialer.Channel(realtime.RoomTopic(roomID), realtime.ChannelOptions{PresenceKey: playerID})
	for _, kind := range []realtime.PresenceKind{realtime.PresenceSync, realtime.PresenceJoin, realtime.PresenceLeave} {
		c.ch.OnPresence(kind, func(e realtime.PresenceEvent) { m.onPresence(c, e) })
	}
	c.ch.OnBroadcast(action.EventGameAction, func(msg realtime.Message) { m.onActionMessage(c, msg) })
	c.ch.OnBroadcast(reconcile.EventSyncState, func(msg realtime.Message) { m.onSyncState(c, msg) })

	m.mu.Lock()
	if m.retrySeq != token {
		m.mu.Unlock()
		cancel()
		c.logger.Debug("connect superseded")
		return fmt.Errorf("connecting to room %s: %w", roomID, ErrConnectSuperseded)
	}
	old := m.detachLocked()
	m.gen++
	c.gen = m.gen
	m.conn = c
	m.lastRoom, m.lastPlayer = roomID, playerID
	m.mu.Unlock()

	if old != nil {
		old.close(ctx)
	}

	watches := []struct {
		table Table
		fn    func(Change)
	}{
		{TablePlayers, func(ch Change) { m.onPlayerChange(c, ch) }},
		{TableActions, func(ch Change) { m.onActionChange(c, ch) }},
		{TableRooms, func(ch Change) { m.onRoomChange(c, ch) }},
	}
	for _, w := range watches {
		stop, err := m.feed.Watch(connCtx, w.table, roomID, w.fn)
		if err != nil {
			m.abandon(ctx, c)
			return fmt.Errorf("watching %s of room %s: %w", w.table, roomID, err)
		}
		if !m.attach(c, stop) {
			stop()
			return nil
		}
	}

	if err := c.ch.Subscribe(connCtx, func(s realtime.Status, err error) { m.onStatus(c, s, err) }); err != nil {
		m.abandon(ctx, c)
		return fmt.Errorf("subscribing to room %s: %w", roomID, err)
	}
	if !m.current(c) {
		// Detached while subscribing; the detaching call may have closed c
		// before the channel was live.
		c.close(ctx)
		return nil
	}
	c.logger.Debug("connecting", zap.Uint64("generation", c.gen))
	return nil
}

// attach records a watch on c. It reports false if c is no longer active.
func (m *Manager) attach(c *connection, stop func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != c {
		return false
	}
	c.unwatch = append(c.unwatch, stop)
	return true
}

// abandon tears down c if it is still the active set.
func (m *Manager) abandon(ctx context.Context, c *connection) {
	m.mu.Lock()
	if m.conn == c {
		m.conn = nil
	}
	m.mu.Unlock()
	c.close(ctx)
}

// detachLocked clears the active connection set and returns it for closing
// outside the lock.
//
// Precondition: m.mu is held.
func (m *Manager) detachLocked() *connection {
	old := m.conn
	m.conn = nil
	return old
}

func (m *Manager) current(c *connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == c
}

// close unsubscribes the channel, stops the heartbeat and cancels the watches.
// It does not wait for in-flight callbacks; they are dropped by generation.
func (c *connection) close(ctx context.Context) {
	c.cancel()
	for _, stop := range c.unwatch {
		stop()
	}
	if c.ch != nil {
		if err := c.ch.Unsubscribe(ctx); err != nil {
			c.logger.Debug("unsubscribing", zap.Error(err))
		}
	}
}

func (m *Manager) onStatus(c *connection, s realtime.Status, err error) {
	switch s {
	case realtime.StatusSubscribed:
		m.mu.Lock()
		if m.conn != c {
			m.mu.Unlock()
			return
		}
		m.retry = nil
		m.attempt = 0
		m.mu.Unlock()

		c.logger.Info("subscribed", zap.Uint64("generation", c.gen))
		if err := c.ch.Track(c.ctx, realtime.Presence{PlayerID: c.playerID, OnlineAt: m.now()}); err != nil {
			c.logger.Warn("tracking presence", zap.Error(err))
		}
		m.startHeartbeat(c)
		m.connected.Emit(c.roomID)
	case realtime.StatusChannelError, realtime.StatusTimedOut:
		if !m.current(c) {
			return
		}
		c.logger.Warn("room channel failed", zap.String("status", string(s)), zap.Error(err))
		m.reconnectOrGiveUp(c.roomID, c.playerID)
	}
}

// reconnectOrGiveUp schedules the next reconnect attempt, or tears down the
// connection set and signals OnConnectionLost once attempts are exhausted.
func (m *Manager) reconnectOrGiveUp(roomID, playerID string) {
	m.mu.Lock()
	if m.retryTimer != nil {
		m.mu.Unlock()
		return
	}
	if m.retry == nil {
		m.retry = newReconnectBackOff(m.cfg)
	}
	d := m.retry.NextBackOff()
	if d == backoff.Stop {
		attempts := m.attempt
		m.retry = nil
		m.attempt = 0
		old := m.detachLocked()
		m.mu.Unlock()

		if old != nil {
			old.close(context.Background())
		}
		m.logger.Error("giving up on room connection",
			zap.String("room_id", roomID),
			zap.String("player_id", playerID),
			zap.Int("attempts", attempts),
		)
		m.lost.Emit(fmt.Errorf("room %s after %d attempts: %w", roomID, attempts, ErrReconnectExhausted))
		return
	}
	m.attempt++
	m.retrySeq++
	seq, attempt := m.retrySeq, m.attempt
	m.retryTimer = time.AfterFunc(d, func() { m.reconnect(seq, roomID, playerID) })
	m.mu.Unlock()

	m.logger.Info("scheduling reconnect",
		zap.String("room_id", roomID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", d),
	)
}

func (m *Manager) reconnect(seq uint64, roomID, playerID string) {
	m.mu.Lock()
	if seq != m.retrySeq {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	err := m.connect(context.Background(), seq, roomID, playerID)
	switch {
	case err == nil:
	case errors.Is(err, ErrConnectSuperseded):
		m.logger.Debug("reconnect superseded", zap.String("room_id", roomID))
	default:
		m.logger.Warn("reconnect attempt failed", zap.String("room_id", roomID), zap.Error(err))
		m.reconnectOrGiveUp(roomID, playerID)
	}
}

// stopRetryLocked cancels a pending reconnect.
//
// Precondition: m.mu is held.
func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retrySeq++
}

func (m *Manager) startHeartbeat(c *connection) {
	m.mu.Lock()
	if m.conn != c || c.heartbeating {
		m.mu.Unlock()
		return
	}
	c.heartbeating = true
	m.mu.Unlock()
	go m.heartbeat(c)
}

func (m *Manager) heartbeat(c *connection) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			m.beat(c)
		}
	}
}

// beat writes this player's heartbeat and reports peers whose last heartbeat
// has gone stale. Write failures are logged and dropped.
func (m *Manager) beat(c *connection) {
	if err := m.store.TouchHeartbeat(c.ctx, c.roomID, c.playerID, m.now()); err != nil && c.ctx.Err() == nil {
		c.logger.Warn("writing heartbeat", zap.Error(err))
	}
	for _, id := range m.stalePeers(c) {
		c.logger.Info("peer heartbeat stale", zap.String("peer_id", id))
		m.disconnected.Emit(id)
	}
}

// stalePeers returns peers newly past the staleness threshold. Each peer is
// reported once until a fresh heartbeat arrives.
func (m *Manager) stalePeers(c *connection) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != c {
		return nil
	}
	now := m.now()
	var stale []string
	for id, p := range c.peers {
		if !p.reported && now.Sub(p.last) > m.cfg.StaleAfter {
			p.reported = true
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// notePeer records a peer heartbeat and reports whether it is stale and not
// yet reported.
func (m *Manager) notePeer(c *connection, p Player) (active, stale bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != c {
		return false, false
	}
	pl, ok := c.peers[p.PlayerID]
	if !ok {
		pl = &peerLiveness{}
		c.peers[p.PlayerID] = pl
	}
	if p.LastHeartbeat.After(pl.last) {
		pl.last = p.LastHeartbeat
		pl.reported = false
	}
	if !pl.reported && m.now().Sub(p.LastHeartbeat) > m.cfg.StaleAfter {
		pl.reported = true
		return true, true
	}
	return true, false
}

func (m *Manager) onPresence(c *connection, e realtime.PresenceEvent) {
	if !m.current(c) {
		return
	}
	state := c.ch.PresenceState()
	online := make([]string, 0, len(state))
	for key, entries := range state {
		if len(entries) > 0 {
			online = append(online, key)
		}
	}
	sort.Strings(online)
	m.presence.Emit(PresenceUpdate{Kind: e.Kind, Key: e.Key, Online: online})

	if e.Kind == realtime.PresenceLeave && e.Key != c.playerID && len(state[e.Key]) == 0 {
		c.logger.Info("peer left channel", zap.String("peer_id", e.Key))
		m.disconnected.Emit(e.Key)
	}
}

func (m *Manager) onActionMessage(c *connection, msg realtime.Message) {
	var a action.GameAction
	if err := json.Unmarshal(msg.Payload, &a); err != nil {
		m.dropAction(c, err)
		return
	}
	m.emitAction(c, a)
}

func (m *Manager) onActionChange(c *connection, ch Change) {
	if ch.Op != OpInsert {
		return
	}
	var a action.GameAction
	if err := json.Unmarshal(ch.Record, &a); err != nil {
		m.dropAction(c, err)
		return
	}
	m.emitAction(c, a)
}

func (m *Manager) dropAction(c *connection, err error) {
	if errors.Is(err, action.ErrUnknownActionType) {
		c.logger.Debug("ignoring action", zap.Error(err))
		return
	}
	c.logger.Warn("decoding action", zap.Error(err))
}

func (m *Manager) emitAction(c *connection, a action.GameAction) {
	if a.PlayerID == c.playerID || !m.current(c) {
		return
	}
	m.actions.Emit(a)
}

func (m *Manager) onSyncState(c *connection, msg realtime.Message) {
	var s reconcile.Snapshot
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		c.logger.Warn("decoding snapshot", zap.Error(err))
		return
	}
	if s.PlayerID == c.playerID || !m.current(c) {
		return
	}
	m.snapshots.Emit(s)
}

func (m *Manager) onPlayerChange(c *connection, ch Change) {
	var p Player
	if err := json.Unmarshal(ch.Record, &p); err != nil {
		c.logger.Warn("decoding player change", zap.Error(err))
		return
	}
	if p.PlayerID == c.playerID {
		return
	}
	switch ch.Op {
	case OpInsert:
		if active, _ := m.notePeer(c, p); active {
			m.joined.Emit(p)
		}
	case OpUpdate:
		if _, stale := m.notePeer(c, p); stale {
			c.logger.Info("peer heartbeat stale", zap.String("peer_id", p.PlayerID), zap.Time("last_heartbeat", p.LastHeartbeat))
			m.disconnected.Emit(p.PlayerID)
		}
	case OpDelete:
		m.mu.Lock()
		if m.conn == c {
			delete(c.peers, p.PlayerID)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) onRoomChange(c *connection, ch Change) {
	if ch.Op != OpUpdate {
		return
	}
	var r Room
	if err := json.Unmarshal(ch.Record, &r); err != nil {
		c.logger.Warn("decoding room change", zap.Error(err))
		return
	}
	m.mu.Lock()
	if m.conn != c || r.Status == c.status {
		m.mu.Unlock()
		return
	}
	c.status = r.Status
	m.mu.Unlock()
	c.logger.Info("room status changed", zap.String("status", string(r.Status)))
	m.status.Emit(r)
}
