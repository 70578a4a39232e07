// Package realtime defines the pub/sub channel abstraction the synchronization
// core talks to: topic-scoped broadcasts plus presence tracking.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is a channel subscription state reported to the Subscribe callback.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// PresenceKind selects which presence callback a handler is registered for.
type PresenceKind string

const (
	PresenceSync  PresenceKind = "sync"
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

var (
	// ErrNotSubscribed is returned by Send and Track before SUBSCRIBED or after Unsubscribe.
	ErrNotSubscribed = errors.New("channel not subscribed")
	// ErrAlreadySubscribed is returned when Subscribe is called twice on one channel.
	ErrAlreadySubscribed = errors.New("channel already subscribed")
)

// Presence is the metadata a client tracks while attached to a channel.
type Presence struct {
	PlayerID string    `json:"player_id"`
	OnlineAt time.Time `json:"online_at"`
	// Ref identifies the connection that tracked this entry. Assigned by the broker.
	Ref string `json:"presence_ref,omitempty"`
}

// PresenceEvent is delivered to presence handlers.
// For sync events Key is empty; call PresenceState for the full table.
type PresenceEvent struct {
	Kind          PresenceKind
	Key           string
	NewPresences  []Presence
	LeftPresences []Presence
}

// Message is a broadcast received on a channel.
type Message struct {
	Event   string
	Payload json.RawMessage
	// Sender is the presence key of the sending connection.
	Sender string
}

// ChannelOptions configures a channel before it is subscribed.
type ChannelOptions struct {
	// PresenceKey groups this connection's presence entries; the player id.
	PresenceKey string
	// BroadcastSelf echoes this connection's own broadcasts back to it.
	BroadcastSelf bool
}

// Channel is one client attachment to a topic.
//
// Handlers must be registered before Subscribe. Handlers for one channel are
// invoked sequentially from a single goroutine.
type Channel interface {
	Topic() string
	OnPresence(kind PresenceKind, fn func(PresenceEvent))
	OnBroadcast(event string, fn func(Message))
	// Subscribe starts the attachment. fn is called with SUBSCRIBED once joined,
	// with CHANNEL_ERROR or TIMED_OUT on failure, and with CLOSED after Unsubscribe.
	Subscribe(ctx context.Context, fn func(Status, error)) error
	Send(ctx context.Context, event string, payload any) error
	Track(ctx context.Context, p Presence) error
	PresenceState() map[string][]Presence
	Unsubscribe(ctx context.Context) error
}

// Dialer is the channel factory injected into components.
type Dialer interface {
	Channel(topic string, opts ChannelOptions) Channel
}

// RoomTopic returns the channel topic for a room.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}
