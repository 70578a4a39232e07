package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/cory-johannsen/duel/internal/realtime"
)

// ErrEvicted is reported with CHANNEL_ERROR when the hub drops a local channel.
var ErrEvicted = errors.New("evicted by hub")

// Dialer creates channels attached directly to a Hub in the same process.
type Dialer struct {
	hub *Hub
}

// NewDialer returns a realtime.Dialer over h.
//
// Precondition: h must be non-nil.
func NewDialer(h *Hub) *Dialer {
	return &Dialer{hub: h}
}

// Channel returns an unsubscribed local channel.
func (d *Dialer) Channel(topic string, opts realtime.ChannelOptions) realtime.Channel {
	return &Channel{hub: d.hub, topic: topic, opts: opts}
}

// Channel is a realtime.Channel backed by a hub Member.
type Channel struct {
	realtime.Mux

	hub   *Hub
	topic string
	opts  realtime.ChannelOptions

	mu         sync.Mutex
	member     *Member
	started    bool
	subscribed bool
	closed     bool
	statusFn   func(realtime.Status, error)
}

// Topic returns the channel's topic.
func (c *Channel) Topic() string { return c.topic }

// Subscribe joins the hub and starts delivering frames to handlers.
func (c *Channel) Subscribe(_ context.Context, fn func(realtime.Status, error)) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return realtime.ErrAlreadySubscribed
	}
	c.started = true
	c.statusFn = fn
	c.member = c.hub.Join(c.topic, c.opts.PresenceKey, c.opts.BroadcastSelf)
	member := c.member
	c.mu.Unlock()

	go c.pump(member)
	return nil
}

func (c *Channel) pump(member *Member) {
	for f := range member.Frames() {
		if f.Type == realtime.FrameJoined {
			c.mu.Lock()
			c.subscribed = !c.closed
			ok := c.subscribed
			c.mu.Unlock()
			if ok {
				c.status(realtime.StatusSubscribed, nil)
			}
			continue
		}
		c.Handle(f)
	}

	c.mu.Lock()
	closed := c.closed
	c.subscribed = false
	c.mu.Unlock()
	c.Reset()
	if closed {
		c.status(realtime.StatusClosed, nil)
		return
	}
	c.status(realtime.StatusChannelError, ErrEvicted)
}

func (c *Channel) status(s realtime.Status, err error) {
	if c.statusFn != nil {
		c.statusFn(s, err)
	}
}

// Send broadcasts payload under event to the other members of the topic.
func (c *Channel) Send(_ context.Context, event string, payload any) error {
	member, err := c.live()
	if err != nil {
		return err
	}
	raw, err := realtime.EncodePayload(payload)
	if err != nil {
		return err
	}
	if err := member.Broadcast(event, raw); err != nil {
		return realtime.ErrNotSubscribed
	}
	return nil
}

// Track publishes p as this connection's presence entry.
func (c *Channel) Track(_ context.Context, p realtime.Presence) error {
	member, err := c.live()
	if err != nil {
		return err
	}
	if err := member.Track(p); err != nil {
		return realtime.ErrNotSubscribed
	}
	return nil
}

// Unsubscribe leaves the hub. It does not wait for queued frames to drain, so
// it may be called from a handler; the status callback receives CLOSED once
// they have.
func (c *Channel) Unsubscribe(_ context.Context) error {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subscribed = false
	member := c.member
	c.mu.Unlock()

	member.Leave()
	return nil
}

func (c *Channel) live() (*Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribed {
		return nil, realtime.ErrNotSubscribed
	}
	return c.member, nil
}
