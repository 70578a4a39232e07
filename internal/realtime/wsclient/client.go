// Package wsclient implements realtime channels over a websocket connection to
// the relay.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/realtime"
)

// readLimit matches the relay's inbound limit.
const readLimit = 1 << 20

// ErrUnexpectedFrame is reported when the relay's first frame is not "joined".
var ErrUnexpectedFrame = errors.New("unexpected first frame from relay")

// Dialer opens one websocket per channel against a relay base URL.
type Dialer struct {
	baseURL      string
	joinTimeout  time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewDialer creates a Dialer from relay settings.
//
// Precondition: cfg.URL must be a ws:// or wss:// URL; logger must be non-nil.
func NewDialer(cfg config.RelayConfig, logger *zap.Logger) *Dialer {
	return &Dialer{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		joinTimeout:  cfg.JoinTimeout,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger.Named("wsclient"),
	}
}

// Channel returns an unsubscribed websocket channel for topic.
func (d *Dialer) Channel(topic string, opts realtime.ChannelOptions) realtime.Channel {
	return &Channel{d: d, topic: topic, opts: opts}
}

// Channel is a realtime.Channel carried by one websocket connection.
type Channel struct {
	realtime.Mux

	d     *Dialer
	topic string
	opts  realtime.ChannelOptions

	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	started    bool
	subscribed bool
	closed     bool
}

// Topic returns the channel's topic.
func (c *Channel) Topic() string { return c.topic }

func (c *Channel) endpoint() string {
	q := url.Values{}
	q.Set("key", c.opts.PresenceKey)
	if c.opts.BroadcastSelf {
		q.Set("self", "true")
	}
	return fmt.Sprintf("%s/realtime/%s?%s", c.d.baseURL, url.PathEscape(c.topic), q.Encode())
}

// Subscribe dials the relay in the background. fn receives SUBSCRIBED when the
// relay confirms the join, TIMED_OUT if it does not within the join timeout,
// CHANNEL_ERROR on dial or read failure, and CLOSED after Unsubscribe.
func (c *Channel) Subscribe(ctx context.Context, fn func(realtime.Status, error)) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return realtime.ErrAlreadySubscribed
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx, fn)
	return nil
}

func (c *Channel) run(ctx context.Context, fn func(realtime.Status, error)) {
	report := func(s realtime.Status, err error) {
		if fn != nil {
			fn(s, err)
		}
	}
	log := c.d.logger.With(zap.String("topic", c.topic), zap.String("key", c.opts.PresenceKey))

	joinCtx, joinCancel := context.WithTimeout(ctx, c.d.joinTimeout)
	conn, _, err := websocket.Dial(joinCtx, c.endpoint(), nil)
	if err != nil {
		joinCancel()
		c.finish(log, report, joinStatus(joinCtx, ctx, err), err)
		return
	}
	conn.SetReadLimit(readLimit)

	first, err := readFrame(joinCtx, conn)
	joinCancel()
	if err == nil && first.Type != realtime.FrameJoined {
		err = fmt.Errorf("%w: %s", ErrUnexpectedFrame, first.Type)
	}
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "join failed")
		c.finish(log, report, joinStatus(joinCtx, ctx, err), err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "unsubscribed")
		report(realtime.StatusClosed, nil)
		return
	}
	c.conn = conn
	c.subscribed = true
	c.mu.Unlock()
	log.Debug("channel subscribed")
	report(realtime.StatusSubscribed, nil)

	for {
		f, err := readFrame(ctx, conn)
		if err != nil {
			c.finish(log, report, realtime.StatusChannelError, err)
			return
		}
		c.Handle(f)
	}
}

// finish records detachment and reports s unless the channel was closed by
// Unsubscribe, in which case CLOSED is reported instead.
func (c *Channel) finish(log *zap.Logger, report func(realtime.Status, error), s realtime.Status, err error) {
	c.mu.Lock()
	closed := c.closed
	c.subscribed = false
	c.mu.Unlock()
	c.Reset()
	if closed {
		report(realtime.StatusClosed, nil)
		return
	}
	log.Warn("channel failed", zap.String("status", string(s)), zap.Error(err))
	report(s, err)
}

func joinStatus(joinCtx, runCtx context.Context, err error) realtime.Status {
	if errors.Is(err, context.DeadlineExceeded) || (joinCtx.Err() != nil && runCtx.Err() == nil) {
		return realtime.StatusTimedOut
	}
	return realtime.StatusChannelError
}

func readFrame(ctx context.Context, conn *websocket.Conn) (realtime.Frame, error) {
	var f realtime.Frame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}

// Send broadcasts payload under event.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	raw, err := realtime.EncodePayload(payload)
	if err != nil {
		return err
	}
	return c.write(ctx, realtime.Frame{Type: realtime.FrameBroadcast, Event: event, Payload: raw})
}

// Track publishes p as this connection's presence entry.
func (c *Channel) Track(ctx context.Context, p realtime.Presence) error {
	return c.write(ctx, realtime.Frame{Type: realtime.FrameTrack, Presence: &p})
}

func (c *Channel) write(ctx context.Context, f realtime.Frame) error {
	c.mu.Lock()
	conn, ok := c.conn, c.subscribed
	c.mu.Unlock()
	if !ok {
		return realtime.ErrNotSubscribed
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.d.writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

// Unsubscribe closes the connection. Safe to call more than once and from a handler.
func (c *Channel) Unsubscribe(_ context.Context) error {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subscribed = false
	conn, cancel := c.conn, c.cancel
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	}
	cancel()
	return nil
}
