// Package hub provides the in-process pub/sub broker behind the relay: topics,
// per-connection members, broadcast fan-out, and a presence table per topic.
package hub

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/realtime"
)

// ErrMemberClosed is returned when a member that already left is used.
var ErrMemberClosed = errors.New("hub member closed")

// DefaultBufferSize is the per-member outbound queue length.
const DefaultBufferSize = 64

// Hub tracks topics and their members. All methods are safe for concurrent use.
//
// Invariant: a member appears in exactly one topic and its presence entry, if
// any, is removed in the same critical section that removes the member.
type Hub struct {
	mu         sync.Mutex
	topics     map[string]*topic
	bufferSize int
	logger     *zap.Logger
}

type topic struct {
	name    string
	members map[string]*Member // member id → member
}

// Member is one connection attached to a topic.
type Member struct {
	id    string
	key   string
	self  bool
	topic string
	hub   *Hub

	out     chan realtime.Frame
	closed  bool
	evicted bool
	tracked *realtime.Presence
}

// New creates an empty Hub.
//
// Precondition: logger must be non-nil; bufferSize < 2 selects DefaultBufferSize,
// since a fresh member is queued two frames on Join.
func New(logger *zap.Logger, bufferSize int) *Hub {
	if bufferSize < 2 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		topics:     make(map[string]*topic),
		bufferSize: bufferSize,
		logger:     logger.Named("hub"),
	}
}

// Join attaches a new member to topicName under presence key.
//
// Postcondition: the member's queue holds a joined frame followed by the
// topic's current presence state.
func (h *Hub) Join(topicName, key string, broadcastSelf bool) *Member {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[topicName]
	if t == nil {
		t = &topic{name: topicName, members: make(map[string]*Member)}
		h.topics[topicName] = t
	}
	m := &Member{
		id:    uuid.NewString(),
		key:   key,
		self:  broadcastSelf,
		topic: topicName,
		hub:   h,
		out:   make(chan realtime.Frame, h.bufferSize),
	}
	t.members[m.id] = m
	m.out <- realtime.Frame{Type: realtime.FrameJoined, Topic: topicName, Key: m.id}
	m.out <- realtime.Frame{Type: realtime.FramePresenceState, Topic: topicName, State: t.presenceLocked()}

	h.logger.Debug("member joined",
		zap.String("topic", topicName),
		zap.String("key", key),
		zap.String("member", m.id),
	)
	return m
}

// Presence returns the presence table of topicName.
func (h *Hub) Presence(topicName string) map[string][]realtime.Presence {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[topicName]
	if t == nil {
		return map[string][]realtime.Presence{}
	}
	return t.presenceLocked()
}

// MemberCount returns the number of members attached to topicName.
func (h *Hub) MemberCount(topicName string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.topics[topicName]; t != nil {
		return len(t.members)
	}
	return 0
}

// TopicCount returns the number of topics with at least one member.
func (h *Hub) TopicCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// Evict forcibly detaches every member of topicName under key, as a transport
// failure would. Evicted members see their frame queue closed.
//
// Postcondition: Returns the number of members evicted.
func (h *Hub) Evict(topicName, key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[topicName]
	if t == nil {
		return 0
	}
	var victims []*Member
	for _, m := range t.members {
		if m.key == key {
			victims = append(victims, m)
		}
	}
	for _, m := range victims {
		h.removeLocked(m, true)
	}
	return len(victims)
}

// ID returns the member's connection id, which is also its presence ref.
func (m *Member) ID() string { return m.id }

// Key returns the member's presence key.
func (m *Member) Key() string { return m.key }

// Frames returns the member's outbound queue. It is closed when the member
// leaves or is evicted.
func (m *Member) Frames() <-chan realtime.Frame { return m.out }

// Evicted reports whether the member was detached by the hub rather than by Leave.
func (m *Member) Evicted() bool {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return m.evicted
}

// Broadcast fans payload out to the other members of the topic, and to this
// member too when it joined with broadcastSelf.
func (m *Member) Broadcast(event string, payload json.RawMessage) error {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.closed {
		return ErrMemberClosed
	}
	f := realtime.Frame{Type: realtime.FrameBroadcast, Topic: m.topic, Event: event, Key: m.key, Payload: payload}
	h.fanoutLocked(h.topics[m.topic], f, func(dst *Member) bool { return dst != m || m.self })
	return nil
}

// Track sets this member's presence entry, replacing any previous one.
//
// Postcondition: every member of the topic, including this one, receives a
// presence diff joining the entry.
func (m *Member) Track(p realtime.Presence) error {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.closed {
		return ErrMemberClosed
	}
	p.Ref = m.id
	m.tracked = &p
	f := realtime.Frame{
		Type:  realtime.FramePresenceDiff,
		Topic: m.topic,
		Joins: map[string][]realtime.Presence{m.key: {p}},
	}
	h.fanoutLocked(h.topics[m.topic], f, func(*Member) bool { return true })
	return nil
}

// Untrack removes this member's presence entry, if any.
func (m *Member) Untrack() error {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.closed {
		return ErrMemberClosed
	}
	h.untrackLocked(m)
	return nil
}

// Leave detaches the member. Safe to call more than once.
func (m *Member) Leave() {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.closed {
		return
	}
	h.removeLocked(m, false)
}

func (h *Hub) untrackLocked(m *Member) {
	if m.tracked == nil {
		return
	}
	left := *m.tracked
	m.tracked = nil
	f := realtime.Frame{
		Type:   realtime.FramePresenceDiff,
		Topic:  m.topic,
		Leaves: map[string][]realtime.Presence{m.key: {left}},
	}
	h.fanoutLocked(h.topics[m.topic], f, func(dst *Member) bool { return dst != m })
}

func (h *Hub) removeLocked(m *Member, evicted bool) {
	t := h.topics[m.topic]
	if t == nil || t.members[m.id] == nil {
		return
	}
	m.closed = true
	m.evicted = evicted
	delete(t.members, m.id)
	close(m.out)
	h.untrackLocked(m)
	if len(t.members) == 0 {
		delete(h.topics, t.name)
	}
	h.logger.Debug("member left",
		zap.String("topic", m.topic),
		zap.String("key", m.key),
		zap.String("member", m.id),
		zap.Bool("evicted", evicted),
	)
}

// fanoutLocked pushes f to every member accepted by include. A member whose
// queue is full is evicted; its presence leave is fanned out in turn.
func (h *Hub) fanoutLocked(t *topic, f realtime.Frame, include func(*Member) bool) {
	if t == nil {
		return
	}
	var slow []*Member
	for _, dst := range t.members {
		if !include(dst) {
			continue
		}
		select {
		case dst.out <- f:
		default:
			slow = append(slow, dst)
		}
	}
	for _, dst := range slow {
		h.logger.Warn("evicting slow member",
			zap.String("topic", t.name),
			zap.String("key", dst.key),
			zap.String("member", dst.id),
		)
		h.removeLocked(dst, true)
	}
}

func (t *topic) presenceLocked() map[string][]realtime.Presence {
	out := make(map[string][]realtime.Presence)
	for _, m := range t.members {
		if m.tracked != nil {
			out[m.key] = append(out[m.key], *m.tracked)
		}
	}
	return out
}
