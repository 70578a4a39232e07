package realtime

import "sync"

// Mux holds a channel's handlers and its view of the presence table, and
// applies inbound frames to both. Channel implementations embed it and feed
// it frames from a single goroutine.
type Mux struct {
	mu        sync.Mutex
	presence  map[string][]Presence
	onPresent map[PresenceKind][]func(PresenceEvent)
	onMessage map[string][]func(Message)
}

// OnPresence registers a presence handler.
func (m *Mux) OnPresence(kind PresenceKind, fn func(PresenceEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onPresent == nil {
		m.onPresent = make(map[PresenceKind][]func(PresenceEvent))
	}
	m.onPresent[kind] = append(m.onPresent[kind], fn)
}

// OnBroadcast registers a broadcast handler for event.
func (m *Mux) OnBroadcast(event string, fn func(Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onMessage == nil {
		m.onMessage = make(map[string][]func(Message))
	}
	m.onMessage[event] = append(m.onMessage[event], fn)
}

// PresenceState returns a copy of the current presence table.
func (m *Mux) PresenceState() map[string][]Presence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clonePresence(m.presence)
}

// Handle applies f. Presence frames update the table and fire join/leave
// handlers followed by one sync; broadcast frames fire handlers for f.Event.
// Other frame types are ignored.
func (m *Mux) Handle(f Frame) {
	switch f.Type {
	case FrameBroadcast:
		msg := Message{Event: f.Event, Payload: f.Payload, Sender: f.Key}
		for _, fn := range m.broadcastHandlers(f.Event) {
			fn(msg)
		}
	case FramePresenceState:
		m.mu.Lock()
		m.presence = clonePresence(f.State)
		m.mu.Unlock()
		m.firePresence(PresenceEvent{Kind: PresenceSync})
	case FramePresenceDiff:
		var events []PresenceEvent
		m.mu.Lock()
		if m.presence == nil {
			m.presence = make(map[string][]Presence)
		}
		for key, joined := range f.Joins {
			m.presence[key] = mergePresences(m.presence[key], joined)
			events = append(events, PresenceEvent{Kind: PresenceJoin, Key: key, NewPresences: joined})
		}
		for key, left := range f.Leaves {
			remaining := removePresences(m.presence[key], left)
			if len(remaining) == 0 {
				delete(m.presence, key)
			} else {
				m.presence[key] = remaining
			}
			events = append(events, PresenceEvent{Kind: PresenceLeave, Key: key, LeftPresences: left})
		}
		m.mu.Unlock()
		for _, ev := range events {
			m.firePresence(ev)
		}
		m.firePresence(PresenceEvent{Kind: PresenceSync})
	}
}

// Reset clears the presence table, used when a channel detaches.
func (m *Mux) Reset() {
	m.mu.Lock()
	m.presence = nil
	m.mu.Unlock()
}

func (m *Mux) firePresence(ev PresenceEvent) {
	m.mu.Lock()
	fns := append(([]func(PresenceEvent))(nil), m.onPresent[ev.Kind]...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Mux) broadcastHandlers(event string) []func(Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(([]func(Message))(nil), m.onMessage[event]...)
}

func clonePresence(in map[string][]Presence) map[string][]Presence {
	out := make(map[string][]Presence, len(in))
	for k, v := range in {
		out[k] = append([]Presence(nil), v...)
	}
	return out
}

func mergePresences(existing, joined []Presence) []Presence {
	out := removePresences(existing, joined)
	return append(out, joined...)
}

func removePresences(existing, left []Presence) []Presence {
	refs := make(map[string]bool, len(left))
	for _, p := range left {
		refs[p.Ref] = true
	}
	out := existing[:0:0]
	for _, p := range existing {
		if !refs[p.Ref] {
			out = append(out, p)
		}
	}
	return out
}
