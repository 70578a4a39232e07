package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMux_PresenceStateReplacesTable(t *testing.T) {
	var m Mux
	syncs := 0
	m.OnPresence(PresenceSync, func(PresenceEvent) { syncs++ })

	m.Handle(Frame{Type: FramePresenceState, State: map[string][]Presence{
		"p1": {{PlayerID: "p1", Ref: "r1"}},
	}})

	assert.Equal(t, 1, syncs)
	assert.Len(t, m.PresenceState()["p1"], 1)
}

func TestMux_PresenceDiffFiresJoinLeaveThenSync(t *testing.T) {
	var m Mux
	var order []PresenceKind
	for _, k := range []PresenceKind{PresenceSync, PresenceJoin, PresenceLeave} {
		k := k
		m.OnPresence(k, func(ev PresenceEvent) { order = append(order, ev.Kind) })
	}

	now := time.Now()
	m.Handle(Frame{Type: FramePresenceDiff, Joins: map[string][]Presence{
		"p2": {{PlayerID: "p2", OnlineAt: now, Ref: "r2"}},
	}})
	m.Handle(Frame{Type: FramePresenceDiff, Leaves: map[string][]Presence{
		"p2": {{PlayerID: "p2", Ref: "r2"}},
	}})

	assert.Equal(t, []PresenceKind{PresenceJoin, PresenceSync, PresenceLeave, PresenceSync}, order)
	assert.Empty(t, m.PresenceState())
}

func TestMux_RetrackReplacesEntryWithSameRef(t *testing.T) {
	var m Mux
	m.Handle(Frame{Type: FramePresenceDiff, Joins: map[string][]Presence{"p1": {{PlayerID: "p1", Ref: "r1"}}}})
	m.Handle(Frame{Type: FramePresenceDiff, Joins: map[string][]Presence{"p1": {{PlayerID: "p1", Ref: "r1"}}}})
	assert.Len(t, m.PresenceState()["p1"], 1)
}

func TestMux_BroadcastRoutedByEvent(t *testing.T) {
	var m Mux
	var got []Message
	m.OnBroadcast("game_action", func(msg Message) { got = append(got, msg) })

	m.Handle(Frame{Type: FrameBroadcast, Event: "game_action", Key: "p1", Payload: json.RawMessage(`{"a":1}`)})
	m.Handle(Frame{Type: FrameBroadcast, Event: "sync_state", Key: "p1", Payload: json.RawMessage(`{}`)})

	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].Sender)
	assert.JSONEq(t, `{"a":1}`, string(got[0].Payload))
}

func TestEncodePayload_PassesRawThrough(t *testing.T) {
	raw, err := EncodePayload(json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(raw))

	raw, err = EncodePayload(map[string]int{"y": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"y":2}`, string(raw))
}

func TestRoomTopic(t *testing.T) {
	assert.Equal(t, "room:abc", RoomTopic("abc"))
}
