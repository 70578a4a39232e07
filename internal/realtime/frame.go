package realtime

import "encoding/json"

// FrameType tags a wire frame exchanged between a channel and the broker.
type FrameType string

const (
	FrameJoined        FrameType = "joined"
	FrameBroadcast     FrameType = "broadcast"
	FrameTrack         FrameType = "track"
	FrameUntrack       FrameType = "untrack"
	FramePresenceState FrameType = "presence_state"
	FramePresenceDiff  FrameType = "presence_diff"
	FrameError         FrameType = "error"
)

// Frame is the unit of exchange on a channel, in process and on the wire.
type Frame struct {
	Type     FrameType             `json:"type"`
	Topic    string                `json:"topic,omitempty"`
	Event    string                `json:"event,omitempty"`
	Key      string                `json:"key,omitempty"`
	Payload  json.RawMessage       `json:"payload,omitempty"`
	Presence *Presence             `json:"presence,omitempty"`
	State    map[string][]Presence `json:"state,omitempty"`
	Joins    map[string][]Presence `json:"joins,omitempty"`
	Leaves   map[string][]Presence `json:"leaves,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// EncodePayload marshals a broadcast payload, passing raw JSON through untouched.
func EncodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}
