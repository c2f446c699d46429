// Package protocol defines the control messages exchanged over a collaboration
// websocket. Binary frames carry CRDT bytes; text frames carry Message values.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Message types.
const (
	TypeAuthenticated = "authenticated"
	TypeSynced        = "synced"
	TypeAwareness     = "awareness"
	TypeError         = "error"
	TypeSync          = "sync"
)

// Connection parameters.
const (
	QueryToken       = "token"
	QueryPreferLocal = "preferLocal"
)

// Error texts sent when a connection is refused after the upgrade.
const (
	ErrorForbidden   = "forbidden"
	ErrorShutdown    = "server shutting down"
	ErrorUnavailable = "document temporarily unavailable"
	ErrorRejected    = "connection rejected"
)

// AwarenessUserKey is the awareness field that carries the collaborator profile.
const AwarenessUserKey = "user"

var nullState = json.RawMessage("null")

// Identity is the collaborator profile shown to other sessions.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Message is a control frame. Fields are populated per Type.
type Message struct {
	Type     string          `json:"type"`
	Identity *Identity       `json:"identity,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Authenticated acknowledges a successful attach.
func Authenticated(identity Identity) Message {
	return Message{Type: TypeAuthenticated, Identity: &identity}
}

// Synced acknowledges that every frame sent before a sync marker is merged.
func Synced() Message {
	return Message{Type: TypeSynced}
}

// Sync marks the end of a client's state push.
func Sync() Message {
	return Message{Type: TypeSync}
}

// Error reports a failure to the peer.
func Error(text string) Message {
	return Message{Type: TypeError, Message: text}
}

// Awareness publishes a presence state; a nil state announces removal.
func Awareness(clientID string, state json.RawMessage) Message {
	if len(state) == 0 {
		state = nullState
	}
	return Message{Type: TypeAwareness, ClientID: clientID, State: state}
}

// Removed reports whether an awareness message clears the entry.
func (m Message) Removed() bool {
	trimmed := bytes.TrimSpace(m.State)
	return len(trimmed) == 0 || bytes.Equal(trimmed, nullState)
}

// Encode marshals the message for a text frame.
func Encode(message Message) ([]byte, error) {
	return json.Marshal(message)
}

// Decode parses a text frame.
func Decode(payload []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return Message{}, fmt.Errorf("protocol: decode message: %w", err)
	}
	if message.Type == "" {
		return Message{}, fmt.Errorf("protocol: message type missing")
	}
	return message, nil
}

// UserState builds an awareness state carrying identity under the user key.
func UserState(identity Identity) (json.RawMessage, error) {
	return json.Marshal(map[string]Identity{AwarenessUserKey: identity})
}

// BindUser replaces the user key of an awareness state with identity. The
// state must be a JSON object; other fields are kept as sent.
func BindUser(state json.RawMessage, identity Identity) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(state, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("protocol: awareness state must be an object")
	}
	user, err := json.Marshal(identity)
	if err != nil {
		return nil, err
	}
	fields[AwarenessUserKey] = user
	return json.Marshal(fields)
}

// ParsePreferLocal interprets the preferLocal connection parameter. Anything
// unparseable means false, i.e. trust the server state.
func ParsePreferLocal(raw string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return value
}

// FormatPreferLocal renders the preferLocal parameter as "1" or "0".
func FormatPreferLocal(preferLocal bool) string {
	if preferLocal {
		return "1"
	}
	return "0"
}

var palette = []string{"#958DF1", "#F98181", "#FBBC88", "#FAF594", "#70CFF8", "#94FADB", "#B9F18D"}

// ColorFor picks a stable cursor color for a user id.
func ColorFor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return palette[int(hasher.Sum32()%uint32(len(palette)))]
}
