// Contains the event envelope exchanged over the websocket and the typed
// payloads of the events both sides emit.
package chat

import "encoding/json"

// Inbound event names (server -> client). Lifecycle events (EventConnect,
// EventDisconnect, the reconnect family) are synthesized by the connection
// manager rather than carried on the wire.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventReconnect        = "reconnect"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
	EventConnectError     = "connect_error"
	EventNewMessage       = "new_message"
	EventMessageDeleted   = "message_deleted"
	EventUserTyping       = "user_typing"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
)

// Outbound event names (client -> server).
const (
	EventJoinGroup  = "join_group"
	EventLeaveGroup = "leave_group"
	EventTyping     = "typing"
)

// Frame is the JSON envelope for every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a Frame. Marshal failures are a programming
// error on our own payload types, so they surface as an error to the caller
// rather than a panic.
func NewFrame(event string, payload interface{}) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

// DeletedPayload carries a message_deleted event. Some backend versions send
// a bare string id instead of the object form, so both are accepted.
type DeletedPayload struct {
	MessageID string `json:"messageId"`
}

// UnmarshalJSON accepts {"messageId":"..."} or a bare "..." string.
func (p *DeletedPayload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.MessageID = s
		return nil
	}
	type alias DeletedPayload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = DeletedPayload(a)
	return nil
}

// TypingPayload carries a user_typing event.
type TypingPayload struct {
	GroupID  string `json:"groupId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// PresencePayload carries user_joined / user_left events.
type PresencePayload struct {
	GroupID  string `json:"groupId"`
	Username string `json:"username"`
}

// TypingEmit is the outbound typing payload.
type TypingEmit struct {
	GroupID  string `json:"groupId"`
	IsTyping bool   `json:"isTyping"`
}

// DisconnectPayload carries the transport's disconnect reason.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// ReconnectPayload carries the attempt counter for the reconnect family of
// lifecycle events. Error is set only on reconnect_failed.
type ReconnectPayload struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}
