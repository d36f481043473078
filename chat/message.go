// Package chat holds the wire and domain types shared by the SDK packages:
// messages, event frames, and their payloads.
package chat

import (
	"encoding/json"
	"time"
)

// MessageKind discriminates the content payload of a Message.
type MessageKind string

const (
	KindText                    MessageKind = "text"
	KindSystem                  MessageKind = "system"
	KindDrinkLog                MessageKind = "drink_log"
	KindWheelResult             MessageKind = "wheel_result"
	KindLeaderboardAnnouncement MessageKind = "leaderboard_announcement"
)

// TombstoneContent replaces the payload of a deleted message. The message
// stays in the list; only its content is blanked.
const TombstoneContent = "This message was deleted"

// Message is one unit of group chat content. IDs are server-assigned and
// unique within a room. CreatedAt uses the server clock and is the sole
// ordering key.
type Message struct {
	ID        string          `json:"id"`
	GroupID   string          `json:"groupId"`
	SenderID  string          `json:"senderId,omitempty"` // empty for system messages
	Kind      MessageKind     `json:"kind"`
	Content   string          `json:"content"`
	Payload   json.RawMessage `json:"payload,omitempty"` // structured data for non-text kinds
	CreatedAt time.Time       `json:"createdAt"`
	IsDeleted bool            `json:"isDeleted"`

	// IsMine is derived against the current viewer at read time, never
	// trusted from the server.
	IsMine bool `json:"-"`
}
