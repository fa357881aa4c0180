package realtime

import (
	"time"

	"chatsync/internal/domain"
)

// EventType discriminates every realtime event the merge layer consumes.
// Row-change events originate from the store layer after a committed write;
// broadcast events originate from peer clients and are advisory: they may
// race with or duplicate the row-change feed, so handlers must be idempotent.
type EventType string

const (
	// Source A: row-change feed.
	EventRowInsert EventType = "row_insert"
	EventRowUpdate EventType = "row_update"

	// Source B: application broadcast.
	EventMessage       EventType = "message"
	EventMessageStatus EventType = "message_status"
	EventGroupUpdate   EventType = "group_update"
	EventTyping        EventType = "typing"
)

// StatusUpdate carries a delivered/seen transition for one (message,
// recipient) pair. Seen implies delivered.
type StatusUpdate struct {
	MessageID   string    `json:"message_id"`
	RecipientID string    `json:"recipient_id"`
	Delivered   bool      `json:"delivered"`
	Seen        bool      `json:"seen"`
	At          time.Time `json:"at"`
}

// TypingSignal is ephemeral and never persisted.
type TypingSignal struct {
	UserID  string `json:"user_id"`
	Stopped bool   `json:"stopped"`
}

// Event is the single normalized shape both realtime sources are mapped
// into. Exactly one of Message, Status, Typing is set, per Type.
type Event struct {
	Type           EventType
	ConversationID string
	Message        *domain.Message
	Status         *StatusUpdate
	Typing         *TypingSignal
}
