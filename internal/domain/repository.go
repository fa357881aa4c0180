package domain

import (
	"context"
	"time"
)

// ProfileRepository defines persistence operations for user profiles.
type ProfileRepository interface {
	Create(ctx context.Context, p *Profile) error
	GetByID(ctx context.Context, id string) (*Profile, error)
	GetByUsername(ctx context.Context, username string) (*Profile, error)
	// GetMany batch-fetches profiles by id; missing ids are simply absent
	// from the result map.
	GetMany(ctx context.Context, ids []string) (map[string]*Profile, error)
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
}

// ConversationRepository defines persistence operations for conversations.
type ConversationRepository interface {
	Create(ctx context.Context, c *Conversation, members []ConversationMember) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	// FindDirect returns the existing direct conversation between the two
	// users, or nil if none exists. The pair is unordered.
	FindDirect(ctx context.Context, userA, userB string) (*Conversation, error)
	ListMembers(ctx context.Context, conversationID string) ([]*ConversationMember, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	GetMemberRole(ctx context.Context, conversationID, userID string) (MemberRole, error)
	// AddMembers inserts the given members; ids already in the
	// conversation are skipped.
	AddMembers(ctx context.Context, conversationID string, members []ConversationMember) error
	RemoveMember(ctx context.Context, conversationID, userID string) error
	Touch(ctx context.Context, conversationID string, at time.Time) error
	// ListSummaries builds the chat-list rows for the viewer, one per
	// conversation of the given kind, with last-message preview and unread
	// count. Ordering is applied by the caller after merging kinds.
	ListSummaries(ctx context.Context, viewerID string, kind ConversationKind) ([]*ConversationSummary, error)
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	// Create inserts the message using its client-generated id as the
	// idempotency key: re-inserting an id the store already holds is a
	// no-op, so a retried send after an ambiguous failure cannot produce a
	// duplicate row.
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	// ListPage returns messages most-recent-first with an explicit
	// limit/offset, excluding messages in the viewer's hidden set. Callers
	// reverse to oldest-first for display.
	ListPage(ctx context.Context, conversationID, viewerID string, limit, offset int) ([]*Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error
	// SoftDeleteForEveryone marks the row deleted and blanks its content;
	// id and timestamps survive so reply references keep resolving.
	SoftDeleteForEveryone(ctx context.Context, id string, deletedAt time.Time) error
}

// StatusRepository defines persistence operations for per-recipient delivery
// state.
type StatusRepository interface {
	// InitRecipients fans out one unseen, undelivered row per recipient.
	// Called exactly once per message, at send time.
	InitRecipients(ctx context.Context, messageID string, recipientIDs []string) error
	ListForMessage(ctx context.Context, messageID string) ([]*DeliveryStatus, error)
	ListForMessages(ctx context.Context, messageIDs []string) (map[string][]*DeliveryStatus, error)
	GetForRecipient(ctx context.Context, messageID, recipientID string) (*DeliveryStatus, error)
	MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) error
	MarkSeen(ctx context.Context, messageID, recipientID string, at time.Time) error
	// MarkSeenBatch seen-marks every listed message for the recipient in
	// one statement. Idempotent; already-seen rows are untouched.
	MarkSeenBatch(ctx context.Context, messageIDs []string, recipientID string, at time.Time) error
}

// HiddenMessageRepository tracks the personal hidden-message set backing
// "delete for me". Entries are consulted at read time and never reversed.
type HiddenMessageRepository interface {
	Hide(ctx context.Context, userID, messageID string) error
	IsHidden(ctx context.Context, userID, messageID string) (bool, error)
}
