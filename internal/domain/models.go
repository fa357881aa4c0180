package domain

import "time"

// MessageKind discriminates the content payload of a message.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageEvent MessageKind = "event" // shared-event reference
)

// Profile represents an application user as seen by the chat core.
type Profile struct {
	ID             string    `db:"id" json:"id"`
	Username       string    `db:"username" json:"username"`
	DisplayName    string    `db:"display_name" json:"display_name"`
	AvatarURL      *string   `db:"avatar_url" json:"avatar_url,omitempty"`
	HashedPassword string    `db:"hashed_password" json:"-"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	LastSeen       time.Time `db:"last_seen" json:"last_seen"`
}

// ConversationKind tags the two conversation variants that share one code path.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation represents a chat conversation, direct (1:1) or group.
type Conversation struct {
	ID        string           `db:"id"`
	Kind      ConversationKind `db:"kind"`
	Name      *string          `db:"name"`
	CreatedAt time.Time        `db:"created_at"`
	UpdatedAt time.Time        `db:"updated_at"`
}

func (c *Conversation) IsGroup() bool { return c.Kind == ConversationGroup }

// MemberRole is the role of a user within a conversation. Admins exist only
// in group conversations and may delete any member's message for everyone.
type MemberRole string

const (
	RoleMember MemberRole = "member"
	RoleAdmin  MemberRole = "admin"
)

// ConversationMember represents the membership of a user in a conversation.
type ConversationMember struct {
	ConversationID string     `db:"conversation_id"`
	UserID         string     `db:"user_id"`
	Role           MemberRole `db:"role"`
	JoinedAt       time.Time  `db:"joined_at"`
}

// Message represents a single chat utterance. Messages are append-only by id;
// edits and deletes mutate the existing row, never create a new one. The id is
// a ULID generated by the sending client and doubles as the idempotency key
// for the send mutation.
type Message struct {
	ID             string      `db:"id"`
	ConversationID string      `db:"conversation_id"`
	SenderID       string      `db:"sender_id"`
	Kind           MessageKind `db:"kind"`
	Content        string      `db:"content"` // blank once deleted for everyone
	ReplyToID      *string     `db:"reply_to_id"`
	CreatedAt      time.Time   `db:"created_at"`
	EditedAt       *time.Time  `db:"edited_at"`
	IsEdited       bool        `db:"is_edited"`
	DeletedAt      *time.Time  `db:"deleted_at"`
	IsDeleted      bool        `db:"is_deleted"`
}

// Before compares two messages in display order: CreatedAt ascending with
// ties broken by id. ULIDs sort lexicographically by creation time, so the
// tiebreak is stable across all stores.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// DeliveryStatus is one row per (message, recipient) for every recipient other
// than the sender. Rows are created at send time for the full recipient set,
// never lazily, and only transition forward (delivered, then seen).
type DeliveryStatus struct {
	MessageID   string     `db:"message_id"`
	RecipientID string     `db:"recipient_id"`
	IsDelivered bool       `db:"is_delivered"`
	DeliveredAt *time.Time `db:"delivered_at"`
	IsSeen      bool       `db:"is_seen"`
	SeenAt      *time.Time `db:"seen_at"`
}

// SeenEntry is one element of a message's seen-by roster.
type SeenEntry struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	SeenAt      *time.Time `json:"seen_at"`
}

// ConversationSummary is one chat-list row. It is derived by aggregation
// query, never stored or maintained incrementally.
type ConversationSummary struct {
	ConversationID string           `json:"conversation_id"`
	Kind           ConversationKind `json:"kind"`
	Title          string           `json:"title"`      // partner display name or group name
	AvatarURL      *string          `json:"avatar_url"` // partner avatar; nil for groups
	PartnerID      string           `json:"partner_id,omitempty"`
	LastMessage    *Message         `json:"last_message,omitempty"`
	UnreadCount    int              `json:"unread_count"`
}

// Draft is user-entered content about to enter the optimistic send pipeline.
type Draft struct {
	Kind      MessageKind
	Content   string
	ReplyToID *string
	// ImageData holds raw attachment bytes for MessageImage drafts; it is
	// uploaded to object storage before the message row is written.
	ImageData   []byte
	ContentType string
}
