package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/internal/realtime"
)

// Sentinel errors used by handlers to map to HTTP status codes.
var (
	ErrMessageDeleted = errors.New("message is already deleted")
	ErrNotMember      = errors.New("you are not a member of this conversation")
)

// ChatService is the operation catalogue over the relational store. Every
// read is side-effect free and every mutation is retry-safe; send relies on
// the client-generated message id as its idempotency key. Committed writes
// are published to the event bus as row-change events.
type ChatService struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	statuses      domain.StatusRepository
	hidden        domain.HiddenMessageRepository
	profiles      domain.ProfileRepository
	bus           *realtime.Bus
	log           *zap.SugaredLogger

	MaxContentLength int
	// Hub, when set, receives a per-recipient nudge for every sent message.
	Hub *realtime.Hub
}

func NewChatService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	statuses domain.StatusRepository,
	hidden domain.HiddenMessageRepository,
	profiles domain.ProfileRepository,
	bus *realtime.Bus,
	log *zap.SugaredLogger,
) *ChatService {
	return &ChatService{
		conversations:    conversations,
		messages:         messages,
		statuses:         statuses,
		hidden:           hidden,
		profiles:         profiles,
		bus:              bus,
		log:              log,
		MaxContentLength: 5000,
	}
}

// SendMessage writes the message row and fans out one status row per
// recipient, then publishes the row-change insert. Recipients are the
// conversation members at send time minus the sender. Re-running with the
// same message id is a no-op insert, so an ambiguous failure can be retried
// safely.
func (s *ChatService) SendMessage(ctx context.Context, m *domain.Message) (*domain.Message, []string, error) {
	if len([]rune(m.Content)) > s.MaxContentLength {
		return nil, nil, fmt.Errorf("message content exceeds %d characters: %w", s.MaxContentLength, domain.ErrInvalidInput)
	}
	conv, err := s.conversations.GetByID(ctx, m.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, nil, domain.ErrNotFound
	}
	isMember, err := s.conversations.IsMember(ctx, m.ConversationID, m.SenderID)
	if err != nil {
		return nil, nil, fmt.Errorf("check member: %w", err)
	}
	if !isMember {
		return nil, nil, ErrNotMember
	}

	if err := s.messages.Create(ctx, m); err != nil {
		return nil, nil, err
	}

	members, err := s.conversations.ListMembers(ctx, m.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("list members: %w", err)
	}
	recipients := make([]string, 0, len(members)-1)
	for _, member := range members {
		if member.UserID != m.SenderID {
			recipients = append(recipients, member.UserID)
		}
	}
	if err := s.statuses.InitRecipients(ctx, m.ID, recipients); err != nil {
		return nil, nil, fmt.Errorf("init recipients: %w", err)
	}
	if err := s.conversations.Touch(ctx, m.ConversationID, m.CreatedAt); err != nil {
		s.log.Warnw("touch conversation", "conversation_id", m.ConversationID, "error", err)
	}

	s.bus.Publish(realtime.Event{
		Type:           realtime.EventRowInsert,
		ConversationID: m.ConversationID,
		Message:        m,
	})
	// Recipients without the conversation open still get a chat-list nudge
	// on their live connection.
	if s.Hub != nil {
		s.Hub.BroadcastToUsers(recipients, map[string]any{
			"type":            "new_message",
			"conversation_id": m.ConversationID,
			"message_id":      m.ID,
		})
	}
	return m, recipients, nil
}

// EditMessage updates the content; only the author may edit, and deleted
// messages stay deleted.
func (s *ChatService) EditMessage(ctx context.Context, callerID, messageID, newContent string) (*domain.Message, error) {
	if len([]rune(newContent)) > s.MaxContentLength {
		return nil, fmt.Errorf("message content exceeds %d characters: %w", s.MaxContentLength, domain.ErrInvalidInput)
	}
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if msg == nil {
		return nil, domain.ErrNotFound
	}
	if msg.IsDeleted {
		return nil, ErrMessageDeleted
	}
	if msg.SenderID != callerID {
		return nil, domain.ErrPermissionDenied
	}

	editedAt := time.Now().UTC()
	if err := s.messages.UpdateContent(ctx, messageID, newContent, editedAt); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	msg.Content = newContent
	msg.IsEdited = true
	msg.EditedAt = &editedAt

	s.bus.Publish(realtime.Event{
		Type:           realtime.EventRowUpdate,
		ConversationID: msg.ConversationID,
		Message:        msg,
	})
	return msg, nil
}

// DeleteForEveryone soft-deletes the message. Allowed for the author, or for
// an admin of a group conversation.
func (s *ChatService) DeleteForEveryone(ctx context.Context, callerID, messageID string) (*domain.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if msg == nil {
		return nil, domain.ErrNotFound
	}
	if msg.IsDeleted {
		return msg, nil
	}

	if msg.SenderID != callerID {
		conv, err := s.conversations.GetByID(ctx, msg.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("get conversation: %w", err)
		}
		if conv == nil || !conv.IsGroup() {
			return nil, domain.ErrPermissionDenied
		}
		role, err := s.conversations.GetMemberRole(ctx, msg.ConversationID, callerID)
		if err != nil || role != domain.RoleAdmin {
			return nil, domain.ErrPermissionDenied
		}
	}

	deletedAt := time.Now().UTC()
	if err := s.messages.SoftDeleteForEveryone(ctx, messageID, deletedAt); err != nil {
		return nil, fmt.Errorf("soft delete: %w", err)
	}
	msg.IsDeleted = true
	msg.DeletedAt = &deletedAt
	msg.Content = ""

	s.bus.Publish(realtime.Event{
		Type:           realtime.EventRowUpdate,
		ConversationID: msg.ConversationID,
		Message:        msg,
	})
	return msg, nil
}

// DeleteForMe adds the message to the caller's personal hidden set. A global
// delete landing later makes the hide entry redundant but harmless, so it is
// left in place.
func (s *ChatService) DeleteForMe(ctx context.Context, callerID, messageID string) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if msg == nil {
		return domain.ErrNotFound
	}
	hidden, err := s.hidden.IsHidden(ctx, callerID, messageID)
	if err != nil {
		return fmt.Errorf("check hidden: %w", err)
	}
	if hidden {
		return nil
	}
	return s.hidden.Hide(ctx, callerID, messageID)
}

func (s *ChatService) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) error {
	existing, err := s.statuses.GetForRecipient(ctx, messageID, recipientID)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.ErrNotRecipient
	}
	if existing.IsDelivered {
		return nil
	}
	if err := s.statuses.MarkDelivered(ctx, messageID, recipientID, at); err != nil {
		return err
	}
	s.publishStatus(ctx, messageID, recipientID, at, false)
	return nil
}

// MarkSeen records the seen transition and publishes it. A caller with no
// status row for the message is not a recipient; a replay against an
// already-seen row is dropped before the publish, so subscribers do not see
// duplicate status events.
func (s *ChatService) MarkSeen(ctx context.Context, messageID, recipientID string, at time.Time) error {
	existing, err := s.statuses.GetForRecipient(ctx, messageID, recipientID)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.ErrNotRecipient
	}
	if existing.IsSeen {
		return nil
	}
	if err := s.statuses.MarkSeen(ctx, messageID, recipientID, at); err != nil {
		return err
	}
	s.publishStatus(ctx, messageID, recipientID, at, true)
	return nil
}

// MarkSeenBatch seen-marks the recipient's pending rows among the listed
// messages in one statement and publishes one status event per transition.
// Ids the recipient has already seen, or holds no row for, are dropped up
// front so the publishes mirror what the statement actually changed.
func (s *ChatService) MarkSeenBatch(ctx context.Context, messageIDs []string, recipientID string, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	rows, err := s.statuses.ListForMessages(ctx, messageIDs)
	if err != nil {
		return err
	}
	var pending []string
	for _, id := range messageIDs {
		for _, row := range rows[id] {
			if row.RecipientID == recipientID && !row.IsSeen {
				pending = append(pending, id)
				break
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := s.statuses.MarkSeenBatch(ctx, pending, recipientID, at); err != nil {
		return err
	}
	for _, id := range pending {
		s.publishStatus(ctx, id, recipientID, at, true)
	}
	return nil
}

func (s *ChatService) publishStatus(ctx context.Context, messageID, recipientID string, at time.Time, seen bool) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil || msg == nil {
		s.log.Warnw("publish status: message lookup", "message_id", messageID, "error", err)
		return
	}
	s.bus.Publish(realtime.Event{
		Type:           realtime.EventMessageStatus,
		ConversationID: msg.ConversationID,
		Status: &realtime.StatusUpdate{
			MessageID:   messageID,
			RecipientID: recipientID,
			Delivered:   true,
			Seen:        seen,
			At:          at,
		},
	})
}

func (s *ChatService) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return s.messages.GetByID(ctx, id)
}

// ListHistory returns one page of messages, most-recent-first. Callers
// reverse to display order.
func (s *ChatService) ListHistory(ctx context.Context, conversationID, viewerID string, limit, offset int) ([]*domain.Message, error) {
	isMember, err := s.conversations.IsMember(ctx, conversationID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("check member: %w", err)
	}
	if !isMember {
		return nil, ErrNotMember
	}
	if limit <= 0 {
		limit = 50
	}
	return s.messages.ListPage(ctx, conversationID, viewerID, limit, offset)
}

// StatusForMessage returns the delivery roster for one message. Only members
// of its conversation may read it: the full roster backs "seen by" in group
// chats, and in a direct chat it is simply the single partner row.
func (s *ChatService) StatusForMessage(ctx context.Context, callerID, messageID string) ([]*domain.DeliveryStatus, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if msg == nil {
		return nil, domain.ErrNotFound
	}
	isMember, err := s.conversations.IsMember(ctx, msg.ConversationID, callerID)
	if err != nil {
		return nil, fmt.Errorf("check member: %w", err)
	}
	if !isMember {
		return nil, ErrNotMember
	}
	return s.statuses.ListForMessage(ctx, messageID)
}

// StatusForMessages batch-fetches delivery state for messages of one
// conversation, gated on the viewer's membership.
func (s *ChatService) StatusForMessages(ctx context.Context, conversationID, viewerID string, messageIDs []string) (map[string][]*domain.DeliveryStatus, error) {
	isMember, err := s.conversations.IsMember(ctx, conversationID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("check member: %w", err)
	}
	if !isMember {
		return nil, ErrNotMember
	}
	return s.statuses.ListForMessages(ctx, messageIDs)
}

func (s *ChatService) ListMembers(ctx context.Context, conversationID string) ([]*domain.ConversationMember, error) {
	return s.conversations.ListMembers(ctx, conversationID)
}

func (s *ChatService) GetConversation(ctx context.Context, conversationID, viewerID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, domain.ErrNotFound
	}
	isMember, err := s.conversations.IsMember(ctx, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotMember
	}
	return conv, nil
}

// ChatList merges the per-kind summary queries into one list ordered by
// last-message time descending. Conversations with identical timestamps fall
// back to conversation id, so repeated calls with unchanged input produce the
// same order.
func (s *ChatService) ChatList(ctx context.Context, viewerID string) ([]*domain.ConversationSummary, error) {
	direct, err := s.conversations.ListSummaries(ctx, viewerID, domain.ConversationDirect)
	if err != nil {
		return nil, fmt.Errorf("direct summaries: %w", err)
	}
	groups, err := s.conversations.ListSummaries(ctx, viewerID, domain.ConversationGroup)
	if err != nil {
		return nil, fmt.Errorf("group summaries: %w", err)
	}

	all := append(direct, groups...)
	sort.SliceStable(all, func(i, j int) bool {
		ti, tj := summaryTime(all[i]), summaryTime(all[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return all[i].ConversationID < all[j].ConversationID
	})
	return all, nil
}

func summaryTime(s *domain.ConversationSummary) time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return time.Time{}
}

// CreateDirectConversation returns the existing 1:1 conversation for the pair
// or creates one.
func (s *ChatService) CreateDirectConversation(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	if userA == userB {
		return nil, fmt.Errorf("cannot start a conversation with yourself: %w", domain.ErrInvalidInput)
	}
	existing, err := s.conversations.FindDirect(ctx, userA, userB)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	conv := &domain.Conversation{
		ID:   uuid.NewString(),
		Kind: domain.ConversationDirect,
	}
	members := []domain.ConversationMember{
		{ConversationID: conv.ID, UserID: userA, Role: domain.RoleMember},
		{ConversationID: conv.ID, UserID: userB, Role: domain.RoleMember},
	}
	if err := s.conversations.Create(ctx, conv, members); err != nil {
		return nil, err
	}
	return conv, nil
}

// AddGroupMembers lets a group admin add members. Ids already in the group
// are skipped. Open sessions learn about the change through the group_update
// broadcast.
func (s *ChatService) AddGroupMembers(ctx context.Context, callerID, conversationID string, memberIDs []string) error {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return domain.ErrNotFound
	}
	if conv.Kind != domain.ConversationGroup {
		return fmt.Errorf("members can only be added to groups: %w", domain.ErrInvalidInput)
	}
	role, err := s.conversations.GetMemberRole(ctx, conversationID, callerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrNotMember
		}
		return err
	}
	if role != domain.RoleAdmin {
		return domain.ErrPermissionDenied
	}
	if len(memberIDs) == 0 {
		return fmt.Errorf("no members given: %w", domain.ErrInvalidInput)
	}

	members := make([]domain.ConversationMember, 0, len(memberIDs))
	for _, id := range memberIDs {
		members = append(members, domain.ConversationMember{
			ConversationID: conversationID,
			UserID:         id,
			Role:           domain.RoleMember,
		})
	}
	if err := s.conversations.AddMembers(ctx, conversationID, members); err != nil {
		return err
	}

	s.bus.Publish(realtime.Event{
		Type:           realtime.EventGroupUpdate,
		ConversationID: conversationID,
	})
	return nil
}

// LeaveConversation removes the caller from a group. Already-sent messages
// keep their status rows; messages sent after the departure simply have one
// fewer recipient. Direct conversations cannot be left.
func (s *ChatService) LeaveConversation(ctx context.Context, callerID, conversationID string) error {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return domain.ErrNotFound
	}
	if conv.Kind != domain.ConversationGroup {
		return fmt.Errorf("direct conversations cannot be left: %w", domain.ErrInvalidInput)
	}
	isMember, err := s.conversations.IsMember(ctx, conversationID, callerID)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrNotMember
	}
	if err := s.conversations.RemoveMember(ctx, conversationID, callerID); err != nil {
		return err
	}

	s.bus.Publish(realtime.Event{
		Type:           realtime.EventGroupUpdate,
		ConversationID: conversationID,
	})
	return nil
}

// CreateGroupConversation creates a group with the creator as admin.
func (s *ChatService) CreateGroupConversation(ctx context.Context, creatorID, name string, memberIDs []string) (*domain.Conversation, error) {
	if name == "" {
		return nil, fmt.Errorf("group name is required: %w", domain.ErrInvalidInput)
	}

	conv := &domain.Conversation{
		ID:   uuid.NewString(),
		Kind: domain.ConversationGroup,
		Name: &name,
	}
	members := []domain.ConversationMember{
		{ConversationID: conv.ID, UserID: creatorID, Role: domain.RoleAdmin},
	}
	seen := map[string]struct{}{creatorID: {}}
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, domain.ConversationMember{
			ConversationID: conv.ID,
			UserID:         id,
			Role:           domain.RoleMember,
		})
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("a group needs at least two members: %w", domain.ErrInvalidInput)
	}
	if err := s.conversations.Create(ctx, conv, members); err != nil {
		return nil, err
	}
	return conv, nil
}
