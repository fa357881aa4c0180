package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/internal/realtime"
	"chatsync/internal/service"
)

type MockConversationRepo struct {
	mock.Mock
}

func (m *MockConversationRepo) Create(ctx context.Context, c *domain.Conversation, members []domain.ConversationMember) error {
	args := m.Called(ctx, c, members)
	return args.Error(0)
}

func (m *MockConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) FindDirect(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	args := m.Called(ctx, userA, userB)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) ListMembers(ctx context.Context, conversationID string) ([]*domain.ConversationMember, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ConversationMember), args.Error(1)
}

func (m *MockConversationRepo) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockConversationRepo) GetMemberRole(ctx context.Context, conversationID, userID string) (domain.MemberRole, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Get(0).(domain.MemberRole), args.Error(1)
}

func (m *MockConversationRepo) AddMembers(ctx context.Context, conversationID string, members []domain.ConversationMember) error {
	args := m.Called(ctx, conversationID, members)
	return args.Error(0)
}

func (m *MockConversationRepo) RemoveMember(ctx context.Context, conversationID, userID string) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

func (m *MockConversationRepo) Touch(ctx context.Context, conversationID string, at time.Time) error {
	args := m.Called(ctx, conversationID, at)
	return args.Error(0)
}

func (m *MockConversationRepo) ListSummaries(ctx context.Context, viewerID string, kind domain.ConversationKind) ([]*domain.ConversationSummary, error) {
	args := m.Called(ctx, viewerID, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ConversationSummary), args.Error(1)
}

type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Create(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) ListPage(ctx context.Context, conversationID, viewerID string, limit, offset int) ([]*domain.Message, error) {
	args := m.Called(ctx, conversationID, viewerID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	args := m.Called(ctx, id, content, editedAt)
	return args.Error(0)
}

func (m *MockMessageRepo) SoftDeleteForEveryone(ctx context.Context, id string, deletedAt time.Time) error {
	args := m.Called(ctx, id, deletedAt)
	return args.Error(0)
}

type MockStatusRepo struct {
	mock.Mock
}

func (m *MockStatusRepo) InitRecipients(ctx context.Context, messageID string, recipientIDs []string) error {
	args := m.Called(ctx, messageID, recipientIDs)
	return args.Error(0)
}

func (m *MockStatusRepo) ListForMessage(ctx context.Context, messageID string) ([]*domain.DeliveryStatus, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.DeliveryStatus), args.Error(1)
}

func (m *MockStatusRepo) ListForMessages(ctx context.Context, messageIDs []string) (map[string][]*domain.DeliveryStatus, error) {
	args := m.Called(ctx, messageIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]*domain.DeliveryStatus), args.Error(1)
}

func (m *MockStatusRepo) GetForRecipient(ctx context.Context, messageID, recipientID string) (*domain.DeliveryStatus, error) {
	args := m.Called(ctx, messageID, recipientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DeliveryStatus), args.Error(1)
}

func (m *MockStatusRepo) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) error {
	args := m.Called(ctx, messageID, recipientID, at)
	return args.Error(0)
}

func (m *MockStatusRepo) MarkSeen(ctx context.Context, messageID, recipientID string, at time.Time) error {
	args := m.Called(ctx, messageID, recipientID, at)
	return args.Error(0)
}

func (m *MockStatusRepo) MarkSeenBatch(ctx context.Context, messageIDs []string, recipientID string, at time.Time) error {
	args := m.Called(ctx, messageIDs, recipientID, at)
	return args.Error(0)
}

type MockHiddenRepo struct {
	mock.Mock
}

func (m *MockHiddenRepo) Hide(ctx context.Context, userID, messageID string) error {
	args := m.Called(ctx, userID, messageID)
	return args.Error(0)
}

func (m *MockHiddenRepo) IsHidden(ctx context.Context, userID, messageID string) (bool, error) {
	args := m.Called(ctx, userID, messageID)
	return args.Bool(0), args.Error(1)
}

type MockProfileRepo struct {
	mock.Mock
}

func (m *MockProfileRepo) Create(ctx context.Context, p *domain.Profile) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockProfileRepo) GetByID(ctx context.Context, id string) (*domain.Profile, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Profile), args.Error(1)
}

func (m *MockProfileRepo) GetByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Profile), args.Error(1)
}

func (m *MockProfileRepo) GetMany(ctx context.Context, ids []string) (map[string]*domain.Profile, error) {
	return map[string]*domain.Profile{}, nil
}

func (m *MockProfileRepo) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	return nil
}

type chatFixture struct {
	convs    *MockConversationRepo
	msgs     *MockMessageRepo
	statuses *MockStatusRepo
	hidden   *MockHiddenRepo
	bus      *realtime.Bus
	svc      *service.ChatService
}

func newChatFixture() *chatFixture {
	f := &chatFixture{
		convs:    new(MockConversationRepo),
		msgs:     new(MockMessageRepo),
		statuses: new(MockStatusRepo),
		hidden:   new(MockHiddenRepo),
		bus:      realtime.NewBus(zap.NewNop().Sugar()),
	}
	f.svc = service.NewChatService(f.convs, f.msgs, f.statuses, f.hidden, new(MockProfileRepo), f.bus, zap.NewNop().Sugar())
	return f
}

func directConv(id string) *domain.Conversation {
	return &domain.Conversation{ID: id, Kind: domain.ConversationDirect}
}

func groupConv(id string) *domain.Conversation {
	name := "the band"
	return &domain.Conversation{ID: id, Kind: domain.ConversationGroup, Name: &name}
}

func membersOf(convID string, ids ...string) []*domain.ConversationMember {
	res := make([]*domain.ConversationMember, 0, len(ids))
	for _, id := range ids {
		res = append(res, &domain.ConversationMember{ConversationID: convID, UserID: id, Role: domain.RoleMember})
	}
	return res
}

func TestSendMessage(t *testing.T) {
	t.Run("FansOutToAllMembersButSender", func(t *testing.T) {
		f := newChatFixture()
		events, cancel := f.bus.Subscribe("c1")
		defer cancel()

		msg := &domain.Message{
			ID:             "01SENDAAAAAAAAAAAAAAAAAAAA",
			ConversationID: "c1",
			SenderID:       "me",
			Kind:           domain.MessageText,
			Content:        "hello",
			CreatedAt:      time.Now().UTC(),
		}
		f.convs.On("GetByID", mock.Anything, "c1").Return(directConv("c1"), nil)
		f.convs.On("IsMember", mock.Anything, "c1", "me").Return(true, nil)
		f.msgs.On("Create", mock.Anything, msg).Return(nil)
		f.convs.On("ListMembers", mock.Anything, "c1").Return(membersOf("c1", "me", "alice", "bob"), nil)
		f.statuses.On("InitRecipients", mock.Anything, msg.ID, []string{"alice", "bob"}).Return(nil)
		f.convs.On("Touch", mock.Anything, "c1", msg.CreatedAt).Return(nil)

		confirmed, recipients, err := f.svc.SendMessage(context.Background(), msg)
		assert.NoError(t, err)
		assert.Equal(t, msg.ID, confirmed.ID)
		assert.Equal(t, []string{"alice", "bob"}, recipients)

		ev := <-events
		assert.Equal(t, realtime.EventRowInsert, ev.Type)
		assert.Equal(t, msg.ID, ev.Message.ID)
		f.statuses.AssertExpectations(t)
	})

	t.Run("RejectsNonMember", func(t *testing.T) {
		f := newChatFixture()
		f.convs.On("GetByID", mock.Anything, "c1").Return(directConv("c1"), nil)
		f.convs.On("IsMember", mock.Anything, "c1", "stranger").Return(false, nil)

		_, _, err := f.svc.SendMessage(context.Background(), &domain.Message{
			ID: "01X", ConversationID: "c1", SenderID: "stranger", Content: "hi",
		})
		assert.ErrorIs(t, err, service.ErrNotMember)
	})

	t.Run("RejectsOversizedContent", func(t *testing.T) {
		f := newChatFixture()
		f.svc.MaxContentLength = 5

		_, _, err := f.svc.SendMessage(context.Background(), &domain.Message{
			ID: "01X", ConversationID: "c1", SenderID: "me", Content: "too long",
		})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestEditMessage(t *testing.T) {
	stored := func() *domain.Message {
		return &domain.Message{
			ID:             "01EDITAAAAAAAAAAAAAAAAAAAA",
			ConversationID: "c1",
			SenderID:       "me",
			Kind:           domain.MessageText,
			Content:        "original",
		}
	}

	t.Run("AuthorCanEdit", func(t *testing.T) {
		f := newChatFixture()
		msg := stored()
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)
		f.msgs.On("UpdateContent", mock.Anything, msg.ID, "fixed", mock.Anything).Return(nil)

		updated, err := f.svc.EditMessage(context.Background(), "me", msg.ID, "fixed")
		assert.NoError(t, err)
		assert.Equal(t, "fixed", updated.Content)
		assert.True(t, updated.IsEdited)
		assert.NotNil(t, updated.EditedAt)
	})

	t.Run("OnlyAuthorMayEdit", func(t *testing.T) {
		f := newChatFixture()
		msg := stored()
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)

		_, err := f.svc.EditMessage(context.Background(), "alice", msg.ID, "hijack")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	})

	t.Run("DeletedMessageStaysDeleted", func(t *testing.T) {
		f := newChatFixture()
		msg := stored()
		msg.IsDeleted = true
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)

		_, err := f.svc.EditMessage(context.Background(), "me", msg.ID, "resurrect")
		assert.ErrorIs(t, err, service.ErrMessageDeleted)
	})
}

func TestDeleteForEveryone(t *testing.T) {
	stored := func() *domain.Message {
		return &domain.Message{
			ID:             "01DELAAAAAAAAAAAAAAAAAAAAA",
			ConversationID: "g1",
			SenderID:       "alice",
			Kind:           domain.MessageText,
			Content:        "secret",
		}
	}

	t.Run("AuthorDeletesOwnMessage", func(t *testing.T) {
		f := newChatFixture()
		msg := stored()
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)
		f.msgs.On("SoftDeleteForEveryone", mock.Anything, msg.ID, mock.Anything).Return(nil)

		deleted, err := f.svc.DeleteForEveryone(context.Background(), "alice", msg.ID)
		assert.NoError(t, err)
		assert.True(t, deleted.IsDeleted)
		assert.Empty(t, deleted.Content, "content is blanked on delete")
	})

	t.Run("GroupAdminDeletesAnyMessage", func(t *testing.T) {
		f := newChatFixture()
		msg := stored()
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)
		f.convs.On("GetByID", mock.Anything, "g1").Return(groupConv("g1"), nil)
		f.convs.On("GetMemberRole", mock.Anything, "g1", "admin").Return(domain.RoleAdmin, nil)
		f.msgs.On("SoftDeleteForEveryone", mock.Anything, msg.ID, mock.Anything).Return(nil)

		deleted, err := f.svc.DeleteForEveryone(context.Background(), "admin", msg.ID)
		assert.NoError(t, err)
		assert.True(t, deleted.IsDeleted)
	})

	t.Run("PlainMemberMayNotDeleteOthers", func(t *testing.T) {
		f := newChatFixture()
		msg := stored()
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)
		f.convs.On("GetByID", mock.Anything, "g1").Return(groupConv("g1"), nil)
		f.convs.On("GetMemberRole", mock.Anything, "g1", "bob").Return(domain.RoleMember, nil)

		_, err := f.svc.DeleteForEveryone(context.Background(), "bob", msg.ID)
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	})

	t.Run("NoAdminOverrideInDirectChats", func(t *testing.T) {
		f := newChatFixture()
		msg := stored()
		msg.ConversationID = "c1"
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)
		f.convs.On("GetByID", mock.Anything, "c1").Return(directConv("c1"), nil)

		_, err := f.svc.DeleteForEveryone(context.Background(), "bob", msg.ID)
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	})

	t.Run("AlreadyDeletedIsIdempotent", func(t *testing.T) {
		f := newChatFixture()
		msg := stored()
		msg.IsDeleted = true
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)

		deleted, err := f.svc.DeleteForEveryone(context.Background(), "alice", msg.ID)
		assert.NoError(t, err)
		assert.True(t, deleted.IsDeleted)
		f.msgs.AssertNotCalled(t, "SoftDeleteForEveryone", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestDeleteForMe(t *testing.T) {
	t.Run("HidesMessage", func(t *testing.T) {
		f := newChatFixture()
		msg := &domain.Message{ID: "01HIDEAAAAAAAAAAAAAAAAAAAA", ConversationID: "c1", SenderID: "alice"}
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)
		f.hidden.On("IsHidden", mock.Anything, "me", msg.ID).Return(false, nil)
		f.hidden.On("Hide", mock.Anything, "me", msg.ID).Return(nil)

		assert.NoError(t, f.svc.DeleteForMe(context.Background(), "me", msg.ID))
		f.hidden.AssertExpectations(t)
	})

	t.Run("AlreadyHiddenSkipsWrite", func(t *testing.T) {
		f := newChatFixture()
		msg := &domain.Message{ID: "01HIDEAAAAAAAAAAAAAAAAAAAA", ConversationID: "c1", SenderID: "alice"}
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)
		f.hidden.On("IsHidden", mock.Anything, "me", msg.ID).Return(true, nil)

		assert.NoError(t, f.svc.DeleteForMe(context.Background(), "me", msg.ID))
		f.hidden.AssertNotCalled(t, "Hide", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestMarkSeenPublishesStatusEvent(t *testing.T) {
	f := newChatFixture()
	msg := &domain.Message{ID: "01SEENAAAAAAAAAAAAAAAAAAAA", ConversationID: "c1", SenderID: "alice"}
	at := time.Now().UTC()

	f.statuses.On("GetForRecipient", mock.Anything, msg.ID, "me").Return(&domain.DeliveryStatus{MessageID: msg.ID, RecipientID: "me"}, nil)
	f.statuses.On("MarkSeen", mock.Anything, msg.ID, "me", at).Return(nil)
	f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)

	events, cancel := f.bus.Subscribe("c1")
	defer cancel()

	assert.NoError(t, f.svc.MarkSeen(context.Background(), msg.ID, "me", at))

	ev := <-events
	assert.Equal(t, realtime.EventMessageStatus, ev.Type)
	assert.True(t, ev.Status.Seen)
	assert.True(t, ev.Status.Delivered)
	assert.Equal(t, "me", ev.Status.RecipientID)
}

func TestMarkSeenReplayIsDropped(t *testing.T) {
	f := newChatFixture()
	id := "01SEENAAAAAAAAAAAAAAAAAAAA"
	at := time.Now().UTC()
	f.statuses.On("GetForRecipient", mock.Anything, id, "me").Return(&domain.DeliveryStatus{MessageID: id, RecipientID: "me", IsSeen: true}, nil)

	assert.NoError(t, f.svc.MarkSeen(context.Background(), id, "me", at))
	f.statuses.AssertNotCalled(t, "MarkSeen", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkSeenRejectsNonRecipient(t *testing.T) {
	f := newChatFixture()
	id := "01SEENAAAAAAAAAAAAAAAAAAAA"
	f.statuses.On("GetForRecipient", mock.Anything, id, "alice").Return(nil, nil)

	err := f.svc.MarkSeen(context.Background(), id, "alice", time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrNotRecipient)
	f.statuses.AssertNotCalled(t, "MarkSeen", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkDelivered(t *testing.T) {
	t.Run("RecordsTransitionAndPublishes", func(t *testing.T) {
		f := newChatFixture()
		msg := &domain.Message{ID: "01DLVRAAAAAAAAAAAAAAAAAAAA", ConversationID: "c1", SenderID: "alice"}
		at := time.Now().UTC()
		f.statuses.On("GetForRecipient", mock.Anything, msg.ID, "me").Return(&domain.DeliveryStatus{MessageID: msg.ID, RecipientID: "me"}, nil)
		f.statuses.On("MarkDelivered", mock.Anything, msg.ID, "me", at).Return(nil)
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)

		events, cancel := f.bus.Subscribe("c1")
		defer cancel()

		assert.NoError(t, f.svc.MarkDelivered(context.Background(), msg.ID, "me", at))

		ev := <-events
		assert.Equal(t, realtime.EventMessageStatus, ev.Type)
		assert.True(t, ev.Status.Delivered)
		assert.False(t, ev.Status.Seen)
	})

	t.Run("ReplayIsDropped", func(t *testing.T) {
		f := newChatFixture()
		id := "01DLVRAAAAAAAAAAAAAAAAAAAA"
		f.statuses.On("GetForRecipient", mock.Anything, id, "me").Return(&domain.DeliveryStatus{MessageID: id, RecipientID: "me", IsDelivered: true}, nil)

		assert.NoError(t, f.svc.MarkDelivered(context.Background(), id, "me", time.Now().UTC()))
		f.statuses.AssertNotCalled(t, "MarkDelivered", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("RejectsNonRecipient", func(t *testing.T) {
		f := newChatFixture()
		id := "01DLVRAAAAAAAAAAAAAAAAAAAA"
		f.statuses.On("GetForRecipient", mock.Anything, id, "alice").Return(nil, nil)

		err := f.svc.MarkDelivered(context.Background(), id, "alice", time.Now().UTC())
		assert.ErrorIs(t, err, domain.ErrNotRecipient)
	})
}

func TestMarkSeenBatchSkipsEmptyInput(t *testing.T) {
	f := newChatFixture()
	assert.NoError(t, f.svc.MarkSeenBatch(context.Background(), nil, "me", time.Now()))
	f.statuses.AssertNotCalled(t, "MarkSeenBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkSeenBatchSuppressesAlreadySeen(t *testing.T) {
	f := newChatFixture()
	at := time.Now().UTC()
	pendingMsg := &domain.Message{ID: "01BATCHPENDINGAAAAAAAAAAAA", ConversationID: "c1", SenderID: "alice"}

	// m1 still pending, m2 already seen, m3 has no row for the viewer.
	f.statuses.On("ListForMessages", mock.Anything, []string{pendingMsg.ID, "01BATCHSEENAAAAAAAAAAAAAAA", "01BATCHFOREIGNAAAAAAAAAAAA"}).
		Return(map[string][]*domain.DeliveryStatus{
			pendingMsg.ID:                {{MessageID: pendingMsg.ID, RecipientID: "me"}},
			"01BATCHSEENAAAAAAAAAAAAAAA": {{MessageID: "01BATCHSEENAAAAAAAAAAAAAAA", RecipientID: "me", IsSeen: true}},
		}, nil)
	f.statuses.On("MarkSeenBatch", mock.Anything, []string{pendingMsg.ID}, "me", at).Return(nil)
	f.msgs.On("GetByID", mock.Anything, pendingMsg.ID).Return(pendingMsg, nil)

	events, cancel := f.bus.Subscribe("c1")
	defer cancel()

	err := f.svc.MarkSeenBatch(context.Background(), []string{pendingMsg.ID, "01BATCHSEENAAAAAAAAAAAAAAA", "01BATCHFOREIGNAAAAAAAAAAAA"}, "me", at)
	assert.NoError(t, err)

	ev := <-events
	assert.Equal(t, pendingMsg.ID, ev.Status.MessageID)
	select {
	case extra := <-events:
		t.Fatalf("unexpected second status event for %s", extra.Status.MessageID)
	default:
	}
	f.statuses.AssertExpectations(t)
}

func TestStatusForMessage(t *testing.T) {
	t.Run("MemberGetsRoster", func(t *testing.T) {
		f := newChatFixture()
		msg := &domain.Message{ID: "01STATAAAAAAAAAAAAAAAAAAAA", ConversationID: "c1", SenderID: "me"}
		rows := []*domain.DeliveryStatus{{MessageID: msg.ID, RecipientID: "alice", IsDelivered: true}}
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)
		f.convs.On("IsMember", mock.Anything, "c1", "me").Return(true, nil)
		f.statuses.On("ListForMessage", mock.Anything, msg.ID).Return(rows, nil)

		got, err := f.svc.StatusForMessage(context.Background(), "me", msg.ID)
		assert.NoError(t, err)
		assert.Equal(t, rows, got)
	})

	t.Run("RejectsNonMember", func(t *testing.T) {
		f := newChatFixture()
		msg := &domain.Message{ID: "01STATAAAAAAAAAAAAAAAAAAAA", ConversationID: "c1", SenderID: "me"}
		f.msgs.On("GetByID", mock.Anything, msg.ID).Return(msg, nil)
		f.convs.On("IsMember", mock.Anything, "c1", "stranger").Return(false, nil)

		_, err := f.svc.StatusForMessage(context.Background(), "stranger", msg.ID)
		assert.ErrorIs(t, err, service.ErrNotMember)
		f.statuses.AssertNotCalled(t, "ListForMessage", mock.Anything, mock.Anything)
	})

	t.Run("UnknownMessage", func(t *testing.T) {
		f := newChatFixture()
		f.msgs.On("GetByID", mock.Anything, "01GONEAAAAAAAAAAAAAAAAAAAA").Return(nil, nil)

		_, err := f.svc.StatusForMessage(context.Background(), "me", "01GONEAAAAAAAAAAAAAAAAAAAA")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStatusForMessagesRejectsNonMember(t *testing.T) {
	f := newChatFixture()
	f.convs.On("IsMember", mock.Anything, "c1", "stranger").Return(false, nil)

	_, err := f.svc.StatusForMessages(context.Background(), "c1", "stranger", []string{"01STATAAAAAAAAAAAAAAAAAAAA"})
	assert.ErrorIs(t, err, service.ErrNotMember)
	f.statuses.AssertNotCalled(t, "ListForMessages", mock.Anything, mock.Anything)
}

func TestListHistory(t *testing.T) {
	t.Run("DefaultsPageSize", func(t *testing.T) {
		f := newChatFixture()
		f.convs.On("IsMember", mock.Anything, "c1", "me").Return(true, nil)
		f.msgs.On("ListPage", mock.Anything, "c1", "me", 50, 0).Return([]*domain.Message{}, nil)

		_, err := f.svc.ListHistory(context.Background(), "c1", "me", 0, 0)
		assert.NoError(t, err)
		f.msgs.AssertExpectations(t)
	})

	t.Run("RejectsNonMember", func(t *testing.T) {
		f := newChatFixture()
		f.convs.On("IsMember", mock.Anything, "c1", "stranger").Return(false, nil)

		_, err := f.svc.ListHistory(context.Background(), "c1", "stranger", 50, 0)
		assert.ErrorIs(t, err, service.ErrNotMember)
	})
}

func TestChatListMergesAndOrders(t *testing.T) {
	f := newChatFixture()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	f.convs.On("ListSummaries", mock.Anything, "me", domain.ConversationDirect).Return([]*domain.ConversationSummary{
		{ConversationID: "c-old", Kind: domain.ConversationDirect, LastMessage: &domain.Message{CreatedAt: base.Add(-time.Hour)}},
		{ConversationID: "c-new", Kind: domain.ConversationDirect, LastMessage: &domain.Message{CreatedAt: base.Add(time.Hour)}},
	}, nil)
	f.convs.On("ListSummaries", mock.Anything, "me", domain.ConversationGroup).Return([]*domain.ConversationSummary{
		{ConversationID: "g-mid", Kind: domain.ConversationGroup, LastMessage: &domain.Message{CreatedAt: base}},
		{ConversationID: "g-empty", Kind: domain.ConversationGroup},
	}, nil)

	list, err := f.svc.ChatList(context.Background(), "me")
	assert.NoError(t, err)

	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ConversationID
	}
	assert.Equal(t, []string{"c-new", "g-mid", "c-old", "g-empty"}, ids)
}

func TestCreateDirectConversation(t *testing.T) {
	t.Run("ReusesExistingPair", func(t *testing.T) {
		f := newChatFixture()
		existing := directConv("c-existing")
		f.convs.On("FindDirect", mock.Anything, "me", "alice").Return(existing, nil)

		conv, err := f.svc.CreateDirectConversation(context.Background(), "me", "alice")
		assert.NoError(t, err)
		assert.Equal(t, "c-existing", conv.ID)
		f.convs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("CreatesWhenMissing", func(t *testing.T) {
		f := newChatFixture()
		f.convs.On("FindDirect", mock.Anything, "me", "alice").Return(nil, nil)
		f.convs.On("Create", mock.Anything, mock.MatchedBy(func(c *domain.Conversation) bool {
			return c.Kind == domain.ConversationDirect
		}), mock.MatchedBy(func(members []domain.ConversationMember) bool {
			return len(members) == 2
		})).Return(nil)

		conv, err := f.svc.CreateDirectConversation(context.Background(), "me", "alice")
		assert.NoError(t, err)
		assert.NotEmpty(t, conv.ID)
	})

	t.Run("RejectsSelfConversation", func(t *testing.T) {
		f := newChatFixture()
		_, err := f.svc.CreateDirectConversation(context.Background(), "me", "me")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestCreateGroupConversation(t *testing.T) {
	t.Run("CreatorBecomesAdmin", func(t *testing.T) {
		f := newChatFixture()
		f.convs.On("Create", mock.Anything, mock.MatchedBy(func(c *domain.Conversation) bool {
			return c.Kind == domain.ConversationGroup && c.Name != nil && *c.Name == "road trip"
		}), mock.MatchedBy(func(members []domain.ConversationMember) bool {
			if len(members) != 3 {
				return false
			}
			return members[0].UserID == "me" && members[0].Role == domain.RoleAdmin
		})).Return(nil)

		// "me" in the member list is deduplicated against the creator.
		conv, err := f.svc.CreateGroupConversation(context.Background(), "me", "road trip", []string{"alice", "me", "bob"})
		assert.NoError(t, err)
		assert.NotNil(t, conv)
		f.convs.AssertExpectations(t)
	})

	t.Run("RequiresName", func(t *testing.T) {
		f := newChatFixture()
		_, err := f.svc.CreateGroupConversation(context.Background(), "me", "", []string{"alice"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("RequiresAtLeastTwoMembers", func(t *testing.T) {
		f := newChatFixture()
		_, err := f.svc.CreateGroupConversation(context.Background(), "me", "lonely", nil)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestAddGroupMembers(t *testing.T) {
	t.Run("AdminAddsMembersAndBroadcasts", func(t *testing.T) {
		f := newChatFixture()
		f.convs.On("GetByID", mock.Anything, "g1").Return(groupConv("g1"), nil)
		f.convs.On("GetMemberRole", mock.Anything, "g1", "me").Return(domain.RoleAdmin, nil)
		f.convs.On("AddMembers", mock.Anything, "g1", mock.MatchedBy(func(members []domain.ConversationMember) bool {
			return len(members) == 2 && members[0].UserID == "carol" && members[0].Role == domain.RoleMember
		})).Return(nil)

		events, cancel := f.bus.Subscribe("g1")
		defer cancel()

		assert.NoError(t, f.svc.AddGroupMembers(context.Background(), "me", "g1", []string{"carol", "dave"}))

		ev := <-events
		assert.Equal(t, realtime.EventGroupUpdate, ev.Type)
		f.convs.AssertExpectations(t)
	})

	t.Run("PlainMemberMayNotAdd", func(t *testing.T) {
		f := newChatFixture()
		f.convs.On("GetByID", mock.Anything, "g1").Return(groupConv("g1"), nil)
		f.convs.On("GetMemberRole", mock.Anything, "g1", "me").Return(domain.RoleMember, nil)

		err := f.svc.AddGroupMembers(context.Background(), "me", "g1", []string{"carol"})
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
		f.convs.AssertNotCalled(t, "AddMembers", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("RejectsDirectConversations", func(t *testing.T) {
		f := newChatFixture()
		f.convs.On("GetByID", mock.Anything, "c1").Return(directConv("c1"), nil)

		err := f.svc.AddGroupMembers(context.Background(), "me", "c1", []string{"carol"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestLeaveConversation(t *testing.T) {
	t.Run("MemberLeavesAndBroadcasts", func(t *testing.T) {
		f := newChatFixture()
		f.convs.On("GetByID", mock.Anything, "g1").Return(groupConv("g1"), nil)
		f.convs.On("IsMember", mock.Anything, "g1", "me").Return(true, nil)
		f.convs.On("RemoveMember", mock.Anything, "g1", "me").Return(nil)

		events, cancel := f.bus.Subscribe("g1")
		defer cancel()

		assert.NoError(t, f.svc.LeaveConversation(context.Background(), "me", "g1"))

		ev := <-events
		assert.Equal(t, realtime.EventGroupUpdate, ev.Type)
		f.convs.AssertExpectations(t)
	})

	t.Run("NonMemberCannotLeave", func(t *testing.T) {
		f := newChatFixture()
		f.convs.On("GetByID", mock.Anything, "g1").Return(groupConv("g1"), nil)
		f.convs.On("IsMember", mock.Anything, "g1", "stranger").Return(false, nil)

		err := f.svc.LeaveConversation(context.Background(), "stranger", "g1")
		assert.ErrorIs(t, err, service.ErrNotMember)
	})

	t.Run("DirectConversationsCannotBeLeft", func(t *testing.T) {
		f := newChatFixture()
		f.convs.On("GetByID", mock.Anything, "c1").Return(directConv("c1"), nil)

		err := f.svc.LeaveConversation(context.Background(), "me", "c1")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		f.convs.AssertNotCalled(t, "RemoveMember", mock.Anything, mock.Anything, mock.Anything)
	})
}
