package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/internal/engine"
	"chatsync/internal/realtime"
)

// MockBackend mocks the remote query/mutation surface.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) SendMessage(ctx context.Context, msg *domain.Message) (*domain.Message, []string, error) {
	args := m.Called(ctx, msg)
	var confirmed *domain.Message
	if args.Get(0) != nil {
		confirmed = args.Get(0).(*domain.Message)
	}
	var recipients []string
	if args.Get(1) != nil {
		recipients = args.Get(1).([]string)
	}
	return confirmed, recipients, args.Error(2)
}

func (m *MockBackend) EditMessage(ctx context.Context, callerID, messageID, newContent string) (*domain.Message, error) {
	args := m.Called(ctx, callerID, messageID, newContent)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockBackend) DeleteForEveryone(ctx context.Context, callerID, messageID string) (*domain.Message, error) {
	args := m.Called(ctx, callerID, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockBackend) DeleteForMe(ctx context.Context, callerID, messageID string) error {
	args := m.Called(ctx, callerID, messageID)
	return args.Error(0)
}

func (m *MockBackend) MarkSeen(ctx context.Context, messageID, recipientID string, at time.Time) error {
	args := m.Called(ctx, messageID, recipientID, at)
	return args.Error(0)
}

func (m *MockBackend) MarkSeenBatch(ctx context.Context, messageIDs []string, recipientID string, at time.Time) error {
	args := m.Called(ctx, messageIDs, recipientID, at)
	return args.Error(0)
}

func (m *MockBackend) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockBackend) ListHistory(ctx context.Context, conversationID, viewerID string, limit, offset int) ([]*domain.Message, error) {
	args := m.Called(ctx, conversationID, viewerID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockBackend) StatusForMessages(ctx context.Context, conversationID, viewerID string, messageIDs []string) (map[string][]*domain.DeliveryStatus, error) {
	args := m.Called(ctx, conversationID, viewerID, messageIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]*domain.DeliveryStatus), args.Error(1)
}

func (m *MockBackend) ListMembers(ctx context.Context, conversationID string) ([]*domain.ConversationMember, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ConversationMember), args.Error(1)
}

// fakeProfileRepo is an in-memory ProfileRepository for the cache.
type fakeProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]*domain.Profile
}

func newFakeProfileRepo(profiles ...*domain.Profile) *fakeProfileRepo {
	r := &fakeProfileRepo{profiles: make(map[string]*domain.Profile)}
	for _, p := range profiles {
		r.profiles[p.ID] = p
	}
	return r
}

func (r *fakeProfileRepo) Create(ctx context.Context, p *domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = p
	return nil
}

func (r *fakeProfileRepo) GetByID(ctx context.Context, id string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profiles[id], nil
}

func (r *fakeProfileRepo) GetByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.profiles {
		if p.Username == username {
			return p, nil
		}
	}
	return nil, nil
}

func (r *fakeProfileRepo) GetMany(ctx context.Context, ids []string) (map[string]*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make(map[string]*domain.Profile)
	for _, id := range ids {
		if p, ok := r.profiles[id]; ok {
			res[id] = p
		}
	}
	return res, nil
}

func (r *fakeProfileRepo) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	return nil
}

// fakeStorage records uploads and deletes.
type fakeStorage struct {
	mu        sync.Mutex
	uploaded  []string
	deleted   []string
	uploadErr error
}

func (s *fakeStorage) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	s.uploaded = append(s.uploaded, key)
	return "https://bucket.s3.eu-central-1.amazonaws.com/" + key, nil
}

func (s *fakeStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStorage) deletedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

var (
	viewer = &domain.Profile{ID: "me", Username: "me", DisplayName: "Me", IsActive: true}
	alice  = &domain.Profile{ID: "alice", Username: "alice", DisplayName: "Alice", IsActive: true}
	conv   = &domain.Conversation{ID: "conv-1", Kind: domain.ConversationDirect}
)

func members(ids ...string) []*domain.ConversationMember {
	res := make([]*domain.ConversationMember, 0, len(ids))
	for _, id := range ids {
		res = append(res, &domain.ConversationMember{ConversationID: conv.ID, UserID: id, Role: domain.RoleMember})
	}
	return res
}

func emptyHistory(backend *MockBackend) {
	backend.On("ListMembers", mock.Anything, conv.ID).Return(members("me", "alice"), nil)
	backend.On("ListHistory", mock.Anything, conv.ID, "me", mock.Anything, 0).Return([]*domain.Message{}, nil)
	backend.On("StatusForMessages", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(map[string][]*domain.DeliveryStatus{}, nil)
}

func openTestSession(t *testing.T, backend *MockBackend, mutate func(*engine.SessionConfig)) (*engine.Session, *realtime.Bus) {
	t.Helper()
	bus := realtime.NewBus(zap.NewNop().Sugar())
	cfg := engine.SessionConfig{
		Viewer:       viewer,
		Conversation: conv,
		Backend:      backend,
		Bus:          bus,
		Profiles:     engine.NewProfileCache(newFakeProfileRepo(viewer, alice)),
		Log:          zap.NewNop().Sugar(),
		// Keep the debounce out of the way unless a test wants it.
		SeenDebounce: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := engine.OpenSession(context.Background(), cfg)
	assert.NoError(t, err)
	t.Cleanup(s.Close)
	return s, bus
}

func TestOpenSessionReversesHistoryPage(t *testing.T) {
	backend := new(MockBackend)
	backend.On("ListMembers", mock.Anything, conv.ID).Return(members("me", "alice"), nil)

	base := time.Now().UTC().Add(-time.Hour)
	older := &domain.Message{ID: "01A1", ConversationID: conv.ID, SenderID: "alice", Kind: domain.MessageText, Content: "older", CreatedAt: base}
	newer := &domain.Message{ID: "01A2", ConversationID: conv.ID, SenderID: "me", Kind: domain.MessageText, Content: "newer", CreatedAt: base.Add(time.Minute)}
	// Backend pages most-recent-first.
	backend.On("ListHistory", mock.Anything, conv.ID, "me", mock.Anything, 0).Return([]*domain.Message{newer, older}, nil)
	backend.On("StatusForMessages", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(map[string][]*domain.DeliveryStatus{
		"01A1": {{MessageID: "01A1", RecipientID: "me", IsDelivered: true}},
	}, nil)

	s, _ := openTestSession(t, backend, nil)

	entries := s.Entries()
	assert.Len(t, entries, 2)
	assert.Equal(t, "older", entries[0].Message.Content)
	assert.Equal(t, "Alice", entries[0].SenderName)
	assert.Equal(t, "newer", entries[1].Message.Content)
}

func TestSendConfirmsTentativeEntry(t *testing.T) {
	backend := new(MockBackend)
	emptyHistory(backend)

	// The backend passes the client id through: confirm with the same row.
	confirmed := &domain.Message{}
	backend.On("SendMessage", mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
		return m.Content == "hello" && m.SenderID == "me"
	})).Return(confirmed, []string{"alice"}, nil).Run(func(args mock.Arguments) {
		*confirmed = *(args.Get(1).(*domain.Message))
	})

	s, _ := openTestSession(t, backend, nil)

	id, err := s.Send(context.Background(), domain.Draft{Content: "hello"})
	assert.NoError(t, err)

	// Optimistic entry is visible immediately.
	entries := s.Entries()
	assert.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Message.Content)

	s.Flush()
	e, ok := findEntry(s, id)
	assert.True(t, ok)
	assert.False(t, e.Pending)
	assert.False(t, s.IsSeen(id), "no recipient has seen it yet")
}

func TestSendRejectsBlankText(t *testing.T) {
	backend := new(MockBackend)
	emptyHistory(backend)
	s, _ := openTestSession(t, backend, nil)

	_, err := s.Send(context.Background(), domain.Draft{Content: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, len(s.Entries()))
}

func TestSendFailureRollsBackAndRestoresDraft(t *testing.T) {
	backend := new(MockBackend)
	emptyHistory(backend)
	backend.On("SendMessage", mock.Anything, mock.Anything).Return(nil, nil, errors.New("network down"))

	var (
		mu       sync.Mutex
		restored *domain.Draft
		sendErr  error
	)
	s, _ := openTestSession(t, backend, func(cfg *engine.SessionConfig) {
		cfg.OnSendFailure = func(d domain.Draft, err error) {
			mu.Lock()
			defer mu.Unlock()
			restored = &d
			sendErr = err
		}
	})

	_, err := s.Send(context.Background(), domain.Draft{Content: "will fail"})
	assert.NoError(t, err, "optimistic phase never fails on network errors")
	s.Flush()

	assert.Equal(t, 0, len(s.Entries()), "tentative entry rolled back")
	mu.Lock()
	defer mu.Unlock()
	assert.NotNil(t, restored)
	assert.Equal(t, "will fail", restored.Content)
	assert.ErrorIs(t, sendErr, domain.ErrSendFailed)
}

func TestImageSendCompensatesUploadOnFailure(t *testing.T) {
	backend := new(MockBackend)
	emptyHistory(backend)
	backend.On("SendMessage", mock.Anything, mock.Anything).Return(nil, nil, errors.New("insert failed"))

	store := &fakeStorage{}
	s, _ := openTestSession(t, backend, func(cfg *engine.SessionConfig) {
		cfg.Storage = store
		cfg.OnSendFailure = func(domain.Draft, error) {}
	})

	id, err := s.Send(context.Background(), domain.Draft{
		Kind:        domain.MessageImage,
		ImageData:   []byte{0xFF, 0xD8},
		ContentType: "image/jpeg",
	})
	assert.NoError(t, err)
	s.Flush()

	assert.Equal(t, []string{id}, store.deletedKeys(), "orphaned upload must be deleted")
	assert.Equal(t, 0, len(s.Entries()))
}

func TestImageSendWithoutStorageIsRejected(t *testing.T) {
	backend := new(MockBackend)
	emptyHistory(backend)
	s, _ := openTestSession(t, backend, nil)

	_, err := s.Send(context.Background(), domain.Draft{
		Kind:      domain.MessageImage,
		ImageData: []byte{0xFF},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPeerMessageIsMergedAndMarkedSeen(t *testing.T) {
	backend := new(MockBackend)
	emptyHistory(backend)
	backend.On("MarkSeen", mock.Anything, "01B1", "me", mock.Anything).Return(nil)
	backend.On("MarkSeenBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	s, bus := openTestSession(t, backend, nil)

	incoming := &domain.Message{
		ID:             "01B1",
		ConversationID: conv.ID,
		SenderID:       "alice",
		Kind:           domain.MessageText,
		Content:        "hi from alice",
		CreatedAt:      time.Now().UTC(),
	}
	// Row-change feed delivery.
	publishInsert(bus, incoming, realtime.EventRowInsert)

	assert.Eventually(t, func() bool {
		entries := s.Entries()
		return len(entries) == 1 && entries[0].SenderName == "Alice"
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return s.IsSeen("01B1")
	}, time.Second, 5*time.Millisecond)
	backend.AssertCalled(t, "MarkSeen", mock.Anything, "01B1", "me", mock.Anything)

	// The advisory broadcast for the same row is a duplicate.
	publishInsert(bus, incoming, realtime.EventMessage)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, len(s.Entries()))
}

func TestStatusEventFlipsSenderSideSeen(t *testing.T) {
	backend := new(MockBackend)
	emptyHistory(backend)
	confirmed := &domain.Message{}
	backend.On("SendMessage", mock.Anything, mock.Anything).Return(confirmed, []string{"alice"}, nil).Run(func(args mock.Arguments) {
		*confirmed = *(args.Get(1).(*domain.Message))
	})

	s, bus := openTestSession(t, backend, nil)
	id, err := s.Send(context.Background(), domain.Draft{Content: "read me"})
	assert.NoError(t, err)
	s.Flush()
	assert.False(t, s.IsSeen(id))

	publishStatus(bus, id, "alice", true)

	assert.Eventually(t, func() bool {
		return s.IsSeen(id)
	}, time.Second, 5*time.Millisecond)

	roster := s.SeenBy(id)
	assert.Len(t, roster, 1)
	assert.Equal(t, "alice", roster[0].UserID)
}

func TestTypingSignalFromPeerLightsAndExpires(t *testing.T) {
	backend := new(MockBackend)
	emptyHistory(backend)

	s, bus := openTestSession(t, backend, func(cfg *engine.SessionConfig) {
		cfg.TypingTTL = 50 * time.Millisecond
	})

	publishTyping(bus, "alice", false)
	assert.Eventually(t, func() bool {
		typers := s.ActiveTypers()
		return len(typers) == 1 && typers[0] == "alice"
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(s.ActiveTypers()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestOwnTypingSignalIsIgnored(t *testing.T) {
	backend := new(MockBackend)
	emptyHistory(backend)
	s, bus := openTestSession(t, backend, nil)

	publishTyping(bus, "me", false)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.ActiveTypers())
}

func TestMarkVisibleSweepsOthersUnseenMessages(t *testing.T) {
	backend := new(MockBackend)
	backend.On("ListMembers", mock.Anything, conv.ID).Return(members("me", "alice"), nil)

	unseen := &domain.Message{ID: "01C1", ConversationID: conv.ID, SenderID: "alice", Kind: domain.MessageText, Content: "unseen", CreatedAt: time.Now().UTC().Add(-time.Minute)}
	backend.On("ListHistory", mock.Anything, conv.ID, "me", mock.Anything, 0).Return([]*domain.Message{unseen}, nil)
	backend.On("StatusForMessages", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(map[string][]*domain.DeliveryStatus{
		"01C1": {{MessageID: "01C1", RecipientID: "me", IsDelivered: true}},
	}, nil)
	backend.On("MarkSeenBatch", mock.Anything, []string{"01C1"}, "me", mock.Anything).Return(nil).Once()

	s, _ := openTestSession(t, backend, nil)
	assert.False(t, s.IsSeen("01C1"))

	assert.NoError(t, s.MarkVisible(context.Background()))
	assert.True(t, s.IsSeen("01C1"))

	// Second sweep finds nothing; no further backend call.
	assert.NoError(t, s.MarkVisible(context.Background()))
	backend.AssertExpectations(t)
}

func TestCloseIsIdempotentAndStopsSends(t *testing.T) {
	backend := new(MockBackend)
	emptyHistory(backend)
	s, _ := openTestSession(t, backend, nil)

	s.Close()
	s.Close()

	_, err := s.Send(context.Background(), domain.Draft{Content: "late"})
	assert.Error(t, err)
}

// Helpers publishing onto the session's bus.

func findEntry(s *engine.Session, id string) (engine.Entry, bool) {
	for _, e := range s.Entries() {
		if e.Message.ID == id {
			return e, true
		}
	}
	return engine.Entry{}, false
}

func publishInsert(bus *realtime.Bus, m *domain.Message, typ realtime.EventType) {
	bus.Publish(realtime.Event{Type: typ, ConversationID: conv.ID, Message: m})
}

func publishStatus(bus *realtime.Bus, messageID, recipientID string, seen bool) {
	bus.Publish(realtime.Event{
		Type:           realtime.EventMessageStatus,
		ConversationID: conv.ID,
		Status: &realtime.StatusUpdate{
			MessageID:   messageID,
			RecipientID: recipientID,
			Delivered:   true,
			Seen:        seen,
			At:          time.Now().UTC(),
		},
	})
}

func publishTyping(bus *realtime.Bus, userID string, stopped bool) {
	bus.Publish(realtime.Event{
		Type:           realtime.EventTyping,
		ConversationID: conv.ID,
		Typing:         &realtime.TypingSignal{UserID: userID, Stopped: stopped},
	})
}
