package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
	"chatsync/internal/realtime"
)

// Backend is the remote query/mutation collaborator the session drives. It is
// satisfied by service.ChatService; tests substitute a mock.
type Backend interface {
	// SendMessage writes the message row (idempotent on its id), fans out
	// the per-recipient status rows, and returns the confirmed row plus
	// the recipient ids the fan-out covered.
	SendMessage(ctx context.Context, m *domain.Message) (*domain.Message, []string, error)
	EditMessage(ctx context.Context, callerID, messageID, newContent string) (*domain.Message, error)
	DeleteForEveryone(ctx context.Context, callerID, messageID string) (*domain.Message, error)
	DeleteForMe(ctx context.Context, callerID, messageID string) error
	MarkSeen(ctx context.Context, messageID, recipientID string, at time.Time) error
	MarkSeenBatch(ctx context.Context, messageIDs []string, recipientID string, at time.Time) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	ListHistory(ctx context.Context, conversationID, viewerID string, limit, offset int) ([]*domain.Message, error)
	StatusForMessages(ctx context.Context, conversationID, viewerID string, messageIDs []string) (map[string][]*domain.DeliveryStatus, error)
	ListMembers(ctx context.Context, conversationID string) ([]*domain.ConversationMember, error)
}

// ObjectStorage is the opaque attachment store. Upload returns a public URL.
type ObjectStorage interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

// Notifier dispatches fire-and-forget push notifications per recipient.
type Notifier interface {
	Notify(ctx context.Context, recipientID, senderID, preview, conversationID string) error
}

// SessionConfig carries the collaborators and tunables for one open
// conversation.
type SessionConfig struct {
	Viewer       *domain.Profile
	Conversation *domain.Conversation
	Backend      Backend
	Bus          *realtime.Bus
	Profiles     *ProfileCache
	Storage      ObjectStorage // optional; required for image drafts
	Notifier     Notifier      // optional
	Log          *zap.SugaredLogger

	HistoryPageSize int
	SeenDebounce    time.Duration
	TypingTTL       time.Duration

	// OnChange fires after any visible-state mutation so the UI can
	// re-render. OnSendFailure returns the rolled-back draft for the
	// compose input.
	OnChange      func()
	OnSendFailure func(draft domain.Draft, err error)
}

// Session is one mounted conversation: the message store, status tracker,
// typing registry and realtime merge loop for a single viewer. It is the
// surface the transport layer talks to.
type Session struct {
	cfg     SessionConfig
	viewer  *domain.Profile
	conv    *domain.Conversation
	backend Backend
	bus     *realtime.Bus
	log     *zap.SugaredLogger

	store   *MessageStore
	tracker *StatusTracker
	typing  *TypingRegistry

	mu      sync.Mutex
	members map[string]domain.MemberRole
	closed  bool

	events      <-chan realtime.Event
	unsubscribe func()
	done        chan struct{}

	debounceMu sync.Mutex
	debounce   *time.Timer

	sendWG sync.WaitGroup
}

// OpenSession loads the most recent history page, seeds status state, and
// starts consuming realtime events for the conversation.
func OpenSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	if cfg.SeenDebounce <= 0 {
		cfg.SeenDebounce = 300 * time.Millisecond
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}

	s := &Session{
		cfg:     cfg,
		viewer:  cfg.Viewer,
		conv:    cfg.Conversation,
		backend: cfg.Backend,
		bus:     cfg.Bus,
		log:     cfg.Log,
		store:   NewMessageStore(cfg.Viewer.ID),
		tracker: NewStatusTracker(cfg.Viewer.ID, cfg.Profiles),
		members: make(map[string]domain.MemberRole),
		done:    make(chan struct{}),
	}
	s.typing = NewTypingRegistry(cfg.TypingTTL, s.notifyChange)

	if err := s.refreshMembers(ctx); err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx); err != nil {
		return nil, err
	}

	s.events, s.unsubscribe = cfg.Bus.Subscribe(cfg.Conversation.ID)
	go s.run()

	metrics.ActiveSessions.Inc()
	return s, nil
}

func (s *Session) refreshMembers(ctx context.Context) error {
	members, err := s.backend.ListMembers(ctx, s.conv.ID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	s.mu.Lock()
	s.members = make(map[string]domain.MemberRole, len(members))
	for _, m := range members {
		s.members[m.UserID] = m.Role
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) loadHistory(ctx context.Context) error {
	page, err := s.backend.ListHistory(ctx, s.conv.ID, s.viewer.ID, s.cfg.HistoryPageSize, 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	// The backend returns most-recent-first; reverse to display order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}

	senderIDs := make([]string, 0, len(page))
	msgIDs := make([]string, 0, len(page))
	for _, m := range page {
		senderIDs = append(senderIDs, m.SenderID)
		msgIDs = append(msgIDs, m.ID)
	}
	profiles, err := s.cfg.Profiles.Resolve(ctx, senderIDs)
	if err != nil {
		s.log.Warnw("resolve sender profiles", "error", err)
		profiles = map[string]*domain.Profile{}
	}

	for _, m := range page {
		name, avatar := displayOf(profiles[m.SenderID], m.SenderID)
		s.store.ApplyRemoteInsert(m, name, avatar, s.resolveReply(ctx, m))
	}

	statuses, err := s.backend.StatusForMessages(ctx, s.conv.ID, s.viewer.ID, msgIDs)
	if err != nil {
		return fmt.Errorf("load statuses: %w", err)
	}
	for _, m := range page {
		s.tracker.Load(m.ID, m.SenderID, statuses[m.ID])
	}
	return nil
}

func displayOf(p *domain.Profile, fallback string) (string, *string) {
	if p == nil {
		return fallback, nil
	}
	return p.DisplayName, p.AvatarURL
}

// resolveReply builds the reply preview for a message, fetching the target if
// it is not loaded. A missing target degrades to no preview; a deleted target
// degrades to a tombstone preview. Never an error for the caller.
func (s *Session) resolveReply(ctx context.Context, m *domain.Message) *ReplyPreview {
	if m.ReplyToID == nil {
		return nil
	}
	id := *m.ReplyToID

	var target *domain.Message
	if e, ok := s.store.Get(id); ok {
		target = &e.Message
	} else {
		fetched, err := s.backend.GetMessage(ctx, id)
		if err != nil {
			s.log.Warnw("resolve reply target", "message_id", id, "error", err)
			return nil
		}
		target = fetched
	}
	if target == nil {
		return nil
	}

	preview := &ReplyPreview{
		MessageID: target.ID,
		SenderID:  target.SenderID,
		Content:   target.Content,
		Deleted:   target.IsDeleted,
	}
	if target.IsDeleted {
		preview.Content = ""
	}
	if name, ok := s.cfg.Profiles.DisplayName(target.SenderID); ok {
		preview.SenderName = name
	}
	return preview
}

// MarkVisible runs one seen-marking batch over every message authored by
// others that the viewer has not seen. Screen focus, app foreground and the
// new-message debounce all funnel into this; the in-flight guard collapses
// overlapping invocations into a single batch.
func (s *Session) MarkVisible(ctx context.Context) error {
	if s.isClosed() {
		return nil
	}
	if !s.tracker.BeginSweep() {
		return nil
	}
	defer s.tracker.EndSweep()

	var ids []string
	for _, e := range s.store.Entries() {
		if e.Message.SenderID == s.viewer.ID || e.Pending {
			continue
		}
		if !s.tracker.HasPendingSeen(e.Message.ID) {
			continue
		}
		ids = append(ids, e.Message.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	now := time.Now().UTC()
	if err := s.backend.MarkSeenBatch(ctx, ids, s.viewer.ID, now); err != nil {
		return fmt.Errorf("mark seen batch: %w", err)
	}
	metrics.SeenSweeps.Inc()

	for _, id := range ids {
		s.tracker.MarkSeen(id, s.viewer.ID, now)
		s.bus.Publish(realtime.Event{
			Type:           realtime.EventMessageStatus,
			ConversationID: s.conv.ID,
			Status: &realtime.StatusUpdate{
				MessageID:   id,
				RecipientID: s.viewer.ID,
				Delivered:   true,
				Seen:        true,
				At:          now,
			},
		})
	}
	s.notifyChange()
	return nil
}

// EditMessage updates the content of a message the viewer authored.
func (s *Session) EditMessage(ctx context.Context, messageID, newContent string) error {
	updated, err := s.backend.EditMessage(ctx, s.viewer.ID, messageID, newContent)
	if err != nil {
		return err
	}
	s.store.ApplyRemoteUpdate(updated)
	s.notifyChange()
	return nil
}

// DeleteForMe hides the message for the viewer only.
func (s *Session) DeleteForMe(ctx context.Context, messageID string) error {
	if err := s.backend.DeleteForMe(ctx, s.viewer.ID, messageID); err != nil {
		return err
	}
	s.store.MarkDeletedForViewer(messageID)
	s.notifyChange()
	return nil
}

// DeleteForEveryone soft-deletes the message for all participants. Allowed
// for the author, or for a group admin.
func (s *Session) DeleteForEveryone(ctx context.Context, messageID string) error {
	deleted, err := s.backend.DeleteForEveryone(ctx, s.viewer.ID, messageID)
	if err != nil {
		return err
	}
	s.store.ApplyRemoteUpdate(deleted)
	s.notifyChange()
	return nil
}

// Typing publishes the viewer's typing signal to peers.
func (s *Session) Typing(stopped bool) {
	s.bus.Publish(realtime.Event{
		Type:           realtime.EventTyping,
		ConversationID: s.conv.ID,
		Typing:         &realtime.TypingSignal{UserID: s.viewer.ID, Stopped: stopped},
	})
}

// Entries returns the visible message list in display order.
func (s *Session) Entries() []Entry { return s.store.Entries() }

// Sections returns the day-bucketed visible list.
func (s *Session) Sections(now time.Time) []Section { return s.store.Sections(now) }

// ActiveTypers returns the user ids currently typing.
func (s *Session) ActiveTypers() []string { return s.typing.Active() }

// SeenBy returns the seen-by roster for a message authored by the viewer.
func (s *Session) SeenBy(messageID string) []domain.SeenEntry {
	return s.tracker.SeenByExcludingSender(messageID)
}

// IsSeen derives the per-viewer seen boolean for a message: the roster rule
// for the author, the viewer's own status row for everyone else.
func (s *Session) IsSeen(messageID string) bool {
	e, ok := s.store.Get(messageID)
	if !ok {
		return false
	}
	if e.Message.SenderID == s.viewer.ID {
		return s.tracker.IsSeenOverall(messageID)
	}
	return s.tracker.IsSeenByMe(messageID)
}

// Close unsubscribes the realtime feed and clears pending typing timers.
// In-flight sends run to completion but their effects are discarded.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.unsubscribe()
	<-s.done
	s.typing.Stop()
	s.cancelDebounce()
	metrics.ActiveSessions.Dec()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) memberIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) notifyChange() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

func (s *Session) scheduleSeenSweep() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.debounce != nil {
		s.debounce.Reset(s.cfg.SeenDebounce)
		return
	}
	s.debounce = time.AfterFunc(s.cfg.SeenDebounce, func() {
		if err := s.MarkVisible(context.Background()); err != nil {
			s.log.Warnw("debounced seen sweep", "error", err)
		}
	})
}

func (s *Session) cancelDebounce() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}
