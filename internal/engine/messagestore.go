package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatsync/internal/domain"
)

// ReplyPreview is the denormalized view of a replied-to message. The
// reference is weak: the target may be deleted later, in which case the
// preview degrades instead of breaking the replying message.
type ReplyPreview struct {
	MessageID  string
	SenderID   string
	SenderName string
	Content    string
	Deleted    bool
}

// Entry is one visible message plus the locally tracked display state that
// does not live on the remote row.
type Entry struct {
	Message      domain.Message
	SenderName   string
	SenderAvatar *string
	ReplyPreview *ReplyPreview
	// Pending marks an optimistic entry whose remote write has not been
	// confirmed yet.
	Pending bool
}

// MessageStore is the authoritative ordered view of one conversation's
// visible messages for the current viewer. The list is kept sorted by
// (CreatedAt, ID) at all times, regardless of the arrival order of optimistic
// and remote entries.
type MessageStore struct {
	mu       sync.Mutex
	viewerID string
	entries  []*Entry
	byID     map[string]*Entry
}

func NewMessageStore(viewerID string) *MessageStore {
	return &MessageStore{
		viewerID: viewerID,
		byID:     make(map[string]*Entry),
	}
}

// InsertOptimistic materializes a local tentative message and returns its
// client-generated id immediately. The ULID doubles as the idempotency key
// for the remote write.
func (s *MessageStore) InsertOptimistic(draft domain.Draft, conversationID, senderName string, now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &Entry{
		Message: domain.Message{
			ID:             id,
			ConversationID: conversationID,
			SenderID:       s.viewerID,
			Kind:           draft.Kind,
			Content:        draft.Content,
			ReplyToID:      draft.ReplyToID,
			CreatedAt:      now,
		},
		SenderName: senderName,
		Pending:    true,
	}
	s.insertLocked(e)
	return id
}

// Reconcile replaces the tentative entry's id and timestamp with the
// server-confirmed values once the write succeeds.
func (s *MessageStore) Reconcile(tentativeID string, confirmed *domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[tentativeID]
	if !ok {
		return false
	}
	delete(s.byID, tentativeID)
	e.Message.ID = confirmed.ID
	e.Message.CreatedAt = confirmed.CreatedAt
	e.Message.Content = confirmed.Content
	e.Pending = false
	s.byID[confirmed.ID] = e
	s.resortLocked()
	return true
}

// RemoveTentative drops a tentative entry after a failed send so the caller
// can restore the draft to the compose input.
func (s *MessageStore) RemoveTentative(tentativeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(tentativeID)
}

// ApplyRemoteInsert merges a server-originated message. An entry with the
// same id is a duplicate and leaves the store untouched. A tentative entry
// from the same author with matching content (or an equivalent attachment
// payload) and the same reply reference is treated as the confirmation of
// that entry instead of a new message; the most recent tentative match wins.
// Returns true when the store gained a message it did not have before,
// whether by append or by confirming a tentative entry.
func (s *MessageStore) ApplyRemoteInsert(m *domain.Message, senderName string, senderAvatar *string, reply *ReplyPreview) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[m.ID]; exists {
		return false
	}

	// Scan newest-first for a matching optimistic entry.
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !e.Pending || e.Message.SenderID != m.SenderID {
			continue
		}
		if !draftsMatch(&e.Message, m) {
			continue
		}
		delete(s.byID, e.Message.ID)
		e.Message = *m
		e.Pending = false
		if senderName != "" {
			e.SenderName = senderName
		}
		if reply != nil {
			e.ReplyPreview = reply
		}
		s.byID[m.ID] = e
		s.resortLocked()
		return true
	}

	s.insertLocked(&Entry{
		Message:      *m,
		SenderName:   senderName,
		SenderAvatar: senderAvatar,
		ReplyPreview: reply,
	})
	return true
}

// draftsMatch reports whether a remote insert confirms a tentative entry:
// same content for text, or both carrying the same non-text payload kind, and
// the same reply reference.
func draftsMatch(tentative, remote *domain.Message) bool {
	if tentative.Kind != remote.Kind {
		return false
	}
	if tentative.Kind == domain.MessageText && tentative.Content != remote.Content {
		return false
	}
	a, b := tentative.ReplyToID, remote.ReplyToID
	if (a == nil) != (b == nil) {
		return false
	}
	if a != nil && *a != *b {
		return false
	}
	return true
}

// ApplyRemoteUpdate replaces an existing entry's message row by id. Locally
// tracked fields (sender display info, reply preview, pending flag) are
// preserved; delivery state is owned by the StatusTracker and never part of
// the update payload.
func (s *MessageStore) ApplyRemoteUpdate(m *domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[m.ID]
	if !ok {
		return false
	}
	e.Message = *m
	s.resortLocked()

	// A delete-for-everyone also degrades every reply preview pointing at
	// this message.
	if m.IsDeleted {
		for _, other := range s.entries {
			if other.ReplyPreview != nil && other.ReplyPreview.MessageID == m.ID {
				other.ReplyPreview.Deleted = true
				other.ReplyPreview.Content = ""
			}
		}
	}
	return true
}

// MarkDeletedForViewer removes the message from the visible collection
// without touching the remote store ("delete for me").
func (s *MessageStore) MarkDeletedForViewer(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(messageID)
}

// Get returns a copy of the entry for the id, if present.
func (s *MessageStore) Get(messageID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[messageID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a snapshot of the visible list in display order.
func (s *MessageStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		res[i] = *e
	}
	return res
}

// Len returns the number of visible messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MessageStore) insertLocked(e *Entry) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return e.Message.Before(&s.entries[i].Message)
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = e
	s.byID[e.Message.ID] = e
}

func (s *MessageStore) removeLocked(id string) bool {
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return true
}

func (s *MessageStore) resortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].Message.Before(&s.entries[j].Message)
	})
}

// Section is one day bucket of the visible list.
type Section struct {
	Label   string
	Day     time.Time // local midnight of the bucket
	Entries []Entry
}

// Sections groups the visible list into day buckets for display: Today,
// Yesterday, the weekday name within the last seven days, then the full
// date. Bucket boundaries are local midnights of now's location.
func (s *MessageStore) Sections(now time.Time) []Section {
	entries := s.Entries()

	var res []Section
	var cur *Section
	for _, e := range entries {
		day := midnight(e.Message.CreatedAt.In(now.Location()))
		if cur == nil || !cur.Day.Equal(day) {
			res = append(res, Section{
				Label: dayLabel(day, now),
				Day:   day,
			})
			cur = &res[len(res)-1]
		}
		cur.Entries = append(cur.Entries, e)
	}
	return res
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func dayLabel(day, now time.Time) string {
	today := midnight(now)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	case day.After(today.AddDate(0, 0, -7)):
		return day.Weekday().String()
	default:
		return day.Format("2 January 2006")
	}
}
