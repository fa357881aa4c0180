package engine

import (
	"sort"
	"sync"
	"time"

	"chatsync/internal/domain"
)

// NameResolver supplies display names for the seen-by roster. *ProfileCache
// satisfies it.
type NameResolver interface {
	DisplayName(userID string) (string, bool)
}

// StatusTracker maintains per-recipient delivery state for one conversation
// and derives the viewer-facing seen booleans. All transitions are idempotent
// and only move forward, so replays from either realtime source are no-ops.
type StatusTracker struct {
	mu       sync.Mutex
	viewerID string
	names    NameResolver
	// statuses[messageID][recipientID]; a row never exists for the sender.
	statuses map[string]map[string]*domain.DeliveryStatus
	// senders[messageID] guards against a sender row sneaking in.
	senders map[string]string

	sweepInFlight bool
}

func NewStatusTracker(viewerID string, names NameResolver) *StatusTracker {
	return &StatusTracker{
		viewerID: viewerID,
		names:    names,
		statuses: make(map[string]map[string]*domain.DeliveryStatus),
		senders:  make(map[string]string),
	}
}

// InitializeRecipients creates one undelivered, unseen row per recipient.
// Called once per message, at send-confirmation time. The sender is filtered
// out even if listed.
func (t *StatusTracker) InitializeRecipients(messageID, senderID string, recipientIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.senders[messageID] = senderID
	rows := t.statuses[messageID]
	if rows == nil {
		rows = make(map[string]*domain.DeliveryStatus, len(recipientIDs))
		t.statuses[messageID] = rows
	}
	for _, rid := range recipientIDs {
		if rid == senderID {
			continue
		}
		if _, ok := rows[rid]; !ok {
			rows[rid] = &domain.DeliveryStatus{MessageID: messageID, RecipientID: rid}
		}
	}
}

// Load seeds the tracker from status rows fetched by the backend.
func (t *StatusTracker) Load(messageID, senderID string, rows []*domain.DeliveryStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.senders[messageID] = senderID
	m := t.statuses[messageID]
	if m == nil {
		m = make(map[string]*domain.DeliveryStatus, len(rows))
		t.statuses[messageID] = m
	}
	for _, r := range rows {
		if r.RecipientID == senderID {
			continue
		}
		cp := *r
		m[r.RecipientID] = &cp
	}
}

// MarkDelivered records a delivered transition for the recipient. Unknown
// rows are ignored: only a message's non-sender recipients carry state.
func (t *StatusTracker) MarkDelivered(messageID, recipientID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markLocked(messageID, recipientID, at, false)
}

// MarkSeen records a seen transition; seen implies delivered.
func (t *StatusTracker) MarkSeen(messageID, recipientID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markLocked(messageID, recipientID, at, true)
}

func (t *StatusTracker) markLocked(messageID, recipientID string, at time.Time, seen bool) {
	if t.senders[messageID] == recipientID {
		return
	}
	rows := t.statuses[messageID]
	if rows == nil {
		rows = make(map[string]*domain.DeliveryStatus)
		t.statuses[messageID] = rows
	}
	row, ok := rows[recipientID]
	if !ok {
		row = &domain.DeliveryStatus{MessageID: messageID, RecipientID: recipientID}
		rows[recipientID] = row
	}
	if !row.IsDelivered {
		row.IsDelivered = true
		atCopy := at
		row.DeliveredAt = &atCopy
	}
	if seen && !row.IsSeen {
		row.IsSeen = true
		atCopy := at
		row.SeenAt = &atCopy
	}
}

// SeenByExcludingSender returns the roster of recipients who have seen the
// message, sorted by user id for stable display. The sender is excluded even
// if a row for them exists.
func (t *StatusTracker) SeenByExcludingSender(messageID string) []domain.SeenEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	sender := t.senders[messageID]
	var res []domain.SeenEntry
	for rid, row := range t.statuses[messageID] {
		if rid == sender || !row.IsSeen {
			continue
		}
		entry := domain.SeenEntry{UserID: rid, SeenAt: row.SeenAt}
		if t.names != nil {
			if name, ok := t.names.DisplayName(rid); ok {
				entry.DisplayName = name
			}
		}
		res = append(res, entry)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res
}

// IsSeenOverall derives the sender-side boolean: true iff at least one
// recipient has seen the message. A message with zero eligible recipients has
// no pending seen state and reports false without blocking anything.
func (t *StatusTracker) IsSeenOverall(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sender := t.senders[messageID]
	for rid, row := range t.statuses[messageID] {
		if rid != sender && row.IsSeen {
			return true
		}
	}
	return false
}

// IsSeenByMe derives the recipient-side boolean: the viewer's own row.
func (t *StatusTracker) IsSeenByMe(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.statuses[messageID][t.viewerID]
	return ok && row.IsSeen
}

// HasPendingSeen reports whether the viewer has an unseen row for the
// message.
func (t *StatusTracker) HasPendingSeen(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.statuses[messageID][t.viewerID]
	return ok && !row.IsSeen
}

// BeginSweep claims the in-flight guard for a seen-marking batch. A second
// concurrent invocation gets false and must not start another batch.
func (t *StatusTracker) BeginSweep() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sweepInFlight {
		return false
	}
	t.sweepInFlight = true
	return true
}

// EndSweep releases the in-flight guard.
func (t *StatusTracker) EndSweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepInFlight = false
}
