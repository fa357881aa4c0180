package engine

import (
	"context"
	"time"

	"chatsync/internal/metrics"
	"chatsync/internal/realtime"
)

// run is the merge loop: both realtime sources arrive on one channel and go
// through applyRemoteEvent, so the normalization and dedup logic exists
// exactly once. Errors here are logged and swallowed; the live view must
// never crash, and the worst case is a stale list until the next full
// refetch.
func (s *Session) run() {
	defer close(s.done)
	for ev := range s.events {
		s.applyRemoteEvent(ev)
	}
}

func (s *Session) applyRemoteEvent(ev realtime.Event) {
	metrics.EventsMerged.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case realtime.EventRowInsert, realtime.EventMessage:
		// The broadcast variant is advisory and may race the row feed;
		// the store's id check makes the second arrival a no-op.
		s.handleInsert(ev)
	case realtime.EventRowUpdate:
		s.handleUpdate(ev)
	case realtime.EventMessageStatus:
		s.handleStatus(ev)
	case realtime.EventTyping:
		s.handleTyping(ev)
	case realtime.EventGroupUpdate:
		s.handleGroupUpdate()
	default:
		s.log.Debugw("unknown realtime event", "type", ev.Type)
	}
}

func (s *Session) handleInsert(ev realtime.Event) {
	m := ev.Message
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if m.SenderID == s.viewer.ID {
		// Our own message echoed back: either the confirmation of a
		// tentative entry or a duplicate of an already reconciled one.
		if !s.store.ApplyRemoteInsert(m, s.viewer.DisplayName, s.viewer.AvatarURL, s.resolveReply(ctx, m)) {
			metrics.MessagesDeduplicated.Inc()
			return
		}
		s.notifyChange()
		return
	}

	profiles, err := s.cfg.Profiles.Resolve(ctx, []string{m.SenderID})
	if err != nil {
		s.log.Warnw("resolve sender", "sender_id", m.SenderID, "error", err)
	}
	name, avatar := displayOf(profiles[m.SenderID], m.SenderID)

	inserted := s.store.ApplyRemoteInsert(m, name, avatar, s.resolveReply(ctx, m))
	if !inserted {
		metrics.MessagesDeduplicated.Inc()
		return
	}

	s.tracker.InitializeRecipients(m.ID, m.SenderID, s.memberIDs())

	// The screen is open, so the message is both delivered and seen for
	// this viewer; persist that and tell the other participants without
	// waiting for their row feed.
	now := time.Now().UTC()
	if err := s.backend.MarkSeen(ctx, m.ID, s.viewer.ID, now); err != nil {
		s.log.Warnw("mark arrived message seen", "message_id", m.ID, "error", err)
	} else {
		s.tracker.MarkSeen(m.ID, s.viewer.ID, now)
		s.bus.Publish(realtime.Event{
			Type:           realtime.EventMessageStatus,
			ConversationID: s.conv.ID,
			Status: &realtime.StatusUpdate{
				MessageID:   m.ID,
				RecipientID: s.viewer.ID,
				Delivered:   true,
				Seen:        true,
				At:          now,
			},
		})
	}

	s.scheduleSeenSweep()
	s.notifyChange()
}

func (s *Session) handleUpdate(ev realtime.Event) {
	if ev.Message == nil {
		return
	}
	if s.store.ApplyRemoteUpdate(ev.Message) {
		s.notifyChange()
	}
}

func (s *Session) handleStatus(ev realtime.Event) {
	u := ev.Status
	if u == nil {
		return
	}
	if u.Seen {
		s.tracker.MarkSeen(u.MessageID, u.RecipientID, u.At)
	} else if u.Delivered {
		s.tracker.MarkDelivered(u.MessageID, u.RecipientID, u.At)
	}
	s.notifyChange()
}

func (s *Session) handleTyping(ev realtime.Event) {
	t := ev.Typing
	if t == nil || t.UserID == s.viewer.ID {
		return
	}
	if t.Stopped {
		s.typing.Clear(t.UserID)
	} else {
		s.typing.Set(t.UserID)
	}
}

func (s *Session) handleGroupUpdate() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.refreshMembers(ctx); err != nil {
		s.log.Warnw("refresh members", "conversation_id", s.conv.ID, "error", err)
		return
	}
	s.notifyChange()
}
