package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/metrics"
	"chatsync/internal/realtime"
)

// Send runs the optimistic pipeline for one outbound message: the draft
// becomes a tentative entry immediately, the remote write happens in the
// background, and the entry is either reconciled with the confirmed row or
// rolled back with the draft handed to OnSendFailure. There is no automatic
// retry; the id is the idempotency key, so a manual retry of a write that did
// land is a no-op server-side.
func (s *Session) Send(ctx context.Context, draft domain.Draft) (string, error) {
	if s.isClosed() {
		return "", fmt.Errorf("session closed")
	}
	if draft.Kind == "" {
		draft.Kind = domain.MessageText
	}
	if draft.Kind == domain.MessageText && strings.TrimSpace(draft.Content) == "" {
		return "", domain.ErrInvalidInput
	}
	if draft.Kind == domain.MessageImage && len(draft.ImageData) > 0 && s.cfg.Storage == nil {
		return "", fmt.Errorf("image draft without object storage: %w", domain.ErrInvalidInput)
	}

	tentativeID := s.store.InsertOptimistic(draft, s.conv.ID, s.viewer.DisplayName, time.Now().UTC())
	s.notifyChange()

	s.sendWG.Add(1)
	go func() {
		defer s.sendWG.Done()
		s.deliver(ctx, tentativeID, draft)
	}()
	return tentativeID, nil
}

// Flush blocks until all in-flight sends have completed. Used by tests and
// by graceful shutdown.
func (s *Session) Flush() {
	s.sendWG.Wait()
}

func (s *Session) deliver(ctx context.Context, tentativeID string, draft domain.Draft) {
	content := draft.Content
	uploadedKey := ""

	// Two-phase attachment flow: the object goes up first, then the row
	// references its URL.
	if draft.Kind == domain.MessageImage && len(draft.ImageData) > 0 {
		url, err := s.cfg.Storage.Upload(ctx, tentativeID, draft.ContentType, draft.ImageData)
		if err != nil {
			s.fail(tentativeID, draft, fmt.Errorf("upload attachment: %w", err))
			return
		}
		uploadedKey = tentativeID
		content = url
	}

	msg := &domain.Message{
		ID:             tentativeID,
		ConversationID: s.conv.ID,
		SenderID:       s.viewer.ID,
		Kind:           draft.Kind,
		Content:        content,
		ReplyToID:      draft.ReplyToID,
		CreatedAt:      time.Now().UTC(),
	}

	confirmed, recipients, err := s.backend.SendMessage(ctx, msg)
	if err != nil {
		// The upload succeeded but the row did not: compensate so the
		// object store holds no orphans.
		if uploadedKey != "" {
			if delErr := s.cfg.Storage.Delete(context.Background(), uploadedKey); delErr != nil {
				s.log.Warnw("compensating attachment delete", "key", uploadedKey, "error", delErr)
			}
		}
		s.fail(tentativeID, draft, err)
		return
	}

	metrics.MessagesSent.Inc()

	if s.isClosed() {
		// The write landed; only the local view is gone.
		return
	}

	s.store.Reconcile(tentativeID, confirmed)
	s.tracker.InitializeRecipients(confirmed.ID, s.viewer.ID, recipients)
	s.notifyChange()

	if s.cfg.Notifier != nil {
		preview := previewText(confirmed)
		for _, rid := range recipients {
			if err := s.cfg.Notifier.Notify(ctx, rid, s.viewer.ID, preview, s.conv.ID); err != nil {
				s.log.Warnw("notify recipient", "recipient_id", rid, "error", err)
			}
		}
	}

	// Advisory broadcast so peers render the message before their
	// row-change feed catches up.
	s.bus.Publish(realtime.Event{
		Type:           realtime.EventMessage,
		ConversationID: s.conv.ID,
		Message:        confirmed,
	})
}

func (s *Session) fail(tentativeID string, draft domain.Draft, err error) {
	metrics.SendFailures.Inc()
	s.log.Warnw("send failed", "tentative_id", tentativeID, "error", err)
	if s.isClosed() {
		return
	}
	s.store.RemoveTentative(tentativeID)
	s.notifyChange()
	if s.cfg.OnSendFailure != nil {
		s.cfg.OnSendFailure(draft, fmt.Errorf("%w: %v", domain.ErrSendFailed, err))
	}
}

func previewText(m *domain.Message) string {
	switch m.Kind {
	case domain.MessageImage:
		return "\U0001F4F7 Photo"
	case domain.MessageEvent:
		return "\U0001F3B5 Shared an event"
	default:
		return m.Content
	}
}
