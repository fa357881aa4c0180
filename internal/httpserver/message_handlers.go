package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"chatsync/internal/domain"
	"chatsync/internal/service"
)

type sendMessageRequest struct {
	// ID is the client-generated ULID. Optional over REST; the server mints
	// one when absent. Resubmitting the same id is a no-op.
	ID        string             `json:"id"`
	Kind      domain.MessageKind `json:"kind"`
	Content   string             `json:"content"`
	ReplyToID *string            `json:"reply_to_id"`
}

func handleSendMessage(chat *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		convID := chi.URLParam(r, "conversationID")

		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Kind == "" {
			req.Kind = domain.MessageText
		}

		now := time.Now().UTC()
		id := req.ID
		if id == "" {
			id = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
		} else if _, err := ulid.ParseStrict(id); err != nil {
			writeError(w, http.StatusBadRequest, "id must be a ULID")
			return
		}

		msg, _, err := chat.SendMessage(r.Context(), &domain.Message{
			ID:             id,
			ConversationID: convID,
			SenderID:       user.ID,
			Kind:           req.Kind,
			Content:        req.Content,
			ReplyToID:      req.ReplyToID,
			CreatedAt:      now,
		})
		if err != nil {
			writeError(w, statusFromErr(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func handleEditMessage(chat *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		messageID := chi.URLParam(r, "messageID")

		var req editMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		updated, err := chat.EditMessage(r.Context(), user.ID, messageID, req.Content)
		if err != nil {
			writeError(w, statusFromErr(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteMessage(chat *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		messageID := chi.URLParam(r, "messageID")
		deleteType := r.URL.Query().Get("delete_type")
		if deleteType == "" {
			deleteType = "for_me"
		}

		switch deleteType {
		case "for_me":
			if err := chat.DeleteForMe(r.Context(), user.ID, messageID); err != nil {
				writeError(w, statusFromErr(err), err.Error())
				return
			}
		case "for_everyone":
			if _, err := chat.DeleteForEveryone(r.Context(), user.ID, messageID); err != nil {
				writeError(w, statusFromErr(err), err.Error())
				return
			}
		default:
			writeError(w, http.StatusBadRequest, "delete_type must be for_me or for_everyone")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleMessageStatus(chat *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		messageID := chi.URLParam(r, "messageID")
		rows, err := chat.StatusForMessage(r.Context(), user.ID, messageID)
		if err != nil {
			writeError(w, statusFromErr(err), err.Error())
			return
		}
		if rows == nil {
			rows = []*domain.DeliveryStatus{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}
