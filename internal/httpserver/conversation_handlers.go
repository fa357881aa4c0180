package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"chatsync/internal/domain"
	"chatsync/internal/service"
)

func statusFromErr(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotMember), errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrNotRecipient):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func handleChatList(chat *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		summaries, err := chat.ChatList(r.Context(), user.ID)
		if err != nil {
			writeError(w, statusFromErr(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, summaries)
	}
}

type createConversationRequest struct {
	Kind      domain.ConversationKind `json:"kind"`
	PartnerID string                  `json:"partner_id"`
	Name      string                  `json:"name"`
	MemberIDs []string                `json:"member_ids"`
}

func handleCreateConversation(chat *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		var req createConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		var (
			conv *domain.Conversation
			err  error
		)
		switch req.Kind {
		case domain.ConversationDirect:
			if req.PartnerID == "" {
				writeError(w, http.StatusBadRequest, "partner_id is required for direct conversations")
				return
			}
			conv, err = chat.CreateDirectConversation(r.Context(), user.ID, req.PartnerID)
		case domain.ConversationGroup:
			conv, err = chat.CreateGroupConversation(r.Context(), user.ID, req.Name, req.MemberIDs)
		default:
			writeError(w, http.StatusBadRequest, "kind must be direct or group")
			return
		}
		if err != nil {
			writeError(w, statusFromErr(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	}
}

func handleGetConversation(chat *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		convID := chi.URLParam(r, "conversationID")
		conv, err := chat.GetConversation(r.Context(), convID, user.ID)
		if err != nil {
			writeError(w, statusFromErr(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleListMessages(chat *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		convID := chi.URLParam(r, "conversationID")

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		msgs, err := chat.ListHistory(r.Context(), convID, user.ID, limit, offset)
		if err != nil {
			writeError(w, statusFromErr(err), err.Error())
			return
		}
		if msgs == nil {
			msgs = []*domain.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

type addMembersRequest struct {
	MemberIDs []string `json:"member_ids"`
}

func handleAddMembers(chat *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		convID := chi.URLParam(r, "conversationID")
		var req addMembersRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := chat.AddGroupMembers(r.Context(), user.ID, convID, req.MemberIDs); err != nil {
			writeError(w, statusFromErr(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleLeaveConversation(chat *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		convID := chi.URLParam(r, "conversationID")
		if err := chat.LeaveConversation(r.Context(), user.ID, convID); err != nil {
			writeError(w, statusFromErr(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type markSeenRequest struct {
	MessageIDs []string `json:"message_ids"`
}

func handleMarkSeen(chat *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		var req markSeenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.MessageIDs) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err := chat.MarkSeenBatch(r.Context(), req.MessageIDs, user.ID, time.Now().UTC()); err != nil {
			writeError(w, statusFromErr(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
