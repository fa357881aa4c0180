package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatsync/internal/realtime"
)

// handlePresence reports whether a user has a live connection. The local hub
// answers for this node; the Redis store covers connections held elsewhere.
func handlePresence(hub *realtime.Hub, presence *realtime.PresenceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		online := hub.IsConnected(userID)
		if !online && presence != nil {
			var err error
			online, err = presence.IsOnline(r.Context(), userID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "presence lookup failed")
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"online":  online,
		})
	}
}
