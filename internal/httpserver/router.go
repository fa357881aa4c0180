package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/realtime"
	"chatsync/internal/security"
	"chatsync/internal/service"
	"chatsync/internal/storage"
)

// Deps carries the wired collaborators for the HTTP surface.
type Deps struct {
	Config    *config.Config
	Auth      *service.AuthService
	Chat      *service.ChatService
	Tokens    *security.TokenService
	Profiles  domain.ProfileRepository
	Storage   *storage.S3Store // optional; uploads return 503 without it
	Hub       *realtime.Hub
	Presence  *realtime.PresenceStore // optional
	WSHandler http.HandlerFunc
	Log       *zap.SugaredLogger
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", handleRegister(d.Auth))
			r.Post("/login", handleLogin(d.Auth))
		})

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(d.Tokens, d.Profiles))

			r.Get("/auth/me", handleMe())

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", handleChatList(d.Chat))
				r.Post("/", handleCreateConversation(d.Chat))
				r.Get("/{conversationID}", handleGetConversation(d.Chat))
				r.Get("/{conversationID}/messages", handleListMessages(d.Chat))
				r.Post("/{conversationID}/messages", handleSendMessage(d.Chat))
				r.Post("/{conversationID}/seen", handleMarkSeen(d.Chat))
				r.Post("/{conversationID}/members", handleAddMembers(d.Chat))
				r.Post("/{conversationID}/leave", handleLeaveConversation(d.Chat))
			})

			r.Route("/messages", func(r chi.Router) {
				r.Patch("/{messageID}", handleEditMessage(d.Chat))
				r.Delete("/{messageID}", handleDeleteMessage(d.Chat))
				r.Get("/{messageID}/status", handleMessageStatus(d.Chat))
			})

			r.Post("/uploads", handleUpload(d.Storage))
			r.Get("/uploads/{key}", handleDownloadURL(d.Storage))

			r.Get("/users/{userID}/presence", handlePresence(d.Hub, d.Presence))
		})
	})

	r.Get("/ws", d.WSHandler)

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
