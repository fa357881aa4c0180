package ws

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/internal/engine"
	"chatsync/internal/metrics"
	"chatsync/internal/realtime"
	"chatsync/internal/security"
	"chatsync/internal/service"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return false
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return false
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// Deps bundles the collaborators the websocket endpoint wires into each
// connection.
type Deps struct {
	Hub      *realtime.Hub
	Bus      *realtime.Bus
	Tokens   *security.TokenService
	Profiles domain.ProfileRepository
	Cache    *engine.ProfileCache
	Chat     *service.ChatService
	Storage  engine.ObjectStorage
	Notifier engine.Notifier
	Presence *realtime.PresenceStore // optional
	Log      *zap.SugaredLogger

	AllowedOrigins  []string
	HistoryPageSize int
	SeenDebounce    time.Duration
	TypingTTL       time.Duration
}

// conn wraps one websocket connection: a serialized writer plus the sessions
// the client has opened on it, keyed by conversation id.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	sessMu   sync.Mutex
	sessions map[string]*engine.Session
}

func (c *conn) send(payload any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteJSON(payload)
}

func (c *conn) sendError(convID, msg string) {
	c.send(map[string]any{
		"type":            "error",
		"conversation_id": convID,
		"message":         msg,
	})
}

func (c *conn) session(convID string) (*engine.Session, bool) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	s, ok := c.sessions[convID]
	return s, ok
}

func (c *conn) putSession(convID string, s *engine.Session) *engine.Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	prev := c.sessions[convID]
	c.sessions[convID] = s
	return prev
}

func (c *conn) dropSession(convID string) *engine.Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	s := c.sessions[convID]
	delete(c.sessions, convID)
	return s
}

func (c *conn) closeAll() {
	c.sessMu.Lock()
	sessions := c.sessions
	c.sessions = map[string]*engine.Session{}
	c.sessMu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// MakeHandler returns an HTTP handler for the /ws endpoint.
// Authenticates via Bearer token (Authorization header or
// Sec-WebSocket-Protocol), then dispatches events:
//   - open_conversation  -> mount a session: load history, start merging
//   - close_conversation -> unmount the session
//   - message            -> optimistic send through the session pipeline
//   - mark_seen          -> sweep unseen messages for the viewer
//   - mark_delivered     -> ack a pushed message without opening its chat
//   - typing             -> publish a typing signal to peers
//   - edit_message       -> edit own message + broadcast
//   - delete_message     -> delete for_me / for_everyone
func MakeHandler(d Deps) http.HandlerFunc {
	checkOrigin := makeCheckOrigin(d.AllowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			if authErr, ok := err.(wsAuthError); ok {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		userID, err := d.Tokens.UserID(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := r.Context()
		user, err := d.Profiles.GetByID(ctx, userID)
		if err != nil || user == nil || !user.IsActive {
			http.Error(w, "user not found or inactive", http.StatusUnauthorized)
			return
		}
		d.Cache.Put(user)

		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer wsConn.Close()

		c := &conn{ws: wsConn, sessions: map[string]*engine.Session{}}
		connID := fmt.Sprintf("%p", wsConn)

		d.Hub.Register(user.ID, wsConn)
		metrics.WSConnections.Inc()
		if d.Presence != nil {
			if err := d.Presence.AddConnection(ctx, user.ID, connID); err != nil {
				d.Log.Warnw("presence connect", "user_id", user.ID, "error", err)
			}
		}
		defer func() {
			c.closeAll()
			d.Hub.Unregister(user.ID, wsConn)
			metrics.WSConnections.Dec()
			if d.Presence != nil {
				if err := d.Presence.RemoveConnection(context.Background(), user.ID, connID); err != nil {
					d.Log.Warnw("presence disconnect", "user_id", user.ID, "error", err)
				}
			}
			if err := d.Profiles.UpdateLastSeen(context.Background(), user.ID, time.Now().UTC()); err != nil {
				d.Log.Warnw("update last seen", "user_id", user.ID, "error", err)
			}
			d.Hub.BroadcastAll(map[string]any{
				"type":    "user_offline",
				"user_id": user.ID,
			})
		}()
		d.Hub.BroadcastAll(map[string]any{
			"type":    "user_online",
			"user_id": user.ID,
		})

		for {
			var payload map[string]any
			if err := wsConn.ReadJSON(&payload); err != nil {
				break
			}
			msgType, _ := payload["type"].(string)
			convID, _ := payload["conversation_id"].(string)

			switch msgType {

			case "open_conversation":
				if convID == "" {
					c.sendError(convID, "open_conversation requires conversation_id")
					continue
				}
				conv, err := d.Chat.GetConversation(ctx, convID, user.ID)
				if err != nil {
					c.sendError(convID, "conversation not found or not a member")
					continue
				}
				sess, err := engine.OpenSession(ctx, engine.SessionConfig{
					Viewer:          user,
					Conversation:    conv,
					Backend:         d.Chat,
					Bus:             d.Bus,
					Profiles:        d.Cache,
					Storage:         d.Storage,
					Notifier:        d.Notifier,
					Log:             d.Log,
					HistoryPageSize: d.HistoryPageSize,
					SeenDebounce:    d.SeenDebounce,
					TypingTTL:       d.TypingTTL,
					OnChange: func() {
						pushState(c, convID)
					},
					OnSendFailure: func(draft domain.Draft, err error) {
						c.send(map[string]any{
							"type":            "send_failed",
							"conversation_id": convID,
							"draft": map[string]any{
								"kind":        draft.Kind,
								"content":     draft.Content,
								"reply_to_id": draft.ReplyToID,
							},
							"message": err.Error(),
						})
					},
				})
				if err != nil {
					d.Log.Errorw("open session", "conversation_id", convID, "error", err)
					c.sendError(convID, "failed to open conversation")
					continue
				}
				if prev := c.putSession(convID, sess); prev != nil {
					prev.Close()
				}
				pushState(c, convID)
				if err := sess.MarkVisible(ctx); err != nil {
					d.Log.Warnw("initial seen sweep", "conversation_id", convID, "error", err)
				}

			case "close_conversation":
				if sess := c.dropSession(convID); sess != nil {
					sess.Close()
				}

			case "message":
				sess, ok := c.session(convID)
				if !ok {
					c.sendError(convID, "conversation not open")
					continue
				}
				draft, err := draftFromPayload(payload)
				if err != nil {
					c.sendError(convID, err.Error())
					continue
				}
				tentativeID, err := sess.Send(ctx, draft)
				if err != nil {
					c.sendError(convID, "failed to send message")
					continue
				}
				c.send(map[string]any{
					"type":            "message_queued",
					"conversation_id": convID,
					"tentative_id":    tentativeID,
				})

			case "mark_seen":
				sess, ok := c.session(convID)
				if !ok {
					continue
				}
				if err := sess.MarkVisible(ctx); err != nil {
					d.Log.Warnw("mark_seen", "conversation_id", convID, "error", err)
					c.sendError(convID, "failed to mark messages as seen")
				}

			// Delivery acknowledgement for a pushed message whose
			// conversation is not open. Needs no session.
			case "mark_delivered":
				msgID, _ := payload["message_id"].(string)
				if msgID == "" {
					continue
				}
				if err := d.Chat.MarkDelivered(ctx, msgID, user.ID, time.Now().UTC()); err != nil {
					d.Log.Warnw("mark_delivered", "message_id", msgID, "error", err)
				}

			case "typing":
				sess, ok := c.session(convID)
				if !ok {
					continue
				}
				stopped, _ := payload["stopped"].(bool)
				sess.Typing(stopped)

			case "edit_message":
				sess, ok := c.session(convID)
				if !ok {
					c.sendError(convID, "conversation not open")
					continue
				}
				messageID, _ := payload["message_id"].(string)
				content, _ := payload["content"].(string)
				if messageID == "" || content == "" {
					continue
				}
				if err := sess.EditMessage(ctx, messageID, content); err != nil {
					d.Log.Warnw("edit_message", "message_id", messageID, "error", err)
					c.sendError(convID, "failed to edit message")
				}

			case "delete_message":
				sess, ok := c.session(convID)
				if !ok {
					c.sendError(convID, "conversation not open")
					continue
				}
				messageID, _ := payload["message_id"].(string)
				deleteType, _ := payload["delete_type"].(string)
				if deleteType == "" {
					deleteType = "for_me"
				}
				if messageID == "" {
					continue
				}
				var derr error
				if deleteType == "for_everyone" {
					derr = sess.DeleteForEveryone(ctx, messageID)
				} else {
					derr = sess.DeleteForMe(ctx, messageID)
				}
				if derr != nil {
					d.Log.Warnw("delete_message", "message_id", messageID, "delete_type", deleteType, "error", derr)
					c.sendError(convID, "failed to delete message")
				}

			default:
				d.Log.Debugw("unknown ws event", "event", msgType, "user_id", user.ID)
			}
		}
	}
}

// pushState sends the full rendered state of one open conversation. The
// session mutates concurrently, so the client treats each push as a
// replacement snapshot rather than a delta.
func pushState(c *conn, convID string) {
	sess, ok := c.session(convID)
	if !ok {
		return
	}
	sections := sess.Sections(time.Now())
	out := make([]map[string]any, 0, len(sections))
	for _, sec := range sections {
		entries := make([]map[string]any, 0, len(sec.Entries))
		for _, e := range sec.Entries {
			entries = append(entries, entryPayload(sess, e))
		}
		out = append(out, map[string]any{
			"label":   sec.Label,
			"entries": entries,
		})
	}
	c.send(map[string]any{
		"type":            "conversation_state",
		"conversation_id": convID,
		"sections":        out,
		"typing":          sess.ActiveTypers(),
	})
}

func entryPayload(sess *engine.Session, e engine.Entry) map[string]any {
	p := map[string]any{
		"id":              e.Message.ID,
		"conversation_id": e.Message.ConversationID,
		"sender_id":       e.Message.SenderID,
		"sender_name":     e.SenderName,
		"sender_avatar":   e.SenderAvatar,
		"kind":            e.Message.Kind,
		"content":         e.Message.Content,
		"created_at":      e.Message.CreatedAt,
		"is_edited":       e.Message.IsEdited,
		"is_deleted":      e.Message.IsDeleted,
		"pending":         e.Pending,
		"seen":            sess.IsSeen(e.Message.ID),
	}
	if e.ReplyPreview != nil {
		p["reply_to"] = map[string]any{
			"message_id":  e.ReplyPreview.MessageID,
			"sender_id":   e.ReplyPreview.SenderID,
			"sender_name": e.ReplyPreview.SenderName,
			"content":     e.ReplyPreview.Content,
			"deleted":     e.ReplyPreview.Deleted,
		}
	}
	return p
}

func draftFromPayload(payload map[string]any) (domain.Draft, error) {
	kind, _ := payload["kind"].(string)
	if kind == "" {
		kind = string(domain.MessageText)
	}
	content, _ := payload["content"].(string)

	d := domain.Draft{
		Kind:    domain.MessageKind(kind),
		Content: content,
	}
	if replyTo, _ := payload["reply_to_id"].(string); replyTo != "" {
		d.ReplyToID = &replyTo
	}
	if encoded, _ := payload["image_data"].(string); encoded != "" {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return domain.Draft{}, fmt.Errorf("image_data must be base64")
		}
		d.ImageData = raw
		d.ContentType, _ = payload["content_type"].(string)
		if d.ContentType == "" {
			d.ContentType = "image/jpeg"
		}
	}
	return d, nil
}
