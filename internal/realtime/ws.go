package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/societyhub/server/internal/auth"
	"github.com/societyhub/server/internal/model"
	"github.com/societyhub/server/internal/repo"
	"go.uber.org/zap"
)

// Client and server events.
const (
	EventConnect       = "connect"
	EventJoinSociety   = "join_society"
	EventJoinRoom      = "join_room"
	EventJoined        = "joined"
	EventError         = "error"
	EventAccountFrozen = "account_frozen"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// ConnectPayload is sent once after the upgrade.
type ConnectPayload struct {
	MemberID string   `json:"memberId"`
	TenantID string   `json:"tenantId,omitempty"`
	Channels []string `json:"channels"`
}

// JoinSocietyPayload is the data of a join_society request.
type JoinSocietyPayload struct {
	TenantID string `json:"tenantId"`
}

// JoinRoomPayload is the data of a join_room request.
type JoinRoomPayload struct {
	Room string `json:"room"`
}

// JoinedPayload confirms a join.
type JoinedPayload struct {
	Channel string `json:"channel"`
}

// ErrorPayload reports a refused client request.
type ErrorPayload struct {
	Message string `json:"message"`
}

// FrozenPayload is the data of account_frozen.
type FrozenPayload struct {
	TenantID string `json:"tenantId"`
	Message  string `json:"message"`
}

// Handler authenticates websocket connections and attaches them to the hub.
type Handler struct {
	hub        *Hub
	jwtService *auth.JWTService
	identities repo.IdentityRepo
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

// NewHandler creates the /ws endpoint. An empty allowedOrigins list, or one containing "*",
// accepts any origin.
func NewHandler(hub *Hub, jwtService *auth.JWTService, identities repo.IdentityRepo, allowedOrigins []string, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:        hub,
		jwtService: jwtService,
		identities: identities,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// ServeHTTP handles GET /ws. The access token comes from the Authorization header or, for
// browsers, the token query parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, status, msg := h.authenticate(r)
	if status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		body := map[string]string{"error": msg}
		if status == http.StatusForbidden {
			body["code"] = "frozen"
		}
		_ = json.NewEncoder(w).Encode(body)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	member, err := h.hub.Register(identity)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}

	var channels []string
	if identity.TenantID != uuid.Nil {
		channels = append(channels, TenantChannel(identity.TenantID))
	}
	if identity.Role == model.RoleSuperAdmin {
		channels = append(channels, GlobalRoom)
	}
	connected := ConnectPayload{MemberID: member.ID.String(), Channels: channels}
	if identity.TenantID != uuid.Nil {
		connected.TenantID = identity.TenantID.String()
	}
	// connect is queued before any join so it precedes every published event.
	h.reply(member, EventConnect, connected)
	for _, ch := range channels {
		_ = h.hub.Join(member, ch)
	}

	h.logger.Debug("realtime session connected",
		zap.String("member_id", member.ID.String()),
		zap.String("identity_id", identity.ID.String()),
	)

	go h.writePump(conn, member)
	h.readPump(conn, member)
}

func (h *Handler) authenticate(r *http.Request) (model.Identity, int, string) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = strings.TrimSpace(parts[1])
		}
	}
	if token == "" {
		return model.Identity{}, http.StatusUnauthorized, "missing token"
	}

	claims, err := h.jwtService.VerifyToken(token)
	if err != nil {
		return model.Identity{}, http.StatusUnauthorized, "invalid or expired token"
	}
	identity, err := h.identities.GetByID(r.Context(), claims.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Identity{}, http.StatusUnauthorized, "user not found"
	}
	if err != nil {
		h.logger.Error("load identity for websocket", zap.Error(err))
		return model.Identity{}, http.StatusServiceUnavailable, "service temporarily unavailable, retry"
	}
	if identity.Frozen {
		return model.Identity{}, http.StatusForbidden, "account frozen"
	}
	return identity, http.StatusOK, ""
}

// readPump handles client requests until the connection fails, then removes the member.
func (h *Handler) readPump(conn *websocket.Conn, m *Member) {
	defer func() {
		h.hub.Remove(m)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		h.handleClientEvent(m, env)
	}
}

func (h *Handler) handleClientEvent(m *Member, env Envelope) {
	switch env.Event {
	case EventJoinSociety:
		var p JoinSocietyPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			h.reply(m, EventError, ErrorPayload{Message: "invalid join_society payload"})
			return
		}
		tenantID, err := uuid.Parse(p.TenantID)
		if err != nil {
			h.reply(m, EventError, ErrorPayload{Message: "invalid tenantId"})
			return
		}
		if m.Identity.Role != model.RoleSuperAdmin && tenantID != m.Identity.TenantID {
			h.reply(m, EventError, ErrorPayload{Message: "not a member of this society"})
			return
		}
		h.join(m, TenantChannel(tenantID))

	case EventJoinRoom:
		var p JoinRoomPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			h.reply(m, EventError, ErrorPayload{Message: "invalid join_room payload"})
			return
		}
		if m.Identity.Role != model.RoleSuperAdmin || p.Room != GlobalRoom {
			h.reply(m, EventError, ErrorPayload{Message: "room not allowed"})
			return
		}
		h.join(m, GlobalRoom)

	default:
		h.reply(m, EventError, ErrorPayload{Message: "unknown event"})
	}
}

func (h *Handler) join(m *Member, channel string) {
	if err := h.hub.Join(m, channel); err != nil {
		return
	}
	h.reply(m, EventJoined, JoinedPayload{Channel: channel})
}

// reply queues a message for one member without blocking the reader.
func (h *Handler) reply(m *Member, event string, data any) {
	payload, err := NewEnvelope(event, data)
	if err != nil {
		h.logger.Error("encode realtime reply", zap.Error(err))
		return
	}
	select {
	case m.send <- Frame{Payload: payload}:
	default:
		h.hub.Remove(m)
	}
}

// writePump is the only writer on conn. It drains the member's queue in order and keeps the
// connection alive with pings.
func (h *Handler) writePump(conn *websocket.Conn, m *Member) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-m.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame.Payload); err != nil {
				return
			}
			if frame.Last {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session closed"),
					time.Now().Add(writeWait))
				return
			}
		case <-m.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
