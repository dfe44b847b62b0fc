package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tuyu/internal/auth"
	"tuyu/internal/common"
	"tuyu/internal/models"
	"tuyu/internal/routing"
	wsHub "tuyu/internal/websocket"
)

var chatLogger = slog.With("component", "chat")

// Connector is the routing side of a new connection.
type Connector interface {
	wsHub.Dispatcher
	Connect(ctx context.Context, s routing.Session) error
}

type UserFinder interface {
	FindUser(ctx context.Context, id int64) (models.User, error)
}

type ChatHandler struct {
	Hub          *wsHub.Hub
	Engine       Connector
	Users        UserFinder
	Secret       []byte
	Origins      []string
	SendBuffer   int
	EventTimeout time.Duration

	upgrader websocket.Upgrader
}

func NewChatHandler(hub *wsHub.Hub, engine Connector, users UserFinder, secret []byte, origins []string) *ChatHandler {
	ch := &ChatHandler{
		Hub:        hub,
		Engine:     engine,
		Users:      users,
		Secret:     secret,
		Origins:    origins,
		SendBuffer: 256,
	}
	ch.upgrader = websocket.Upgrader{
		CheckOrigin:     ch.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return ch
}

// ServeWS authenticates the caller, upgrades the request and starts the pumps
// of the new connection.
func (ch *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := ch.authenticate(r)
	if err != nil {
		chatLogger.Warn("WebSocket connection refused", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := ch.Users.FindUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			http.Error(w, "unknown user", http.StatusUnauthorized)
			return
		}
		chatLogger.Error("User lookup failed", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := ch.upgrader.Upgrade(w, r, nil)
	if err != nil {
		chatLogger.Error("Error WebSocket upgrade", "error", err)
		return
	}

	client := &wsHub.Client{
		Hub:  ch.Hub,
		Conn: conn,
		Send: make(chan models.Envelope, ch.SendBuffer),
		Session: routing.Session{
			ConnectionID: uuid.NewString(),
			UserID:       user.ID,
			Nickname:     user.Nickname,
		},
		Dispatcher:   ch.Engine,
		EventTimeout: ch.EventTimeout,
	}

	if !ch.Hub.Add(client) {
		reject(conn, websocket.CloseTryAgainLater, "server shutting down")
		return
	}
	if err := ch.Engine.Connect(r.Context(), client.Session); err != nil {
		ch.Hub.Remove(client)
		reject(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	chatLogger.Info("WebSocket connection established", "conn", client.Session.ConnectionID, "user_id", user.ID, "origin", r.Header.Get("Origin"))

	go client.WritePump()
	go client.ReadPump()
}

// Health reports liveness and the number of open connections.
func (ch *ChatHandler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"service":     "tuyu-chat",
		"connections": ch.Hub.Count(),
	})
}

// authenticate returns the user id of the caller. Without a secret the
// userId query parameter is trusted.
func (ch *ChatHandler) authenticate(r *http.Request) (int64, error) {
	if len(ch.Secret) == 0 {
		id, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
		if err != nil || id <= 0 {
			return 0, common.ErrInvalidToken
		}
		return id, nil
	}

	token := r.URL.Query().Get("token")
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token == "" {
		token = bearer
	}
	if token == "" {
		return 0, common.ErrInvalidToken
	}
	identity, err := auth.ParseAccessToken(token, ch.Secret)
	if err != nil {
		return 0, err
	}
	return identity.UserID, nil
}

func (ch *ChatHandler) checkOrigin(r *http.Request) bool {
	if len(ch.Origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(ch.Origins, origin)
}

func reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}
