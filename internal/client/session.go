// Package client is a Go websocket client for the chat gateway. A Session
// shows one conversation at a time and keeps a local view of its messages.
package client

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"tuyu/internal/models"
)

var sessionLogger = slog.With("component", "client")

var ErrNoTarget = errors.New("no conversation open")

// DisconnectedText is shown in the view when the server drops the connection.
const DisconnectedText = "disconnected from server"

// Target is the conversation a Session shows: a ChannelTarget or a PeerTarget.
type Target interface {
	isTarget()
}

type ChannelTarget struct {
	ID   int64
	Name string
}

// PeerTarget is a private conversation with another user.
type PeerTarget struct {
	ID int64
}

func (ChannelTarget) isTarget() {}
func (PeerTarget) isTarget()    {}

// View is a snapshot of the open conversation.
type View struct {
	Target   Target
	Messages []models.Message
	Error    string
}

type listener struct {
	event string
	fn    func(models.Envelope)
}

// Session is one websocket connection to the gateway.
type Session struct {
	conn     *websocket.Conn
	userID   int64
	nickname string

	writeMu sync.Mutex

	mu        sync.Mutex
	listeners map[int]listener
	nextID    int
	target    Target
	gen       int
	scope     []*Subscription
	messages  []models.Message
	deleted   map[int64]struct{}
	lastError string
	closed    bool

	done chan struct{}
}

// Dial connects to the gateway at url and starts reading events.
func Dial(ctx context.Context, url string, header http.Header, userID int64, nickname string) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewSession(conn, userID, nickname), nil
}

// NewSession starts reading events from an open connection.
func NewSession(conn *websocket.Conn, userID int64, nickname string) *Session {
	s := &Session{
		conn:      conn,
		userID:    userID,
		nickname:  nickname,
		listeners: make(map[int]listener),
		deleted:   make(map[int64]struct{}),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// On calls fn for every inbound event with the given name until the
// returned Subscription is closed.
func (s *Session) On(event string, fn func(models.Envelope)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked(event, fn)
}

func (s *Session) subscribeLocked(event string, fn func(models.Envelope)) *Subscription {
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener{event: event, fn: fn}
	return &Subscription{session: s, id: id}
}

// Open switches the session to target. Every listener bound to the previous
// target is removed and the view is cleared before the history request for
// target is sent.
func (s *Session) Open(target Target) error {
	s.mu.Lock()
	for _, sub := range s.scope {
		delete(s.listeners, sub.id)
	}
	s.scope = nil
	s.gen++
	s.target = target
	s.messages = nil
	s.deleted = make(map[int64]struct{})
	s.lastError = ""

	switch t := target.(type) {
	case ChannelTarget:
		s.scope = s.bindChannelLocked(t, s.gen)
	case PeerTarget:
		s.scope = s.bindPeerLocked(t, s.gen)
	default:
		s.mu.Unlock()
		return fmt.Errorf("unsupported target %T", target)
	}
	s.mu.Unlock()

	switch t := target.(type) {
	case ChannelTarget:
		return s.emit(models.EventGetUsersInChannel, models.GetUsersInChannelRequest{Channel: t.Name})
	case PeerTarget:
		return s.emit(models.EventGetPrivateMessages, models.GetPrivateMessagesRequest{SenderID: s.userID, RecipientID: t.ID})
	}
	return nil
}

// Send posts content to the open conversation. The message shows up in the
// view once the server fans it back out.
func (s *Session) Send(content string) error {
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()

	req := models.SendMessageRequest{SenderID: s.userID, SenderNickname: s.nickname, Content: content}
	switch t := target.(type) {
	case ChannelTarget:
		req.ChannelID = &t.ID
	case PeerTarget:
		req.RecipientID = &t.ID
	default:
		return ErrNoTarget
	}
	return s.emit(models.EventSendMessage, req)
}

// Leave removes the channel from this connection's live membership.
func (s *Session) Leave(channelID int64) error {
	return s.emit(models.EventLeaveChannel, models.LeaveChannelRequest{ChannelID: channelID})
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		Target:   s.target,
		Messages: append([]models.Message(nil), s.messages...),
		Error:    s.lastError,
	}
}

// Done is closed when the connection is gone.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *Session) bindChannelLocked(t ChannelTarget, gen int) []*Subscription {
	inChannel := func(m models.Message) bool { return m.ChannelID != nil && *m.ChannelID == t.ID }

	return []*Subscription{
		s.subscribeLocked(models.EventUsersInChannel, func(env models.Envelope) {
			var payload models.UsersInChannel
			if json.Unmarshal(env.Data, &payload) != nil {
				return
			}
			if !s.current(gen) {
				return
			}
			member := lo.ContainsBy(payload.Users, func(u models.User) bool { return u.ID == s.userID })
			if !member {
				_ = s.emit(models.EventJoinChannel, models.JoinChannelRequest{ChannelName: t.Name, Nickname: s.nickname})
			}
			_ = s.emit(models.EventGetMessages, models.GetMessagesRequest{ChannelID: t.ID})
		}),
		s.subscribeLocked(models.EventMessageHistory, s.mergeHistory(gen, inChannel)),
		s.subscribeLocked(models.EventNewMessage, s.appendLive(gen, inChannel)),
		s.subscribeLocked(models.EventMessageUpdated, s.applyUpdate(gen, inChannel)),
		s.subscribeLocked(models.EventMessageDeleted, s.applyDelete(gen)),
		s.subscribeLocked(models.EventError, s.recordError(gen)),
	}
}

func (s *Session) bindPeerLocked(t PeerTarget, gen int) []*Subscription {
	inConversation := func(m models.Message) bool {
		if m.RecipientID == nil || m.ChannelID != nil {
			return false
		}
		return (m.SenderID == s.userID && *m.RecipientID == t.ID) ||
			(m.SenderID == t.ID && *m.RecipientID == s.userID)
	}

	return []*Subscription{
		s.subscribeLocked(models.EventPrivateMessageHistory, s.mergeHistory(gen, inConversation)),
		s.subscribeLocked(models.EventPrivateMessage, s.appendLive(gen, inConversation)),
		s.subscribeLocked(models.EventMessageUpdated, s.applyUpdate(gen, inConversation)),
		s.subscribeLocked(models.EventMessageDeleted, s.applyDelete(gen)),
		s.subscribeLocked(models.EventError, s.recordError(gen)),
	}
}

func (s *Session) mergeHistory(gen int, keep func(models.Message) bool) func(models.Envelope) {
	return func(env models.Envelope) {
		var history []models.Message
		if json.Unmarshal(env.Data, &history) != nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return
		}
		s.messages = s.mergeLocked(lo.Filter(history, func(m models.Message, _ int) bool { return keep(m) }))
	}
}

func (s *Session) appendLive(gen int, keep func(models.Message) bool) func(models.Envelope) {
	return func(env models.Envelope) {
		var msg models.Message
		if json.Unmarshal(env.Data, &msg) != nil || !keep(msg) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen {
			s.messages = append(s.messages, msg)
		}
	}
}

func (s *Session) applyUpdate(gen int, keep func(models.Message) bool) func(models.Envelope) {
	return func(env models.Envelope) {
		var msg models.Message
		if json.Unmarshal(env.Data, &msg) != nil || !keep(msg) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return
		}
		for i := range s.messages {
			if s.messages[i].ID == msg.ID {
				s.messages[i] = msg
			}
		}
	}
}

func (s *Session) applyDelete(gen int) func(models.Envelope) {
	return func(env models.Envelope) {
		var deleted models.MessageDeleted
		if json.Unmarshal(env.Data, &deleted) != nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen {
			s.deleted[deleted.ID] = struct{}{}
			s.messages = lo.Reject(s.messages, func(m models.Message, _ int) bool { return m.ID == deleted.ID })
		}
	}
}

func (s *Session) recordError(gen int) func(models.Envelope) {
	return func(env models.Envelope) {
		var payload models.ErrorPayload
		if json.Unmarshal(env.Data, &payload) != nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen {
			s.lastError = payload.Message
		}
	}
}

// mergeLocked combines a history reply with the live messages that arrived
// before it. A history snapshot can be older than a live event, so live
// copies win and messages deleted since the Open stay gone.
func (s *Session) mergeLocked(history []models.Message) []models.Message {
	merged := lo.UniqBy(append(slices.Clone(s.messages), history...), func(m models.Message) int64 { return m.ID })
	merged = lo.Reject(merged, func(m models.Message, _ int) bool {
		_, gone := s.deleted[m.ID]
		return gone
	})
	slices.SortStableFunc(merged, func(a, b models.Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return merged
}

// current reports whether gen is still the open conversation. Listeners of
// a replaced target may still be running when Open returns.
func (s *Session) current(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) emit(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(env)
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		if !s.closed {
			s.lastError = DisconnectedText
		}
		s.mu.Unlock()
	}()
	for {
		var env models.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sessionLogger.Warn("Session read error", "error", err)
			}
			return
		}
		s.dispatch(env)
	}
}

// dispatch runs the listeners registered for env at the moment it arrived,
// in subscription order and outside the lock so they may call back into the
// session.
func (s *Session) dispatch(env models.Envelope) {
	s.mu.Lock()
	ids := lo.Filter(lo.Keys(s.listeners), func(id int, _ int) bool { return s.listeners[id].event == env.Event })
	slices.Sort(ids)
	fns := lo.Map(ids, func(id int, _ int) func(models.Envelope) { return s.listeners[id].fn })
	s.mu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
}
