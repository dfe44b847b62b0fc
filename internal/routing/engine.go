// Package routing turns inbound chat events into validated, persisted and
// fanned-out outcomes.
//
// The Engine is stateless across events apart from the presence registry it
// owns and the store it calls. Fan-out targets are always read from a fresh
// registry snapshot taken after the store call returns, so slow writes never
// hold the registry lock. Channel messages reach live members only; members
// who are offline catch up through getMessages.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/samber/lo"

	"tuyu/internal/common"
	"tuyu/internal/models"
	"tuyu/internal/presence"
	"tuyu/internal/storage"
)

const DefaultMaxContentLength = 1000

// Emitter delivers one outbound event to one connection.
type Emitter interface {
	Emit(connID string, event string, payload any)
}

// Session is the identity the transport attached to a connection.
type Session struct {
	ConnectionID string
	UserID       int64
	Nickname     string
}

// Engine handles inbound chat events for every connection.
type Engine struct {
	registry         *presence.Registry
	store            storage.Store
	emitter          Emitter
	log              *slog.Logger
	maxContentLength int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger the engine writes to.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log.With("component", "routing") }
}

// WithMaxContentLength caps message content, counted in runes.
func WithMaxContentLength(n int) Option {
	return func(e *Engine) { e.maxContentLength = n }
}

// NewEngine builds an Engine over registry and store that delivers through emitter.
func NewEngine(registry *presence.Registry, store storage.Store, emitter Emitter, opts ...Option) *Engine {
	e := &Engine{
		registry:         registry,
		store:            store,
		emitter:          emitter,
		log:              slog.With("component", "routing"),
		maxContentLength: DefaultMaxContentLength,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect registers a new connection. A DuplicateConnection error means the
// transport must reject the connection.
func (e *Engine) Connect(_ context.Context, s Session) error {
	if err := e.registry.Register(s.ConnectionID, s.UserID, s.Nickname); err != nil {
		e.log.Error("Connection rejected", "conn", s.ConnectionID, "user_id", s.UserID, "error", err)
		return err
	}
	e.log.Info("Connection registered", "conn", s.ConnectionID, "user_id", s.UserID, "nickname", s.Nickname)
	return nil
}

// Disconnect always succeeds, also for connections that are already gone.
func (e *Engine) Disconnect(_ context.Context, connID string) {
	entry, ok := e.registry.Unregister(connID)
	if !ok {
		e.log.Debug("Disconnect of unknown connection", "conn", connID)
		return
	}
	e.log.Info("Connection unregistered", "conn", connID, "user_id", entry.UserID, "channels", len(entry.Channels))
}

// Handle runs one inbound event for s. Failures are reported to the
// originating connection as an error event and never propagate further.
func (e *Engine) Handle(ctx context.Context, s Session, env models.Envelope) {
	var err error
	switch env.Event {
	case models.EventGetUsersInChannel:
		err = handle(ctx, s, env, e.getUsersInChannel)
	case models.EventJoinChannel:
		err = handle(ctx, s, env, e.joinChannel)
	case models.EventLeaveChannel:
		err = handle(ctx, s, env, e.leaveChannel)
	case models.EventGetMessages:
		err = handle(ctx, s, env, e.getMessages)
	case models.EventGetPrivateMessages:
		err = handle(ctx, s, env, e.getPrivateMessages)
	case models.EventSendMessage:
		err = handle(ctx, s, env, e.sendMessage)
	case models.EventUpdateMessage:
		err = handle(ctx, s, env, e.updateMessage)
	case models.EventDeleteMessage:
		err = handle(ctx, s, env, e.deleteMessage)
	case models.EventListChannels:
		err = e.listChannels(ctx, s)
	case models.EventListUsers:
		err = e.listUsers(ctx, s)
	default:
		err = fmt.Errorf("%w: unknown event %q", common.ErrValidation, env.Event)
	}

	if err != nil {
		e.replyError(s, env.Event, err)
	}
}

func handle[T any](ctx context.Context, s Session, env models.Envelope, fn func(context.Context, Session, T) error) error {
	var req T
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return fmt.Errorf("%w: malformed %s payload", common.ErrValidation, env.Event)
		}
	}
	if err := Validate(req); err != nil {
		return err
	}
	return fn(ctx, s, req)
}

func (e *Engine) replyError(s Session, event string, err error) {
	switch {
	case errors.Is(err, common.ErrValidation), errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrForbidden):
		e.log.Warn("Request rejected", "conn", s.ConnectionID, "event", event, "error", err)
		e.emitter.Emit(s.ConnectionID, models.EventError, models.ErrorPayload{Message: err.Error()})
	default:
		e.log.Error("Request failed", "conn", s.ConnectionID, "event", event, "error", err)
		e.emitter.Emit(s.ConnectionID, models.EventError, models.ErrorPayload{Message: "internal error"})
	}
}

func (e *Engine) getUsersInChannel(ctx context.Context, s Session, req models.GetUsersInChannelRequest) error {
	channel, err := e.store.FindChannelByName(ctx, req.Channel)
	if err != nil {
		return err
	}
	users, err := e.store.ChannelMembers(ctx, channel.ID)
	if err != nil {
		return err
	}

	known := lo.SliceToMap(users, func(u models.User) (int64, struct{}) { return u.ID, struct{}{} })
	for _, userID := range e.registry.UsersIn(channel.ID) {
		if _, ok := known[userID]; ok {
			continue
		}
		u, err := e.store.FindUser(ctx, userID)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			return err
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	e.emitter.Emit(s.ConnectionID, models.EventUsersInChannel, models.UsersInChannel{Users: users})
	return nil
}

// joinChannel records membership for the session's user. The nickname in
// the payload is not used to identify anyone.
func (e *Engine) joinChannel(ctx context.Context, s Session, req models.JoinChannelRequest) error {
	user, err := e.store.FindUser(ctx, s.UserID)
	if err != nil {
		return err
	}
	if req.Nickname != "" && req.Nickname != user.Nickname {
		e.log.Debug("Join nickname differs from session user", "conn", s.ConnectionID, "nickname", req.Nickname, "user_id", user.ID)
	}
	channel, err := e.store.FindChannelByName(ctx, req.ChannelName)
	if err != nil {
		return err
	}
	return e.join(ctx, s, channel.ID)
}

func (e *Engine) leaveChannel(_ context.Context, s Session, req models.LeaveChannelRequest) error {
	e.registry.LeaveChannel(s.ConnectionID, req.ChannelID)
	return nil
}

// getMessages joins the channel first when the connection is not in it yet.
func (e *Engine) getMessages(ctx context.Context, s Session, req models.GetMessagesRequest) error {
	channel, err := e.store.FindChannel(ctx, req.ChannelID)
	if err != nil {
		return err
	}
	if !e.registry.Joined(s.ConnectionID, channel.ID) {
		if err := e.join(ctx, s, channel.ID); err != nil {
			return err
		}
	}
	messages, err := e.store.ListByChannel(ctx, channel.ID)
	if err != nil {
		return err
	}
	e.emitter.Emit(s.ConnectionID, models.EventMessageHistory, messages)
	return nil
}

func (e *Engine) getPrivateMessages(ctx context.Context, s Session, req models.GetPrivateMessagesRequest) error {
	if s.UserID != req.SenderID && s.UserID != req.RecipientID {
		return fmt.Errorf("%w: not a participant of this conversation", common.ErrForbidden)
	}
	messages, err := e.PrivateHistory(ctx, req.SenderID, req.RecipientID)
	if err != nil {
		return err
	}
	e.emitter.Emit(s.ConnectionID, models.EventPrivateMessageHistory, messages)
	return nil
}

func (e *Engine) sendMessage(ctx context.Context, s Session, req models.SendMessageRequest) error {
	if req.SenderID != s.UserID {
		return fmt.Errorf("%w: senderId does not match the connected user", common.ErrForbidden)
	}
	_, err := e.SendMessage(ctx, req)
	return err
}

func (e *Engine) updateMessage(ctx context.Context, s Session, req models.UpdateMessageRequest) error {
	if req.SenderID != s.UserID {
		return fmt.Errorf("%w: senderId does not match the connected user", common.ErrForbidden)
	}
	_, err := e.EditMessage(ctx, req)
	return err
}

func (e *Engine) deleteMessage(ctx context.Context, s Session, req models.DeleteMessageRequest) error {
	if req.SenderID != s.UserID {
		return fmt.Errorf("%w: senderId does not match the connected user", common.ErrForbidden)
	}
	return e.DeleteMessage(ctx, req)
}

func (e *Engine) listChannels(ctx context.Context, s Session) error {
	channels, err := e.store.ListChannels(ctx)
	if err != nil {
		return err
	}
	e.emitter.Emit(s.ConnectionID, models.EventChannelsList, channels)
	return nil
}

func (e *Engine) listUsers(ctx context.Context, s Session) error {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	e.emitter.Emit(s.ConnectionID, models.EventUsersList, users)
	return nil
}

// join persists the membership and joins the connection in the registry.
// A connection unknown to the registry is registered again from the session
// identity; the transport only calls this from the connection's own read
// loop, which has not disconnected yet.
func (e *Engine) join(ctx context.Context, s Session, channelID int64) error {
	if err := e.store.AddMember(ctx, channelID, s.UserID); err != nil {
		return err
	}
	err := e.registry.JoinChannel(s.ConnectionID, channelID)
	if !errors.Is(err, common.ErrUnknownConnection) {
		return err
	}

	e.log.Warn("Registry out of sync, registering connection again", "conn", s.ConnectionID, "user_id", s.UserID)
	if err := e.registry.Register(s.ConnectionID, s.UserID, s.Nickname); err != nil && !errors.Is(err, common.ErrDuplicateConnection) {
		return err
	}
	return e.registry.JoinChannel(s.ConnectionID, channelID)
}
