package routing

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"tuyu/internal/models"
	"tuyu/internal/presence"
	"tuyu/internal/storage"
)

type delivery struct {
	ConnID  string
	Event   string
	Payload any
}

type recorder struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (r *recorder) Emit(connID string, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{connID, event, payload})
}

func (r *recorder) byEvent(event string) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, d := range r.deliveries {
		if d.Event == event {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) to(connID string) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, d := range r.deliveries {
		if d.ConnID == connID {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}

type fixture struct {
	ctx      context.Context
	engine   *Engine
	registry *presence.Registry
	store    *storage.BadgerStore
	out      *recorder
	alice    models.User
	bob      models.User
	general  models.Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	req := require.New(t)
	ctx := context.Background()

	store, err := storage.NewBadgerStore("")
	req.NoError(err)
	t.Cleanup(func() { _ = store.Close() })

	alice, err := store.CreateUser(ctx, "alice")
	req.NoError(err)
	bob, err := store.CreateUser(ctx, "bob")
	req.NoError(err)
	general, err := store.CreateChannel(ctx, "general")
	req.NoError(err)

	registry := presence.NewRegistry()
	out := &recorder{}
	engine := NewEngine(registry, store, out, WithLogger(logs.GetLoggerFromLevel(slog.LevelDebug)))

	return &fixture{ctx: ctx, engine: engine, registry: registry, store: store, out: out,
		alice: alice, bob: bob, general: general}
}

func (f *fixture) connect(t *testing.T, connID string, user models.User) Session {
	t.Helper()
	s := Session{ConnectionID: connID, UserID: user.ID, Nickname: user.Nickname}
	require.NoError(t, f.engine.Connect(f.ctx, s))
	return s
}

func (f *fixture) send(t *testing.T, s Session, event string, payload any) {
	t.Helper()
	env, err := models.NewEnvelope(event, payload)
	require.NoError(t, err)
	f.engine.Handle(f.ctx, s, env)
}

func ptr(v int64) *int64 { return &v }

func TestEngine_ChannelMessage_FansOutToLiveMembers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Given alice (c1) and bob (c2) both joined the channel
	c1 := f.connect(t, "c1", f.alice)
	c2 := f.connect(t, "c2", f.bob)
	f.send(t, c1, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general", Nickname: "alice"})
	f.send(t, c2, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general", Nickname: "bob"})
	// And a third connection that has not joined
	f.connect(t, "c3", f.bob)
	req.Empty(f.out.byEvent(models.EventError))

	// When alice sends a message
	f.send(t, c1, models.EventSendMessage, models.SendMessageRequest{
		SenderID: f.alice.ID, SenderNickname: "alice", Content: "hi", ChannelID: ptr(f.general.ID),
	})

	// Then c1 and c2 receive it exactly once each
	got := f.out.byEvent(models.EventNewMessage)
	req.Len(got, 2)
	req.ElementsMatch([]string{"c1", "c2"}, []string{got[0].ConnID, got[1].ConnID})
	msg := got[0].Payload.(models.Message)
	req.Equal(f.alice.ID, msg.SenderID)
	req.Equal("hi", msg.Content)
	req.Equal(f.general.ID, *msg.ChannelID)
	req.NotZero(msg.ID)

	// And the store contains one row for the channel
	history, err := f.store.ListByChannel(f.ctx, f.general.ID)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(f.alice.ID, history[0].SenderID)
}

func TestEngine_PrivateMessage_AllConnectionsOfBothParties(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	c1 := f.connect(t, "c1", f.alice)
	f.connect(t, "c2", f.bob)
	f.connect(t, "c3", f.bob)
	carol, err := f.store.CreateUser(f.ctx, "carol")
	req.NoError(err)
	f.connect(t, "c4", carol)

	f.send(t, c1, models.EventSendMessage, models.SendMessageRequest{
		SenderID: f.alice.ID, Content: "psst", RecipientID: ptr(f.bob.ID),
	})

	got := f.out.byEvent(models.EventPrivateMessage)
	req.Len(got, 3)
	req.ElementsMatch([]string{"c1", "c2", "c3"}, []string{got[0].ConnID, got[1].ConnID, got[2].ConnID})
	req.Empty(f.out.to("c4"))
}

func TestEngine_SendMessage_RejectsBadTargets(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", f.alice)
	f.send(t, c1, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general"})

	tests := []struct {
		name string
		req  models.SendMessageRequest
	}{
		{"both targets", models.SendMessageRequest{SenderID: f.alice.ID, Content: "x", ChannelID: ptr(f.general.ID), RecipientID: ptr(f.bob.ID)}},
		{"no target", models.SendMessageRequest{SenderID: f.alice.ID, Content: "x"}},
		{"empty content", models.SendMessageRequest{SenderID: f.alice.ID, Content: "", ChannelID: ptr(f.general.ID)}},
		{"blank content", models.SendMessageRequest{SenderID: f.alice.ID, Content: "   ", ChannelID: ptr(f.general.ID)}},
		{"unknown channel", models.SendMessageRequest{SenderID: f.alice.ID, Content: "x", ChannelID: ptr(999)}},
		{"unknown recipient", models.SendMessageRequest{SenderID: f.alice.ID, Content: "x", RecipientID: ptr(999)}},
		{"spoofed sender", models.SendMessageRequest{SenderID: f.bob.ID, Content: "x", ChannelID: ptr(f.general.ID)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			f.out.reset()

			f.send(t, c1, models.EventSendMessage, tc.req)

			// Then only the sender gets an error and nothing is persisted or fanned out
			errs := f.out.byEvent(models.EventError)
			req.Len(errs, 1)
			req.Equal("c1", errs[0].ConnID)
			req.NotEmpty(errs[0].Payload.(models.ErrorPayload).Message)
			req.Empty(f.out.byEvent(models.EventNewMessage))
			req.Empty(f.out.byEvent(models.EventPrivateMessage))

			history, err := f.store.ListByChannel(f.ctx, f.general.ID)
			req.NoError(err)
			req.Empty(history)
		})
	}
}

func TestEngine_GetMessages_AutoJoinsAndReturnsHistory(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c1 := f.connect(t, "c1", f.alice)
	c2 := f.connect(t, "c2", f.bob)

	// Empty history is not an error
	f.send(t, c2, models.EventGetMessages, models.GetMessagesRequest{ChannelID: f.general.ID})
	history := f.out.byEvent(models.EventMessageHistory)
	req.Len(history, 1)
	req.Empty(history[0].Payload.([]models.Message))
	req.Empty(f.out.byEvent(models.EventError))

	// Viewing the channel joined bob automatically
	req.True(f.registry.Joined("c2", f.general.ID))
	members, err := f.store.ChannelMembers(f.ctx, f.general.ID)
	req.NoError(err)
	req.Equal([]models.User{f.bob}, members)

	// So a message from alice reaches bob live
	f.send(t, c1, models.EventGetMessages, models.GetMessagesRequest{ChannelID: f.general.ID})
	for _, content := range []string{"one", "two"} {
		f.send(t, c1, models.EventSendMessage, models.SendMessageRequest{SenderID: f.alice.ID, Content: content, ChannelID: ptr(f.general.ID)})
	}
	req.Len(f.out.byEvent(models.EventNewMessage), 4)

	// And history comes back in order to the requester only
	f.out.reset()
	f.send(t, c2, models.EventGetMessages, models.GetMessagesRequest{ChannelID: f.general.ID})
	history = f.out.byEvent(models.EventMessageHistory)
	req.Len(history, 1)
	req.Equal("c2", history[0].ConnID)
	msgs := history[0].Payload.([]models.Message)
	req.Len(msgs, 2)
	req.Equal("one", msgs[0].Content)
	req.Equal("two", msgs[1].Content)
}

func TestEngine_GetMessages_UnknownChannel(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c1 := f.connect(t, "c1", f.alice)

	f.send(t, c1, models.EventGetMessages, models.GetMessagesRequest{ChannelID: 404})

	errs := f.out.byEvent(models.EventError)
	req.Len(errs, 1)
	req.Contains(errs[0].Payload.(models.ErrorPayload).Message, "not found")
	req.False(f.registry.Joined("c1", 404))
}

func TestEngine_GetUsersInChannel(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c1 := f.connect(t, "c1", f.alice)
	c2 := f.connect(t, "c2", f.bob)

	f.send(t, c1, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general", Nickname: "alice"})
	f.send(t, c2, models.EventGetUsersInChannel, models.GetUsersInChannelRequest{Channel: "general"})

	got := f.out.byEvent(models.EventUsersInChannel)
	req.Len(got, 1)
	req.Equal("c2", got[0].ConnID)
	req.Equal([]models.User{f.alice}, got[0].Payload.(models.UsersInChannel).Users)

	f.send(t, c2, models.EventGetUsersInChannel, models.GetUsersInChannelRequest{Channel: "nope"})
	req.Len(f.out.byEvent(models.EventError), 1)
}

func TestEngine_JoinChannel_UsesSessionIdentity(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c1 := f.connect(t, "c1", f.alice)

	// A nickname belonging to someone else does not join that user
	f.send(t, c1, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general", Nickname: "bob"})

	members, err := f.store.ChannelMembers(f.ctx, f.general.ID)
	req.NoError(err)
	req.Equal([]models.User{f.alice}, members)
	req.Equal([]string{"c1"}, f.registry.MembersOf(f.general.ID))
}

func TestEngine_JoinChannel_Idempotent(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c1 := f.connect(t, "c1", f.alice)

	f.send(t, c1, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general"})
	f.send(t, c1, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general"})

	req.Equal([]string{"c1"}, f.registry.MembersOf(f.general.ID))
	members, err := f.store.ChannelMembers(f.ctx, f.general.ID)
	req.NoError(err)
	req.Len(members, 1)
}

func TestEngine_JoinChannel_ReRegistersUnknownConnection(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Given a session the registry never saw
	s := Session{ConnectionID: "lost", UserID: f.alice.ID, Nickname: f.alice.Nickname}

	f.send(t, s, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general"})

	req.Empty(f.out.byEvent(models.EventError))
	req.Equal([]string{"lost"}, f.registry.MembersOf(f.general.ID))
	entry, ok := f.registry.Lookup("lost")
	req.True(ok)
	req.Equal(f.alice.ID, entry.UserID)
}

func TestEngine_Disconnect_LeavesEveryChannel(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	random, err := f.store.CreateChannel(f.ctx, "random")
	req.NoError(err)
	c1 := f.connect(t, "c1", f.alice)
	f.send(t, c1, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general"})
	f.send(t, c1, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "random"})

	f.engine.Disconnect(f.ctx, "c1")
	f.engine.Disconnect(f.ctx, "c1")

	req.Empty(f.registry.MembersOf(f.general.ID))
	req.Empty(f.registry.MembersOf(random.ID))

	// Persistent membership survives but live fan-out skips the offline user
	c2 := f.connect(t, "c2", f.bob)
	f.send(t, c2, models.EventSendMessage, models.SendMessageRequest{SenderID: f.bob.ID, Content: "anyone?", ChannelID: ptr(f.general.ID)})
	req.Empty(f.out.to("c1"))
}

func TestEngine_Connect_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c1", f.alice)

	err := f.engine.Connect(f.ctx, Session{ConnectionID: "c1", UserID: f.bob.ID})
	require.Error(t, err)
}

func TestEngine_PrivateHistory(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c1 := f.connect(t, "c1", f.alice)
	c2 := f.connect(t, "c2", f.bob)

	f.send(t, c1, models.EventSendMessage, models.SendMessageRequest{SenderID: f.alice.ID, Content: "ping", RecipientID: ptr(f.bob.ID)})
	f.send(t, c2, models.EventSendMessage, models.SendMessageRequest{SenderID: f.bob.ID, Content: "pong", RecipientID: ptr(f.alice.ID)})
	f.out.reset()

	f.send(t, c2, models.EventGetPrivateMessages, models.GetPrivateMessagesRequest{SenderID: f.bob.ID, RecipientID: f.alice.ID})

	got := f.out.byEvent(models.EventPrivateMessageHistory)
	req.Len(got, 1)
	req.Equal("c2", got[0].ConnID)
	msgs := got[0].Payload.([]models.Message)
	req.Len(msgs, 2)
	req.Equal("ping", msgs[0].Content)
	req.Equal("pong", msgs[1].Content)

	// Outsiders cannot read the conversation
	carol, _ := f.store.CreateUser(f.ctx, "carol")
	c3 := f.connect(t, "c3", carol)
	f.send(t, c3, models.EventGetPrivateMessages, models.GetPrivateMessagesRequest{SenderID: f.bob.ID, RecipientID: f.alice.ID})
	req.Len(f.out.byEvent(models.EventError), 1)
}

func TestEngine_EditAndDelete(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c1 := f.connect(t, "c1", f.alice)
	c2 := f.connect(t, "c2", f.bob)
	f.send(t, c1, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general"})
	f.send(t, c2, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general"})

	msg, err := f.engine.SendMessage(f.ctx, models.SendMessageRequest{SenderID: f.alice.ID, Content: "typo", ChannelID: ptr(f.general.ID)})
	req.NoError(err)

	// Bob cannot edit alice's message
	f.send(t, c2, models.EventUpdateMessage, models.UpdateMessageRequest{ID: msg.ID, SenderID: f.bob.ID, Content: "hacked"})
	req.Len(f.out.byEvent(models.EventError), 1)
	req.Empty(f.out.byEvent(models.EventMessageUpdated))

	f.send(t, c1, models.EventUpdateMessage, models.UpdateMessageRequest{ID: msg.ID, SenderID: f.alice.ID, Content: "fixed"})
	updated := f.out.byEvent(models.EventMessageUpdated)
	req.Len(updated, 2)
	req.Equal("fixed", updated[0].Payload.(models.Message).Content)

	f.send(t, c1, models.EventDeleteMessage, models.DeleteMessageRequest{ID: msg.ID, SenderID: f.alice.ID})
	deleted := f.out.byEvent(models.EventMessageDeleted)
	req.Len(deleted, 2)
	req.Equal(msg.ID, deleted[0].Payload.(models.MessageDeleted).ID)

	history, err := f.store.ListByChannel(f.ctx, f.general.ID)
	req.NoError(err)
	req.Empty(history)
}

func TestEngine_ListChannelsAndUsers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c1 := f.connect(t, "c1", f.alice)

	f.engine.Handle(f.ctx, c1, models.Envelope{Event: models.EventListChannels})
	f.engine.Handle(f.ctx, c1, models.Envelope{Event: models.EventListUsers})

	channels := f.out.byEvent(models.EventChannelsList)
	req.Len(channels, 1)
	req.Equal([]models.Channel{f.general}, channels[0].Payload.([]models.Channel))
	users := f.out.byEvent(models.EventUsersList)
	req.Len(users, 1)
	req.Equal([]models.User{f.alice, f.bob}, users[0].Payload.([]models.User))
}

func TestEngine_Handle_MalformedAndUnknown(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c1 := f.connect(t, "c1", f.alice)

	f.engine.Handle(f.ctx, c1, models.Envelope{Event: models.EventSendMessage, Data: json.RawMessage(`{"senderId":"x"`)})
	f.engine.Handle(f.ctx, c1, models.Envelope{Event: "typing"})

	req.Len(f.out.byEvent(models.EventError), 2)
}

func TestEngine_ConcurrentSendersAndJoins(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c1 := f.connect(t, "c1", f.alice)
	f.send(t, c1, models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general"})

	join, err := models.NewEnvelope(models.EventJoinChannel, models.JoinChannelRequest{ChannelName: "general"})
	req.NoError(err)

	errs := make(chan error, 20)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.engine.SendMessage(f.ctx, models.SendMessageRequest{SenderID: f.alice.ID, Content: "load", ChannelID: ptr(f.general.ID)})
			errs <- err
		}()
		go func(i int) {
			defer wg.Done()
			s := Session{ConnectionID: "tmp-" + string(rune('a'+i)), UserID: f.bob.ID, Nickname: "bob"}
			errs <- f.engine.Connect(f.ctx, s)
			f.engine.Handle(f.ctx, s, join)
			f.engine.Disconnect(f.ctx, s.ConnectionID)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	req.Equal([]string{"c1"}, f.registry.MembersOf(f.general.ID))
	req.Len(f.out.to("c1"), 10)
	history, err := f.store.ListByChannel(f.ctx, f.general.ID)
	req.NoError(err)
	req.Len(history, 10)
}
