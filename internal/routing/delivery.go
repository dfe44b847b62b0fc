package routing

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"tuyu/internal/common"
	"tuyu/internal/models"
)

// SendMessage validates, persists and fans out one message. Nothing is
// persisted when validation or a lookup fails. The sender gets its own copy
// through the same fan-out as everyone else.
func (e *Engine) SendMessage(ctx context.Context, req models.SendMessageRequest) (models.Message, error) {
	intent, err := ParseSend(req, e.maxContentLength)
	if err != nil {
		return models.Message{}, err
	}

	sender, err := e.store.FindUser(ctx, intent.Sender())
	if err != nil {
		return models.Message{}, err
	}
	switch in := intent.(type) {
	case ChannelSend:
		if _, err := e.store.FindChannel(ctx, in.ChannelID); err != nil {
			return models.Message{}, err
		}
	case PrivateSend:
		if _, err := e.store.FindUser(ctx, in.RecipientID); err != nil {
			return models.Message{}, err
		}
	}

	msg, err := e.store.CreateMessage(ctx, intent.Message(sender))
	if err != nil {
		return models.Message{}, fmt.Errorf("persist message: %w", err)
	}

	event := models.EventNewMessage
	if msg.IsPrivate() {
		event = models.EventPrivateMessage
	}
	delivered := e.fanOut(msg, event, msg)
	e.log.Info("Message routed", "message_id", msg.ID, "sender_id", msg.SenderID, "event", event, "deliveries", delivered)
	return msg, nil
}

// EditMessage replaces the content of a message owned by req.SenderID and
// notifies the message's audience.
func (e *Engine) EditMessage(ctx context.Context, req models.UpdateMessageRequest) (models.Message, error) {
	if err := checkContent(req.Content, e.maxContentLength); err != nil {
		return models.Message{}, err
	}
	if _, err := e.ownedMessage(ctx, req.ID, req.SenderID); err != nil {
		return models.Message{}, err
	}
	msg, err := e.store.UpdateMessage(ctx, req.ID, req.Content)
	if err != nil {
		return models.Message{}, err
	}
	e.fanOut(msg, models.EventMessageUpdated, msg)
	return msg, nil
}

func (e *Engine) DeleteMessage(ctx context.Context, req models.DeleteMessageRequest) error {
	msg, err := e.ownedMessage(ctx, req.ID, req.SenderID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteMessage(ctx, msg.ID); err != nil {
		return err
	}
	e.fanOut(msg, models.EventMessageDeleted, models.MessageDeleted{
		ID:          msg.ID,
		ChannelID:   msg.ChannelID,
		RecipientID: msg.RecipientID,
	})
	return nil
}

// ChannelHistory returns the persisted messages of an existing channel.
func (e *Engine) ChannelHistory(ctx context.Context, channelID int64) ([]models.Message, error) {
	if _, err := e.store.FindChannel(ctx, channelID); err != nil {
		return nil, err
	}
	return e.store.ListByChannel(ctx, channelID)
}

// PrivateHistory returns the conversation between two existing users.
func (e *Engine) PrivateHistory(ctx context.Context, userA, userB int64) ([]models.Message, error) {
	for _, id := range []int64{userA, userB} {
		if _, err := e.store.FindUser(ctx, id); err != nil {
			return nil, err
		}
	}
	return e.store.ListPrivate(ctx, userA, userB)
}

func (e *Engine) Channels(ctx context.Context) ([]models.Channel, error) {
	return e.store.ListChannels(ctx)
}

func (e *Engine) ownedMessage(ctx context.Context, id, senderID int64) (models.Message, error) {
	msg, err := e.store.FindMessage(ctx, id)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != senderID {
		return models.Message{}, fmt.Errorf("%w: message %d belongs to another user", common.ErrForbidden, id)
	}
	return msg, nil
}

// audience is the set of connections that see msg: live members of its
// channel, or every connection of both private participants.
func (e *Engine) audience(msg models.Message) []string {
	if msg.ChannelID != nil {
		return e.registry.MembersOf(*msg.ChannelID)
	}
	return lo.Union(
		e.registry.ConnectionsOf(msg.SenderID),
		e.registry.ConnectionsOf(*msg.RecipientID),
	)
}

func (e *Engine) fanOut(msg models.Message, event string, payload any) int {
	targets := e.audience(msg)
	for _, connID := range targets {
		e.emitter.Emit(connID, event, payload)
	}
	return len(targets)
}
