package storage

import (
	"context"

	"tuyu/internal/models"
)

// Store is the durable side of the chat: users, channels, memberships and
// messages. Lookups of missing rows return an error wrapping common.ErrNotFound.
// History listings are ordered by ascending timestamp and never fail on an
// empty result.
type Store interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListByChannel(ctx context.Context, channelID int64) ([]models.Message, error)
	ListPrivate(ctx context.Context, userA, userB int64) ([]models.Message, error)
	FindMessage(ctx context.Context, id int64) (models.Message, error)
	UpdateMessage(ctx context.Context, id int64, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, id int64) error

	CreateUser(ctx context.Context, nickname string) (models.User, error)
	FindUser(ctx context.Context, id int64) (models.User, error)
	FindUserByNickname(ctx context.Context, nickname string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	CreateChannel(ctx context.Context, name string) (models.Channel, error)
	FindChannel(ctx context.Context, id int64) (models.Channel, error)
	FindChannelByName(ctx context.Context, name string) (models.Channel, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)

	// AddMember records a persistent channel membership; adding an existing
	// member is a no-op.
	AddMember(ctx context.Context, channelID, userID int64) error
	ChannelMembers(ctx context.Context, channelID int64) ([]models.User, error)

	Close() error
}
