package storage

import (
	"context"
	"errors"

	"tuyu/internal/common"
)

// Seed creates the named users and channels that do not exist yet.
func Seed(ctx context.Context, store Store, users, channels []string) error {
	for _, nickname := range users {
		_, err := store.FindUserByNickname(ctx, nickname)
		if errors.Is(err, common.ErrNotFound) {
			_, err = store.CreateUser(ctx, nickname)
		}
		if err != nil {
			return err
		}
	}
	for _, name := range channels {
		_, err := store.FindChannelByName(ctx, name)
		if errors.Is(err, common.ErrNotFound) {
			_, err = store.CreateChannel(ctx, name)
		}
		if err != nil {
			return err
		}
	}
	storageLogger.Info("Store seeded", "users", len(users), "channels", len(channels))
	return nil
}
