package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"tuyu/internal/common"
	"tuyu/internal/models"
)

// Key layout. Ids are zero padded so that prefix scans return them in
// ascending order:
//
//	user:{id}                      -> User
//	chan:{id}                      -> Channel
//	channame:{name}                -> channel id
//	member:{channel}:{user}        -> empty
//	msg:{id}                       -> Message
//	cidx:{channel}:{msg}           -> empty
//	pidx:{lowUser}:{highUser}:{msg} -> empty
const (
	userPrefix     = "user:"
	channelPrefix  = "chan:"
	chanNamePrefix = "channame:"
	memberPrefix   = "member:"
	messagePrefix  = "msg:"
	channelIndex   = "cidx:"
	privateIndex   = "pidx:"
)

// BadgerStore is an embedded single-node Store. Message ids come from a
// badger sequence and timestamps are forced to be strictly increasing, so id
// order and timestamp order agree.
type BadgerStore struct {
	db *badger.DB

	mu       sync.Mutex
	lastTime time.Time

	msgSeq     *badger.Sequence
	userSeq    *badger.Sequence
	channelSeq *badger.Sequence
}

// NewBadgerStore opens a store at path; an empty path keeps everything in memory.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open error: %w", err)
	}

	s := &BadgerStore{db: db}
	for key, dst := range map[string]**badger.Sequence{
		"seq:msg":     &s.msgSeq,
		"seq:user":    &s.userSeq,
		"seq:channel": &s.channelSeq,
	} {
		seq, err := db.GetSequence([]byte(key), 64)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("badger sequence %s: %w", key, err)
		}
		*dst = seq
	}

	last, err := s.latestTimestamp()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.lastTime = last
	return s, nil
}

// latestTimestamp returns the timestamp of the newest stored message, so a
// reopened store keeps handing out increasing timestamps even if the clock
// moved back while it was closed.
func (s *BadgerStore) latestTimestamp() (time.Time, error) {
	var last time.Time
	prefix := []byte(messagePrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, Reverse: true})
		defer it.Close()

		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		var msg models.Message
		if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &msg) }); err != nil {
			return err
		}
		last = msg.Timestamp
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("badger error: %w", err)
	}
	return last, nil
}

func (s *BadgerStore) CreateMessage(_ context.Context, msg models.Message) (models.Message, error) {
	if (msg.ChannelID == nil) == (msg.RecipientID == nil) {
		return models.Message{}, fmt.Errorf("%w: message needs exactly one target", common.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := nextID(s.msgSeq)
	if err != nil {
		return models.Message{}, err
	}
	now := time.Now().UTC()
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Microsecond)
	}

	msg.ID = id
	msg.Timestamp = now
	value, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(id), value); err != nil {
			return err
		}
		return txn.Set(indexKey(msg), nil)
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("badger error: %w", err)
	}
	s.lastTime = now
	return msg, nil
}

func (s *BadgerStore) ListByChannel(_ context.Context, channelID int64) ([]models.Message, error) {
	return s.listIndexed(fmt.Sprintf("%s%020d:", channelIndex, channelID))
}

func (s *BadgerStore) ListPrivate(_ context.Context, userA, userB int64) ([]models.Message, error) {
	lo, hi := orderedPair(userA, userB)
	return s.listIndexed(fmt.Sprintf("%s%020d:%020d:", privateIndex, lo, hi))
}

func (s *BadgerStore) FindMessage(_ context.Context, id int64) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, messageKey(id), &msg)
	})
	if err != nil {
		return models.Message{}, notFound(err, "message %d", id)
	}
	return msg, nil
}

func (s *BadgerStore) UpdateMessage(_ context.Context, id int64, content string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, messageKey(id), &msg); err != nil {
			return err
		}
		msg.Content = content
		value, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return txn.Set(messageKey(id), value)
	})
	if err != nil {
		return models.Message{}, notFound(err, "message %d", id)
	}
	return msg, nil
}

func (s *BadgerStore) DeleteMessage(_ context.Context, id int64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var msg models.Message
		if err := getJSON(txn, messageKey(id), &msg); err != nil {
			return err
		}
		if err := txn.Delete(indexKey(msg)); err != nil {
			return err
		}
		return txn.Delete(messageKey(id))
	})
	return notFound(err, "message %d", id)
}

func (s *BadgerStore) CreateUser(_ context.Context, nickname string) (models.User, error) {
	id, err := nextID(s.userSeq)
	if err != nil {
		return models.User{}, err
	}
	user := models.User{ID: id, Nickname: nickname}
	err = s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(fmt.Sprintf("%s%020d", userPrefix, id)), user)
	})
	if err != nil {
		return models.User{}, fmt.Errorf("badger error: %w", err)
	}
	return user, nil
}

func (s *BadgerStore) FindUser(_ context.Context, id int64) (models.User, error) {
	var user models.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(fmt.Sprintf("%s%020d", userPrefix, id)), &user)
	})
	if err != nil {
		return models.User{}, notFound(err, "user %d", id)
	}
	return user, nil
}

func (s *BadgerStore) FindUserByNickname(ctx context.Context, nickname string) (models.User, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return models.User{}, err
	}
	for _, u := range users {
		if u.Nickname == nickname {
			return u, nil
		}
	}
	return models.User{}, fmt.Errorf("user %q: %w", nickname, common.ErrNotFound)
}

func (s *BadgerStore) ListUsers(_ context.Context) ([]models.User, error) {
	users := []models.User{}
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(userPrefix), func(value []byte) error {
			var u models.User
			if err := json.Unmarshal(value, &u); err != nil {
				return err
			}
			users = append(users, u)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badger error: %w", err)
	}
	return users, nil
}

func (s *BadgerStore) CreateChannel(_ context.Context, name string) (models.Channel, error) {
	id, err := nextID(s.channelSeq)
	if err != nil {
		return models.Channel{}, err
	}
	channel := models.Channel{ID: id, Name: name}
	err = s.db.Update(func(txn *badger.Txn) error {
		nameKey := []byte(chanNamePrefix + name)
		if _, err := txn.Get(nameKey); err == nil {
			return fmt.Errorf("channel %q already exists", name)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, []byte(fmt.Sprintf("%s%020d", channelPrefix, id)), channel); err != nil {
			return err
		}
		return setJSON(txn, nameKey, id)
	})
	if err != nil {
		return models.Channel{}, fmt.Errorf("badger error: %w", err)
	}
	return channel, nil
}

func (s *BadgerStore) FindChannel(_ context.Context, id int64) (models.Channel, error) {
	var channel models.Channel
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(fmt.Sprintf("%s%020d", channelPrefix, id)), &channel)
	})
	if err != nil {
		return models.Channel{}, notFound(err, "channel %d", id)
	}
	return channel, nil
}

func (s *BadgerStore) FindChannelByName(_ context.Context, name string) (models.Channel, error) {
	var channel models.Channel
	err := s.db.View(func(txn *badger.Txn) error {
		var id int64
		if err := getJSON(txn, []byte(chanNamePrefix+name), &id); err != nil {
			return err
		}
		return getJSON(txn, []byte(fmt.Sprintf("%s%020d", channelPrefix, id)), &channel)
	})
	if err != nil {
		return models.Channel{}, notFound(err, "channel %q", name)
	}
	return channel, nil
}

func (s *BadgerStore) ListChannels(_ context.Context) ([]models.Channel, error) {
	channels := []models.Channel{}
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(channelPrefix), func(value []byte) error {
			var c models.Channel
			if err := json.Unmarshal(value, &c); err != nil {
				return err
			}
			channels = append(channels, c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badger error: %w", err)
	}
	return channels, nil
}

func (s *BadgerStore) AddMember(_ context.Context, channelID, userID int64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(fmt.Sprintf("%s%020d:%020d", memberPrefix, channelID, userID)), nil)
	})
	if err != nil {
		return fmt.Errorf("badger error: %w", err)
	}
	return nil
}

func (s *BadgerStore) ChannelMembers(_ context.Context, channelID int64) ([]models.User, error) {
	prefix := []byte(fmt.Sprintf("%s%020d:", memberPrefix, channelID))
	users := []models.User{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var userID int64
			if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%d", &userID); err != nil {
				return err
			}
			var u models.User
			if err := getJSON(txn, []byte(fmt.Sprintf("%s%020d", userPrefix, userID)), &u); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			users = append(users, u)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger error: %w", err)
	}
	return users, nil
}

func (s *BadgerStore) Close() error {
	for _, seq := range []*badger.Sequence{s.msgSeq, s.userSeq, s.channelSeq} {
		if seq != nil {
			_ = seq.Release()
		}
	}
	return s.db.Close()
}

func (s *BadgerStore) listIndexed(prefix string) ([]models.Message, error) {
	messages := []models.Message{}
	p := []byte(prefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: p})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(p); it.Next() {
			key := string(it.Item().Key())
			idPart := key[strings.LastIndexByte(key, ':')+1:]
			var msg models.Message
			if err := getJSON(txn, []byte(messagePrefix+idPart), &msg); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger error: %w", err)
	}
	return messages, nil
}

func messageKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", messagePrefix, id))
}

func indexKey(msg models.Message) []byte {
	if msg.ChannelID != nil {
		return []byte(fmt.Sprintf("%s%020d:%020d", channelIndex, *msg.ChannelID, msg.ID))
	}
	lo, hi := orderedPair(msg.SenderID, *msg.RecipientID)
	return []byte(fmt.Sprintf("%s%020d:%020d:%020d", privateIndex, lo, hi, msg.ID))
}

func orderedPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

func nextID(seq *badger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("badger sequence error: %w", err)
	}
	return int64(n) + 1, nil
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(value []byte) error {
		return json.Unmarshal(value, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, value)
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(value []byte) error) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", what, common.ErrNotFound)
	}
	return fmt.Errorf("badger error: %s: %w", what, err)
}
