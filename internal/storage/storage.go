package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"tuyu/internal/common"
	"tuyu/internal/models"
	"tuyu/internal/storage/migrations"
)

var storageLogger = slog.With("component", "storage")

const messageColumns = `m.id, m.sender_id, u.nickname, m.content, m.channel_id, m.recipient_id, m.timestamp`

// PostgresStore is the Store backed by PostgreSQL through lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a handle to the database at connStr. Connections are
// made lazily by database/sql.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// RunMigrations applies the embedded goose migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	storageLogger.Info("Migrations applied")
	return nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	query := `INSERT INTO messages (sender_id, content, channel_id, recipient_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, timestamp`

	err := s.db.QueryRowContext(ctx, query,
		msg.SenderID, msg.Content, nullID(msg.ChannelID), nullID(msg.RecipientID),
	).Scan(&msg.ID, &msg.Timestamp)
	if err != nil {
		return models.Message{}, fmt.Errorf("db error: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListByChannel(ctx context.Context, channelID int64) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.channel_id = $1
		ORDER BY m.timestamp ASC, m.id ASC`
	return s.queryMessages(ctx, query, channelID)
}

func (s *PostgresStore) ListPrivate(ctx context.Context, userA, userB int64) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.channel_id IS NULL
		  AND ((m.sender_id = $1 AND m.recipient_id = $2) OR (m.sender_id = $2 AND m.recipient_id = $1))
		ORDER BY m.timestamp ASC, m.id ASC`
	return s.queryMessages(ctx, query, userA, userB)
}

func (s *PostgresStore) FindMessage(ctx context.Context, id int64) (models.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, fmt.Errorf("message %d: %w", id, common.ErrNotFound)
		}
		return models.Message{}, fmt.Errorf("db error: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, id int64, content string) (models.Message, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = $2 WHERE id = $1`, id, content)
	if err != nil {
		return models.Message{}, fmt.Errorf("db error: %w", err)
	}
	if err := expectAffected(res, "message", id); err != nil {
		return models.Message{}, err
	}
	return s.FindMessage(ctx, id)
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectAffected(res, "message", id)
}

func (s *PostgresStore) CreateUser(ctx context.Context, nickname string) (models.User, error) {
	user := models.User{Nickname: nickname}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (nickname) VALUES ($1) RETURNING id`, nickname,
	).Scan(&user.ID)
	if err != nil {
		return models.User{}, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) FindUser(ctx context.Context, id int64) (models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, nickname FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &user.Nickname)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, fmt.Errorf("user %d: %w", id, common.ErrNotFound)
		}
		return models.User{}, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) FindUserByNickname(ctx context.Context, nickname string) (models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, nickname FROM users WHERE nickname = $1 ORDER BY id LIMIT 1`, nickname,
	).Scan(&user.ID, &user.Nickname)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, fmt.Errorf("user %q: %w", nickname, common.ErrNotFound)
		}
		return models.User{}, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.queryUsers(ctx, `SELECT id, nickname FROM users ORDER BY id`)
}

func (s *PostgresStore) CreateChannel(ctx context.Context, name string) (models.Channel, error) {
	channel := models.Channel{Name: name}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO channels (name) VALUES ($1) RETURNING id`, name,
	).Scan(&channel.ID)
	if err != nil {
		return models.Channel{}, fmt.Errorf("db error: %w", err)
	}
	return channel, nil
}

func (s *PostgresStore) FindChannel(ctx context.Context, id int64) (models.Channel, error) {
	var channel models.Channel
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM channels WHERE id = $1`, id,
	).Scan(&channel.ID, &channel.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Channel{}, fmt.Errorf("channel %d: %w", id, common.ErrNotFound)
		}
		return models.Channel{}, fmt.Errorf("db error: %w", err)
	}
	return channel, nil
}

func (s *PostgresStore) FindChannelByName(ctx context.Context, name string) (models.Channel, error) {
	var channel models.Channel
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM channels WHERE name = $1`, name,
	).Scan(&channel.ID, &channel.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Channel{}, fmt.Errorf("channel %q: %w", name, common.ErrNotFound)
		}
		return models.Channel{}, fmt.Errorf("db error: %w", err)
	}
	return channel, nil
}

func (s *PostgresStore) ListChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		var c models.Channel
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (s *PostgresStore) AddMember(ctx context.Context, channelID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		channelID, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) ChannelMembers(ctx context.Context, channelID int64) ([]models.User, error) {
	return s.queryUsers(ctx,
		`SELECT u.id, u.nickname FROM channel_members cm JOIN users u ON u.id = cm.user_id
		 WHERE cm.channel_id = $1 ORDER BY u.id`, channelID)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) queryUsers(ctx context.Context, query string, args ...any) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Nickname); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		m         models.Message
		channel   sql.NullInt64
		recipient sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.SenderID, &m.SenderNickname, &m.Content, &channel, &recipient, &m.Timestamp); err != nil {
		return models.Message{}, err
	}
	if channel.Valid {
		m.ChannelID = &channel.Int64
	}
	if recipient.Valid {
		m.RecipientID = &recipient.Int64
	}
	return m, nil
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func expectAffected(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, common.ErrNotFound)
	}
	return nil
}
