package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"tuyu/internal/common"
	"tuyu/internal/models"
)

func newStoreWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgres_CreateMessage_Channel(t *testing.T) {
	req := require.New(t)
	store, mock := newStoreWithMock(t)
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	channelID := int64(5)

	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+messages\s*\(sender_id,\s*content,\s*channel_id,\s*recipient_id\).*RETURNING\s+id,\s*timestamp$`).
		WithArgs(int64(1), "hi", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "timestamp"}).AddRow(int64(42), at))

	got, err := store.CreateMessage(context.Background(), models.Message{
		SenderID: 1, Content: "hi", ChannelID: &channelID,
	})
	req.NoError(err)
	req.Equal(int64(42), got.ID)
	req.Equal(at, got.Timestamp)
	req.Equal(channelID, *got.ChannelID)
	req.Nil(got.RecipientID)
	req.NoError(mock.ExpectationsWereMet())
}

func TestPostgres_CreateMessage_DBError(t *testing.T) {
	store, mock := newStoreWithMock(t)
	recipient := int64(2)

	mock.ExpectQuery(`INSERT\s+INTO\s+messages`).
		WillReturnError(errors.New("db down"))

	_, err := store.CreateMessage(context.Background(), models.Message{SenderID: 1, Content: "x", RecipientID: &recipient})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestPostgres_ListByChannel_Ordered(t *testing.T) {
	req := require.New(t)
	store, mock := newStoreWithMock(t)
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "sender_id", "nickname", "content", "channel_id", "recipient_id", "timestamp"}).
		AddRow(int64(1), int64(1), "alice", "first", int64(5), nil, at).
		AddRow(int64(2), int64(2), "bob", "second", int64(5), nil, at.Add(time.Second))
	mock.ExpectQuery(`(?s)WHERE\s+m\.channel_id\s*=\s*\$1\s+ORDER\s+BY\s+m\.timestamp\s+ASC,\s*m\.id\s+ASC`).
		WithArgs(int64(5)).
		WillReturnRows(rows)

	got, err := store.ListByChannel(context.Background(), 5)
	req.NoError(err)
	req.Len(got, 2)
	req.Equal("first", got[0].Content)
	req.Equal("alice", got[0].SenderNickname)
	req.Equal(int64(5), *got[1].ChannelID)
	req.Nil(got[1].RecipientID)
}

func TestPostgres_ListPrivate_EmptyIsNotAnError(t *testing.T) {
	req := require.New(t)
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(`(?s)m\.channel_id\s+IS\s+NULL`).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "nickname", "content", "channel_id", "recipient_id", "timestamp"}))

	got, err := store.ListPrivate(context.Background(), 1, 2)
	req.NoError(err)
	req.NotNil(got)
	req.Empty(got)
}

func TestPostgres_FindUser_NotFound(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(`SELECT\s+id,\s*nickname\s+FROM\s+users\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err := store.FindUser(context.Background(), 9)
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want common.ErrNotFound, got %v", err)
	}
}

func TestPostgres_FindChannelByName(t *testing.T) {
	req := require.New(t)
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(`SELECT\s+id,\s*name\s+FROM\s+channels\s+WHERE\s+name\s*=\s*\$1`).
		WithArgs("general").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(3), "general"))

	got, err := store.FindChannelByName(context.Background(), "general")
	req.NoError(err)
	req.Equal(models.Channel{ID: 3, Name: "general"}, got)
}

func TestPostgres_AddMember_IgnoresConflicts(t *testing.T) {
	req := require.New(t)
	store, mock := newStoreWithMock(t)

	mock.ExpectExec(`INSERT\s+INTO\s+channel_members.*ON\s+CONFLICT\s+DO\s+NOTHING`).
		WithArgs(int64(3), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	req.NoError(store.AddMember(context.Background(), 3, 1))
	req.NoError(mock.ExpectationsWereMet())
}

func TestPostgres_DeleteMessage_Missing(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectExec(`DELETE\s+FROM\s+messages\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs(int64(77)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteMessage(context.Background(), 77)
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want common.ErrNotFound, got %v", err)
	}
}

func TestPostgres_UpdateMessage(t *testing.T) {
	req := require.New(t)
	store, mock := newStoreWithMock(t)
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE\s+messages\s+SET\s+content\s*=\s*\$2\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs(int64(4), "edited").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`(?s)WHERE\s+m\.id\s*=\s*\$1`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "nickname", "content", "channel_id", "recipient_id", "timestamp"}).
			AddRow(int64(4), int64(1), "alice", "edited", nil, int64(2), at))

	got, err := store.UpdateMessage(context.Background(), 4, "edited")
	req.NoError(err)
	req.Equal("edited", got.Content)
	req.True(got.IsPrivate())
	req.NoError(mock.ExpectationsWereMet())
}
