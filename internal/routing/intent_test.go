package routing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tuyu/internal/common"
	"tuyu/internal/models"
)

func TestParseSend(t *testing.T) {
	tests := []struct {
		name    string
		req     models.SendMessageRequest
		want    SendIntent
		wantErr bool
	}{
		{
			name: "channel",
			req:  models.SendMessageRequest{SenderID: 1, Content: "hi", ChannelID: ptr(5)},
			want: ChannelSend{SenderID: 1, ChannelID: 5, Content: "hi"},
		},
		{
			name: "private",
			req:  models.SendMessageRequest{SenderID: 1, Content: "hi", RecipientID: ptr(2)},
			want: PrivateSend{SenderID: 1, RecipientID: 2, Content: "hi"},
		},
		{name: "both", req: models.SendMessageRequest{SenderID: 1, Content: "hi", ChannelID: ptr(5), RecipientID: ptr(2)}, wantErr: true},
		{name: "neither", req: models.SendMessageRequest{SenderID: 1, Content: "hi"}, wantErr: true},
		{name: "empty", req: models.SendMessageRequest{SenderID: 1, ChannelID: ptr(5)}, wantErr: true},
		{name: "whitespace", req: models.SendMessageRequest{SenderID: 1, Content: "\n\t ", ChannelID: ptr(5)}, wantErr: true},
		{name: "no sender", req: models.SendMessageRequest{Content: "hi", ChannelID: ptr(5)}, wantErr: true},
		{name: "negative channel", req: models.SendMessageRequest{SenderID: 1, Content: "hi", ChannelID: ptr(-3)}, wantErr: true},
		{name: "too long", req: models.SendMessageRequest{SenderID: 1, Content: strings.Repeat("é", 11), ChannelID: ptr(5)}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSend(tc.req, 10)
			if tc.wantErr {
				require.True(t, errors.Is(err, common.ErrValidation), "got %v", err)
				require.Nil(t, got)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseSend_FieldNamesUseWireNames(t *testing.T) {
	_, err := ParseSend(models.SendMessageRequest{ChannelID: ptr(5)}, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "senderId is required")
	require.Contains(t, err.Error(), "content is required")
}

func TestIntent_Message(t *testing.T) {
	sender := models.User{ID: 1, Nickname: "alice"}

	msg := ChannelSend{SenderID: 1, ChannelID: 5, Content: "hi"}.Message(sender)
	require.Equal(t, "alice", msg.SenderNickname)
	require.Equal(t, int64(5), *msg.ChannelID)
	require.Nil(t, msg.RecipientID)
	require.False(t, msg.IsPrivate())

	msg = PrivateSend{SenderID: 1, RecipientID: 2, Content: "hi"}.Message(sender)
	require.Nil(t, msg.ChannelID)
	require.True(t, msg.IsPrivate())
}
