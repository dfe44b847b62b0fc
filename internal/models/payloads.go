package models

type GetUsersInChannelRequest struct {
	Channel string `json:"channel" validate:"required"`
}

type UsersInChannel struct {
	Users []User `json:"users"`
}

// JoinChannelRequest carries a nickname for compatibility with existing
// clients; membership is always recorded for the connection's user id.
type JoinChannelRequest struct {
	ChannelName string `json:"channelName" validate:"required"`
	Nickname    string `json:"nickname"`
}

type LeaveChannelRequest struct {
	ChannelID int64 `json:"channelId" validate:"required,gt=0"`
}

type GetMessagesRequest struct {
	ChannelID int64 `json:"channelId" validate:"required,gt=0"`
}

type GetPrivateMessagesRequest struct {
	SenderID    int64 `json:"senderId" validate:"required,gt=0"`
	RecipientID int64 `json:"recipientId" validate:"required,gt=0"`
}

type SendMessageRequest struct {
	SenderID       int64  `json:"senderId" validate:"required,gt=0"`
	SenderNickname string `json:"senderNickname"`
	Content        string `json:"content" validate:"required"`
	ChannelID      *int64 `json:"channelId,omitempty" validate:"omitempty,gt=0"`
	RecipientID    *int64 `json:"recipientId,omitempty" validate:"omitempty,gt=0"`
}

type UpdateMessageRequest struct {
	ID       int64  `json:"id" validate:"required,gt=0"`
	SenderID int64  `json:"senderId" validate:"required,gt=0"`
	Content  string `json:"content" validate:"required"`
}

type DeleteMessageRequest struct {
	ID       int64 `json:"id" validate:"required,gt=0"`
	SenderID int64 `json:"senderId" validate:"required,gt=0"`
}

type MessageDeleted struct {
	ID          int64  `json:"id"`
	ChannelID   *int64 `json:"channelId,omitempty"`
	RecipientID *int64 `json:"recipientId,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
