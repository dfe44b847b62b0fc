package models

import (
	"encoding/json"
	"time"
)

// Message is the wire and storage shape of a chat message.
// Exactly one of ChannelID and RecipientID is set on a persisted message.
type Message struct {
	ID             int64     `json:"id,omitempty"`
	SenderID       int64     `json:"senderId"`
	SenderNickname string    `json:"senderNickname"`
	Content        string    `json:"content"`
	ChannelID      *int64    `json:"channelId,omitempty"`
	RecipientID    *int64    `json:"recipientId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// IsPrivate reports whether the message belongs to a private conversation.
func (m Message) IsPrivate() bool {
	return m.RecipientID != nil && m.ChannelID == nil
}

type User struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
}

type Channel struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Envelope is a single websocket frame in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// Client -> server events.
const (
	EventGetUsersInChannel  = "getUsersInChannel"
	EventJoinChannel        = "joinChannel"
	EventLeaveChannel       = "leaveChannel"
	EventGetMessages        = "getMessages"
	EventGetPrivateMessages = "getPrivateMessages"
	EventSendMessage        = "sendMessage"
	EventUpdateMessage      = "updateMessage"
	EventDeleteMessage      = "deleteMessage"
	EventListChannels       = "listChannels"
	EventListUsers          = "listUsers"
)

// Server -> client events.
const (
	EventUsersInChannel        = "usersInChannel"
	EventMessageHistory        = "messageHistory"
	EventPrivateMessageHistory = "privateMessageHistory"
	EventNewMessage            = "newMessage"
	EventPrivateMessage        = "privateMessage"
	EventMessageUpdated        = "messageUpdated"
	EventMessageDeleted        = "messageDeleted"
	EventChannelsList          = "channelsList"
	EventUsersList             = "usersList"
	EventError                 = "error"
)
