// Package chatservice exposes the routing engine over gRPC.
//
// Requests and responses are google.protobuf.Struct values carrying the same
// JSON shapes as the websocket events, so no generated stubs are needed.
package chatservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"tuyu/internal/common"
	"tuyu/internal/models"
	"tuyu/internal/routing"
)

var serviceLogger = slog.With("component", "chatservice")

// Backend is the part of the routing engine the service calls.
type Backend interface {
	SendMessage(ctx context.Context, req models.SendMessageRequest) (models.Message, error)
	EditMessage(ctx context.Context, req models.UpdateMessageRequest) (models.Message, error)
	DeleteMessage(ctx context.Context, req models.DeleteMessageRequest) error
	ChannelHistory(ctx context.Context, channelID int64) ([]models.Message, error)
	PrivateHistory(ctx context.Context, userA, userB int64) ([]models.Message, error)
	Channels(ctx context.Context) ([]models.Channel, error)
}

// ChatService implements ChatServiceServer on top of the routing engine.
type ChatService struct {
	backend Backend
}

func NewChatService(backend Backend) *ChatService {
	return &ChatService{backend: backend}
}

// SendMessage persists a message and fans it out to live websocket
// connections exactly like a sendMessage event.
func (s *ChatService) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[models.SendMessageRequest](in)
	if err != nil {
		return nil, err
	}
	msg, err := s.backend.SendMessage(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	serviceLogger.Info("Message sent", "message_id", msg.ID, "sender_id", msg.SenderID)
	return encode(msg)
}

func (s *ChatService) GetMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[models.GetMessagesRequest](in)
	if err != nil {
		return nil, err
	}
	messages, err := s.backend.ChannelHistory(ctx, req.ChannelID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(MessageList{Messages: messages})
}

func (s *ChatService) GetPrivateMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[models.GetPrivateMessagesRequest](in)
	if err != nil {
		return nil, err
	}
	messages, err := s.backend.PrivateHistory(ctx, req.SenderID, req.RecipientID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(MessageList{Messages: messages})
}

func (s *ChatService) ListChannels(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	channels, err := s.backend.Channels(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(ChannelList{Channels: channels})
}

func (s *ChatService) EditMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[models.UpdateMessageRequest](in)
	if err != nil {
		return nil, err
	}
	msg, err := s.backend.EditMessage(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(msg)
}

func (s *ChatService) DeleteMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[models.DeleteMessageRequest](in)
	if err != nil {
		return nil, err
	}
	if err := s.backend.DeleteMessage(ctx, req); err != nil {
		return nil, toStatus(err)
	}
	return encode(models.MessageDeleted{ID: req.ID})
}

type MessageList struct {
	Messages []models.Message `json:"messages"`
}

type ChannelList struct {
	Channels []models.Channel `json:"channels"`
}

// decode reads a Struct into a request type and validates it.
func decode[T any](in *structpb.Struct) (T, error) {
	var req T
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return req, status.Error(codes.InvalidArgument, "malformed request")
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if err := routing.Validate(req); err != nil {
		return req, toStatus(err)
	}
	return req, nil
}

// Encode turns any JSON-shaped value into a Struct.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

// Decode is the inverse of Encode.
func Decode(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return json.Unmarshal(data, v)
}

func encode(v any) (*structpb.Struct, error) {
	out, err := Encode(v)
	if err != nil {
		serviceLogger.Error("Failed to encode response", "error", err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, common.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, common.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		serviceLogger.Error("Request failed", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}
