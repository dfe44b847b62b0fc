package grpcclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"tuyu/internal/chatservice"
	"tuyu/internal/models"
)

var clientLogger = slog.With("component", "grpc-client")

const callTimeout = 3 * time.Second

// ChatClient wraps a gRPC connection to the chat service.
type ChatClient struct {
	conn *grpc.ClientConn
}

func NewChatClient(address string, opts ...grpc.DialOption) (*ChatClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chat service: %w", err)
	}
	clientLogger.Debug("Chat service client created", "address", address)
	return &ChatClient{conn: conn}, nil
}

func (c *ChatClient) SendMessage(ctx context.Context, req models.SendMessageRequest) (models.Message, error) {
	var msg models.Message
	err := c.call(ctx, chatservice.MethodSendMessage, req, &msg)
	return msg, err
}

func (c *ChatClient) GetMessages(ctx context.Context, channelID int64) ([]models.Message, error) {
	var out chatservice.MessageList
	err := c.call(ctx, chatservice.MethodGetMessages, models.GetMessagesRequest{ChannelID: channelID}, &out)
	return out.Messages, err
}

func (c *ChatClient) GetPrivateMessages(ctx context.Context, userA, userB int64) ([]models.Message, error) {
	var out chatservice.MessageList
	req := models.GetPrivateMessagesRequest{SenderID: userA, RecipientID: userB}
	err := c.call(ctx, chatservice.MethodGetPrivateMessages, req, &out)
	return out.Messages, err
}

func (c *ChatClient) ListChannels(ctx context.Context) ([]models.Channel, error) {
	var out chatservice.ChannelList
	err := c.call(ctx, chatservice.MethodListChannels, struct{}{}, &out)
	return out.Channels, err
}

func (c *ChatClient) EditMessage(ctx context.Context, req models.UpdateMessageRequest) (models.Message, error) {
	var msg models.Message
	err := c.call(ctx, chatservice.MethodEditMessage, req, &msg)
	return msg, err
}

func (c *ChatClient) DeleteMessage(ctx context.Context, req models.DeleteMessageRequest) error {
	var out models.MessageDeleted
	return c.call(ctx, chatservice.MethodDeleteMessage, req, &out)
}

// Health checks that the service answers a read-only call.
func (c *ChatClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.ListChannels(ctx); err != nil {
		clientLogger.Error("Chat service health check failed", "error", err)
		return err
	}
	return nil
}

func (c *ChatClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *ChatClient) call(ctx context.Context, method string, req, resp any) error {
	in, err := chatservice.Encode(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	start := time.Now()
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, chatservice.FullMethod(method), in, out); err != nil {
		clientLogger.Debug("gRPC call failed", "method", method, "duration", time.Since(start), "error", err)
		return fmt.Errorf("grpc %s failed: %w", method, err)
	}
	return chatservice.Decode(out, resp)
}
