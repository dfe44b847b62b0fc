package routing

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"tuyu/internal/common"
	"tuyu/internal/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SendIntent is a validated sendMessage request: either a ChannelSend or a
// PrivateSend.
type SendIntent interface {
	Sender() int64
	Message(sender models.User) models.Message
	isSendIntent()
}

// ChannelSend is a message to every live member of a channel.
type ChannelSend struct {
	SenderID  int64
	ChannelID int64
	Content   string
}

// PrivateSend is a message between two users.
type PrivateSend struct {
	SenderID    int64
	RecipientID int64
	Content     string
}

func (c ChannelSend) Sender() int64 { return c.SenderID }
func (p PrivateSend) Sender() int64 { return p.SenderID }

func (ChannelSend) isSendIntent() {}
func (PrivateSend) isSendIntent() {}

func (c ChannelSend) Message(sender models.User) models.Message {
	channelID := c.ChannelID
	return models.Message{
		SenderID:       sender.ID,
		SenderNickname: sender.Nickname,
		Content:        c.Content,
		ChannelID:      &channelID,
	}
}

func (p PrivateSend) Message(sender models.User) models.Message {
	recipientID := p.RecipientID
	return models.Message{
		SenderID:       sender.ID,
		SenderNickname: sender.Nickname,
		Content:        p.Content,
		RecipientID:    &recipientID,
	}
}

// ParseSend validates req and resolves its delivery target. A request with
// both or neither of channelId and recipientId is rejected. The client
// supplied senderNickname is ignored; the stored nickname is used instead.
func ParseSend(req models.SendMessageRequest, maxContentLength int) (SendIntent, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	if err := checkContent(req.Content, maxContentLength); err != nil {
		return nil, err
	}

	switch {
	case req.ChannelID != nil && req.RecipientID != nil:
		return nil, fmt.Errorf("%w: a message cannot target both a channel and a recipient", common.ErrValidation)
	case req.ChannelID != nil:
		return ChannelSend{SenderID: req.SenderID, ChannelID: *req.ChannelID, Content: req.Content}, nil
	case req.RecipientID != nil:
		return PrivateSend{SenderID: req.SenderID, RecipientID: *req.RecipientID, Content: req.Content}, nil
	default:
		return nil, fmt.Errorf("%w: a message needs a channelId or a recipientId", common.ErrValidation)
	}
}

func checkContent(content string, maxContentLength int) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content must not be empty", common.ErrValidation)
	}
	if maxContentLength > 0 && utf8.RuneCountInString(content) > maxContentLength {
		return fmt.Errorf("%w: content is too long (max %d characters)", common.ErrValidation, maxContentLength)
	}
	return nil
}

// Validate checks the validate tags of a request struct and reports failures
// with wire field names as an ErrValidation.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("%w: %s", common.ErrValidation, strings.Join(msgs, ", "))
}
