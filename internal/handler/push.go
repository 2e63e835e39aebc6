package handler

import (
	"context"

	"github.com/goevery/relay/internal/broadcaster"
	"github.com/goevery/relay/internal/event"
)

type PushRequest struct {
	ConversationId string `json:"-" validate:"required,max=128,resource_id"`
	MessageId      string `json:"message_id" validate:"required,max=128,resource_id"`
	SenderId       string `json:"sender_id" validate:"required,max=128"`
	Body           string `json:"body" validate:"max=65536"`
}

type PushResponse struct {
	Delivered int `json:"delivered"`
}

type PushHandlerInterface interface {
	Handle(ctx context.Context, req PushRequest) (PushResponse, error)
}

// PushHandler announces a message that was already persisted elsewhere to
// the conversation's live members.
type PushHandler struct {
	validator   *Validator
	broadcaster *broadcaster.Broadcaster
}

func NewPushHandler(
	validator *Validator,
	broadcaster *broadcaster.Broadcaster,
) *PushHandler {
	return &PushHandler{
		validator,
		broadcaster,
	}
}

func (h *PushHandler) Handle(ctx context.Context, req PushRequest) (PushResponse, error) {
	err := h.validator.Validate(req)
	if err != nil {
		return PushResponse{}, err
	}

	delivered := h.broadcaster.SendToConversation(ctx, req.ConversationId, event.NewMessage{
		ConversationId: req.ConversationId,
		MessageId:      req.MessageId,
		SenderId:       req.SenderId,
		Body:           req.Body,
	}, req.SenderId)

	return PushResponse{
		Delivered: delivered,
	}, nil
}
