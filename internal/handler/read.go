package handler

import (
	"context"
	"errors"

	"github.com/goevery/relay/internal/broadcaster"
	"github.com/goevery/relay/internal/event"
)

type MessageReadRequest struct {
	ConversationId string `json:"conversation_id" validate:"required,max=128,resource_id"`
	MessageId      string `json:"message_id" validate:"required,max=128,resource_id"`
}

type ReadHandlerInterface interface {
	Handle(ctx context.Context, req MessageReadRequest) (int, error)
}

type ReadHandler struct {
	validator   *Validator
	broadcaster *broadcaster.Broadcaster
}

func NewReadHandler(
	validator *Validator,
	broadcaster *broadcaster.Broadcaster,
) *ReadHandler {
	return &ReadHandler{
		validator,
		broadcaster,
	}
}

// Handle sends a read receipt to the rest of the conversation. Storing the
// receipt is the message store's job.
func (h *ReadHandler) Handle(ctx context.Context, req MessageReadRequest) (int, error) {
	err := h.validator.Validate(req)
	if err != nil {
		return 0, err
	}

	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return 0, errors.New("connection not found in context")
	}

	return h.broadcaster.SendToConversation(ctx, req.ConversationId, event.MessageRead{
		ConversationId: req.ConversationId,
		MessageId:      req.MessageId,
		UserId:         connection.UserId(),
	}, connection.UserId()), nil
}
