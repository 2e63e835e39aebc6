package handler

import (
	"context"
	"errors"

	"github.com/goevery/relay/internal/broadcaster"
	"github.com/goevery/relay/internal/ierr"
)

type TopicRequest interface {
	Topic() broadcaster.Topic
}

type ConversationRequest struct {
	ConversationId string `json:"conversation_id" validate:"required,max=128,resource_id"`
}

func (r ConversationRequest) Topic() broadcaster.Topic {
	return broadcaster.ConversationTopic(r.ConversationId)
}

type VerificationRequest struct {
	VerificationId string `json:"verification_id" validate:"required,max=128,resource_id"`
}

func (r VerificationRequest) Topic() broadcaster.Topic {
	return broadcaster.VerificationTopic(r.VerificationId)
}

type JoinHandlerInterface interface {
	Handle(ctx context.Context, req TopicRequest) error
}

type JoinHandler struct {
	validator *Validator
	registry  *broadcaster.Registry
}

func NewJoinHandler(
	validator *Validator,
	registry *broadcaster.Registry,
) *JoinHandler {
	return &JoinHandler{
		validator,
		registry,
	}
}

func (h *JoinHandler) Handle(ctx context.Context, req TopicRequest) error {
	err := h.validator.Validate(req)
	if err != nil {
		return err
	}

	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return errors.New("connection not found in context")
	}

	if !h.registry.Subscribe(connection.Id(), req.Topic()) {
		return ierr.New(ierr.ErrorCodeFailedPrecondition, errors.New("connection is no longer registered"))
	}

	return nil
}
