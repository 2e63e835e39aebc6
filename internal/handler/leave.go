package handler

import (
	"context"
	"errors"

	"github.com/goevery/relay/internal/broadcaster"
)

type LeaveHandlerInterface interface {
	Handle(ctx context.Context, req TopicRequest) error
}

type LeaveHandler struct {
	validator *Validator
	registry  *broadcaster.Registry
}

func NewLeaveHandler(
	validator *Validator,
	registry *broadcaster.Registry,
) *LeaveHandler {
	return &LeaveHandler{
		validator,
		registry,
	}
}

// Handle drops the subscription. Leaving a topic that was never joined is
// not an error.
func (h *LeaveHandler) Handle(ctx context.Context, req TopicRequest) error {
	err := h.validator.Validate(req)
	if err != nil {
		return err
	}

	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return errors.New("connection not found in context")
	}

	h.registry.Unsubscribe(connection.Id(), req.Topic())

	return nil
}
