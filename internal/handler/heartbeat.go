package handler

import (
	"context"
	"errors"

	"github.com/goevery/relay/internal/broadcaster"
	"github.com/goevery/relay/internal/event"
	"github.com/goevery/relay/internal/ierr"
)

type HeartbeatHandlerInterface interface {
	Handle(ctx context.Context) (event.Pong, error)
}

type HeartbeatHandler struct {
	registry *broadcaster.Registry
}

func NewHeartbeatHandler(registry *broadcaster.Registry) *HeartbeatHandler {
	return &HeartbeatHandler{
		registry,
	}
}

func (h *HeartbeatHandler) Handle(ctx context.Context) (event.Pong, error) {
	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return event.Pong{}, errors.New("connection not found in context")
	}

	if !h.registry.TouchHeartbeat(connection.Id()) {
		return event.Pong{}, ierr.New(ierr.ErrorCodeFailedPrecondition, errors.New("connection is no longer registered"))
	}

	return event.Pong{}, nil
}
