package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goevery/relay/internal/event"
	"github.com/goevery/relay/internal/handler"
	"github.com/goevery/relay/internal/ierr"
	"github.com/goevery/relay/internal/metrics"
	"go.uber.org/zap"
)

const (
	MessageTypeAuth              = "auth"
	MessageTypePing              = "ping"
	MessageTypeTyping            = "typing"
	MessageTypeJoinConversation  = "join_conversation"
	MessageTypeJoinVerification  = "join_verification"
	MessageTypeLeaveConversation = "leave_conversation"
	MessageTypeLeaveVerification = "leave_verification"
	MessageTypeMessageRead       = "message_read"
)

type controlMessage struct {
	Type string `json:"type"`
}

// Router dispatches inbound control messages by their type field.
type Router struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	heartbeatHandler handler.HeartbeatHandlerInterface
	joinHandler      handler.JoinHandlerInterface
	leaveHandler     handler.LeaveHandlerInterface
	typingHandler    handler.TypingHandlerInterface
	readHandler      handler.ReadHandlerInterface
}

func NewRouter(
	logger *zap.Logger,
	metrics *metrics.Metrics,
	heartbeatHandler handler.HeartbeatHandlerInterface,
	joinHandler handler.JoinHandlerInterface,
	leaveHandler handler.LeaveHandlerInterface,
	typingHandler handler.TypingHandlerInterface,
	readHandler handler.ReadHandlerInterface,
) *Router {
	return &Router{
		logger,
		metrics,
		heartbeatHandler,
		joinHandler,
		leaveHandler,
		typingHandler,
		readHandler,
	}
}

// RouteMessage handles one raw control message and returns the event to send
// back to the caller, if any. Failures become error events.
func (r *Router) RouteMessage(ctx context.Context, data []byte) event.Event {
	messageType, reply, err := r.Handle(ctx, data)
	if err != nil {
		r.metrics.ControlMessages.WithLabelValues(messageType, "error").Inc()

		mapped := r.mapError(err)

		return event.Error{
			Code:    string(mapped.Code),
			Message: mapped.Message,
		}
	}

	r.metrics.ControlMessages.WithLabelValues(messageType, "ok").Inc()

	return reply
}

func (r *Router) Handle(ctx context.Context, data []byte) (string, event.Event, error) {
	var message controlMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return "invalid", nil, malformed("invalid json: " + err.Error())
	}

	switch message.Type {
	case MessageTypePing:
		pong, err := r.heartbeatHandler.Handle(ctx)
		if err != nil {
			return message.Type, nil, err
		}

		return message.Type, pong, nil
	case MessageTypeTyping:
		var req handler.TypingRequest
		if err := decodeParams(data, &req); err != nil {
			return message.Type, nil, err
		}

		_, err := r.typingHandler.Handle(ctx, req)

		return message.Type, nil, err
	case MessageTypeJoinConversation:
		var req handler.ConversationRequest
		if err := decodeParams(data, &req); err != nil {
			return message.Type, nil, err
		}

		return message.Type, nil, r.joinHandler.Handle(ctx, req)
	case MessageTypeJoinVerification:
		var req handler.VerificationRequest
		if err := decodeParams(data, &req); err != nil {
			return message.Type, nil, err
		}

		return message.Type, nil, r.joinHandler.Handle(ctx, req)
	case MessageTypeLeaveConversation:
		var req handler.ConversationRequest
		if err := decodeParams(data, &req); err != nil {
			return message.Type, nil, err
		}

		return message.Type, nil, r.leaveHandler.Handle(ctx, req)
	case MessageTypeLeaveVerification:
		var req handler.VerificationRequest
		if err := decodeParams(data, &req); err != nil {
			return message.Type, nil, err
		}

		return message.Type, nil, r.leaveHandler.Handle(ctx, req)
	case MessageTypeMessageRead:
		var req handler.MessageReadRequest
		if err := decodeParams(data, &req); err != nil {
			return message.Type, nil, err
		}

		_, err := r.readHandler.Handle(ctx, req)

		return message.Type, nil, err
	case MessageTypeAuth:
		return message.Type, nil, ierr.New(ierr.ErrorCodeFailedPrecondition, errors.New("connection is already authenticated"))
	case "":
		return "invalid", nil, malformed("missing message type")
	default:
		return "unknown", nil, malformed("unknown message type: " + message.Type)
	}
}

func (r *Router) mapError(err error) ierr.Error {
	var handlerErr ierr.Error
	if errors.As(err, &handlerErr) {
		return handlerErr
	}

	r.logger.Error("error in control message handler", zap.Error(err))

	return ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
}

func decodeParams(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return malformed("invalid params: " + err.Error())
	}

	return nil
}

func malformed(message string) error {
	return ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("%w: %s", ierr.ErrMalformedMessage, message))
}
