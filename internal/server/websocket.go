package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goevery/relay/internal/broadcaster"
	"github.com/goevery/relay/internal/event"
	"github.com/goevery/relay/internal/handler"
	"github.com/goevery/relay/internal/ierr"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type WebSocketOptions struct {
	AuthTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		AuthTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadLimit:         4096,
		MessagesPerSecond: 20,
		MessageBurst:      40,
	}
}

type WebSocketServer struct {
	logger   *zap.Logger
	upgrader *websocket.Upgrader
	options  WebSocketOptions

	registry    *broadcaster.Registry
	router      *Router
	authHandler handler.AuthHandlerInterface
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	options WebSocketOptions,
	registry *broadcaster.Registry,
	router *Router,
	authHandler handler.AuthHandlerInterface,
) *WebSocketServer {
	return &WebSocketServer{
		logger,
		upgrader,
		options,
		registry,
		router,
		authHandler,
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/websocket", s.handleConnection).Methods(http.MethodGet)
}

func (s *WebSocketServer) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn.SetReadLimit(s.options.ReadLimit)

	logger := s.logger.With(zap.String("clientIp", clientIp(r)))
	transport := NewWebSocketTransport(conn, s.options.WriteTimeout)

	userId, err := s.authenticate(r, conn)
	if err != nil {
		logger.Info("websocket authentication failed", zap.Error(err))
		_ = transport.Close(broadcaster.ClosePolicyViolation)
		return
	}

	connection := s.registry.Register(userId, transport)
	ctx := broadcaster.WithConnection(r.Context(), connection)

	logger = logger.With(
		zap.String("connectionId", connection.Id()),
		zap.String("userId", userId))
	logger.Info("websocket connection established")

	err = connection.Send(ctx, event.New(event.ConnectionEstablished{
		ConnectionId: connection.Id(),
		UserId:       userId,
	}))
	if err != nil {
		logger.Warn("failed to send connection established", zap.Error(err))
		s.registry.Unregister(connection.Id(), broadcaster.CloseSendFailed)
		return
	}

	conn.SetPongHandler(func(string) error {
		s.registry.TouchHeartbeat(connection.Id())
		return nil
	})

	s.readLoop(ctx, logger, connection, conn)
}

// authenticate resolves the user from the token query parameter, the
// Authorization header, or an auth message that must arrive within the auth
// timeout.
func (s *WebSocketServer) authenticate(r *http.Request, conn *websocket.Conn) (string, error) {
	if token := credentialFromRequest(r); token != "" {
		return s.authHandler.Handle(r.Context(), handler.AuthRequest{Token: token})
	}

	err := conn.SetReadDeadline(time.Now().Add(s.options.AuthTimeout))
	if err != nil {
		return "", err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", ierr.New(ierr.ErrorCodeUnauthenticated, fmt.Errorf("%w: no credential received: %w", ierr.ErrAuthenticationFailed, err))
	}

	var req struct {
		Type string `json:"type"`
		handler.AuthRequest
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Type != MessageTypeAuth {
		return "", ierr.New(ierr.ErrorCodeUnauthenticated, fmt.Errorf("%w: first message must be auth", ierr.ErrAuthenticationFailed))
	}

	userId, err := s.authHandler.Handle(r.Context(), req.AuthRequest)
	if err != nil {
		return "", err
	}

	return userId, conn.SetReadDeadline(time.Time{})
}

func (s *WebSocketServer) readLoop(ctx context.Context, logger *zap.Logger, connection *broadcaster.Connection, conn *websocket.Conn) {
	closeReason := broadcaster.CloseNormal

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("panic in websocket read loop", zap.Any("panic", recovered))
		}

		s.registry.Unregister(connection.Id(), closeReason)

		logger.Info("websocket connection closed")
	}()

	limiter := rate.NewLimiter(rate.Limit(s.options.MessagesPerSecond), s.options.MessageBurst)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var reply event.Event

		switch {
		case messageType != websocket.TextMessage:
			reply = event.Error{
				Code:    string(ierr.ErrorCodeInvalidArgument),
				Message: "only text messages are supported",
			}
		case !limiter.Allow():
			reply = event.Error{
				Code:    string(ierr.ErrorCodeRateLimited),
				Message: "too many messages",
			}
		default:
			reply = s.router.RouteMessage(ctx, data)
		}

		if reply == nil {
			continue
		}

		err = connection.Send(ctx, event.New(reply))
		if err != nil {
			if !errors.Is(err, ierr.ErrTransportClosed) {
				logger.Warn("failed to send reply", zap.Error(err))
			}
			closeReason = broadcaster.CloseSendFailed
			return
		}
	}
}

func credentialFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}

	return ""
}

func clientIp(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
