package server

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/goevery/relay/internal/auth"
	"github.com/goevery/relay/internal/broadcaster"
	"github.com/goevery/relay/internal/handler"
	"github.com/goevery/relay/internal/metrics"
	"github.com/goevery/relay/internal/monitor"
	"github.com/goevery/relay/internal/persistence/memory"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret = "test-secret"
	testAPIKey = "test-api-key"
)

type silentProvider struct{}

func (silentProvider) GetMessages(ctx context.Context, verificationId string) ([]string, error) {
	return nil, nil
}

type testStack struct {
	server      *httptest.Server
	registry    *broadcaster.Registry
	broadcaster *broadcaster.Broadcaster
	scheduler   *monitor.Scheduler
}

func newTestStack(t *testing.T, options WebSocketOptions) *testStack {
	t.Helper()

	logger := zap.NewNop()
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	registry := broadcaster.NewRegistry(logger, m)
	fanout := broadcaster.NewBroadcaster(logger, registry, m, time.Second, 8)
	registry.AddPresenceListener(fanout)

	store := memory.NewPersistenceEngine()
	scheduler := monitor.NewScheduler(logger, silentProvider{}, fanout, store, m, monitor.Config{
		PollInterval: time.Hour,
		MaxDuration:  2 * time.Hour,
	})

	authenticator := auth.NewAuthenticator(testSecret, []string{testAPIKey})
	validator := handler.NewValidator()
	typingHandler := handler.NewTypingHandler(validator, handler.NewTypingTracker(), fanout)
	registry.AddPresenceListener(typingHandler.PresenceListener())

	router := NewRouter(
		logger,
		m,
		handler.NewHeartbeatHandler(registry),
		handler.NewJoinHandler(validator, registry),
		handler.NewLeaveHandler(validator, registry),
		typingHandler,
		handler.NewReadHandler(validator, fanout),
	)

	wsServer := NewWebSocketServer(
		logger,
		&websocket.Upgrader{CheckOrigin: NewOriginChecker(nil).Check},
		options,
		registry,
		router,
		handler.NewAuthHandler(validator, authenticator),
	)
	restServer := NewRESTServer(
		logger,
		authenticator,
		promRegistry,
		handler.NewPresenceHandler(registry),
		handler.NewVerificationHandler(validator, scheduler, store),
		handler.NewPushHandler(validator, fanout),
	)

	mainRouter := mux.NewRouter()
	wsServer.Register(mainRouter)
	restServer.Register(mainRouter)

	server := httptest.NewServer(mainRouter)
	t.Cleanup(func() {
		registry.CloseAll(broadcaster.CloseShutdown)
		server.Close()
		scheduler.Shutdown(context.Background())
	})

	return &testStack{
		server:      server,
		registry:    registry,
		broadcaster: fanout,
		scheduler:   scheduler,
	}
}

func (s *testStack) websocketURL(query url.Values) string {
	u, _ := url.Parse(s.server.URL)
	u.Scheme = "ws"
	u.Path = "/websocket"
	u.RawQuery = query.Encode()

	return u.String()
}

func signToken(t *testing.T, userId string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub": userId,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
		"aud": "relay",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	return tokenString
}
