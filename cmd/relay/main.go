package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/goevery/relay/internal/auth"
	"github.com/goevery/relay/internal/broadcaster"
	"github.com/goevery/relay/internal/handler"
	"github.com/goevery/relay/internal/metrics"
	"github.com/goevery/relay/internal/monitor"
	"github.com/goevery/relay/internal/persistence"
	"github.com/goevery/relay/internal/persistence/memory"
	"github.com/goevery/relay/internal/persistence/mongodb"
	"github.com/goevery/relay/internal/provider"
	"github.com/goevery/relay/internal/server"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	logger   *zap.Logger
	settings Settings

	mongoClient *mongo.Client
	registry    *broadcaster.Registry
	reaper      *broadcaster.Reaper
	scheduler   *monitor.Scheduler

	websocketServer *server.WebSocketServer
	restServer      *server.RESTServer
}

func NewApp(ctx context.Context, logger *zap.Logger, settings Settings) (*App, error) {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	mongoClient, store, err := newPersistenceEngine(ctx, settings)
	if err != nil {
		return nil, err
	}

	err = store.Setup(ctx)
	if err != nil {
		return nil, fmt.Errorf("setting up persistence: %w", err)
	}

	registry := broadcaster.NewRegistry(logger, m)
	fanout := broadcaster.NewBroadcaster(logger, registry, m, settings.SendTimeout, settings.FanoutConcurrency)
	registry.AddPresenceListener(fanout)
	reaper := broadcaster.NewReaper(logger, registry, m, settings.ReaperInterval, settings.ConnectionTimeout)

	providerClient := provider.NewClient(settings.ProviderBaseURL, settings.ProviderAPIKey, settings.ProviderTimeout)
	scheduler := monitor.NewScheduler(logger, providerClient, fanout, store, m, monitor.Config{
		PollInterval:    settings.MonitorPollInterval,
		MaxPollInterval: settings.MonitorMaxPollInterval,
		MaxDuration:     settings.MonitorMaxDuration,
		RequestTimeout:  settings.ProviderTimeout,
	})

	authenticator := auth.NewAuthenticator(settings.JWTSecret, settings.apiKeys())
	validator := handler.NewValidator()

	heartbeatHandler := handler.NewHeartbeatHandler(registry)
	joinHandler := handler.NewJoinHandler(validator, registry)
	leaveHandler := handler.NewLeaveHandler(validator, registry)
	typingHandler := handler.NewTypingHandler(validator, handler.NewTypingTracker(), fanout)
	registry.AddPresenceListener(typingHandler.PresenceListener())
	readHandler := handler.NewReadHandler(validator, fanout)
	authHandler := handler.NewAuthHandler(validator, authenticator)
	presenceHandler := handler.NewPresenceHandler(registry)
	verificationHandler := handler.NewVerificationHandler(validator, scheduler, store)
	pushHandler := handler.NewPushHandler(validator, fanout)

	router := server.NewRouter(
		logger,
		m,
		heartbeatHandler,
		joinHandler,
		leaveHandler,
		typingHandler,
		readHandler,
	)

	originChecker := server.NewOriginChecker(settings.allowedOrigins())
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       originChecker.Check,
		EnableCompression: true,
	}

	websocketOptions := server.DefaultWebSocketOptions()
	websocketOptions.AuthTimeout = settings.AuthTimeout
	websocketOptions.WriteTimeout = settings.SendTimeout
	websocketOptions.MessagesPerSecond = settings.MessagesPerSecond
	websocketOptions.MessageBurst = settings.MessageBurst

	websocketServer := server.NewWebSocketServer(
		logger,
		websocketUpgrader,
		websocketOptions,
		registry,
		router,
		authHandler,
	)
	restServer := server.NewRESTServer(
		logger,
		authenticator,
		promRegistry,
		presenceHandler,
		verificationHandler,
		pushHandler,
	)

	return &App{
		logger:          logger,
		settings:        settings,
		mongoClient:     mongoClient,
		registry:        registry,
		reaper:          reaper,
		scheduler:       scheduler,
		websocketServer: websocketServer,
		restServer:      restServer,
	}, nil
}

func newPersistenceEngine(ctx context.Context, settings Settings) (*mongo.Client, persistence.Engine, error) {
	if settings.MongoURI == "" {
		return nil, memory.NewPersistenceEngine(), nil
	}

	client, err := mongo.Connect(options.Client().ApplyURI(settings.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	return client, mongodb.NewPersistenceEngine(client, settings.MongoDatabase, settings.OutcomeRetention), nil
}

func (a *App) Run(ctx context.Context) error {
	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	router := mux.NewRouter().
		PathPrefix(a.settings.BasePath).
		Subrouter()

	a.websocketServer.Register(router)
	a.restServer.Register(router)

	httpServer := &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(notifyCtx)

	group.Go(func() error {
		err := a.reaper.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		a.logger.Info("starting http server",
			zap.String("address", address))

		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		return a.shutdown(httpServer)
	})

	return group.Wait()
}

func (a *App) shutdown(httpServer *http.Server) error {
	a.logger.Info("stopping http server")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), a.settings.ShutdownTimeout)
	defer shutdownCtxCancel()

	var errs []error

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}

	err = a.scheduler.Shutdown(shutdownCtx)
	if err != nil {
		errs = append(errs, err)
	}

	a.registry.CloseAll(broadcaster.CloseShutdown)

	if a.mongoClient != nil {
		err = a.mongoClient.Disconnect(shutdownCtx)
		if err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect: %w", err))
		}
	}

	a.logger.Info("http server stopped")

	return errors.Join(errs...)
}

func main() {
	ctx := context.Background()

	bootstrapLogger, _ := zap.NewDevelopment()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		bootstrapLogger.Fatal("failed to load .env file", zap.Error(err))
	}

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		bootstrapLogger.Fatal("failed to parse settings from environment", zap.Error(err))
	}

	logger, err := buildZapLogger(settings.LogEncoding)
	if err != nil {
		bootstrapLogger.Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	app, err := NewApp(ctx, logger, settings)
	if err != nil {
		logger.Fatal("failed to setup", zap.Error(err))
	}

	err = app.Run(ctx)
	if err != nil {
		logger.Fatal("relay stopped with error", zap.Error(err))
	}
}
