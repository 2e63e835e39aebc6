package broadcaster

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/goevery/relay/internal/event"
	"github.com/goevery/relay/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSendTimeout = 5 * time.Second
	DefaultConcurrency = 64
)

// Broadcaster delivers events to registered connections. Every send is
// attempted independently; a failed send disconnects that peer only and is
// never reported to the caller as an error.
type Broadcaster struct {
	logger   *zap.Logger
	registry *Registry
	metrics  *metrics.Metrics

	sendTimeout time.Duration
	concurrency int
}

func NewBroadcaster(
	logger *zap.Logger,
	registry *Registry,
	metrics *metrics.Metrics,
	sendTimeout time.Duration,
	concurrency int,
) *Broadcaster {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	return &Broadcaster{
		logger:      logger,
		registry:    registry,
		metrics:     metrics,
		sendTimeout: sendTimeout,
		concurrency: concurrency,
	}
}

func (b *Broadcaster) SendToUser(ctx context.Context, userId string, e event.Event) bool {
	connection, ok := b.registry.Lookup(userId)
	if !ok {
		return false
	}

	return b.send(ctx, connection, event.New(e))
}

// SendToConversation delivers e to every member of the conversation except
// excludeUserId and returns how many sends succeeded.
func (b *Broadcaster) SendToConversation(ctx context.Context, conversationId string, e event.Event, excludeUserId string) int {
	connections := b.registry.Members(ConversationTopic(conversationId))

	return b.deliver(ctx, connections, e, excludeUserId)
}

func (b *Broadcaster) SendToVerificationSubscribers(ctx context.Context, verificationId string, e event.Event) int {
	connections := b.registry.Members(VerificationTopic(verificationId))

	return b.deliver(ctx, connections, e, "")
}

// BroadcastPresence tells every other online user about userId's transition.
func (b *Broadcaster) BroadcastPresence(userId string, status event.Status) {
	connections := b.registry.OnlineExcept(userId)

	delivered := b.deliver(context.Background(), connections, event.UserStatus{
		UserId: userId,
		Status: status,
	}, "")

	b.logger.Debug("presence broadcast",
		zap.String("userId", userId),
		zap.String("status", string(status)),
		zap.Int("delivered", delivered))
}

func (b *Broadcaster) deliver(ctx context.Context, connections []*Connection, e event.Event, excludeUserId string) int {
	if len(connections) == 0 {
		return 0
	}

	envelope := event.New(e)

	var delivered atomic.Int64
	var group errgroup.Group
	group.SetLimit(b.concurrency)

	for _, connection := range connections {
		if excludeUserId != "" && connection.UserId() == excludeUserId {
			continue
		}

		group.Go(func() error {
			if b.send(ctx, connection, envelope) {
				delivered.Add(1)
			}

			return nil
		})
	}

	_ = group.Wait()

	return int(delivered.Load())
}

func (b *Broadcaster) send(ctx context.Context, connection *Connection, envelope event.Envelope) bool {
	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	eventType := string(envelope.Event.Type())

	err := connection.Send(sendCtx, envelope)
	if err != nil {
		b.logger.Warn("failed to send event, disconnecting",
			zap.String("connectionId", connection.Id()),
			zap.String("userId", connection.UserId()),
			zap.String("type", eventType),
			zap.Error(err))

		b.metrics.SendFailures.WithLabelValues(eventType).Inc()
		b.registry.Unregister(connection.Id(), CloseSendFailed)

		return false
	}

	b.metrics.EventsDelivered.WithLabelValues(eventType).Inc()
	b.registry.TouchHeartbeat(connection.Id())

	return true
}
