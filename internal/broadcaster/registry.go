package broadcaster

import (
	"slices"
	"sync"
	"time"

	"github.com/goevery/relay/internal/event"
	"github.com/goevery/relay/internal/metrics"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

type TopicKind string

const (
	TopicConversation TopicKind = "conversation"
	TopicVerification TopicKind = "verification"
)

type Topic struct {
	Kind TopicKind
	Id   string
}

func ConversationTopic(conversationId string) Topic {
	return Topic{Kind: TopicConversation, Id: conversationId}
}

func VerificationTopic(verificationId string) Topic {
	return Topic{Kind: TopicVerification, Id: verificationId}
}

// PresenceListener is told about online/offline transitions. It is always
// called without the registry lock held.
type PresenceListener interface {
	BroadcastPresence(userId string, status event.Status)
}

type PresenceListenerFunc func(userId string, status event.Status)

func (f PresenceListenerFunc) BroadcastPresence(userId string, status event.Status) {
	f(userId, status)
}

// Registry owns every live connection and the topic membership index.
// Mutations are serialized by mu; transports are closed outside the lock.
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.RWMutex
	connections map[string]*Connection
	byUser      map[string]*Connection
	members     map[Topic]map[string]struct{}
	listeners   []PresenceListener
	// offline notifications still being delivered, by user
	departing map[string]chan struct{}
}

func NewRegistry(
	logger *zap.Logger,
	metrics *metrics.Metrics,
) *Registry {
	return &Registry{
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
		connections: make(map[string]*Connection),
		byUser:      make(map[string]*Connection),
		members:     make(map[Topic]map[string]struct{}),
		departing:   make(map[string]chan struct{}),
	}
}

// AddPresenceListener appends listener; listeners are notified in the order
// they were added.
func (r *Registry) AddPresenceListener(listener PresenceListener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, listener)
}

func (r *Registry) notifyPresence(listeners []PresenceListener, userId string, status event.Status) {
	for _, listener := range listeners {
		listener.BroadcastPresence(userId, status)
	}
}

// Register stores a new connection for userId, closing the one it replaces.
func (r *Registry) Register(userId string, transport Transport) *Connection {
	connection := newConnection(gonanoid.Must(), userId, transport, r.now())

	r.mu.Lock()

	previous, wasOnline := r.byUser[userId]
	if wasOnline {
		r.removeLocked(previous)
	}

	r.connections[connection.id] = connection
	r.byUser[userId] = connection
	listeners := r.listeners
	departed := r.departing[userId]
	r.metrics.ConnectionsActive.Set(float64(len(r.connections)))

	r.mu.Unlock()

	if wasOnline {
		r.logger.Info("replacing existing connection",
			zap.String("userId", userId),
			zap.String("previousConnectionId", previous.id),
			zap.String("connectionId", connection.id))

		if err := previous.close(CloseReplaced); err != nil {
			r.logger.Debug("failed to close replaced connection", zap.Error(err))
		}

		return connection
	}

	// A previous connection's offline notification must reach peers before
	// this online one.
	if departed != nil {
		<-departed
	}

	if r.IsOnline(userId) {
		r.notifyPresence(listeners, userId, event.StatusOnline)
	}

	return connection
}

// Unregister removes the connection and every membership it holds. It
// reports whether anything was removed; unknown ids are a no-op.
func (r *Registry) Unregister(connectionId string, reason CloseReason) bool {
	return r.unregister(connectionId, reason, nil)
}

// UnregisterIfStale removes the connection only if its last heartbeat is
// still before cutoff when the registry lock is taken.
func (r *Registry) UnregisterIfStale(connectionId string, cutoff time.Time, reason CloseReason) bool {
	return r.unregister(connectionId, reason, func(connection *Connection) bool {
		return connection.LastHeartbeat().Before(cutoff)
	})
}

func (r *Registry) unregister(connectionId string, reason CloseReason, eligible func(*Connection) bool) bool {
	r.mu.Lock()

	connection, ok := r.connections[connectionId]
	if !ok || (eligible != nil && !eligible(connection)) {
		r.mu.Unlock()

		return false
	}

	r.removeLocked(connection)
	listeners := r.listeners
	r.metrics.ConnectionsActive.Set(float64(len(r.connections)))

	departed := make(chan struct{})
	r.departing[connection.userId] = departed

	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.departing[connection.userId] == departed {
			delete(r.departing, connection.userId)
		}
		r.mu.Unlock()

		close(departed)
	}()

	if err := connection.close(reason); err != nil {
		r.logger.Debug("failed to close connection",
			zap.String("connectionId", connectionId),
			zap.Error(err))
	}

	r.logger.Info("connection unregistered",
		zap.String("connectionId", connectionId),
		zap.String("userId", connection.userId),
		zap.String("reason", reason.Text))

	r.notifyPresence(listeners, connection.userId, event.StatusOffline)

	return true
}

// IMPORTANT: It must be called only when a write lock is already held.
func (r *Registry) removeLocked(connection *Connection) {
	for topic := range connection.subscriptions {
		r.removeMemberLocked(topic, connection.userId)
	}
	clear(connection.subscriptions)

	delete(r.connections, connection.id)
	if current, ok := r.byUser[connection.userId]; ok && current == connection {
		delete(r.byUser, connection.userId)
	}
}

func (r *Registry) removeMemberLocked(topic Topic, userId string) {
	topicMembers, ok := r.members[topic]
	if !ok {
		return
	}

	delete(topicMembers, userId)
	if len(topicMembers) == 0 {
		delete(r.members, topic)
	}
}

func (r *Registry) Subscribe(connectionId string, topic Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	connection, ok := r.connections[connectionId]
	if !ok {
		return false
	}

	if _, ok := r.members[topic]; !ok {
		r.members[topic] = make(map[string]struct{})
	}

	r.members[topic][connection.userId] = struct{}{}
	connection.subscriptions[topic] = struct{}{}

	return true
}

func (r *Registry) Unsubscribe(connectionId string, topic Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	connection, ok := r.connections[connectionId]
	if !ok {
		return false
	}

	if _, ok := connection.subscriptions[topic]; !ok {
		return false
	}

	delete(connection.subscriptions, topic)
	r.removeMemberLocked(topic, connection.userId)

	return true
}

func (r *Registry) TouchHeartbeat(connectionId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connection, ok := r.connections[connectionId]
	if !ok {
		return false
	}

	connection.touch(r.now())

	return true
}

func (r *Registry) IsOnline(userId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byUser[userId]

	return ok
}

// ListOnline returns the online user ids in lexical order.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userIds := make([]string, 0, len(r.byUser))
	for userId := range r.byUser {
		userIds = append(userIds, userId)
	}
	slices.Sort(userIds)

	return userIds
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connections)
}

func (r *Registry) Lookup(userId string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connection, ok := r.byUser[userId]

	return connection, ok
}

// Members returns the live connections subscribed to topic.
func (r *Registry) Members(topic Topic) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userIds, ok := r.members[topic]
	if !ok {
		return nil
	}

	connections := make([]*Connection, 0, len(userIds))
	for userId := range userIds {
		if connection, ok := r.byUser[userId]; ok {
			connections = append(connections, connection)
		}
	}

	return connections
}

// MemberIds returns the user ids subscribed to topic in lexical order.
func (r *Registry) MemberIds(topic Topic) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userIds := make([]string, 0, len(r.members[topic]))
	for userId := range r.members[topic] {
		userIds = append(userIds, userId)
	}
	slices.Sort(userIds)

	return userIds
}

func (r *Registry) Subscriptions(connectionId string) []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connection, ok := r.connections[connectionId]
	if !ok {
		return nil
	}

	topics := make([]Topic, 0, len(connection.subscriptions))
	for topic := range connection.subscriptions {
		topics = append(topics, topic)
	}

	return topics
}

func (r *Registry) OnlineExcept(userId string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := make([]*Connection, 0, len(r.byUser))
	for id, connection := range r.byUser {
		if id != userId {
			connections = append(connections, connection)
		}
	}

	return connections
}

// Stale returns the ids of connections whose last heartbeat is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var connectionIds []string
	for id, connection := range r.connections {
		if connection.LastHeartbeat().Before(cutoff) {
			connectionIds = append(connectionIds, id)
		}
	}

	return connectionIds
}

// CloseAll drops every connection without presence notifications.
func (r *Registry) CloseAll(reason CloseReason) {
	r.mu.Lock()

	connections := make([]*Connection, 0, len(r.connections))
	for _, connection := range r.connections {
		connections = append(connections, connection)
	}

	r.connections = make(map[string]*Connection)
	r.byUser = make(map[string]*Connection)
	r.members = make(map[Topic]map[string]struct{})
	r.metrics.ConnectionsActive.Set(0)

	r.mu.Unlock()

	for _, connection := range connections {
		if err := connection.close(reason); err != nil {
			r.logger.Debug("failed to close connection on shutdown",
				zap.String("connectionId", connection.id),
				zap.Error(err))
		}
	}

	r.logger.Info("closed all connections", zap.Int("count", len(connections)))
}
