package broadcaster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goevery/relay/internal/event"
)

// CloseReason carries a websocket close code and text to the transport.
type CloseReason struct {
	Code int
	Text string
}

var (
	CloseNormal          = CloseReason{Code: 1000, Text: "bye"}
	CloseShutdown        = CloseReason{Code: 1001, Text: "server shutting down"}
	ClosePolicyViolation = CloseReason{Code: 1008, Text: "authentication failed"}
	CloseReplaced        = CloseReason{Code: 4000, Text: "replaced by a newer connection"}
	CloseTimeout         = CloseReason{Code: 4001, Text: "heartbeat timeout"}
	CloseSendFailed      = CloseReason{Code: 4002, Text: "send failed"}
)

// Transport is the send/close capability of one client connection.
// Send must be safe to call from several goroutines.
type Transport interface {
	Send(ctx context.Context, envelope event.Envelope) error
	Close(reason CloseReason) error
}

type Connection struct {
	id          string
	userId      string
	connectedAt time.Time
	transport   Transport

	lastHeartbeat atomic.Int64
	closeOnce     sync.Once

	// guarded by Registry.mu
	subscriptions map[Topic]struct{}
}

func newConnection(id string, userId string, transport Transport, now time.Time) *Connection {
	connection := &Connection{
		id:            id,
		userId:        userId,
		connectedAt:   now,
		transport:     transport,
		subscriptions: make(map[Topic]struct{}),
	}
	connection.lastHeartbeat.Store(now.UnixNano())

	return connection
}

func (c *Connection) Id() string {
	return c.id
}

func (c *Connection) UserId() string {
	return c.userId
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Connection) Send(ctx context.Context, envelope event.Envelope) error {
	return c.transport.Send(ctx, envelope)
}

func (c *Connection) touch(now time.Time) {
	c.lastHeartbeat.Store(now.UnixNano())
}

// close closes the transport once; later calls are ignored.
func (c *Connection) close(reason CloseReason) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.transport.Close(reason)
	})

	return err
}

type contextKey string

const connectionKey contextKey = "connection"

func WithConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connectionKey, conn)
}

func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connectionKey).(*Connection)

	return conn, ok
}
