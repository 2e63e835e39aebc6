package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/goevery/relay/internal/broadcaster"
	"github.com/goevery/relay/internal/event"
	"github.com/goevery/relay/internal/ierr"
	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// WebSocketTransport serializes writes to a single websocket connection.
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketTransport {
	return &WebSocketTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (t *WebSocketTransport) Send(ctx context.Context, envelope event.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("%w: %w", ierr.ErrTransportSendFailed, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ierr.ErrTransportClosed
	}

	deadline := time.Now().Add(t.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	err = t.conn.SetWriteDeadline(deadline)
	if err != nil {
		return fmt.Errorf("%w: %w", ierr.ErrTransportSendFailed, err)
	}

	err = t.conn.WriteMessage(websocket.TextMessage, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ierr.ErrTransportSendFailed, err)
	}

	return nil
}

// Close sends a close frame carrying reason and closes the socket. Only the
// first call has any effect.
func (t *WebSocketTransport) Close(reason broadcaster.CloseReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(reason.Code, reason.Text),
		time.Now().Add(closeGracePeriod),
	)

	return t.conn.Close()
}
