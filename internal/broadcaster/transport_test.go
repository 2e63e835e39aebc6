package broadcaster

import (
	"context"
	"errors"
	"sync"

	"github.com/goevery/relay/internal/event"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []event.Envelope
	closed   []CloseReason
	sendErr  error
	closeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func newBrokenTransport() *fakeTransport {
	return &fakeTransport{sendErr: errors.New("broken pipe")}
}

func (t *fakeTransport) Send(ctx context.Context, envelope event.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sendErr != nil {
		return t.sendErr
	}

	t.sent = append(t.sent, envelope)

	return nil
}

func (t *fakeTransport) Close(reason CloseReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = append(t.closed, reason)

	return t.closeErr
}

func (t *fakeTransport) events() []event.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	events := make([]event.Event, 0, len(t.sent))
	for _, envelope := range t.sent {
		events = append(events, envelope.Event)
	}

	return events
}

func (t *fakeTransport) closeReasons() []CloseReason {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]CloseReason(nil), t.closed...)
}

type presenceChange struct {
	userId string
	status event.Status
}

type recordingPresence struct {
	mu      sync.Mutex
	changes []presenceChange
}

func (p *recordingPresence) BroadcastPresence(userId string, status event.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.changes = append(p.changes, presenceChange{userId, status})
}

func (p *recordingPresence) all() []presenceChange {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]presenceChange(nil), p.changes...)
}

// gatedPresence holds offline notifications until release is closed.
type gatedPresence struct {
	recordingPresence
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPresence) BroadcastPresence(userId string, status event.Status) {
	if status == event.StatusOffline {
		p.entered <- struct{}{}
		<-p.release
	}

	p.recordingPresence.BroadcastPresence(userId, status)
}
