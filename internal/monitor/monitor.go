package monitor

import (
	"context"
	"sync"
	"time"
)

type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Provider returns every SMS received so far for a verification, oldest first.
type Provider interface {
	GetMessages(ctx context.Context, verificationId string) ([]string, error)
}

type Status struct {
	VerificationId string        `json:"verification_id"`
	ServiceName    string        `json:"service_name,omitempty"`
	State          State         `json:"state"`
	Code           string        `json:"code,omitempty"`
	MessagesSeen   int           `json:"messages_seen"`
	StartedAt      time.Time     `json:"started_at"`
	Deadline       time.Time     `json:"deadline"`
	PollInterval   time.Duration `json:"poll_interval"`
}

// Monitor tracks one in-flight verification. State only moves out of
// running once, so at most one terminal event is ever emitted.
type Monitor struct {
	verificationId string
	serviceName    string
	startedAt      time.Time
	deadline       time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	state        State
	code         string
	interval     time.Duration
	messagesSeen int
}

func newMonitor(verificationId string, serviceName string, startedAt time.Time, config Config, cancel context.CancelFunc) *Monitor {
	return &Monitor{
		verificationId: verificationId,
		serviceName:    serviceName,
		startedAt:      startedAt,
		deadline:       startedAt.Add(config.MaxDuration),
		cancel:         cancel,
		done:           make(chan struct{}),
		state:          StateRunning,
		interval:       config.PollInterval,
	}
}

func (m *Monitor) VerificationId() string {
	return m.verificationId
}

// Done is closed once the monitor's loop has exited and its outcome is recorded.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		VerificationId: m.verificationId,
		ServiceName:    m.serviceName,
		State:          m.state,
		Code:           m.code,
		MessagesSeen:   m.messagesSeen,
		StartedAt:      m.startedAt,
		Deadline:       m.deadline,
		PollInterval:   m.interval,
	}
}

// transition moves a running monitor to a terminal state. It reports false
// when another transition already happened.
func (m *Monitor) transition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return false
	}

	m.state = to

	return true
}

func (m *Monitor) complete(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return false
	}

	m.state = StateCompleted
	m.code = code

	return true
}

// unseen returns the messages past the last observed count. A shrinking
// provider history resets the baseline without reporting anything.
func (m *Monitor) unseen(messages []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(messages) < m.messagesSeen {
		m.messagesSeen = len(messages)
		return nil
	}

	fresh := messages[m.messagesSeen:]
	m.messagesSeen = len(messages)

	return fresh
}

func (m *Monitor) backoff(max time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.interval = min(m.interval*2, max)

	return m.interval
}

func (m *Monitor) resetInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.interval = interval
}

func (m *Monitor) pollInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.interval
}
