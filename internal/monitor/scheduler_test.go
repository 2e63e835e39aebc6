package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goevery/relay/internal/event"
	"github.com/goevery/relay/internal/metrics"
	"github.com/goevery/relay/internal/persistence"
	"github.com/goevery/relay/internal/persistence/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockProvider struct {
	mock.Mock
}

func (p *MockProvider) GetMessages(ctx context.Context, verificationId string) ([]string, error) {
	args := p.Called(ctx, verificationId)
	messages, _ := args.Get(0).([]string)

	return messages, args.Error(1)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event.Event
}

func (n *recordingNotifier) SendToVerificationSubscribers(ctx context.Context, verificationId string, e event.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, e)

	return 1
}

func (n *recordingNotifier) ofType(t event.Type) []event.Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	var matching []event.Event
	for _, e := range n.events {
		if e.Type() == t {
			matching = append(matching, e)
		}
	}

	return matching
}

type fixture struct {
	scheduler *Scheduler
	provider  *MockProvider
	notifier  *recordingNotifier
	store     *memory.PersistenceEngine
	metrics   *metrics.Metrics
}

func newFixture(config Config) fixture {
	f := fixture{
		provider: &MockProvider{},
		notifier: &recordingNotifier{},
		store:    memory.NewPersistenceEngine(),
		metrics:  metrics.NewNop(),
	}
	f.scheduler = NewScheduler(zap.NewNop(), f.provider, f.notifier, f.store, f.metrics, config)

	return f
}

func fastConfig() Config {
	return Config{
		PollInterval:    5 * time.Millisecond,
		MaxPollInterval: 20 * time.Millisecond,
		MaxDuration:     time.Second,
		RequestTimeout:  100 * time.Millisecond,
	}
}

func (f fixture) start(t *testing.T, verificationId string, serviceName string) *Monitor {
	t.Helper()

	require.True(t, f.scheduler.Start(verificationId, serviceName))

	f.scheduler.mu.Lock()
	defer f.scheduler.mu.Unlock()

	m, ok := f.scheduler.monitors[verificationId]
	require.True(t, ok, "monitor %s is not running", verificationId)

	return m
}

func waitFor(t *testing.T, m *Monitor) {
	t.Helper()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor %s did not finish", m.VerificationId())
	}
}

func TestScheduler_Start(t *testing.T) {
	t.Run("second start for the same verification is a no-op", func(t *testing.T) {
		f := newFixture(fastConfig())
		f.provider.On("GetMessages", mock.Anything, "v1").Return([]string{}, nil)
		defer f.scheduler.Shutdown(context.Background())

		assert.True(t, f.scheduler.Start("v1", "whatsapp"))
		assert.False(t, f.scheduler.Start("v1", "whatsapp"))

		assert.Len(t, f.scheduler.List(), 1)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.MonitorsActive))
	})

	t.Run("refused after shutdown", func(t *testing.T) {
		f := newFixture(fastConfig())
		require.NoError(t, f.scheduler.Shutdown(context.Background()))

		assert.False(t, f.scheduler.Start("v1", ""))
	})
}

func TestScheduler_Completion(t *testing.T) {
	t.Run("emits new messages then exactly one completion", func(t *testing.T) {
		f := newFixture(fastConfig())

		// Given a provider whose history grows across polls
		f.provider.On("GetMessages", mock.Anything, "v1").Return([]string{"Welcome to the service"}, nil).Once()
		f.provider.On("GetMessages", mock.Anything, "v1").Return([]string{
			"Welcome to the service",
			"Your WhatsApp code: 482-910",
		}, nil)

		// When the monitor runs
		waitFor(t, f.start(t, "v1", "whatsapp"))

		// Then each message is reported once and the code completes it
		assert.Equal(t, []event.Event{
			event.SMSReceived{VerificationId: "v1", Messages: []string{"Welcome to the service"}},
			event.SMSReceived{VerificationId: "v1", Messages: []string{"Your WhatsApp code: 482-910"}},
		}, f.notifier.ofType(event.TypeSMSReceived))

		assert.Equal(t, []event.Event{
			event.VerificationCompleted{
				VerificationId: "v1",
				Code:           "482910",
				Message:        "Your WhatsApp code: 482-910",
			},
		}, f.notifier.ofType(event.TypeVerificationCompleted))
		assert.Empty(t, f.notifier.ofType(event.TypeVerificationExpired))

		outcome, err := f.store.Find(context.Background(), "v1")
		require.NoError(t, err)
		assert.Equal(t, string(StateCompleted), outcome.State)
		assert.Equal(t, "482910", outcome.Code)
		assert.Equal(t, 2, outcome.MessagesSeen)

		_, running := f.scheduler.Status("v1")
		assert.False(t, running)
		assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.MonitorsActive))
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.MonitorOutcomes.WithLabelValues("completed")))
	})

	t.Run("shrinking history re-baselines", func(t *testing.T) {
		f := newFixture(fastConfig())

		f.provider.On("GetMessages", mock.Anything, "v1").Return([]string{"one", "two"}, nil).Once()
		f.provider.On("GetMessages", mock.Anything, "v1").Return([]string{}, nil).Once()
		f.provider.On("GetMessages", mock.Anything, "v1").Return([]string{"Your code is 7731"}, nil)

		waitFor(t, f.start(t, "v1", ""))

		completed := f.notifier.ofType(event.TypeVerificationCompleted)
		require.Len(t, completed, 1)
		assert.Equal(t, "7731", completed[0].(event.VerificationCompleted).Code)
	})
}

func TestScheduler_Expiry(t *testing.T) {
	config := fastConfig()
	config.MaxDuration = 50 * time.Millisecond
	f := newFixture(config)

	f.provider.On("GetMessages", mock.Anything, "v1").Return([]string{"no digits here"}, nil)

	waitFor(t, f.start(t, "v1", "telegram"))

	assert.Equal(t, []event.Event{
		event.VerificationExpired{VerificationId: "v1", ServiceName: "telegram"},
	}, f.notifier.ofType(event.TypeVerificationExpired))
	assert.Empty(t, f.notifier.ofType(event.TypeVerificationCompleted))

	outcome, err := f.store.Find(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, string(StateExpired), outcome.State)
}

func TestScheduler_Stop(t *testing.T) {
	t.Run("cancelled monitor emits no completion events", func(t *testing.T) {
		f := newFixture(fastConfig())
		f.provider.On("GetMessages", mock.Anything, "v1").Return([]string{}, nil)

		m := f.start(t, "v1", "")

		assert.True(t, f.scheduler.Stop("v1"))
		<-m.Done()

		assert.Equal(t, StateCancelled, m.State())
		assert.Empty(t, f.notifier.ofType(event.TypeVerificationCompleted))
		assert.Empty(t, f.notifier.ofType(event.TypeVerificationExpired))

		outcome, err := f.store.Find(context.Background(), "v1")
		require.NoError(t, err)
		assert.Equal(t, string(StateCancelled), outcome.State)

		assert.True(t, f.scheduler.Start("v1", ""), "a stopped verification can be monitored again")
		f.scheduler.Shutdown(context.Background())
	})

	t.Run("unknown verification", func(t *testing.T) {
		f := newFixture(fastConfig())

		assert.False(t, f.scheduler.Stop("missing"))
	})
}

func TestScheduler_Shutdown(t *testing.T) {
	f := newFixture(fastConfig())
	f.provider.On("GetMessages", mock.Anything, mock.Anything).Return([]string{}, nil)

	for _, id := range []string{"v1", "v2", "v3"} {
		require.True(t, f.scheduler.Start(id, ""))
	}

	require.NoError(t, f.scheduler.Shutdown(context.Background()))

	assert.Empty(t, f.scheduler.List())
	assert.Empty(t, f.notifier.ofType(event.TypeVerificationCompleted))
	assert.Empty(t, f.notifier.ofType(event.TypeVerificationExpired))
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.MonitorOutcomes.WithLabelValues("cancelled")))
}

func TestScheduler_ProviderErrors(t *testing.T) {
	f := newFixture(fastConfig())

	f.provider.On("GetMessages", mock.Anything, "v1").Return(nil, errors.New("503 service unavailable")).Twice()
	f.provider.On("GetMessages", mock.Anything, "v1").Return([]string{"G-123456 is your Google verification code."}, nil)

	waitFor(t, f.start(t, "v1", "google"))

	completed := f.notifier.ofType(event.TypeVerificationCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "123456", completed[0].(event.VerificationCompleted).Code)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.ProviderErrors))
}

func TestScheduler_Panic(t *testing.T) {
	f := newFixture(fastConfig())

	f.provider.On("GetMessages", mock.Anything, "v1").Run(func(mock.Arguments) {
		panic("provider exploded")
	}).Return(nil, nil)
	f.provider.On("GetMessages", mock.Anything, "v2").Return([]string{"Your code is 5521"}, nil)

	first := f.start(t, "v1", "")
	second := f.start(t, "v2", "")
	waitFor(t, first)
	waitFor(t, second)

	outcome, err := f.store.Find(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, string(StateCancelled), outcome.State)

	outcome, err = f.store.Find(context.Background(), "v2")
	require.NoError(t, err)
	assert.Equal(t, string(StateCompleted), outcome.State)
}

func TestMonitor_Backoff(t *testing.T) {
	config := Config{PollInterval: 3 * time.Second, MaxPollInterval: 30 * time.Second, MaxDuration: time.Minute}
	m := newMonitor("v1", "", time.Now(), config, func() {})

	assert.Equal(t, 6*time.Second, m.backoff(config.MaxPollInterval))
	assert.Equal(t, 12*time.Second, m.backoff(config.MaxPollInterval))
	assert.Equal(t, 24*time.Second, m.backoff(config.MaxPollInterval))
	assert.Equal(t, 30*time.Second, m.backoff(config.MaxPollInterval))
	assert.Equal(t, 30*time.Second, m.backoff(config.MaxPollInterval))

	m.resetInterval(config.PollInterval)
	assert.Equal(t, 3*time.Second, m.pollInterval())
}

func TestMonitor_Transition(t *testing.T) {
	m := newMonitor("v1", "", time.Now(), DefaultConfig(), func() {})

	assert.True(t, m.transition(StateCancelled))
	assert.False(t, m.complete("1234"))
	assert.False(t, m.transition(StateExpired))
	assert.Equal(t, StateCancelled, m.State())
	assert.Empty(t, m.Status().Code)
}

var _ persistence.Engine = (*memory.PersistenceEngine)(nil)
