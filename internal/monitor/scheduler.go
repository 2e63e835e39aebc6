package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goevery/relay/internal/event"
	"github.com/goevery/relay/internal/extract"
	"github.com/goevery/relay/internal/metrics"
	"github.com/goevery/relay/internal/persistence"
	"go.uber.org/zap"
)

const recordTimeout = 5 * time.Second

type Config struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxDuration     time.Duration
	RequestTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    3 * time.Second,
		MaxPollInterval: 30 * time.Second,
		MaxDuration:     600 * time.Second,
		RequestTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()

	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(defaults.MaxPollInterval, c.PollInterval)
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = defaults.MaxDuration
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}

	return c
}

// Notifier fans monitor events out to the verification's subscribers.
type Notifier interface {
	SendToVerificationSubscribers(ctx context.Context, verificationId string, e event.Event) int
}

// Scheduler owns the table of running monitors, one goroutine each.
type Scheduler struct {
	logger   *zap.Logger
	provider Provider
	notifier Notifier
	store    persistence.Engine
	metrics  *metrics.Metrics
	config   Config
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	monitors map[string]*Monitor
	closed   bool
}

func NewScheduler(
	logger *zap.Logger,
	provider Provider,
	notifier Notifier,
	store persistence.Engine,
	metrics *metrics.Metrics,
	config Config,
) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		logger:   logger,
		provider: provider,
		notifier: notifier,
		store:    store,
		metrics:  metrics,
		config:   config.withDefaults(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		monitors: make(map[string]*Monitor),
	}
}

// Start launches a monitor for verificationId. It reports false when one is
// already running or the scheduler is shut down.
func (s *Scheduler) Start(verificationId string, serviceName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if _, ok := s.monitors[verificationId]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	m := newMonitor(verificationId, serviceName, s.now(), s.config, cancel)
	s.monitors[verificationId] = m

	s.metrics.MonitorsActive.Inc()
	s.wg.Add(1)
	go s.run(ctx, m)

	s.logger.Info("monitor started",
		zap.String("verificationId", verificationId),
		zap.String("serviceName", serviceName))

	return true
}

// Stop cancels a running monitor. No completion event is emitted for it.
func (s *Scheduler) Stop(verificationId string) bool {
	s.mu.Lock()
	m, ok := s.monitors[verificationId]
	if ok {
		delete(s.monitors, verificationId)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	m.transition(StateCancelled)
	m.cancel()

	return true
}

func (s *Scheduler) Status(verificationId string) (Status, bool) {
	s.mu.Lock()
	m, ok := s.monitors[verificationId]
	s.mu.Unlock()

	if !ok {
		return Status{}, false
	}

	return m.Status(), true
}

func (s *Scheduler) List() []Status {
	s.mu.Lock()
	monitors := make([]*Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.mu.Unlock()

	statuses := make([]Status, 0, len(monitors))
	for _, m := range monitors {
		statuses = append(statuses, m.Status())
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StartedAt.Before(statuses[j].StartedAt)
	})

	return statuses
}

// Shutdown cancels every monitor and waits for their loops to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, m := range s.monitors {
		m.transition(StateCancelled)
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for monitors: %w", ctx.Err())
	}
}

func (s *Scheduler) run(ctx context.Context, m *Monitor) {
	logger := s.logger.With(
		zap.String("verificationId", m.verificationId),
		zap.String("serviceName", m.serviceName))

	defer s.wg.Done()
	defer close(m.done)
	defer s.finish(logger, m)
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("monitor panicked", zap.Any("panic", recovered))
			m.transition(StateCancelled)
		}
	}()

	deadline := time.NewTimer(m.deadline.Sub(s.now()))
	defer deadline.Stop()

	poll := time.NewTimer(m.pollInterval())
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			m.transition(StateCancelled)
			return
		case <-deadline.C:
			if m.transition(StateExpired) {
				s.notifier.SendToVerificationSubscribers(context.WithoutCancel(ctx), m.verificationId, event.VerificationExpired{
					VerificationId: m.verificationId,
					ServiceName:    m.serviceName,
				})
			}
			return
		case <-poll.C:
			if s.poll(ctx, logger, m) {
				return
			}
			poll.Reset(m.pollInterval())
		}
	}
}

// poll runs one fetch and extraction step and reports whether the monitor
// reached a terminal state.
func (s *Scheduler) poll(ctx context.Context, logger *zap.Logger, m *Monitor) bool {
	requestCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	messages, err := s.provider.GetMessages(requestCtx, m.verificationId)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}

		s.metrics.ProviderErrors.Inc()
		logger.Warn("failed to fetch messages, backing off",
			zap.Duration("nextPoll", m.backoff(s.config.MaxPollInterval)),
			zap.Error(err))

		return false
	}

	m.resetInterval(s.config.PollInterval)

	fresh := m.unseen(messages)
	if len(fresh) == 0 {
		return false
	}

	if m.State() != StateRunning {
		return true
	}

	notifyCtx := context.WithoutCancel(ctx)

	s.notifier.SendToVerificationSubscribers(notifyCtx, m.verificationId, event.SMSReceived{
		VerificationId: m.verificationId,
		Messages:       fresh,
	})

	for _, message := range fresh {
		code, ok := extract.First(message, m.serviceName)
		if !ok {
			continue
		}

		if m.complete(code) {
			logger.Info("verification code found")

			s.notifier.SendToVerificationSubscribers(notifyCtx, m.verificationId, event.VerificationCompleted{
				VerificationId: m.verificationId,
				Code:           code,
				Message:        message,
			})
		}

		return true
	}

	return false
}

func (s *Scheduler) finish(logger *zap.Logger, m *Monitor) {
	s.mu.Lock()
	if current, ok := s.monitors[m.verificationId]; ok && current == m {
		delete(s.monitors, m.verificationId)
	}
	s.mu.Unlock()

	m.cancel()

	status := m.Status()

	s.metrics.MonitorsActive.Dec()
	s.metrics.MonitorOutcomes.WithLabelValues(string(status.State)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	err := s.store.Save(ctx, persistence.Outcome{
		VerificationId: status.VerificationId,
		ServiceName:    status.ServiceName,
		State:          string(status.State),
		Code:           status.Code,
		MessagesSeen:   status.MessagesSeen,
		StartedAt:      status.StartedAt,
		FinishedAt:     s.now(),
	})
	if err != nil {
		logger.Error("failed to record monitor outcome", zap.Error(err))
	}

	logger.Info("monitor finished", zap.String("state", string(status.State)))
}
