// Package pollscheduler decides when the next Renogy Modbus read cycle
// runs: either back-to-back (continuous mode) or on a timer, optionally
// gated on a completed proxy fan-out cycle (scheduled mode), per §4.6. It is
// modelled as the state machine §9 calls for:
// {Idle → Waiting → Firing → Cooling}, advanced by {TimerElapsed,
// ProxyCycleDone, CycleFinished}.
package pollscheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode selects the scheduling policy.
type Mode string

const (
	Continuous Mode = "continuous"
	Scheduled  Mode = "scheduled"
)

// State names the scheduler's current position in its state machine.
type State string

const (
	Idle    State = "idle"
	Waiting State = "waiting"
	Firing  State = "firing"
	Cooling State = "cooling"
)

// DefaultGateTimeout is the fallback delay after which a scheduled poll
// fires even without a proxy-cycle-done signal, per S5.
const DefaultGateTimeout = 30 * time.Second

// RunCycleFunc executes exactly one Modbus read cycle and returns its
// terminal error (nil on success, a sentinel on cancellation).
type RunCycleFunc func(ctx context.Context) error

// Config parameterizes a Scheduler.
type Config struct {
	Mode     Mode
	Interval time.Duration

	// GateOnProxyCycle, when true (scheduled mode only), delays a timer
	// fire until NotifyProxyCycleDone is observed or GateTimeout elapses.
	GateOnProxyCycle bool
	GateTimeout      time.Duration
}

// Scheduler drives RunCycle calls according to Config.
type Scheduler struct {
	cfg      Config
	runCycle RunCycleFunc
	logger   *logrus.Logger

	mu     sync.Mutex
	state  State
	firing bool

	proxyCycleDone chan struct{}
}

// New creates a Scheduler. runCycle is invoked to perform one Modbus cycle;
// it must itself enforce the "sequential conversation" rule internally
// (ModbusGattClient does).
func New(cfg Config, runCycle RunCycleFunc, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = DefaultGateTimeout
	}
	return &Scheduler{
		cfg:            cfg,
		runCycle:       runCycle,
		logger:         logger.WithField("component", "pollscheduler").Logger,
		state:          Idle,
		proxyCycleDone: make(chan struct{}, 1),
	}
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NotifyProxyCycleDone signals ProxyCycleDone. The proxy service calls it
// each time a Modbus cycle returns; the AirtimeCoordinator emits no
// completion event of its own and does not call it. A pending signal that
// nobody is waiting for is retained for the next TimerElapsed (buffered,
// capacity 1).
func (s *Scheduler) NotifyProxyCycleDone() {
	select {
	case s.proxyCycleDone <- struct{}{}:
	default:
	}
}

// RunOnce performs exactly one cycle immediately, for the enable_polling=
// false mode, which the spec's open question treats as equivalent to a
// single start-up cycle rather than an ongoing schedule.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.fireCycle(ctx)
}

// Run drives the scheduling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	switch s.cfg.Mode {
	case Continuous:
		s.runContinuous(ctx)
	default:
		s.runScheduled(ctx)
	}
}

func (s *Scheduler) runContinuous(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.fireCycle(ctx)

		s.setState(Cooling)
		select {
		case <-time.After(s.cfg.Interval):
		case <-ctx.Done():
			return
		}
		s.setState(Idle)
	}
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.handleTimerElapsed(ctx)
		}
	}
}

// handleTimerElapsed implements §4.6's invariant: a pending fire that
// arrives while a cycle is still running is dropped, not queued.
func (s *Scheduler) handleTimerElapsed(ctx context.Context) {
	s.mu.Lock()
	if s.firing {
		s.mu.Unlock()
		s.logger.Debug("scheduled poll dropped: a cycle is already in flight")
		return
	}
	s.mu.Unlock()

	if s.cfg.GateOnProxyCycle {
		s.setState(Waiting)
		select {
		case <-s.proxyCycleDone:
		case <-time.After(s.cfg.GateTimeout):
			s.logger.Warn("poll gate timed out waiting for a proxy fan-out cycle; firing anyway")
		case <-ctx.Done():
			return
		}
	}

	_ = s.fireCycle(ctx)
	s.setState(Idle)
}

func (s *Scheduler) fireCycle(ctx context.Context) error {
	s.mu.Lock()
	if s.firing {
		s.mu.Unlock()
		return nil
	}
	s.firing = true
	s.state = Firing
	s.mu.Unlock()

	err := s.runCycle(ctx)

	s.mu.Lock()
	s.firing = false
	s.state = Idle
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Warn("modbus cycle finished with an error")
	}
	return err
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
