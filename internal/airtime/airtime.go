// Package airtime implements AirtimeCoordinator: the single point that
// serialises ownership of the host's one BLE radio between continuous
// passive scanning (for native-API advertisement fan-out) and episodic GATT
// sessions (for Renogy polling), per §4.4.
package airtime

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jorik41/renogy-bt-proxy/internal/bleadapter"
	"github.com/jorik41/renogy-bt-proxy/internal/device"
	"github.com/jorik41/renogy-bt-proxy/internal/groutine"
)

// DutyCycle configures the optional background scan/idle toggle. Zero
// values disable it.
type DutyCycle struct {
	Active time.Duration
	Idle   time.Duration
}

// ResumeWindow configures the deferred-resume scheduler used when a Modbus
// cycle signals completion: a short settle delay before the Resume, then a
// bounded window that the scheduler waits out. The window does not hold off
// a later Pause, so scanning is not kept active for its length.
type ResumeWindow struct {
	Settle time.Duration
	Window time.Duration
}

// HealthWatchdog configures the no-advertisements watchdog.
type HealthWatchdog struct {
	Threshold        time.Duration
	ResetAdapter     bool
	MaxResetsPerHour int
}

// Options configures a Coordinator at construction.
type Options struct {
	Duty   DutyCycle
	Resume ResumeWindow
	Health HealthWatchdog
}

// Coordinator serialises radio ownership. All state transitions happen
// under mu, matching §4.4's "single async mutex" model; only the small
// critical sections (not the BLE calls themselves) are held under the
// lock via the generation counter pattern below.
type Coordinator struct {
	mu sync.Mutex

	running     bool
	pauseTokens uint32
	shutdown    bool

	adapter *bleadapter.Adapter
	logger  *logrus.Logger

	opts Options

	onAdvertisement func(device.Advertisement)

	lastAdvertisement           time.Time
	consecutiveHealthViolations int

	dutyCancel     context.CancelFunc
	watchdogCancel context.CancelFunc
	scanCancel     context.CancelFunc

	// generation increments every time the desired running state changes,
	// so a stale in-flight Scan goroutine knows to exit without racing a
	// newer one.
	generation int
}

// New creates a Coordinator bound to adapter. onAdvertisement is invoked
// for every observed advertisement while scanning is active.
func New(adapter *bleadapter.Adapter, opts Options, onAdvertisement func(device.Advertisement), logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		adapter:         adapter,
		opts:            opts,
		onAdvertisement: onAdvertisement,
		logger:          logger.WithField("component", "airtime").Logger,
	}
}

// Start begins scanning (subject to pause tokens) and arms the duty-cycle
// and health-watchdog background tasks.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.lastAdvertisement = time.Now()
	c.mu.Unlock()

	c.requestRun()

	if c.opts.Duty.Active > 0 && c.opts.Duty.Idle > 0 {
		dutyCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.dutyCancel = cancel
		c.mu.Unlock()
		groutine.Go(dutyCtx, "airtime-duty-cycle", c.runDutyCycle)
	}

	if c.opts.Health.Threshold > 0 {
		watchdogCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.watchdogCancel = cancel
		c.mu.Unlock()
		groutine.Go(watchdogCtx, "airtime-watchdog", c.runWatchdog)
	}
}

// Stop is the idempotent shutdown entry point per testable property #9: it
// forces running to false, cancels the duty-cycle and watchdog tasks, and
// causes further Pause/Resume calls to be ignored.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.generation++
	dutyCancel := c.dutyCancel
	watchdogCancel := c.watchdogCancel
	scanCancel := c.scanCancel
	c.running = false
	c.dutyCancel = nil
	c.watchdogCancel = nil
	c.scanCancel = nil
	c.mu.Unlock()

	if dutyCancel != nil {
		dutyCancel()
	}
	if watchdogCancel != nil {
		watchdogCancel()
	}
	if scanCancel != nil {
		scanCancel()
	}
	_ = c.adapter.Disconnect()
}

// Pause increments the pause-token counter and stops the scanner if it was
// running. reason is logged only; it carries no behavioral weight beyond
// that, matching §4.4's reference-counted semantics.
func (c *Coordinator) Pause(reason string) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.pauseTokens++
	c.logger.WithFields(logrus.Fields{"reason": reason, "tokens": c.pauseTokens}).Debug("airtime paused")
	c.mu.Unlock()

	c.stopScanIfRunning()
}

// Resume decrements the pause-token counter and, once it reaches zero,
// restarts scanning.
func (c *Coordinator) Resume(reason string) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	if c.pauseTokens > 0 {
		c.pauseTokens--
	}
	tokens := c.pauseTokens
	c.logger.WithFields(logrus.Fields{"reason": reason, "tokens": tokens}).Debug("airtime resumed")
	c.mu.Unlock()

	if tokens == 0 {
		c.requestRun()
	}
}

// ScheduleResumeWindow implements the "resume window" facility: after a
// Modbus client signals cycle completion, it schedules a deferred Resume
// (after Settle) so the pause/resume pair from the just-finished cycle
// doesn't race the next gated poll. When Window is positive the goroutine
// then waits out Window and returns; nothing during that wait keeps a later
// Pause from stopping the scanner.
func (c *Coordinator) ScheduleResumeWindow(reason string) {
	settle := c.opts.Resume.Settle
	window := c.opts.Resume.Window

	groutine.Go(context.Background(), "airtime-resume-window", func(ctx context.Context) {
		if settle > 0 {
			select {
			case <-time.After(settle):
			case <-ctx.Done():
				return
			}
		}
		c.Resume(reason)
		if window > 0 {
			select {
			case <-time.After(window):
			case <-ctx.Done():
			}
		}
	})
}

// IsRunning reports whether the scanner is currently active.
func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// NotifyAdvertisement resets the health watchdog's silence timer; callers
// invoke this for every advertisement observed, regardless of content.
func (c *Coordinator) NotifyAdvertisement() {
	c.mu.Lock()
	c.lastAdvertisement = time.Now()
	c.consecutiveHealthViolations = 0
	c.mu.Unlock()
}

// requestRun honours a request to run iff pauseTokens == 0 && !shutdown &&
// !running, per §4.4's transition rule.
func (c *Coordinator) requestRun() {
	c.mu.Lock()
	if c.shutdown || c.running || c.pauseTokens != 0 {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.generation++
	gen := c.generation
	scanCtx, cancel := context.WithCancel(context.Background())
	c.scanCancel = cancel
	c.mu.Unlock()

	groutine.Go(scanCtx, "airtime-scan", func(ctx context.Context) {
		err := c.adapter.Scan(ctx, func(adv device.Advertisement) {
			c.NotifyAdvertisement()
			if c.onAdvertisement != nil {
				c.onAdvertisement(adv)
			}
		})
		c.mu.Lock()
		if c.generation == gen {
			c.running = false
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.WithError(err).Warn("airtime scan loop exited with error")
		}
	})
}

// stopScanIfRunning honours a request to stop iff running, per §4.4.
func (c *Coordinator) stopScanIfRunning() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.generation++
	cancel := c.scanCancel
	c.scanCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) runDutyCycle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.Duty.Active):
		}
		c.Pause("duty-cycle-idle")

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.Duty.Idle):
		}
		c.Resume("duty-cycle-idle")
	}
}

func (c *Coordinator) runWatchdog(ctx context.Context) {
	interval := c.opts.Health.Threshold / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		silence := time.Since(c.lastAdvertisement)
		c.mu.Unlock()

		if silence < c.opts.Health.Threshold {
			continue
		}

		c.mu.Lock()
		c.consecutiveHealthViolations++
		violations := c.consecutiveHealthViolations
		c.lastAdvertisement = time.Now()
		c.mu.Unlock()

		c.logger.WithFields(logrus.Fields{"silence": silence, "violations": violations}).Warn("airtime watchdog: no advertisements observed")

		c.stopScanIfRunning()
		c.requestRun()

		if violations >= 2 && c.opts.Health.ResetAdapter {
			if err := c.adapter.PowerCycle(ctx); err != nil {
				c.logger.WithError(err).Error("airtime watchdog: adapter power cycle failed")
			}
			c.mu.Lock()
			c.consecutiveHealthViolations = 0
			c.mu.Unlock()
		}
	}
}
