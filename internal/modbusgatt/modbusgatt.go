// Package modbusgatt implements ModbusGattClient: one sequential read cycle
// across configured Renogy unit ids and register sections, composing Modbus
// RTU requests, writing them over GATT, and matching notified responses,
// per §4.5.
package modbusgatt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jorik41/renogy-bt-proxy/internal/airtime"
	"github.com/jorik41/renogy-bt-proxy/internal/bleadapter"
	"github.com/jorik41/renogy-bt-proxy/internal/parsers"
	"github.com/jorik41/renogy-bt-proxy/internal/sensors"
	"github.com/jorik41/renogy-bt-proxy/internal/wire"
)

// ConnectRetries bounds the number of GATT connect attempts per §4.5 step 1.
const ConnectRetries = 3

// ReadTimeout is the default time budget for one section's notification
// round-trip, per §4.5 step 4.
const ReadTimeout = 15 * time.Second

// RestartCooldown is the minimum delay the supervising task must observe
// between a cycle exiting on a transport error and restarting it.
const RestartCooldown = 20 * time.Second

// InterDeviceDwell is the pause between finishing one unit id and starting
// the next, per §4.5 step 7.
const InterDeviceDwell = 500 * time.Millisecond

// ErrCancelled is recorded as the last error of a cycle that was cancelled
// mid-flight, so the scheduler does not mistake cancellation for a timeout
// failure (§5 cancellation rule).
var ErrCancelled = fmt.Errorf("modbusgatt: cycle cancelled: %w", context.Canceled)

// CycleResult is handed to the on-cycle-complete callback for one unit id.
type CycleResult struct {
	UnitID  int
	Reading sensors.DeviceReading
}

// Client drives Modbus-over-GATT read cycles against one Renogy peripheral
// (possibly presenting multiple Modbus unit ids behind the same GATT
// connection, as Renogy's multi-pack installations do).
type Client struct {
	adapter     *bleadapter.Adapter
	coordinator *airtime.Coordinator
	sections    []parsers.Section
	unitIDs     []int
	readTimeout time.Duration
	discovery   bleadapter.DiscoveryOptions

	logger *logrus.Logger

	mu                  sync.Mutex
	lastErr             error
	consecutiveTimeouts int
	subscribed          bool
	pending             chan []byte
}

// Config parameterizes a Client.
type Config struct {
	UnitIDs     []int
	Sections    []parsers.Section
	ReadTimeout time.Duration
	Discovery   bleadapter.DiscoveryOptions
}

// New creates a Client bound to adapter/coordinator. adapter performs the
// GATT operations; coordinator mediates airtime ownership around the
// cycle.
func New(adapter *bleadapter.Adapter, coordinator *airtime.Coordinator, cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = ReadTimeout
	}
	unitIDs := cfg.UnitIDs
	if len(unitIDs) == 0 {
		unitIDs = []int{48}
	}
	return &Client{
		adapter:     adapter,
		coordinator: coordinator,
		sections:    cfg.Sections,
		unitIDs:     unitIDs,
		readTimeout: readTimeout,
		discovery:   cfg.Discovery,
		logger:      logger.WithField("component", "modbusgatt").Logger,
	}
}

// LastError returns the most recently recorded cycle-level error, or nil.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// RunCycle executes one full pass over every configured unit id and
// section, invoking onComplete after each unit id finishes. It holds the
// airtime pause token for the duration of discovery/connect through the
// last notification or timeout, per §4.5's concurrency note.
func (c *Client) RunCycle(ctx context.Context, onComplete func(CycleResult)) error {
	c.coordinator.Pause("modbus-cycle")
	defer c.coordinator.ScheduleResumeWindow("modbus-cycle")

	if err := c.ensureConnected(ctx); err != nil {
		c.setLastError(err)
		return err
	}

	for _, unitID := range c.unitIDs {
		select {
		case <-ctx.Done():
			c.setLastError(ErrCancelled)
			return ErrCancelled
		default:
		}

		reading, err := c.runUnitCycle(ctx, unitID)
		if err != nil && errors.Is(err, ErrCancelled) {
			c.setLastError(ErrCancelled)
			return ErrCancelled
		}

		sensors.ApplyDerived(reading)
		if onComplete != nil {
			onComplete(CycleResult{UnitID: unitID, Reading: reading})
		}

		select {
		case <-time.After(InterDeviceDwell):
		case <-ctx.Done():
			c.setLastError(ErrCancelled)
			return ErrCancelled
		}
	}

	c.setLastError(nil)
	return nil
}

// ensureConnected connects if not already connected, making up to
// ConnectRetries calls to bleadapter.Adapter.Connect with an exponential
// backoff between them, and arms the notify subscription exactly once per
// connection.
func (c *Client) ensureConnected(ctx context.Context) error {
	if !c.adapter.IsConnected() {
		var lastErr error
		for attempt := 0; attempt < ConnectRetries; attempt++ {
			if attempt > 0 {
				backoff := time.Duration(1<<attempt) * time.Second
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if _, err := c.adapter.Connect(ctx, c.discovery); err != nil {
				lastErr = err
				continue
			}
			lastErr = nil
			break
		}
		if lastErr != nil {
			return fmt.Errorf("modbusgatt: connect: %w", lastErr)
		}
		c.mu.Lock()
		c.subscribed = false
		c.mu.Unlock()
	}

	c.mu.Lock()
	alreadySubscribed := c.subscribed
	c.mu.Unlock()
	if alreadySubscribed {
		return nil
	}

	pending := make(chan []byte, 8)
	if err := c.adapter.Subscribe(func(data []byte) {
		select {
		case pending <- data:
		default:
			// drop the oldest when the consumer is slower than the stream
			select {
			case <-pending:
			default:
			}
			pending <- data
		}
	}); err != nil {
		return fmt.Errorf("modbusgatt: subscribe: %w", err)
	}

	c.mu.Lock()
	c.pending = pending
	c.subscribed = true
	c.mu.Unlock()
	return nil
}

// runUnitCycle performs §4.5 steps 2-6 for one unit id across every
// configured section, merging successful sections into one DeviceReading.
func (c *Client) runUnitCycle(ctx context.Context, unitID int) (sensors.DeviceReading, error) {
	reading := sensors.DeviceReading{}

	for _, section := range c.sections {
		select {
		case <-ctx.Done():
			return reading, ErrCancelled
		default:
		}

		data, err := c.readSection(ctx, unitID, section)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return reading, err
			}
			c.logger.WithFields(logrus.Fields{
				"unit_id": unitID,
				"section": section.Name,
				"error":   err,
			}).Warn("modbus section read failed, skipping")
			continue
		}

		fields, err := section.Parse(data)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"unit_id": unitID,
				"section": section.Name,
				"error":   err,
			}).Warn("modbus section parse failed, skipping")
			continue
		}
		for k, v := range fields {
			reading[k] = v
		}
	}

	return reading, nil
}

// readSection composes and writes the request, then awaits one matching
// notification, per §4.5 steps 3-4.
func (c *Client) readSection(ctx context.Context, unitID int, section parsers.Section) ([]byte, error) {
	req := wire.EncodeReadRequest(byte(unitID), section.RegisterBase, section.WordCount)

	if err := c.adapter.Write(req, 5*time.Second); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()

	readCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	for {
		select {
		case frame := <-pending:
			resp, err := wire.DecodeReadResponse(frame, section.WordCount)
			if err != nil {
				continue
			}
			if int(resp.UnitID) != unitID {
				continue
			}
			c.mu.Lock()
			c.consecutiveTimeouts = 0
			c.mu.Unlock()
			return resp.Data, nil
		case <-readCtx.Done():
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			c.mu.Lock()
			c.consecutiveTimeouts++
			timeouts := c.consecutiveTimeouts
			c.mu.Unlock()
			if timeouts >= 3 {
				if err := c.adapter.PowerCycle(context.Background()); err != nil {
					c.logger.WithError(err).Error("modbus read timeout escalation: adapter power cycle failed")
				}
			}
			return nil, fmt.Errorf("section %s: %w", section.Name, context.DeadlineExceeded)
		}
	}
}
