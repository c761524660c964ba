// Package bleadapter abstracts the OS BLE stack the rest of the proxy
// depends on: passive scanning with a detection callback, GATT connect to a
// resolved Renogy peripheral, characteristic read/write/notify, and BlueZ
// adapter power-cycling over D-Bus. It is the component AirtimeCoordinator
// and ModbusGattClient both sit on top of; it owns no scheduling policy of
// its own.
package bleadapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/jorik41/renogy-bt-proxy/internal/device"
	"github.com/jorik41/renogy-bt-proxy/internal/devicefactory"
)

// Well-known Renogy GATT UUIDs: the write service, the notify
// characteristic a device streams Modbus responses on, and the write
// characteristic requests are sent to.
const (
	RenogyWriteService         = "0000ffd0-0000-1000-8000-00805f9b34fb"
	RenogyNotifyCharacteristic = "0000fff1-0000-1000-8000-00805f9b34fb"
	RenogyWriteCharacteristic  = "0000ffd1-0000-1000-8000-00805f9b34fb"
)

// Error taxonomy per §4.3.
var (
	ErrNotReady           = errors.New("bleadapter: adapter not ready")
	ErrInProgress         = errors.New("bleadapter: operation already in progress")
	ErrDbusHung           = errors.New("bleadapter: dbus call did not complete")
	ErrDiscoveryExhausted = errors.New("bleadapter: discovery retries exhausted")
	ErrConnectFailed      = errors.New("bleadapter: gatt connect failed")
	ErrWriteFailed        = errors.New("bleadapter: characteristic write failed")
	ErrDisconnected       = errors.New("bleadapter: device disconnected")
)

// DetectionHandler receives one advertisement observed during a scan.
type DetectionHandler func(device.Advertisement)

// DiscoveryOptions configures how Connect locates the target peripheral.
type DiscoveryOptions struct {
	// MAC, compared case-insensitively, takes priority over Alias when set.
	MAC string
	// Alias is matched against the advertisement's local name exactly.
	Alias string

	DiscoveryTimeout time.Duration
	DiscoveryRetries int
	ConnectTimeout   time.Duration
}

// DefaultDiscoveryOptions returns the §4.3 defaults: 5s discovery window, 3
// retries, 30s connect timeout.
func DefaultDiscoveryOptions() DiscoveryOptions {
	return DiscoveryOptions{
		DiscoveryTimeout: 5 * time.Second,
		DiscoveryRetries: 3,
		ConnectTimeout:   30 * time.Second,
	}
}

const maxDiscoveryBackoff = 30 * time.Second

// Adapter wraps one host BLE radio (hciN): passive scanning, a single
// resolved GATT peripheral session, and power-cycle recovery via BlueZ.
type Adapter struct {
	hciName string
	logger  *logrus.Logger

	maxResetsPerHour int

	mu              sync.Mutex
	resetTimestamps []time.Time

	peripheral device.Device
}

// New creates an Adapter bound to the given BlueZ adapter name (e.g.
// "hci0"). maxResetsPerHour rate-limits PowerCycle; 0 selects the §4.3
// default of 10.
func New(hciName string, maxResetsPerHour int, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if maxResetsPerHour <= 0 {
		maxResetsPerHour = 10
	}
	return &Adapter{
		hciName:          hciName,
		logger:           logger.WithField("component", "bleadapter").Logger,
		maxResetsPerHour: maxResetsPerHour,
	}
}

// Scan runs a passive scan with duplicate-data enabled, invoking handler
// for every observed advertisement, until ctx is cancelled.
func (a *Adapter) Scan(ctx context.Context, handler DetectionHandler) error {
	devicefactory.SetAdapterID(AdapterIndex(a.hciName))
	scanDev, err := devicefactory.DeviceFactory()
	if err != nil {
		return fmt.Errorf("bleadapter: creating scan device: %w", err)
	}

	err = scanDev.Scan(ctx, true, func(adv device.Advertisement) {
		handler(adv)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("bleadapter: scan: %w", err)
	}
	return nil
}

// Connect resolves the target peripheral by MAC or alias match within a
// bounded number of discovery attempts, then establishes a GATT connection,
// subscribing to the Renogy write service. A successful call leaves the
// Adapter holding one active peripheral connection.
func (a *Adapter) Connect(ctx context.Context, opts DiscoveryOptions) (device.Device, error) {
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = 5 * time.Second
	}
	if opts.DiscoveryRetries <= 0 {
		opts.DiscoveryRetries = 3
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}

	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < opts.DiscoveryRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > maxDiscoveryBackoff {
				backoff = maxDiscoveryBackoff
			}
		}

		addr, err := a.discoverOnce(ctx, opts)
		if err != nil {
			lastErr = err
			continue
		}

		dev := devicefactory.NewDevice(addr, a.logger)
		connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
		connErr := dev.Connect(connectCtx, &device.ConnectOptions{
			Address:        addr,
			ConnectTimeout: opts.ConnectTimeout,
			Services: []device.SubscribeOptions{
				{Service: RenogyWriteService, Characteristics: []string{RenogyNotifyCharacteristic, RenogyWriteCharacteristic}},
			},
		})
		cancel()
		if connErr != nil {
			lastErr = fmt.Errorf("%w: %v", ErrConnectFailed, connErr)
			continue
		}

		a.mu.Lock()
		a.peripheral = dev
		a.mu.Unlock()
		return dev, nil
	}

	if lastErr == nil {
		lastErr = ErrDiscoveryExhausted
	}
	return nil, fmt.Errorf("%w: %v", ErrDiscoveryExhausted, lastErr)
}

// discoverOnce scans for up to opts.DiscoveryTimeout and returns the
// address of the first advertisement matching MAC or alias.
func (a *Adapter) discoverOnce(ctx context.Context, opts DiscoveryOptions) (string, error) {
	scanCtx, cancel := context.WithTimeout(ctx, opts.DiscoveryTimeout)
	defer cancel()

	found := make(chan string, 1)
	err := a.Scan(scanCtx, func(adv device.Advertisement) {
		if matchesTarget(adv, opts) {
			select {
			case found <- adv.Addr():
			default:
			}
		}
	})
	if err != nil {
		return "", err
	}

	select {
	case addr := <-found:
		return addr, nil
	default:
		return "", fmt.Errorf("bleadapter: no matching device found within %s", opts.DiscoveryTimeout)
	}
}

func matchesTarget(adv device.Advertisement, opts DiscoveryOptions) bool {
	if opts.MAC != "" {
		return strings.EqualFold(adv.Addr(), opts.MAC)
	}
	if opts.Alias != "" {
		return adv.LocalName() == opts.Alias
	}
	return false
}

// Subscribe arms notifications on the Renogy notify characteristic of the
// currently connected peripheral, invoking callback with each delivered
// payload.
func (a *Adapter) Subscribe(callback func(data []byte)) error {
	a.mu.Lock()
	dev := a.peripheral
	a.mu.Unlock()
	if dev == nil || !dev.IsConnected() {
		return ErrDisconnected
	}

	conn := dev.GetConnection()
	return conn.Subscribe(
		[]*device.SubscribeOptions{{Service: RenogyWriteService, Characteristics: []string{RenogyNotifyCharacteristic}}},
		device.StreamEveryUpdate,
		0,
		func(rec *device.Record) {
			if data, ok := rec.Values[device.NormalizeUUID(RenogyNotifyCharacteristic)]; ok {
				callback(data)
			}
		},
	)
}

// Write sends data to the Renogy write characteristic without response, per
// §4.5's "write with response=false" contract.
func (a *Adapter) Write(data []byte, timeout time.Duration) error {
	a.mu.Lock()
	dev := a.peripheral
	a.mu.Unlock()
	if dev == nil || !dev.IsConnected() {
		return ErrDisconnected
	}

	char, err := dev.GetConnection().GetCharacteristic(RenogyWriteService, RenogyWriteCharacteristic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := char.Write(data, false, timeout); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// IsConnected reports whether the adapter currently holds a live GATT
// session.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	dev := a.peripheral
	a.mu.Unlock()
	return dev != nil && dev.IsConnected()
}

// Disconnect tears down the active GATT session, if any.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	dev := a.peripheral
	a.peripheral = nil
	a.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Disconnect()
}

// PowerCycle drives the BlueZ adapter's Powered property off, waits, then
// back on, rate-limited to at most maxResetsPerHour within any rolling
// hour. A reset requested over the limit returns ErrInProgress.
func (a *Adapter) PowerCycle(ctx context.Context) error {
	a.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-time.Hour)
	kept := a.resetTimestamps[:0]
	for _, ts := range a.resetTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	a.resetTimestamps = kept
	if len(a.resetTimestamps) >= a.maxResetsPerHour {
		a.mu.Unlock()
		return fmt.Errorf("%w: power-cycle rate limit (%d/hour) exceeded", ErrInProgress, a.maxResetsPerHour)
	}
	a.resetTimestamps = append(a.resetTimestamps, now)
	a.mu.Unlock()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("%w: connecting to system bus: %v", ErrDbusHung, err)
	}
	defer conn.Close()

	adapterPath := dbus.ObjectPath("/org/bluez/" + a.hciName)
	adapterObj := conn.Object("org.bluez", adapterPath)

	a.logger.WithField("adapter", a.hciName).Info("power-cycling BLE adapter")

	if err := setPowered(ctx, adapterObj, false); err != nil {
		return err
	}
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := setPowered(ctx, adapterObj, true); err != nil {
		return err
	}
	return nil
}

func setPowered(ctx context.Context, obj dbus.BusObject, on bool) error {
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Set", 0,
		"org.bluez.Adapter1", "Powered", dbus.MakeVariant(on))
	if call.Err != nil {
		if isAlreadyInState(call.Err) {
			return nil
		}
		return fmt.Errorf("%w: setting Powered=%t: %v", ErrDbusHung, on, call.Err)
	}
	return nil
}

// isAlreadyInState reports whether err represents a BlueZ error that can be
// treated as "the adapter is already in the requested state" per §6:
// org.bluez.Error.InProgress, org.bluez.Error.NotReady, or
// org.bluez.Error.Failed with a "No discovery started" message.
func isAlreadyInState(err error) bool {
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		return false
	}
	switch dbusErr.Name {
	case "org.bluez.Error.InProgress", "org.bluez.Error.NotReady":
		return true
	case "org.bluez.Error.Failed":
		for _, body := range dbusErr.Body {
			if s, ok := body.(string); ok && strings.Contains(s, "No discovery started") {
				return true
			}
		}
	}
	return false
}

// AdapterIndex parses the numeric index out of a BlueZ adapter name such as
// "hci0", returning -1 if name is not of that form.
func AdapterIndex(name string) int {
	name = strings.TrimPrefix(name, "hci")
	n, err := strconv.Atoi(name)
	if err != nil {
		return -1
	}
	return n
}
