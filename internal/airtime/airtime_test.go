package airtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorik41/renogy-bt-proxy/internal/bleadapter"
	"github.com/jorik41/renogy-bt-proxy/internal/device"
	"github.com/jorik41/renogy-bt-proxy/internal/devicefactory"
)

type fakeAdvertisement struct{ name string }

func (f fakeAdvertisement) LocalName() string        { return f.name }
func (f fakeAdvertisement) ManufacturerData() []byte { return nil }
func (f fakeAdvertisement) ServiceData() []struct {
	UUID string
	Data []byte
} {
	return nil
}
func (f fakeAdvertisement) Services() []string         { return nil }
func (f fakeAdvertisement) OverflowService() []string  { return nil }
func (f fakeAdvertisement) TxPowerLevel() int          { return 0 }
func (f fakeAdvertisement) Connectable() bool          { return true }
func (f fakeAdvertisement) SolicitedService() []string { return nil }
func (f fakeAdvertisement) RSSI() int                  { return -50 }
func (f fakeAdvertisement) Addr() string               { return "AA:BB:CC:DD:EE:FF" }

// fakeScanningDevice emits one advertisement every tick until its context
// is cancelled, simulating a continuously scanning radio.
type fakeScanningDevice struct {
	tick time.Duration
}

func (f *fakeScanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	tick := f.tick
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			handler(fakeAdvertisement{name: "renogy-battery"})
		}
	}
}

func withFakeDeviceFactory(t *testing.T, tick time.Duration) {
	t.Helper()
	original := devicefactory.DeviceFactory
	devicefactory.DeviceFactory = func() (device.ScanningDevice, error) {
		return &fakeScanningDevice{tick: tick}, nil
	}
	t.Cleanup(func() { devicefactory.DeviceFactory = original })
}

func TestStartBeginsScanningAndDeliversAdvertisements(t *testing.T) {
	withFakeDeviceFactory(t, time.Millisecond)
	adapter := bleadapter.New("hci0", 0, nil)

	var count int32
	c := New(adapter, Options{}, func(adv device.Advertisement) {
		atomic.AddInt32(&count, 1)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) > 0 }, time.Second, time.Millisecond)
	assert.True(t, c.IsRunning())

	c.Stop()
	assert.False(t, c.IsRunning())
}

func TestPauseStopsScanningAndResumeRestartsIt(t *testing.T) {
	withFakeDeviceFactory(t, time.Millisecond)
	adapter := bleadapter.New("hci0", 0, nil)
	c := New(adapter, Options{}, func(device.Advertisement) {}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	require.Eventually(t, c.IsRunning, time.Second, time.Millisecond)

	c.Pause("test")
	require.Eventually(t, func() bool { return !c.IsRunning() }, time.Second, time.Millisecond)

	c.Resume("test")
	require.Eventually(t, c.IsRunning, time.Second, time.Millisecond)

	c.Stop()
}

func TestPauseIsReferenceCountedAcrossMultipleTokens(t *testing.T) {
	withFakeDeviceFactory(t, time.Millisecond)
	adapter := bleadapter.New("hci0", 0, nil)
	c := New(adapter, Options{}, func(device.Advertisement) {}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	require.Eventually(t, c.IsRunning, time.Second, time.Millisecond)

	c.Pause("a")
	c.Pause("b")
	require.Eventually(t, func() bool { return !c.IsRunning() }, time.Second, time.Millisecond)

	c.Resume("a")
	assert.False(t, c.IsRunning()) // one token still held

	c.Resume("b")
	require.Eventually(t, c.IsRunning, time.Second, time.Millisecond)

	c.Stop()
}

func TestStopIsIdempotentAndIgnoresLaterPauseResume(t *testing.T) {
	withFakeDeviceFactory(t, time.Millisecond)
	adapter := bleadapter.New("hci0", 0, nil)
	c := New(adapter, Options{}, func(device.Advertisement) {}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	require.Eventually(t, c.IsRunning, time.Second, time.Millisecond)

	c.Stop()
	c.Stop() // must not panic or block

	c.Resume("after-stop")
	assert.False(t, c.IsRunning())
}

func TestScheduleResumeWindowResumesAfterSettle(t *testing.T) {
	withFakeDeviceFactory(t, time.Millisecond)
	adapter := bleadapter.New("hci0", 0, nil)
	c := New(adapter, Options{Resume: ResumeWindow{Settle: 5 * time.Millisecond}}, func(device.Advertisement) {}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	require.Eventually(t, c.IsRunning, time.Second, time.Millisecond)

	c.Pause("modbus-cycle")
	require.Eventually(t, func() bool { return !c.IsRunning() }, time.Second, time.Millisecond)

	c.ScheduleResumeWindow("modbus-cycle")
	require.Eventually(t, c.IsRunning, time.Second, time.Millisecond)

	c.Stop()
}

func TestNotifyAdvertisementResetsWatchdogViolationCounter(t *testing.T) {
	c := &Coordinator{}
	c.mu = sync.Mutex{}
	c.consecutiveHealthViolations = 3
	c.NotifyAdvertisement()
	assert.Equal(t, 0, c.consecutiveHealthViolations)
}
