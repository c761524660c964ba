package modbusgatt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorik41/renogy-bt-proxy/internal/airtime"
	"github.com/jorik41/renogy-bt-proxy/internal/bleadapter"
	"github.com/jorik41/renogy-bt-proxy/internal/device"
	"github.com/jorik41/renogy-bt-proxy/internal/devicefactory"
)

// fakeScanningDevice never delivers an advertisement; any discovery attempt
// against it runs out its timeout and fails to find a match.
type fakeScanningDevice struct{}

func (f *fakeScanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	<-ctx.Done()
	return ctx.Err()
}

func withUnreachableDeviceFactory(t *testing.T) {
	t.Helper()
	original := devicefactory.DeviceFactory
	devicefactory.DeviceFactory = func() (device.ScanningDevice, error) {
		return &fakeScanningDevice{}, nil
	}
	t.Cleanup(func() { devicefactory.DeviceFactory = original })
}

func newTestClient(t *testing.T) (*Client, *airtime.Coordinator) {
	withUnreachableDeviceFactory(t)
	adapter := bleadapter.New("hci0", 0, nil)
	coordinator := airtime.New(adapter, airtime.Options{}, func(device.Advertisement) {}, nil)

	c := New(adapter, coordinator, Config{
		UnitIDs: []int{48},
		Discovery: bleadapter.DiscoveryOptions{
			DiscoveryTimeout: 10 * time.Millisecond,
			DiscoveryRetries: 1,
			ConnectTimeout:   10 * time.Millisecond,
		},
	}, nil)
	return c, coordinator
}

func TestNewAppliesDefaultUnitIDsAndReadTimeout(t *testing.T) {
	withUnreachableDeviceFactory(t)
	adapter := bleadapter.New("hci0", 0, nil)
	coordinator := airtime.New(adapter, airtime.Options{}, func(device.Advertisement) {}, nil)

	c := New(adapter, coordinator, Config{}, nil)
	assert.Equal(t, []int{48}, c.unitIDs)
	assert.Equal(t, ReadTimeout, c.readTimeout)
}

func TestRunCycleFailsAndRecordsLastErrorWhenDeviceNeverFound(t *testing.T) {
	c, _ := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := c.RunCycle(ctx, nil)
	require.Error(t, err)
	require.Error(t, c.LastError())
	assert.Equal(t, err.Error(), c.LastError().Error())
}

func TestRunCyclePausesAndSchedulesResumeOfAirtime(t *testing.T) {
	c, coordinator := newTestClient(t)
	coordinator.Start(context.Background())
	defer coordinator.Stop()

	require.Eventually(t, coordinator.IsRunning, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = c.RunCycle(ctx, nil)

	// ScheduleResumeWindow fires asynchronously once the cycle returns.
	require.Eventually(t, coordinator.IsRunning, time.Second, time.Millisecond)
}

func TestRunCycleReturnsCancelledWhenContextAlreadyDone(t *testing.T) {
	withUnreachableDeviceFactory(t)
	adapter := bleadapter.New("hci0", 0, nil)
	coordinator := airtime.New(adapter, airtime.Options{}, func(device.Advertisement) {}, nil)
	c := New(adapter, coordinator, Config{
		Discovery: bleadapter.DiscoveryOptions{DiscoveryTimeout: time.Millisecond, DiscoveryRetries: 1},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.RunCycle(ctx, nil)
	require.Error(t, err)
}

func TestLastErrorIsNilBeforeAnyCycle(t *testing.T) {
	c, _ := newTestClient(t)
	assert.NoError(t, c.LastError())
}
