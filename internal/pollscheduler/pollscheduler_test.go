package pollscheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnceInvokesRunCycleExactlyOnce(t *testing.T) {
	var calls int32
	s := New(Config{Mode: Scheduled}, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, nil)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, Idle, s.State())
}

func TestRunContinuousFiresBackToBackUntilCancelled(t *testing.T) {
	var calls int32
	s := New(Config{Mode: Continuous, Interval: 5 * time.Millisecond}, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestScheduledModeDropsTimerFireWhileCycleInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	s := New(Config{Mode: Scheduled, Interval: time.Millisecond}, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let several timer ticks elapse while the first fire is blocked
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	close(release)
	cancel()
	<-done
}

func TestGateOnProxyCycleWaitsForNotifyBeforeFiring(t *testing.T) {
	var fireTime time.Time
	started := make(chan struct{})
	s := New(Config{Mode: Scheduled, Interval: time.Millisecond, GateOnProxyCycle: true, GateTimeout: time.Second}, func(ctx context.Context) error {
		fireTime = time.Now()
		close(started)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.State() == Waiting }, time.Second, time.Millisecond)

	notifyTime := time.Now()
	s.NotifyProxyCycleDone()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("cycle never fired after NotifyProxyCycleDone")
	}
	assert.True(t, fireTime.After(notifyTime) || fireTime.Equal(notifyTime))

	cancel()
	<-done
}

func TestGateOnProxyCycleFiresAnywayAfterTimeout(t *testing.T) {
	var calls int32
	s := New(Config{Mode: Scheduled, Interval: time.Millisecond, GateOnProxyCycle: true, GateTimeout: 10 * time.Millisecond}, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestNewClampsGateTimeoutToDefault(t *testing.T) {
	s := New(Config{Mode: Scheduled}, func(ctx context.Context) error { return nil }, nil)
	assert.Equal(t, DefaultGateTimeout, s.cfg.GateTimeout)
}
