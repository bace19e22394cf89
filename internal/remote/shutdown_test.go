package remote

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShutdown(enabled, withoutDelay bool, delay time.Duration, active *atomic.Int32) (*idleShutdown, *atomic.Int32) {
	var exits atomic.Int32
	return &idleShutdown{
		enabled:      enabled,
		withoutDelay: withoutDelay,
		delay:        delay,
		active:       func() int { return int(active.Load()) },
		exit:         func() { exits.Add(1) },
		logger:       slog.Default(),
	}, &exits
}

func TestIdleShutdownDisabled(t *testing.T) {
	var active atomic.Int32
	d, exits := newTestShutdown(false, false, time.Millisecond, &active)
	d.start()
	d.lastExtensionHostClosed()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, exits.Load())
	assert.False(t, d.pending())
}

func TestIdleShutdownAfterDelay(t *testing.T) {
	var active atomic.Int32
	d, exits := newTestShutdown(true, false, 30*time.Millisecond, &active)
	d.start()
	assert.True(t, d.pending())
	require.Eventually(t, func() bool { return exits.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestIdleShutdownSkipsWhileExtensionHostsConnected(t *testing.T) {
	var active atomic.Int32
	active.Store(1)
	d, exits := newTestShutdown(true, false, 10*time.Millisecond, &active)
	d.start()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, exits.Load())
}

func TestIdleShutdownCancel(t *testing.T) {
	var active atomic.Int32
	d, exits := newTestShutdown(true, false, 20*time.Millisecond, &active)
	d.start()
	d.cancel()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, exits.Load())

	// Without a pending timer there is nothing to delay.
	d.delayShutdown()
	assert.False(t, d.pending())
}

func TestIdleShutdownWithoutDelay(t *testing.T) {
	var active atomic.Int32
	d, exits := newTestShutdown(true, true, time.Hour, &active)
	d.start()
	assert.True(t, d.pending(), "the boot delay still applies")
	d.cancel()

	d.lastExtensionHostClosed()
	assert.Equal(t, int32(1), exits.Load())
}

func TestIdleShutdownDelayRestartsTimer(t *testing.T) {
	var active atomic.Int32
	d, exits := newTestShutdown(true, false, 60*time.Millisecond, &active)
	d.start()
	time.Sleep(40 * time.Millisecond)
	d.delayShutdown()
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, exits.Load())
	require.Eventually(t, func() bool { return exits.Load() == 1 }, time.Second, 5*time.Millisecond)
}
