package remote

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultAutoShutdownDelay is how long the agent waits without extension
// hosts before exiting.
const DefaultAutoShutdownDelay = 5 * time.Minute

// idleShutdown exits the agent once no extension host has been connected
// for a while.
type idleShutdown struct {
	enabled      bool
	withoutDelay bool
	delay        time.Duration
	active       func() int
	exit         func()
	logger       *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// start arms the timer at boot. The delay applies even in without-delay mode.
func (d *idleShutdown) start() { d.waitThenShutdown(true) }

func (d *idleShutdown) lastExtensionHostClosed() { d.waitThenShutdown(false) }

func (d *idleShutdown) waitThenShutdown(initial bool) {
	if !d.enabled {
		return
	}
	if d.withoutDelay && !initial {
		d.shutdownIfIdle()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.shutdownIfIdle()
	})
}

// delayShutdown restarts a pending timer. It does nothing when no timer is
// pending.
func (d *idleShutdown) delayShutdown() {
	if !d.pending() {
		return
	}
	d.cancel()
	d.waitThenShutdown(false)
}

func (d *idleShutdown) cancel() {
	d.mu.Lock()
	d.stopLocked()
	d.mu.Unlock()
}

func (d *idleShutdown) pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *idleShutdown) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

func (d *idleShutdown) shutdownIfIdle() {
	if n := d.active(); n > 0 {
		d.logger.Info("remote agent shutdown requested but extension hosts are still connected", "extensionHosts", n)
		return
	}
	d.logger.Info("remote agent shutdown: no extension hosts connected")
	d.exit()
}
