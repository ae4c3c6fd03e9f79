package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kansoku/internal/clock"
	"github.com/ashita-ai/kansoku/internal/model"
)

// Debounce states. At most one transition is pending at a time.
const (
	debounceIdle int32 = iota
	debouncePausePending
	debounceResumePending
)

// debouncer holds one pending delayed transition. Scheduling replaces the
// pending one; a superseded timer that fires anyway does nothing.
type debouncer struct {
	clock clock.Clock
	state atomic.Int32

	mu    sync.Mutex
	timer *clock.Timer
	seq   uint64
}

func newDebouncer(clk clock.Clock) *debouncer {
	return &debouncer{clock: clk}
}

func (d *debouncer) schedule(kind int32, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.state.Store(kind)
	d.timer = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		current := d.seq == seq
		if current {
			d.timer = nil
		}
		d.mu.Unlock()
		if !current || !d.state.CompareAndSwap(kind, debounceIdle) {
			return
		}
		fn()
	})
}

// cancel drops any pending transition.
func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.state.Store(debounceIdle)
}

func (d *debouncer) pending() int32 { return d.state.Load() }

// OnConnectivityChanged records a network change and emits NETWORK_STATE.
// Losing the network schedules a pause after PauseDelay; regaining it
// schedules a resume after ResumeDelay, but only of a pause that losing the
// network caused. Each change supersedes whatever transition was pending, so
// a brief drop never pauses collection.
func (c *Controller) OnConnectivityChanged(connected bool) {
	c.mu.Lock()
	c.isConnected = connected
	state, networkPaused := c.state, c.networkPaused
	c.mu.Unlock()

	c.Emit(model.NetworkState(c.nowMs(), connected))

	if connected {
		if state != model.StatePaused || !networkPaused {
			c.debounce.cancel()
			return
		}
		c.debounce.schedule(debounceResumePending, c.cfg.ResumeDelay, func() {
			c.mu.Lock()
			ok := c.state == model.StatePaused && c.networkPaused
			c.mu.Unlock()
			if !ok {
				return
			}
			if err := c.ResumeCollection(c.baseCtx); err != nil {
				c.logger.Warn("session: resume after reconnect failed", "error", err)
			}
		})
		return
	}

	if state != model.StateActive {
		c.debounce.cancel()
		return
	}
	c.debounce.schedule(debouncePausePending, c.cfg.PauseDelay, func() {
		if _, err := c.pauseCollection(false, true); err != nil {
			c.logger.Warn("session: pause after disconnect failed", "error", err)
		}
	})
}
