// Package watchdog implements the FSoE receive-path watchdog timer.
//
// The timer is armed whenever a frame is sent and checked once per cycle;
// expiry means the peer has stopped talking and forces a connection reset.
// The clock source is injectable so the state machines can be tested
// without waiting on real time.
package watchdog

import (
	"math"
	"time"
)

// Clock returns monotonic time in microseconds.
type Clock func() int64

var processStart = time.Now()

// SystemClock is the production clock. It is monotonic because it derives
// from time.Since of a fixed process-start reference.
func SystemClock() int64 {
	return time.Since(processStart).Microseconds()
}

// NotRunning is returned by RemainingMS when the watchdog is not armed.
const NotRunning = uint32(math.MaxUint32)

// Watchdog is a single-shot countdown timer.
type Watchdog struct {
	clock       Clock
	startTimeUS int64
	timeoutMS   uint32
	running     bool
}

// New creates a watchdog using the given clock. A nil clock selects
// SystemClock.
func New(clock Clock) *Watchdog {
	if clock == nil {
		clock = SystemClock
	}
	return &Watchdog{clock: clock}
}

// Arm starts the countdown from now.
func (w *Watchdog) Arm(timeoutMS uint32) {
	w.startTimeUS = w.clock()
	w.timeoutMS = timeoutMS
	w.running = true
}

// Disarm stops the countdown.
func (w *Watchdog) Disarm() {
	w.running = false
}

// Running reports whether the countdown is active.
func (w *Watchdog) Running() bool {
	return w.running
}

// RemainingMS returns the time left until expiry, or NotRunning when the
// watchdog is not armed. While armed it is monotonically non-increasing.
func (w *Watchdog) RemainingMS() uint32 {
	if !w.running {
		return NotRunning
	}
	elapsedMS := (w.clock() - w.startTimeUS) / 1000
	if elapsedMS >= int64(w.timeoutMS) {
		return 0
	}
	return w.timeoutMS - uint32(elapsedMS)
}

// Expired reports whether the armed countdown has reached zero.
func (w *Watchdog) Expired() bool {
	return w.running && w.RemainingMS() == 0
}
