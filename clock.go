package dipstick

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// The active clock behind TimeHandle. Swappable so tests can install a
// clockwork fake clock and advance time deterministically.
var activeClock atomic.Pointer[clockHolder]

// clockHolder pins the stored type so clocks of different concrete types
// can be swapped in.
type clockHolder struct {
	clock clockwork.Clock
}

func init() {
	activeClock.Store(&clockHolder{clock: clockwork.NewRealClock()})
}

// SetClock replaces the clock used by TimeHandle, returning the previous one.
// Pass a clockwork.FakeClock for deterministic timer and aggregation tests.
// The clock is process-wide; parallel tests must share one instance.
func SetClock(clock clockwork.Clock) clockwork.Clock {
	previous := activeClock.Swap(&clockHolder{clock: clock})
	return previous.clock
}

func clock() clockwork.Clock {
	return activeClock.Load().clock
}

// TimeHandle is a handle on a point in time, as seen by the active clock.
type TimeHandle struct {
	start time.Time
}

// Now captures the current time.
// Used by Timer.Start and by aggregation periods.
func Now() TimeHandle {
	return TimeHandle{start: clock().Now()}
}

// ElapsedUs returns the microseconds elapsed since the handle was obtained.
func (h TimeHandle) ElapsedUs() MetricValue {
	return clock().Since(h.start).Microseconds()
}

// ElapsedMs returns the milliseconds elapsed since the handle was obtained.
func (h TimeHandle) ElapsedMs() MetricValue {
	return h.ElapsedUs() / 1000
}
