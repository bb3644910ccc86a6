// Package clock abstracts the monotonic time source consumed by the
// scheduler core. All timestamps in the system are nanoseconds since the
// clock's epoch; the scheduler never reads wall time directly.
package clock

import "time"

type Clock interface {
	// Now returns monotonic nanoseconds since the clock epoch.
	Now() uint64
}

// Monotonic is the production clock. It anchors an epoch at creation and
// reports elapsed nanoseconds, which makes timestamps immune to wall-clock
// adjustments.
type Monotonic struct {
	epoch time.Time
}

func NewMonotonic() *Monotonic {
	return &Monotonic{epoch: time.Now()}
}

func (m *Monotonic) Now() uint64 {
	return uint64(time.Since(m.epoch))
}

// Manual is a test clock advanced explicitly by the caller.
type Manual struct {
	now uint64
}

func NewManual(start uint64) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() uint64 {
	return m.now
}

func (m *Manual) Advance(d uint64) uint64 {
	m.now += d
	return m.now
}

func (m *Manual) Set(now uint64) {
	m.now = now
}
