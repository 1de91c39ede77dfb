// A thin wrapper over the system clock which can be replaced in tests.
package clock

import (
	"sync/atomic"
	"time"
)

type Clock interface {
	CurrentTimeMs() uint64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

// Manual is the system clock shifted by an offset tests can advance.
type Manual struct {
	offsetMs atomic.Uint64
}

func (m *Manual) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli()) + m.offsetMs.Load()
}

func (m *Manual) Now() time.Time {
	return time.Now().Add(time.Duration(m.offsetMs.Load()) * time.Millisecond)
}

func (m *Manual) AdvanceMs(a uint64) {
	m.offsetMs.Add(a)
}
