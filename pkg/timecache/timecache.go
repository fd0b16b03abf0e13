// Package timecache provides clocks for the tracker: a cache of the system
// clock that avoids calls to time.Now() on the announce path, and a manual
// clock for driving time-dependent logic deterministically.
//
// The cached time is stored as one int64 holding nanoseconds since the Unix
// Epoch and is accessed atomically, without locking.
package timecache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// t is the global TimeCache, updated every second.
var t *TimeCache

func init() {
	t = New()
	go t.Run(1 * time.Second)
}

// System is a Clock backed by the global TimeCache.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return t.Now() }

// A TimeCache is a cache for the current system time.
type TimeCache struct {
	// clock saves the current time's nanoseconds since the Epoch.
	// Must be accessed atomically.
	clock int64

	closed  chan struct{}
	running chan struct{}
	m       sync.Mutex
}

// New returns a new TimeCache instance.
// The TimeCache must be started to update the time.
func New() *TimeCache {
	return &TimeCache{
		clock:   time.Now().UnixNano(),
		closed:  make(chan struct{}),
		running: make(chan struct{}),
	}
}

// Run runs the TimeCache, updating the cached clock value once every interval
// and blocks until Stop is called.
func (t *TimeCache) Run(interval time.Duration) {
	t.m.Lock()
	select {
	case <-t.running:
		panic("Run called multiple times")
	default:
	}
	close(t.running)
	t.m.Unlock()

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-t.closed:
			return
		case now := <-tick.C:
			atomic.StoreInt64(&t.clock, now.UnixNano())
		}
	}
}

// Stop stops the TimeCache.
// The cached time remains valid but will not be updated anymore.
// Calling Stop again is a no-op.
func (t *TimeCache) Stop() {
	t.m.Lock()
	defer t.m.Unlock()

	select {
	case <-t.closed:
		return
	default:
	}
	close(t.closed)
}

// Now returns the cached time as a time.Time value.
func (t *TimeCache) Now() time.Time {
	return time.Unix(0, atomic.LoadInt64(&t.clock))
}

// Now calls Now on the global TimeCache instance.
func Now() time.Time {
	return t.Now()
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	nsec int64
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{nsec: start.UnixNano()}
}

// Now implements Clock. Times are in UTC.
func (m *Manual) Now() time.Time {
	return time.Unix(0, atomic.LoadInt64(&m.nsec)).UTC()
}

// Set moves the clock to to.
func (m *Manual) Set(to time.Time) {
	atomic.StoreInt64(&m.nsec, to.UnixNano())
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	return time.Unix(0, atomic.AddInt64(&m.nsec, int64(d))).UTC()
}
