package classify

import (
	"sync"
	"time"
)

// Debouncer runs the last function scheduled for a key once no new call
// for that key arrived within the delay. Scheduling always cancels the
// pending timer before arming a new one.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	ver     map[string]uint64
	stopped bool
	running sync.WaitGroup
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, timers: map[string]*time.Timer{}, ver: map[string]uint64{}}
}

// SetDelay applies to timers armed after the call.
func (d *Debouncer) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// Trigger (re)arms the timer for key.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t := d.timers[key]; t != nil {
		t.Stop()
	}
	ver := d.ver[key] + 1
	d.ver[key] = ver
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// a timer that fired while being replaced must not run
		if d.ver[key] != ver || d.stopped {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		delete(d.ver, key)
		d.running.Add(1)
		d.mu.Unlock()
		defer d.running.Done()
		fn()
	})
}

// Cancel drops the pending call for key, reporting whether one existed.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.timers[key]
	if ok {
		t.Stop()
		delete(d.timers, key)
		delete(d.ver, key)
	}
	return ok
}

func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels pending calls and waits for running ones. Later Triggers
// are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	for k, t := range d.timers {
		t.Stop()
		delete(d.timers, k)
	}
	d.ver = map[string]uint64{}
	d.mu.Unlock()
	d.running.Wait()
}
