package loop

import (
	"sync"
	"time"
)

// Timer is the subset of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, fn func()) Timer

func realAfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// Debouncer fires fn on the loop once no Trigger happened for delay. Every
// Trigger cancels the pending timer and starts a new one; a timer that fired
// but whose post lost the race with a newer Trigger is ignored.
type Debouncer struct {
	delay time.Duration
	post  Poster
	after AfterFunc

	mu    sync.Mutex
	gen   uint64
	timer Timer
}

func NewDebouncer(delay time.Duration, post Poster) *Debouncer {
	return &Debouncer{delay: delay, post: post, after: realAfterFunc}
}

// WithAfterFunc swaps the timer source (tests).
func (d *Debouncer) WithAfterFunc(f AfterFunc) *Debouncer {
	d.after = f
	return d
}

func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.after(d.delay, func() {
		d.post.Post(func() {
			if d.current(gen) {
				fn()
			}
		})
	})
}

// Cancel drops any pending expiry.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

func (d *Debouncer) current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gen == d.gen
}
