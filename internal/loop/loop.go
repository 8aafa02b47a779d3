// Package loop provides the single cooperative thread the engine runs on.
// Components mutate their state only inside closures executed by the loop;
// network work runs elsewhere and posts its completion back.
package loop

import (
	"context"
	"sync"
)

// Poster schedules fn to run on the loop goroutine.
type Poster interface {
	Post(fn func()) bool
}

// Runner is a Poster that can also run a closure and wait for it.
type Runner interface {
	Poster
	Call(ctx context.Context, fn func()) error
}

var (
	_ Runner = (*Loop)(nil)
	_ Runner = (*Manual)(nil)
)

type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

func New(queue int) *Loop {
	if queue <= 0 {
		queue = 256
	}
	return &Loop{
		tasks: make(chan func(), queue),
		done:  make(chan struct{}),
	}
}

// Run executes posted closures in order until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post blocks while the queue is full and reports false once the loop has
// stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() { fn(); close(ran) }) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

func (l *Loop) Done() <-chan struct{} { return l.done }
