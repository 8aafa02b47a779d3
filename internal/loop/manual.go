package loop

import (
	"context"
	"sync"
)

// Manual queues posted closures until Drain runs them on the caller's
// goroutine. Tests use it to decide exactly when completions land.
type Manual struct {
	mu    sync.Mutex
	queue []func()
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) Post(fn func()) bool {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	return true
}

// Drain runs queued closures, including ones they post, until none remain.
func (m *Manual) Drain() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return n
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
		n++
	}
}

func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Call queues fn and drains the queue, so everything posted before it runs
// first.
func (m *Manual) Call(_ context.Context, fn func()) error {
	m.Post(fn)
	m.Drain()
	return nil
}
