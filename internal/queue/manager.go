// Package queue serializes gate changes through named queues: one item's jobs
// run to completion (or first voting failure) before the next item starts.
// Independent queues proceed concurrently.
package queue

import (
	"context"
	"fmt"
	"sync"

	"gateline/internal/domain"
)

// RunFunc executes a running item's gate jobs and returns all results. The
// manager decides Merged/Rejected from them.
type RunFunc func(ctx context.Context, item *domain.QueueItem) []domain.JobResult

// Manager owns every named gate queue.
type Manager struct {
	run RunFunc

	mu     sync.Mutex
	queues map[string]*gateQueue
}

type gateQueue struct {
	name string

	mu      sync.Mutex
	entries []*entry
	active  bool
}

type entry struct {
	ctx  context.Context
	item *domain.QueueItem
	done chan struct{}
}

// NewManager returns a manager dispatching items through run.
func NewManager(run RunFunc) *Manager {
	return &Manager{run: run, queues: map[string]*gateQueue{}}
}

// Enqueue appends the item to its named queue and returns a channel closed
// once the item is merged or rejected. The item's Results and State are safe
// to read after the channel closes.
func (m *Manager) Enqueue(ctx context.Context, item *domain.QueueItem) <-chan struct{} {
	item.State = domain.ItemQueued
	e := &entry{ctx: ctx, item: item, done: make(chan struct{})}

	m.mu.Lock()
	q, ok := m.queues[item.Queue]
	if !ok {
		q = &gateQueue{name: item.Queue}
		m.queues[item.Queue] = q
	}
	m.mu.Unlock()

	q.mu.Lock()
	q.entries = append(q.entries, e)
	start := !q.active
	if start {
		q.active = true
	}
	q.mu.Unlock()
	if start {
		go q.drain(m.run)
	}
	return e.done
}

// drain processes queue items strictly one at a time.
func (q *gateQueue) drain(run RunFunc) {
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.active = false
			q.mu.Unlock()
			return
		}
		e := q.entries[0]
		for _, other := range q.entries[1:] {
			if other.item.State == domain.ItemRunning {
				q.mu.Unlock()
				// Bug-level invariant breach: never expected in correct
				// operation.
				panic(fmt.Sprintf("queue %s: serialization violation, two running items", q.name))
			}
		}
		e.item.State = domain.ItemRunning
		q.mu.Unlock()

		results := run(e.ctx, e.item)

		q.mu.Lock()
		e.item.Results = results
		if domain.Success(results) {
			e.item.State = domain.ItemMerged
		} else {
			e.item.State = domain.ItemRejected
		}
		q.entries = q.entries[1:]
		q.mu.Unlock()
		close(e.done)
	}
}

// Status returns a snapshot of every queue's in-flight items in order.
func (m *Manager) Status() map[string][]domain.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]domain.QueueItem{}
	for name, q := range m.queues {
		q.mu.Lock()
		for _, e := range q.entries {
			out[name] = append(out[name], *e.item)
		}
		q.mu.Unlock()
	}
	return out
}
