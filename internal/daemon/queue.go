package daemon

import (
	"context"
	"sync"
)

// Action is a unit of queued daemon work.
type Action func(ctx context.Context) error

// actionQueue is an unbounded FIFO safe for concurrent producers. The loop
// drains it wholesale; actions queued during a drain wait for the next one.
type actionQueue struct {
	mu    sync.Mutex
	items []Action
}

func (q *actionQueue) push(a Action) {
	q.mu.Lock()
	q.items = append(q.items, a)
	q.mu.Unlock()
}

func (q *actionQueue) drain() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *actionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// taskList holds recurring tasks run every iteration.
type taskList struct {
	mu    sync.Mutex
	next  uint64
	tasks map[uint64]Action
	order []uint64
}

func (l *taskList) add(a Action) (uint64, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tasks == nil {
		l.tasks = make(map[uint64]Action)
	}
	l.next++
	l.tasks[l.next] = a
	l.order = append(l.order, l.next)
	return l.next, len(l.tasks)
}

func (l *taskList) remove(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tasks[id]; !ok {
		return false
	}
	delete(l.tasks, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

func (l *taskList) snapshot() []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Action, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.tasks[id])
	}
	return out
}

func (l *taskList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}
