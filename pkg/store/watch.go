package store

import (
	"context"
	"sync"

	"github.com/goliatone/go-environ/layering"
)

// hub fans query results out to watchers. Each watcher holds at most one
// pending result; publishing replaces it so writers never block on slow
// readers.
type hub[T any] struct {
	mu       sync.Mutex
	watchers map[*watcher[T]]struct{}
	done     chan struct{}
	closed   bool
}

type watcher[T any] struct {
	query Query[T]
	ch    chan []Record[T]
}

// watch registers q and queues its result over current.
func (h *hub[T]) watch(ctx context.Context, q Query[T], current []Record[T]) (<-chan []Record[T], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &watcher[T]{query: q, ch: make(chan []Record[T], 1)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.watchers == nil {
		h.watchers = map[*watcher[T]]struct{}{}
	}
	h.watchers[w] = struct{}{}
	w.ch <- layering.Clone(q.apply(current))
	done := h.doneLocked()
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.watchers[w]; ok {
			delete(h.watchers, w)
			close(w.ch)
		}
	}()
	return w.ch, nil
}

// publish delivers each watcher's view of records. Callers serialize
// publishes so results arrive in commit order.
func (h *hub[T]) publish(records []Record[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		result := layering.Clone(w.query.apply(records))
		select {
		case <-w.ch:
		default:
		}
		w.ch <- result
	}
}

func (h *hub[T]) active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers) > 0
}

func (h *hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.doneLocked())
	for w := range h.watchers {
		close(w.ch)
	}
	h.watchers = nil
}

func (h *hub[T]) doneLocked() chan struct{} {
	if h.done == nil {
		h.done = make(chan struct{})
	}
	return h.done
}
