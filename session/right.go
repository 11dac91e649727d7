package session

import (
	"context"
	"sync"
)

// Right is the exclusive right to use the shared terminal connection.
// Waiters are granted the right in arrival order. A waiter whose context
// ends leaves the queue without disturbing the others.
type Right struct {
	mu    sync.Mutex
	held  bool
	queue []chan struct{}
}

// Acquire blocks until the right is granted or ctx ends. The returned
// release func is safe to call more than once.
func (r *Right) Acquire(ctx context.Context) (release func(), err error) {
	r.mu.Lock()
	if !r.held && len(r.queue) == 0 {
		r.held = true
		r.mu.Unlock()
		return r.releaser(), nil
	}
	ch := make(chan struct{})
	r.queue = append(r.queue, ch)
	r.mu.Unlock()

	select {
	case <-ch:
		return r.releaser(), nil
	case <-ctx.Done():
	}

	r.mu.Lock()
	select {
	case <-ch:
		// Granted while giving up; pass it on.
		r.mu.Unlock()
		r.release()
		return nil, ctx.Err()
	default:
	}
	for i, w := range r.queue {
		if w == ch {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return nil, ctx.Err()
}

func (r *Right) releaser() func() {
	var once sync.Once
	return func() { once.Do(r.release) }
}

// release hands the right to the head of the queue, or frees it.
func (r *Right) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		r.held = false
		return
	}
	next := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	close(next)
}

// Waiting returns the number of queued waiters.
func (r *Right) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Held reports whether someone holds the right.
func (r *Right) Held() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}
