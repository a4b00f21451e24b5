package streamactor

import "sync"

// waiterList is a FIFO queue of parties blocked on new data for one
// stream, replacing the teacher's longPollManager (a per-path slice of
// channels woken with a non-blocking send). That approach silently
// drops a wakeup for any waiter whose channel buffer is already full;
// this one instead keeps strict FIFO order and never drops a wakeup,
// since every waiter here is buffered to exactly one pending notice.
type waiterList struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

func newWaiterList() *waiterList {
	return &waiterList{}
}

// add registers a new waiter and returns its channel plus a function to
// deregister it (to be deferred by the caller).
func (l *waiterList) add() (ch chan struct{}, remove func()) {
	ch = make(chan struct{}, 1)
	l.mu.Lock()
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	remove = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
	}
	return ch, remove
}

// wakeAll notifies every current waiter exactly once, in registration
// order, without blocking on a slow or abandoned consumer.
func (l *waiterList) wakeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// count reports the number of currently registered waiters, used by
// the actor's idle-eviction check (an actor with live long-poll/SSE
// waiters is never idle regardless of how long since its last append).
func (l *waiterList) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
