package scheduler

import "sync"

// Leases hands out one in-process token per deployment so that at most one
// cycle runs for it at a time.
type Leases struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLeases() *Leases {
	return &Leases{held: make(map[string]struct{})}
}

// TryAcquire 不阻塞；已被持有时返回 false。
func (l *Leases) TryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *Leases) Release(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}

func (l *Leases) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
