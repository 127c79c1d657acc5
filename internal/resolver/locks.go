package resolver

import "sync"

// TargetLocks serialises read-modify-write sequences per target. Different
// targets proceed fully in parallel; there is no global lock. Entries are
// retained for the life of the process (bounded by the number of distinct
// targets the engine has seen).
type TargetLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTargetLocks constructs an empty lock registry.
func NewTargetLocks() *TargetLocks {
	return &TargetLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the target's mutex and returns its unlock function.
func (t *TargetLocks) Lock(target string) func() {
	t.mu.Lock()
	lock, ok := t.locks[target]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[target] = lock
	}
	t.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
