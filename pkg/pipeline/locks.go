package pipeline

import "sync"

// lockRegistry serializes turn processing per game. Entries are never
// evicted; a game holds one mutex for the process lifetime.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*sync.Mutex)}
}

func (r *lockRegistry) forGame(gameID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[gameID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[gameID] = l
	}
	return l
}
