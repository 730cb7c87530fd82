package state

import "sync"

// sessionLocks serializes writers per session ID. Entries are reference-counted and removed when the last holder
// releases, so the map does not grow with session churn.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// lock acquires the per-session mutex and returns its release func.
func (l *sessionLocks) lock(sessionID string) func() {
	l.mu.Lock()
	entry := l.locks[sessionID]
	if entry == nil {
		entry = &sessionLock{}
		l.locks[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}
