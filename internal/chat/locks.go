// Package chat serializes work per chat id so that writes and fan-out for one
// chat happen in a single total order while different chats run in parallel.
package chat

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Locks is a keyed mutex. Entries are dropped once nobody holds or waits on them.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

// Lock blocks until the lock for chatID is held and returns its release func.
func (l *Locks) Lock(chatID string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.entries[chatID]
	if !ok {
		e = &lockEntry{}
		l.entries[chatID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.entries, chatID)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many chat ids currently have holders or waiters.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
