package engine

import "sync"

// KeyedMutex serialises work per key (a unit or a worker) without a global
// lock. Callers that need both take the unit key before the slot key.
// Entries are dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	mutexes map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		mutexes: make(map[string]*keyedEntry),
	}
}

// Lock acquires the mutex for key.
func (m *KeyedMutex) Lock(key string) {
	m.mu.Lock()
	e, ok := m.mutexes[key]
	if !ok {
		e = &keyedEntry{}
		m.mutexes[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. Unlocking a key that is not locked
// panics, as with sync.Mutex.
func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.mutexes[key]
	if !ok {
		panic("engine: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(m.mutexes, key)
	}
	e.mu.Unlock()
}

func (m *KeyedMutex) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mutexes)
}

func unitKey(id string) string { return "unit/" + id }
func slotKey(id string) string { return "slot/" + id }
