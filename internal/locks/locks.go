// Package locks provides keyed mutual exclusion for preview and workspace
// operations: calls for the same (project_id, session_id) serialize, calls
// for distinct pairs run in parallel.
package locks

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed is a map of lazily created mutexes. Entries are dropped once the
// last holder releases, so the map stays bounded by in-flight operations.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking while another holder has it.
// The returned func releases the lock and must be called exactly once,
// typically via defer.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// SessionKey builds the canonical lock key for a session-scoped operation.
func SessionKey(projectID, sessionID string) string {
	return projectID + "/" + sessionID
}
