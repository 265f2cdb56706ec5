package kad

import (
	"sync"

	"github.com/bwrega/mldht/kad/krpc"
)

type mtidKey [krpc.MTIDLength]byte

func mtidKeyFrom(mtid []byte) (mtidKey, bool) {
	var k mtidKey
	if len(mtid) != krpc.MTIDLength {
		return k, false
	}
	copy(k[:], mtid)
	return k, true
}

// callTable maps transaction ids to in-flight calls. Mutation is limited
// to insert-if-absent and identity-conditional removal so a colliding id
// never evicts and a late duplicate response cannot re-associate a
// reused transaction id.
type callTable struct {
	mu      sync.RWMutex
	entries map[mtidKey]*Call
}

func newCallTable() *callTable {
	return &callTable{entries: make(map[mtidKey]*Call)}
}

// putIfAbsent admits c under mtid unless the id is taken. Reports
// whether the insert happened.
func (t *callTable) putIfAbsent(mtid []byte, c *Call) bool {
	k, ok := mtidKeyFrom(mtid)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[k]; exists {
		return false
	}
	t.entries[k] = c
	return true
}

func (t *callTable) get(mtid []byte) *Call {
	k, ok := mtidKeyFrom(mtid)
	if !ok {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[k]
}

// removeIf deletes the entry only while it still maps to c. Idempotent.
func (t *callTable) removeIf(mtid []byte, c *Call) bool {
	k, ok := mtidKeyFrom(mtid)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[k] != c {
		return false
	}
	delete(t.entries, k)
	return true
}

func (t *callTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
