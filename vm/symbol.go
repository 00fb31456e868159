package vm

import "sync"

// ---------------------------------------------------------------------------
// SymbolTable: interned symbols and selectors
// ---------------------------------------------------------------------------

// SymbolTable interns symbol strings to stable uint32 IDs. Selectors are
// symbols; method tables key on the interned ID.
type SymbolTable struct {
	mu     sync.RWMutex
	byName map[string]uint32
	byID   []string
}

// NewSymbolTable creates an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		byName: make(map[string]uint32),
		byID:   make([]string, 0, 256),
	}
}

// Intern returns the ID for name, allocating one on first use.
func (st *SymbolTable) Intern(name string) uint32 {
	st.mu.RLock()
	if id, ok := st.byName[name]; ok {
		st.mu.RUnlock()
		return id
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	// Re-check: another goroutine may have interned it between locks.
	if id, ok := st.byName[name]; ok {
		return id
	}
	id := uint32(len(st.byID))
	st.byID = append(st.byID, name)
	st.byName[name] = id
	return id
}

// Lookup returns the ID for name without interning.
func (st *SymbolTable) Lookup(name string) (uint32, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byName[name]
	return id, ok
}

// Name returns the string for an interned ID, or "" if unknown.
func (st *SymbolTable) Name(id uint32) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(id) < len(st.byID) {
		return st.byID[id]
	}
	return ""
}

// Count returns the number of interned symbols.
func (st *SymbolTable) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}
