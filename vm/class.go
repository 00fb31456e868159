package vm

import "sync"

// ---------------------------------------------------------------------------
// Class: Ember class representation
// ---------------------------------------------------------------------------

// Class holds a name, a superclass link, an instance slot count, and a
// method table keyed by interned selector ID. Classes are created through
// VM.DefineClass, which also assigns the class its Value handle.
type Class struct {
	Name       string
	Superclass *Class
	NumSlots   int

	mu      sync.RWMutex
	methods map[uint32]Method

	handle Value // symbol-space encoded class handle, set by DefineClass
}

// classMarker tags symbol-space payloads that are really class handles.
const classMarker uint32 = 2 << 24

// LookupMethod resolves a selector against this class and its ancestors.
// Returns nil when no class in the chain implements it.
func (c *Class) LookupMethod(selector uint32) Method {
	for cls := c; cls != nil; cls = cls.Superclass {
		cls.mu.RLock()
		m := cls.methods[selector]
		cls.mu.RUnlock()
		if m != nil {
			return m
		}
	}
	return nil
}

// OwnMethod returns the method installed directly on this class, without
// consulting superclasses.
func (c *Class) OwnMethod(selector uint32) Method {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.methods[selector]
}

// installMethod stores m under selector. Event bookkeeping happens in
// VM.InstallMethod; this is the raw table write.
func (c *Class) installMethod(selector uint32, m Method) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.methods == nil {
		c.methods = make(map[uint32]Method, 8)
	}
	c.methods[selector] = m
}

// Selectors returns the selector IDs implemented directly on this class.
func (c *Class) Selectors() []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint32, 0, len(c.methods))
	for sel := range c.methods {
		out = append(out, sel)
	}
	return out
}

// InstanceSlotCount returns the total slot count for instances of c,
// including slots inherited from superclasses.
func (c *Class) InstanceSlotCount() int {
	n := 0
	for cls := c; cls != nil; cls = cls.Superclass {
		n += cls.NumSlots
	}
	return n
}

// IsSubclassOf reports whether c is other or a descendant of other.
func (c *Class) IsSubclassOf(other *Class) bool {
	for cls := c; cls != nil; cls = cls.Superclass {
		if cls == other {
			return true
		}
	}
	return false
}

// Handle returns the class's Value encoding, usable as a literal or
// message argument. Zero Value (not Nil) before DefineClass assigns one.
func (c *Class) Handle() Value {
	return c.handle
}

// String returns the class name.
func (c *Class) String() string {
	return c.Name
}

// isClassHandle reports whether a symbol-space value carries the class
// marker.
func isClassHandle(v Value) bool {
	return v.IsSymbol() && v.SymbolID()&(0xFF<<24) == classMarker
}
