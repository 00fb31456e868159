package vm

import (
	"math"
	"unsafe"
)

// Value is a NaN-boxed Ember value.
//
// Every value fits in 64 bits. Anything that is not a quiet NaN with tag
// bits set decodes as an IEEE 754 double. Non-floats live in the NaN
// payload space:
//
//	SmallInt:  quiet NaN | tagInt    | 48-bit signed payload
//	Object:    quiet NaN | tagObject | 48-bit pointer
//	Symbol:    quiet NaN | tagSymbol | interned symbol ID
//	Block:     quiet NaN | tagBlock  | closure registry ID
//	Special:   quiet NaN | tagSpecial| nil / true / false
type Value uint64

const (
	nanBits     uint64 = 0x7FF8000000000000
	tagMask     uint64 = 0x0007000000000000
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagObject  uint64 = 0x0001000000000000
	tagInt     uint64 = 0x0002000000000000
	tagSpecial uint64 = 0x0003000000000000
	tagSymbol  uint64 = 0x0004000000000000
	tagBlock   uint64 = 0x0005000000000000

	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000
)

// Special payloads.
const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Predefined special values.
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// SmallInt range (48-bit signed).
const (
	MaxSmallInt int64 = (1 << 47) - 1
	MinSmallInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Type checks
// ---------------------------------------------------------------------------

func (v Value) hasTag(tag uint64) bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tag)
}

// IsFloat reports whether v decodes as a float64. Regular numbers,
// infinities, signalling NaNs and the untagged quiet NaN all count.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true // finite
	}
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true // ±Inf
	}
	if (bits & nanBits) != nanBits {
		return true // signalling NaN
	}
	return bits&tagMask == 0 // plain quiet NaN is a float; tagged is not
}

func (v Value) IsSmallInt() bool { return v.hasTag(tagInt) }
func (v Value) IsObject() bool   { return v.hasTag(tagObject) }
func (v Value) IsSymbol() bool   { return v.hasTag(tagSymbol) }
func (v Value) IsBlock() bool    { return v.hasTag(tagBlock) }
func (v Value) IsSpecial() bool  { return v.hasTag(tagSpecial) }

func (v Value) IsNil() bool  { return v == Nil }
func (v Value) IsBool() bool { return v == True || v == False }

// ---------------------------------------------------------------------------
// Constructors and accessors
// ---------------------------------------------------------------------------

// Float64 returns v as a float64. Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// SmallInt returns v as an int64, sign-extending the 48-bit payload.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	payload := uint64(v) & payloadMask
	if payload&intSignBit != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromSmallInt creates a Value from an int64, reporting range failure
// instead of panicking.
func TryFromSmallInt(n int64) (Value, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return Nil, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// ObjectRef returns the heap object v points at.
// Panics if v is not an object.
func (v Value) ObjectRef() *Object {
	if !v.IsObject() {
		panic("Value.ObjectRef: not an object")
	}
	return (*Object)(unsafe.Pointer(uintptr(uint64(v) & payloadMask)))
}

// FromObject encodes a heap object pointer. The pointer must fit in 48
// bits, which holds on every supported architecture. The object must also
// be registered with the owning VM's allocator, since the boxed pointer is
// invisible to Go's collector.
func FromObject(obj *Object) Value {
	return Value(nanBits | tagObject | uint64(uintptr(unsafe.Pointer(obj))))
}

// SymbolID returns the interned symbol ID. Panics if v is not a symbol.
func (v Value) SymbolID() uint32 {
	if !v.IsSymbol() {
		panic("Value.SymbolID: not a symbol")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromSymbolID creates a symbol Value from an interned ID.
func FromSymbolID(id uint32) Value {
	return Value(nanBits | tagSymbol | uint64(id))
}

// BlockID returns the closure registry ID. Panics if v is not a block.
func (v Value) BlockID() uint32 {
	if !v.IsBlock() {
		panic("Value.BlockID: not a block")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromBlockID creates a block Value from a closure registry ID.
func FromBlockID(id uint32) Value {
	return Value(nanBits | tagBlock | uint64(id))
}

// Bool returns v as a bool. Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	}
	panic("Value.Bool: not a boolean")
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// ---------------------------------------------------------------------------
// Truthiness
// ---------------------------------------------------------------------------

// IsTruthy reports whether v is considered true in conditionals.
// Only false and nil are falsy.
func (v Value) IsTruthy() bool {
	return v != False && v != Nil
}

// IsFalsy reports whether v is false or nil.
func (v Value) IsFalsy() bool {
	return v == False || v == Nil
}
