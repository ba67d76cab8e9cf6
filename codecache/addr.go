package codecache

import (
	"sync/atomic"
	"unsafe"
)

// Addr is an address within executable code memory. It is produced by the
// code-cache allocator (or by MapSegment) and is never an address into the
// Go-managed heap, so converting it back to an unsafe.Pointer for direct
// loads and stores is sound. Instruction words live at 4-byte-aligned
// addresses; pointer-sized slots (trampoline destinations, constant-pool
// entries) live at 8-byte-aligned addresses.
type Addr uintptr

// WordAligned returns true if a can hold an instruction word.
func (a Addr) WordAligned() bool { return a&3 == 0 }

// PtrAligned returns true if a can hold a pointer-sized slot.
func (a Addr) PtrAligned() bool { return a&7 == 0 }

// Add returns the address off bytes after a. off may be negative.
func (a Addr) Add(off int64) Addr { return Addr(uintptr(int64(a) + off)) }

// Word atomically loads the 32-bit instruction word at a.
//
// A 4-byte-aligned word is the unit of atomic replacement on this
// architecture: a concurrent fetch observes either the old or the new word,
// never a mix. Go's atomics give sequential consistency, stronger than the
// acquire ordering this needs.
func (a Addr) Word() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(a)))
}

// SetWord atomically stores a 32-bit instruction word at a.
func (a Addr) SetWord(w uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(a)), w)
}

// Ptr atomically loads the pointer-sized slot at a.
func (a Addr) Ptr() Addr {
	return Addr(atomic.LoadUintptr((*uintptr)(unsafe.Pointer(a))))
}

// SetPtr atomically stores p into the pointer-sized slot at a. The store has
// release semantics: a thread that later observes an instruction rewritten to
// reference this slot also observes p, never a torn or stale value.
func (a Addr) SetPtr(p Addr) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(a)), uintptr(p))
}

// Int64 loads the 64-bit data slot at a. Not atomic; data slots are only
// read and written under the caller's patching precondition.
func (a Addr) Int64() int64 {
	return *(*int64)(unsafe.Pointer(a))
}

// SetInt64 stores x into the 64-bit data slot at a.
func (a Addr) SetInt64(x int64) {
	*(*int64)(unsafe.Pointer(a)) = x
}
