package codecache

import (
	"fmt"
	"sync"
)

// Cache is a concrete in-memory Index. It is sufficient for embedders that
// manage a handful of mapped segments and for tests; a production VM may
// substitute its own registry behind the Index interface.
type Cache struct {
	mu    sync.RWMutex
	blobs []*CompiledBlob
}

func NewCache() *Cache { return &Cache{} }

// Register adds b to the cache. Ranges must not overlap; the zero-length
// check is the caller's responsibility.
func (c *Cache) Register(b *CompiledBlob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs = append(c.blobs, b)
}

// FindBlob implements Index.
func (c *Cache) FindBlob(a Addr) Blob {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.blobs {
		if b.Contains(a) {
			return b
		}
	}
	return nil
}

// CompiledBlob is a compiled unit registered with a Cache: a code range, an
// optional stub region inside it, trampoline reservations made at emission
// time, and reference-relocation records.
type CompiledBlob struct {
	base Addr
	size int

	stubStart, stubEnd Addr

	compiled bool

	mu           sync.Mutex
	reservations map[Addr]Addr
	relocs       []*RefSlot
}

// NewCompiledBlob returns a compiled unit covering [base, base+size).
func NewCompiledBlob(base Addr, size int) *CompiledBlob {
	return &CompiledBlob{base: base, size: size, compiled: true}
}

// NewBufferBlob returns a non-compiled blob (an adapter or buffer region)
// covering [base, base+size). It carries no side tables.
func NewBufferBlob(base Addr, size int) *CompiledBlob {
	return &CompiledBlob{base: base, size: size}
}

func (b *CompiledBlob) Base() Addr { return b.base }
func (b *CompiledBlob) Size() int  { return b.size }

// Contains reports whether a falls inside the blob's code range.
func (b *CompiledBlob) Contains(a Addr) bool {
	return a >= b.base && a < b.base.Add(int64(b.size))
}

// SetStubRegion declares [start, end) as the blob's trampoline stub region.
func (b *CompiledBlob) SetStubRegion(start, end Addr) {
	if start < b.base || end > b.base.Add(int64(b.size)) || start > end {
		panic(fmt.Sprintf("codecache: stub region [%#x, %#x) outside blob [%#x, %#x)",
			start, end, b.base, b.base.Add(int64(b.size))))
	}
	b.stubStart, b.stubEnd = start, end
}

// IsCompiled implements Blob.
func (b *CompiledBlob) IsCompiled() bool { return b.compiled }

// StubContains implements Blob.
func (b *CompiledBlob) StubContains(a Addr) bool {
	return a >= b.stubStart && a < b.stubEnd
}

// ReserveTrampoline records that the trampoline stub at stub was set aside
// for the call instruction at call when the blob was emitted.
func (b *CompiledBlob) ReserveTrampoline(call, stub Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reservations == nil {
		b.reservations = make(map[Addr]Addr)
	}
	b.reservations[call] = stub
}

// TrampolineFor implements Blob.
func (b *CompiledBlob) TrampolineFor(call Addr) Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reservations[call]
}

// AddReloc records a reference-relocation of the given kind annotating the
// instruction at a, and returns the record so the caller can seed its slot.
func (b *CompiledBlob) AddReloc(kind RefKind, a Addr) *RefSlot {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &RefSlot{kind: kind, at: a}
	b.relocs = append(b.relocs, r)
	return r
}

// Relocs implements Blob.
func (b *CompiledBlob) Relocs(from, to Addr) []Reloc {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Reloc
	for _, r := range b.relocs {
		if r.at >= from && r.at < to {
			out = append(out, r)
		}
	}
	return out
}

// RefSlot is the Reloc implementation used by CompiledBlob: the out-of-band
// reference slot is held in the record itself.
type RefSlot struct {
	kind RefKind
	at   Addr
	ref  uintptr
}

func (r *RefSlot) Kind() RefKind    { return r.kind }
func (r *RefSlot) Addr() Addr       { return r.at }
func (r *RefSlot) Ref() uintptr     { return r.ref }
func (r *RefSlot) SetRef(x uintptr) { r.ref = x }
