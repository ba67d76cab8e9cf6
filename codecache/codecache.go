// Package codecache models the executable-memory side of a JIT code cache:
// opaque code addresses, the registry that maps an address to its owning
// compiled blob, per-blob side tables (stub-region bounds, trampoline
// reservations, reference-relocation records), and the processor
// instruction-cache invalidation service.
//
// The patching layer in package native consumes these as injected
// collaborators, so embedders can supply their own registry and tests can
// substitute doubles.
package codecache

// RefKind classifies a reference-relocation record.
type RefKind byte

const (
	// ObjectRef marks a relocation whose side slot holds a heap-object
	// reference tracked by the garbage collector.
	ObjectRef RefKind = iota
	// MetadataRef marks a relocation whose side slot holds a reference to
	// type metadata.
	MetadataRef
)

// Reloc is one reference-relocation record: an instruction address inside a
// blob paired with an out-of-band pointer-sized slot that the collector
// scans. When the in-stream constant at the instruction is repatched, the
// slot must be updated in the same operation so both views stay consistent.
type Reloc interface {
	Kind() RefKind
	// Addr is the address of the instruction the record annotates.
	Addr() Addr
	// Ref returns the current slot value.
	Ref() uintptr
	// SetRef stores x into the slot.
	SetRef(x uintptr)
}

// Blob is one unit of allocated code-cache memory and its side tables.
type Blob interface {
	// IsCompiled reports whether the blob is a compiled method unit. Only
	// compiled units carry stub regions and relocation records.
	IsCompiled() bool
	// StubContains reports whether a falls inside the blob's stub region,
	// where trampoline stubs are placed.
	StubContains(a Addr) bool
	// TrampolineFor returns the trampoline stub reserved for the call at
	// the given address at emission time, or 0 if none was reserved.
	TrampolineFor(call Addr) Addr
	// Relocs returns the relocation records whose annotated instruction
	// address falls in [from, to).
	Relocs(from, to Addr) []Reloc
}

// Index locates the blob owning an address.
type Index interface {
	// FindBlob returns the blob containing a, or nil.
	FindBlob(a Addr) Blob
}

// ICache is the processor instruction-cache invalidation service. The
// implementation is architecture- and OS-specific; cross-core visibility of
// an invalidation is assumed to be broadcast by the platform.
type ICache interface {
	// Invalidate flushes n bytes of instruction cache starting at a.
	Invalidate(a Addr, n int)
}

// NopICache is an ICache for platforms (and tests) where instruction and
// data caches are coherent or flushing is handled elsewhere.
type NopICache struct{}

func (NopICache) Invalidate(Addr, int) {}

// Writer is the code-buffer view used on the far-branch emission path: when
// a call's destination cannot be reached by a direct branch and no trampoline
// was reserved, a stub is emitted at the buffer's current cursor.
type Writer interface {
	// FarBranches reports whether branches in this buffer may need
	// trampolines at all; small code caches never do.
	FarBranches() bool
	// Start returns the address of the buffer's first instruction, used to
	// express call sites as buffer-relative offsets in relocations.
	Start() Addr
	// EmitTrampolineStub emits a trampoline stub holding dest at the
	// buffer cursor and records a relocation that will later repoint the
	// call at callOffset to the stub. Fails when the buffer is full.
	EmitTrampolineStub(callOffset int, dest Addr) (Addr, error)
}
