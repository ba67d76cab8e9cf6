package native

import (
	"fmt"

	"github.com/hexlune/instpatch/codecache"
)

// TrampolineReloc records that the call at CallOffset (relative to the
// buffer start) must be rewritten to branch to Stub.
type TrampolineReloc struct {
	CallOffset int
	Stub       codecache.Addr
}

// CodeBuffer is a codecache.Writer over a fixed region: trampoline stubs are
// appended at the cursor and the pending relocations are applied once the
// buffer's contents are final. Not safe for concurrent use; emission happens
// under the compiler's ownership of the buffer.
type CodeBuffer struct {
	base   codecache.Addr
	size   int
	cursor int
	far    bool
	relocs []TrampolineReloc
}

// NewCodeBuffer returns a writer over [base, base+size). farBranches
// controls whether calls in this buffer may need trampolines at all.
func NewCodeBuffer(base codecache.Addr, size int, farBranches bool) *CodeBuffer {
	return &CodeBuffer{base: base, size: size, far: farBranches}
}

// FarBranches implements codecache.Writer.
func (b *CodeBuffer) FarBranches() bool { return b.far }

// Start implements codecache.Writer.
func (b *CodeBuffer) Start() codecache.Addr { return b.base }

// End returns the current cursor address.
func (b *CodeBuffer) End() codecache.Addr { return b.base.Add(int64(b.cursor)) }

// Advance moves the cursor past n bytes of already-emitted code.
func (b *CodeBuffer) Advance(n int) { b.cursor += n }

// EmitTrampolineStub implements codecache.Writer.
func (b *CodeBuffer) EmitTrampolineStub(callOffset int, dest codecache.Addr) (codecache.Addr, error) {
	// The destination slot must land 8-aligned.
	cur := (b.cursor + 7) &^ 7
	if cur+TrampolineSize > b.size {
		return 0, fmt.Errorf("stub for call at offset %#x: %w", callOffset, ErrCodeBufferFull)
	}
	stub := b.base.Add(int64(cur))
	WriteTrampoline(stub, dest)
	b.cursor = cur + TrampolineSize
	b.relocs = append(b.relocs, TrampolineReloc{CallOffset: callOffset, Stub: stub})
	return stub, nil
}

// Relocs returns the relocations pending against this buffer.
func (b *CodeBuffer) Relocs() []TrampolineReloc { return b.relocs }

// ApplyRelocs rewrites every recorded call to branch to its stub and clears
// the pending list. Requires the safepoint precondition, like any direct
// call rewrite.
func (b *CodeBuffer) ApplyRelocs(env *Env) error {
	for _, r := range b.relocs {
		call := env.CallAt(b.base.Add(int64(r.CallOffset)))
		if err := call.SetDestination(r.Stub); err != nil {
			return err
		}
	}
	b.relocs = nil
	return nil
}
