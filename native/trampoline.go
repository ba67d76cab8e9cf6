package native

import (
	"github.com/hexlune/instpatch/arm64"
	"github.com/hexlune/instpatch/codecache"
)

// A trampoline stub is the one level of indirection that makes any call
// reachable regardless of offset. Fixed layout, base 8-aligned:
//
//	+0  ldr x8, #8      load the destination slot
//	+4  br  x8
//	+8  <8-byte destination slot>
//
// The prologue is immutable; only the slot is ever rewritten. Stubs are
// never chained to other stubs.
const (
	TrampolineSize       = 16
	TrampolineDataOffset = 8

	trampolineScratchReg = 8
)

// IsTrampolineAt reports whether a recognized trampoline prologue starts at a.
func (e *Env) IsTrampolineAt(a codecache.Addr) bool {
	w0, w1 := a.Word(), a.Add(arm64.InstructionSize).Word()
	return arm64.IsLdrLiteral(w0) &&
		arm64.Rd(w0) == trampolineScratchReg &&
		arm64.SignExtend(arm64.Extract(w0, 23, 5), 19)<<2 == TrampolineDataOffset &&
		arm64.IsBranchReg(w1) &&
		arm64.Rn(w1) == trampolineScratchReg
}

// TrampolineStub is the view over a stub.
type TrampolineStub struct {
	Instruction
}

// TrampolineAt returns the stub view at a.
func (e *Env) TrampolineAt(a codecache.Addr) TrampolineStub {
	return TrampolineStub{e.InstructionAt(a)}
}

// Destination reads the stub's destination slot.
func (t TrampolineStub) Destination() codecache.Addr {
	return t.addr.Add(TrampolineDataOffset).Ptr()
}

// SetDestination stores dest into the slot with release ordering: a thread
// that later observes a call rewritten to branch into this stub also
// observes dest in the slot, never a torn or stale value. Publishing order
// is slot write first, call rewrite second.
func (t TrampolineStub) SetDestination(dest codecache.Addr) {
	t.addr.Add(TrampolineDataOffset).SetPtr(dest)
}

// WriteTrampoline lays down a complete stub at a (which must be 8-aligned)
// holding dest. The bytes are dead until some call is repointed at the stub,
// so no invalidation happens here; the repointing operation flushes.
func WriteTrampoline(a, dest codecache.Addr) {
	a.SetWord(arm64.LdrLiteral(trampolineScratchReg, TrampolineDataOffset))
	a.Add(arm64.InstructionSize).SetWord(arm64.BranchReg(trampolineScratchReg))
	a.Add(TrampolineDataOffset).SetPtr(dest)
}
