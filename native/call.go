package native

import (
	"fmt"

	"github.com/hexlune/instpatch/arm64"
	"github.com/hexlune/instpatch/buildoptions"
	"github.com/hexlune/instpatch/codecache"
)

// Call is the view over a direct call site: a single branch-with-link whose
// destination is resolved either directly or through a trampoline stub.
type Call struct {
	Instruction
}

// CallAt returns the call view at a.
func (e *Env) CallAt(a codecache.Addr) Call {
	return Call{e.InstructionAt(a)}
}

// Verify checks that the site holds a branch-with-link.
func (c Call) Verify() error {
	if !c.IsCall() {
		return &CorruptionError{Addr: c.addr, Word: c.Word(), Want: "a branch-with-link"}
	}
	return nil
}

// Displacement returns the signed byte offset encoded in the call's
// immediate field.
func (c Call) Displacement() int64 {
	return arm64.SignExtend(arm64.Extract(c.Word(), 25, 0), 26) << 2
}

// Destination resolves the call's destination: the immediate target, or,
// when that target is a trampoline stub inside the owning unit's stub
// region, the address stored in the stub's slot.
func (c Call) Destination() codecache.Addr {
	dest := c.addr.Add(c.Displacement())
	// A self-call needs no blob lookup.
	if dest == c.addr {
		return dest
	}
	blob := c.env.cache.FindBlob(c.addr)
	if buildoptions.CheckedPatching && (blob == nil || !blob.IsCompiled()) {
		panic(fmt.Sprintf("native: call at %#x not inside a compiled unit", uintptr(c.addr)))
	}
	if blob != nil && blob.StubContains(dest) && c.env.IsTrampolineAt(dest) {
		return c.env.TrampolineAt(dest).Destination()
	}
	return dest
}

// Trampoline returns the stub associated with this call: the immediate
// branch target when it already is a stub, or the stub pre-reserved for this
// call address at emission time. ok is false when neither exists.
func (c Call) Trampoline() (stub codecache.Addr, ok bool) {
	blob := c.env.cache.FindBlob(c.addr)
	if buildoptions.CheckedPatching && (blob == nil || !blob.IsCompiled()) {
		panic(fmt.Sprintf("native: call at %#x not inside a compiled unit", uintptr(c.addr)))
	}
	if blob == nil {
		return 0, false
	}
	dest := c.addr.Add(c.Displacement())
	if blob.StubContains(dest) && c.env.IsTrampolineAt(dest) {
		return dest, true
	}
	if stub := blob.TrampolineFor(c.addr); stub != 0 {
		return stub, true
	}
	return 0, false
}

// SetDestination rewrites the branch immediate to target dest directly.
// dest must be within direct range; callers unsure of reachability use
// SetDestinationMTSafe. Requires the safepoint precondition.
func (c Call) SetDestination(dest codecache.Addr) error {
	w, err := arm64.Branch(c.addr, dest, true)
	if err != nil {
		return fmt.Errorf("call at %#x: %w", uintptr(c.addr), err)
	}
	c.addr.SetWord(w)
	c.invalidate(arm64.InstructionSize)
	return nil
}

// SetDestinationMTSafe redirects the call while free-running threads may be
// executing it. The caller must hold the code-cache modification lock, be at
// a safepoint, or own the per-site patching lock; given that, the publish
// order below keeps every concurrent observer on a valid old-or-new
// destination:
//
//  1. the trampoline slot, if one is involved, is written first with
//     release ordering;
//  2. the call word is replaced in one atomic 32-bit store, branching
//     directly when dest is reachable and into the stub otherwise;
//  3. the instruction cache over the call is invalidated before returning.
func (c Call) SetDestinationMTSafe(dest codecache.Addr) error {
	if buildoptions.CheckedPatching {
		if err := c.Verify(); err != nil {
			panic(err)
		}
	}
	reachable := arm64.ReachableFromBranch(c.addr, dest)

	stub, ok := c.Trampoline()
	if ok {
		// Stubs only live in stub regions, so only look there; dest may
		// point outside any mapped blob.
		if buildoptions.CheckedPatching {
			if b := c.env.cache.FindBlob(dest); b != nil && b.StubContains(dest) && c.env.IsTrampolineAt(dest) {
				panic(fmt.Sprintf("native: chained trampolines at %#x", uintptr(dest)))
			}
		}
		c.env.TrampolineAt(stub).SetDestination(dest)
	}

	target := dest
	if !reachable {
		if !ok {
			return fmt.Errorf("call at %#x to %#x: %w", uintptr(c.addr), uintptr(dest), ErrTrampolineRequired)
		}
		target = stub
	}
	w, err := arm64.Branch(c.addr, target, true)
	if err != nil {
		return fmt.Errorf("call at %#x: %w", uintptr(c.addr), err)
	}
	c.addr.SetWord(w)
	c.invalidate(arm64.InstructionSize)
	return nil
}

// TrampolineJump makes the call reach dest through buf's far-branch policy:
// a direct patch when far branches are off, otherwise a freshly emitted
// trampoline stub plus a relocation that repoints this call to it later. A
// stub already sitting at the call's branch target is a caller error.
func (c Call) TrampolineJump(buf codecache.Writer, dest codecache.Addr) error {
	if !buf.FarBranches() {
		return c.SetDestination(dest)
	}
	if c.env.IsTrampolineAt(c.addr.Add(c.Displacement())) {
		return fmt.Errorf("call at %#x: %w", uintptr(c.addr), ErrTrampolineExists)
	}
	if _, err := buf.EmitTrampolineStub(int(int64(c.addr)-int64(buf.Start())), dest); err != nil {
		return fmt.Errorf("emit trampoline for call at %#x: %w", uintptr(c.addr), err)
	}
	// The relocation recorded with the stub rewrites this call when the
	// buffer's relocations are applied.
	return nil
}

// InsertCall would place a brand-new call instruction at code. This
// architecture family does not support it: call sites exist only where the
// compiler emitted the template.
func InsertCall(code, entry codecache.Addr) error {
	return fmt.Errorf("insert call at %#x: %w", uintptr(code), ErrUnsupported)
}
