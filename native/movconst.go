package native

import (
	"github.com/hexlune/instpatch/arm64"
	"github.com/hexlune/instpatch/buildoptions"
	"github.com/hexlune/instpatch/codecache"
)

// movConstInstructions is the template span a constant-load site may occupy
// (MOVZ plus up to two MOVKs); relocation records annotating the site fall
// within this range.
const movConstInstructions = 3

// MovConst is the view over a constant-load site: a pointer-sized constant
// materialized directly in the instruction stream (move-wide sequence or
// ADRP plus immediate) or referenced indirectly through a co-located
// constant-pool slot (load-register-literal).
type MovConst struct {
	Instruction
}

// MovConstAt returns the constant-load view at a.
func (e *Env) MovConstAt(a codecache.Addr) MovConst {
	return MovConst{e.InstructionAt(a)}
}

// Verify checks that the site holds one of the three expected encodings.
// Anything else means the compiler never emitted a constant load here and
// the caller is patching through a stale or aliased view; fatal.
func (c MovConst) Verify() error {
	if !c.IsMovz() && !c.IsAdrp() && !c.IsLdrLiteral() {
		return &CorruptionError{Addr: c.addr, Word: c.Word(), Want: "MOVZ, ADRP or LDR (literal)"}
	}
	return nil
}

// Register returns the register the constant is materialized or loaded into.
func (c MovConst) Register() uint32 { return arm64.Rd(c.Word()) }

// isPoolRef reports whether the constant lives in the pool rather than in
// the instruction stream. ADRP sites are not pool references: the computed
// address itself is the constant.
func (c MovConst) isPoolRef() bool { return c.IsLdrLiteral() }

// Data returns the constant: the pool slot's content for a pool reference,
// otherwise the computed target address itself.
func (c MovConst) Data() (uintptr, error) {
	t, err := arm64.TargetOf(c.addr)
	if err != nil {
		return 0, err
	}
	if c.isPoolRef() {
		return uintptr(t.Ptr()), nil
	}
	return uintptr(t), nil
}

// SetData writes the constant x. For a pool reference the slot is plain
// data, so no instruction word changes and no invalidation is needed; for an
// in-stream constant the embedded immediates are re-encoded and the
// rewritten range flushed. Either way, an object- or metadata-reference
// relocation record overlapping the site has its out-of-band slot updated to
// x as well, so the collector's reference table stays consistent with the
// in-stream encoding.
//
// Re-encoding a move-wide sequence spans several words; safepoint only.
func (c MovConst) SetData(x uintptr) error {
	if buildoptions.CheckedPatching {
		if err := c.Verify(); err != nil {
			panic(err)
		}
	}
	if c.isPoolRef() {
		t, err := arm64.TargetOf(c.addr)
		if err != nil {
			return err
		}
		t.SetPtr(codecache.Addr(x))
	} else {
		n, err := arm64.PatchTarget(c.addr, codecache.Addr(x))
		if err != nil {
			return err
		}
		c.invalidate(n)
	}

	if blob := c.env.cache.FindBlob(c.addr); blob != nil && blob.IsCompiled() {
		end := c.addr.Add(movConstInstructions * arm64.InstructionSize)
		for _, r := range blob.Relocs(c.addr, end) {
			if k := r.Kind(); k == codecache.ObjectRef || k == codecache.MetadataRef {
				r.SetRef(x)
				break // one constant per site
			}
		}
	}
	return nil
}
