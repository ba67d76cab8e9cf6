package native

import (
	"github.com/hexlune/instpatch/arm64"
	"github.com/hexlune/instpatch/codecache"
)

// MovRegMem is the view over a memory-access site: a load or store whose
// effective offset is either encoded PC-relatively in the instruction stream
// or held in a co-located constant-pool slot.
type MovRegMem struct {
	Instruction
}

// MovRegMemAt returns the memory-access view at a.
func (e *Env) MovRegMemAt(a codecache.Addr) MovRegMem {
	return MovRegMem{e.InstructionAt(a)}
}

// Offset returns the effective offset: the pool slot's content when the
// addressing mode references the pool, otherwise the computed target address
// interpreted as an integer.
func (o MovRegMem) Offset() (int64, error) {
	t, err := arm64.TargetOf(o.addr)
	if err != nil {
		return 0, err
	}
	if arm64.MaybeCPoolRef(o.Word()) {
		return t.Int64(), nil
	}
	return int64(t), nil
}

// SetOffset writes x symmetrically to Offset: into the pool slot (plain
// data, no invalidation) or into the stream's embedded immediate, flushing
// the rewritten range.
func (o MovRegMem) SetOffset(x int64) error {
	if arm64.MaybeCPoolRef(o.Word()) {
		t, err := arm64.TargetOf(o.addr)
		if err != nil {
			return err
		}
		t.SetInt64(x)
		return nil
	}
	n, err := arm64.PatchTarget(o.addr, codecache.Addr(uintptr(x)))
	if err != nil {
		return err
	}
	o.invalidate(n)
	return nil
}

// Verify only asserts the computed target is resolvable. A null target is a
// legitimate not-yet-linked state, not an error at this layer.
func (o MovRegMem) Verify() error {
	_ = arm64.TargetOrZero(o.addr)
	return nil
}
