package native

import (
	"fmt"

	"github.com/hexlune/instpatch/arm64"
	"github.com/hexlune/instpatch/buildoptions"
	"github.com/hexlune/instpatch/codecache"
)

// PostCallNop is the view over the reserved instruction triple following a
// call: a NOP and two movk-to-zr placeholders whose immediate fields pack a
// 32-bit out-of-band value — bits [31:24] a slot index, bits [23:0] a code
// offset. The triple is passive metadata until MakeDeopt arms it.
//
//	+0  nop
//	+4  movk xzr, #lo16
//	+8  movk xzr, #hi16
type PostCallNop struct {
	Instruction
}

// PostCallNopAt returns the metadata-slot view at a.
func (e *Env) PostCallNopAt(a codecache.Addr) PostCallNop {
	return PostCallNop{e.InstructionAt(a)}
}

const (
	maxSlot   = 0xff
	maxOffset = 0xffffff
)

// Patch packs (slot, offset) into the two placeholder immediates. It
// reports false and mutates nothing when either field overflows its width;
// the caller must then fall back to another encoding strategy. A correct
// caller never produces (0, 0), the pattern Decode reads as "unarmed";
// beyond the width checks nothing guards against it.
//
// The placeholders are not live control flow until armed, so no cache
// invalidation happens here beyond whatever the caller already performs for
// the triple.
func (p PostCallNop) Patch(slot, offset int32) bool {
	if slot&maxSlot != slot || offset&maxOffset != offset {
		return false // cannot encode
	}
	data := uint32(slot)<<24 | uint32(offset)
	if buildoptions.CheckedPatching {
		if !arm64.IsMovkToZr(p.wordAt(1)) || !arm64.IsMovkToZr(p.wordAt(2)) {
			panic(fmt.Sprintf("native: post-call site at %#x lacks movk-to-zr placeholders", uintptr(p.addr)))
		}
	}
	arm64.PatchBits(p.addr.Add(arm64.InstructionSize), 20, 5, data&0xffff)
	arm64.PatchBits(p.addr.Add(2*arm64.InstructionSize), 20, 5, data>>16)
	return true
}

// Decode reads back the packed metadata. ok is false when the slot is
// unarmed (the all-zero pattern).
func (p PostCallNop) Decode() (slot, offset int32, ok bool) {
	lo := arm64.Extract(p.wordAt(1), 20, 5)
	hi := arm64.Extract(p.wordAt(2), 20, 5)
	data := hi<<16 | lo
	if data == 0 {
		return 0, 0, false
	}
	return int32(data >> 24), int32(data & maxOffset), true
}

// MakeDeopt overwrites the triple's first instruction with the deopt-trap
// encoding, converting the site from passive metadata into an active trap.
func (p PostCallNop) MakeDeopt() {
	p.env.InsertDeopt(p.addr)
}
