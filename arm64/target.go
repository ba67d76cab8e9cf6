package arm64

import (
	"errors"
	"fmt"

	"github.com/hexlune/instpatch/buildoptions"
	"github.com/hexlune/instpatch/codecache"
)

var (
	// ErrUnknownInstruction reports an encoding outside the families whose
	// target this layer can decode or re-encode. At a site the compiler
	// claims to have emitted, this indicates corruption, not a runtime
	// condition; callers surface it as fatal.
	ErrUnknownInstruction = errors.New("arm64: unrecognized instruction encoding")

	// ErrOffsetOutOfRange reports a target that the instruction's
	// immediate field cannot express.
	ErrOffsetOutOfRange = errors.New("arm64: target offset exceeds immediate range")
)

// movSeqMax bounds the MOVK chain following a MOVZ. The compiler's constant
// materialization emits at most three, covering a 64-bit value.
const movSeqMax = 3

// TargetOf decodes the absolute address materialized or referenced by the
// instruction at a: the literal address of a PC-relative load, the combined
// page+offset of an ADRP pair, the immediate assembled by a MOVZ/MOVK
// sequence, or the destination of a B/BL.
func TargetOf(a codecache.Addr) (codecache.Addr, error) {
	insn := a.Word()
	switch {
	case IsLdrLiteral(insn):
		return a.Add(SignExtend(Extract(insn, 23, 5), 19) << 2), nil

	case IsAdrp(insn):
		page := SignExtend(Extract(insn, 23, 5)<<2|Extract(insn, 30, 29), 21) << 12
		target := codecache.Addr(int64(a)&^0xfff + page)
		// The low 12 bits, if any, come from the pairing instruction.
		insn2 := a.Add(InstructionSize).Word()
		switch {
		case Extract(insn2, 31, 22) == 0b1001000100 && Rn(insn2) == Rd(insn):
			// ADD xd, xn, #imm12
			return target.Add(int64(Extract(insn2, 21, 10))), nil
		case Extract(insn2, 29, 24) == 0b111001 && Rn(insn2) == Rd(insn):
			// Load/store (unsigned scaled immediate)
			size := Extract(insn2, 31, 30)
			return target.Add(int64(Extract(insn2, 21, 10)) << size), nil
		default:
			return target, nil
		}

	case IsMovz(insn):
		v := uint64(Extract(insn, 20, 5)) << (16 * Extract(insn, 22, 21))
		p := a
		for i := 0; i < movSeqMax; i++ {
			p = p.Add(InstructionSize)
			w := p.Word()
			if !IsMovk(w) {
				break
			}
			v |= uint64(Extract(w, 20, 5)) << (16 * Extract(w, 22, 21))
		}
		return codecache.Addr(v), nil

	case IsBranchImm(insn):
		return a.Add(SignExtend(Extract(insn, 25, 0), 26) << 2), nil
	}
	return 0, fmt.Errorf("%w: %#08x at %#x", ErrUnknownInstruction, insn, uintptr(a))
}

// TargetOrZero is TargetOf for contexts where an undecodable or still-null
// target is a legitimate not-yet-linked state rather than corruption.
func TargetOrZero(a codecache.Addr) codecache.Addr {
	t, err := TargetOf(a)
	if err != nil {
		return 0
	}
	return t
}

// PatchTarget re-encodes the instruction (or fixed instruction sequence) at
// a so that TargetOf returns target, and reports the number of bytes
// rewritten so the caller can invalidate exactly that range.
//
// Each individual word is replaced atomically, but only the single-word
// forms (B/BL, LDR literal) are safe to rewrite while other threads may be
// executing them. The ADRP pair and the MOVZ/MOVK sequence span multiple
// words and require the caller's safepoint precondition.
func PatchTarget(a codecache.Addr, target codecache.Addr) (int, error) {
	insn := a.Word()
	switch {
	case IsBranchImm(insn):
		off := int64(target) - int64(a)
		if off&3 != 0 || !ReachableFromBranch(a, target) {
			return 0, fmt.Errorf("branch to %#x from %#x: %w", uintptr(target), uintptr(a), ErrOffsetOutOfRange)
		}
		PatchBits(a, 25, 0, uint32(off>>2)&0x3ffffff)
		return InstructionSize, nil

	case IsLdrLiteral(insn):
		off := int64(target) - int64(a)
		if off&3 != 0 || off < -(1<<20) || off >= 1<<20 {
			return 0, fmt.Errorf("literal at %#x from %#x: %w", uintptr(target), uintptr(a), ErrOffsetOutOfRange)
		}
		PatchBits(a, 23, 5, uint32(off>>2)&0x7ffff)
		return InstructionSize, nil

	case IsAdrp(insn):
		pages := (int64(target) >> 12) - (int64(a) >> 12)
		if pages < -(1<<20) || pages >= 1<<20 {
			return 0, fmt.Errorf("page of %#x from %#x: %w", uintptr(target), uintptr(a), ErrOffsetOutOfRange)
		}
		low := uint32(target) & 0xfff
		next := a.Add(InstructionSize)
		insn2 := next.Word()
		switch {
		case Extract(insn2, 31, 22) == 0b1001000100 && Rn(insn2) == Rd(insn):
			PatchBits(a, 30, 29, uint32(pages)&3)
			PatchBits(a, 23, 5, uint32(pages>>2)&0x7ffff)
			PatchBits(next, 21, 10, low)
			return 2 * InstructionSize, nil
		case Extract(insn2, 29, 24) == 0b111001 && Rn(insn2) == Rd(insn):
			size := Extract(insn2, 31, 30)
			if low&(1<<size-1) != 0 {
				return 0, fmt.Errorf("scaled offset %#x of %#x: %w", low, uintptr(target), ErrOffsetOutOfRange)
			}
			PatchBits(a, 30, 29, uint32(pages)&3)
			PatchBits(a, 23, 5, uint32(pages>>2)&0x7ffff)
			PatchBits(next, 21, 10, low>>size)
			return 2 * InstructionSize, nil
		default:
			if low != 0 {
				return 0, fmt.Errorf("page offset %#x of %#x: %w", low, uintptr(target), ErrOffsetOutOfRange)
			}
			PatchBits(a, 30, 29, uint32(pages)&3)
			PatchBits(a, 23, 5, uint32(pages>>2)&0x7ffff)
			return InstructionSize, nil
		}

	case IsMovz(insn):
		// The materialization template is MOVZ + MOVK(lsl 16) + MOVK(lsl 32),
		// covering the 48-bit address space.
		if uint64(target) >= 1<<48 {
			return 0, fmt.Errorf("constant %#x beyond 48 bits: %w", uintptr(target), ErrOffsetOutOfRange)
		}
		if buildoptions.CheckedPatching {
			w1, w2 := a.Add(InstructionSize).Word(), a.Add(2*InstructionSize).Word()
			if Extract(insn, 22, 21) != 0 || !IsMovk(w1) || Extract(w1, 22, 21) != 1 ||
				!IsMovk(w2) || Extract(w2, 22, 21) != 2 {
				panic(fmt.Sprintf("arm64: malformed move-wide sequence at %#x", uintptr(a)))
			}
		}
		PatchBits(a, 20, 5, uint32(target)&0xffff)
		PatchBits(a.Add(InstructionSize), 20, 5, uint32(target>>16)&0xffff)
		PatchBits(a.Add(2*InstructionSize), 20, 5, uint32(target>>32)&0xffff)
		return 3 * InstructionSize, nil
	}
	return 0, fmt.Errorf("%w: %#08x at %#x", ErrUnknownInstruction, insn, uintptr(a))
}
