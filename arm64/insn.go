// Package arm64 is the instruction-word layer: bit-field extraction and
// in-place patching of fixed-width 32-bit AArch64 instructions, family
// predicates for the encodings the patching core recognizes, and the small
// set of encoders needed to build those templates.
//
// Instruction references:
// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions
package arm64

import (
	"fmt"

	"github.com/hexlune/instpatch/buildoptions"
	"github.com/hexlune/instpatch/codecache"
)

// InstructionSize is the fixed width of every instruction, in bytes.
const InstructionSize = 4

// NopWord is the canonical NOP encoding.
const NopWord uint32 = 0xd503201f

// ZR is the zero-register number.
const ZR = 31

// Extract returns bits [hi:lo] of insn, shifted down to bit 0. All field
// decoding in this package and in package native goes through Extract so the
// bit arithmetic lives in exactly one place.
func Extract(insn uint32, hi, lo uint) uint32 {
	return (insn >> lo) & ((1 << (hi - lo + 1)) - 1)
}

// SignExtend interprets the low bits of v as a signed bits-wide integer.
func SignExtend(v uint32, bits uint) int64 {
	return int64(uint64(v)<<(64-bits)) >> (64 - bits)
}

// PatchBits rewrites bits [hi:lo] of the instruction word at a with v,
// leaving all other bits intact. The replacement store is a single atomic
// 32-bit write, so a concurrent fetch sees the old or the new word in full.
func PatchBits(a codecache.Addr, hi, lo uint, v uint32) {
	mask := uint32((1<<(hi-lo+1))-1) << lo
	if buildoptions.CheckedPatching {
		if v<<lo&^mask != 0 {
			panic(fmt.Sprintf("arm64: value %#x does not fit field [%d:%d]", v, hi, lo))
		}
		if !a.WordAligned() {
			panic(fmt.Sprintf("arm64: patch at unaligned address %#x", uintptr(a)))
		}
	}
	a.SetWord(a.Word()&^mask | v<<lo&mask)
}

// Instruction-family predicates. Each reads fixed bit ranges and never
// mutates; classification among the recognized families is mutually
// exclusive.

// IsMovz matches MOVZ (64-bit move wide with zero).
func IsMovz(insn uint32) bool { return Extract(insn, 30, 23) == 0b10100101 }

// IsMovk matches MOVK (64-bit move wide, keep).
func IsMovk(insn uint32) bool { return Extract(insn, 30, 23) == 0b11100101 }

// IsBranchReg matches BR and BLR (branch to register, optionally linking).
func IsBranchReg(insn uint32) bool { return insn&0xffdffc1f == 0xd61f0000 }

// IsAdrp matches ADRP (address of 4KB page, PC-relative).
func IsAdrp(insn uint32) bool { return Extract(insn, 31, 24)&0b10011111 == 0b10010000 }

// IsLdrLiteral matches the load-register-literal family (PC-relative load).
func IsLdrLiteral(insn uint32) bool { return Extract(insn, 29, 24)&0b011011 == 0b00011000 }

// IsLdrwToZr matches LDR of a 32-bit word into the zero register with an
// unsigned immediate offset, the trailing instruction of a safepoint poll.
func IsLdrwToZr(insn uint32) bool {
	return Extract(insn, 31, 22) == 0b1011100101 && Extract(insn, 4, 0) == 0b11111
}

// IsMovkToZr matches MOVK with the zero register as destination, the
// placeholder shape of post-call metadata instructions.
func IsMovkToZr(insn uint32) bool { return insn&0xffe0001f == 0xf280001f }

// IsBranchImm matches B and BL (PC-relative branch with 26-bit immediate).
func IsBranchImm(insn uint32) bool { return Extract(insn, 30, 26) == 0b00101 }

// IsUncondBranch matches B only.
func IsUncondBranch(insn uint32) bool { return Extract(insn, 31, 26) == 0b000101 }

// IsCall matches BL only.
func IsCall(insn uint32) bool { return Extract(insn, 31, 26) == 0b100101 }

// MaybeCPoolRef reports whether the instruction computes its target
// PC-relatively and therefore may reference a co-located constant pool.
func MaybeCPoolRef(insn uint32) bool { return IsAdrp(insn) || IsLdrLiteral(insn) }

// Rd returns the destination-register field (bits [4:0]).
func Rd(insn uint32) uint32 { return Extract(insn, 4, 0) }

// Rn returns the base-register field (bits [9:5]).
func Rn(insn uint32) uint32 { return Extract(insn, 9, 5) }

// Encoders for the fixed templates the patching core manipulates. The byte
// layouts follow the ARM ARM; widths are validated in checked builds only,
// since template emission happens under the compiler's control.

// Movz encodes MOVZ xd, #imm16, LSL #(16*hw).
func Movz(rd, imm16, hw uint32) uint32 {
	return 0xd2800000 | hw<<21 | imm16<<5 | rd
}

// Movk encodes MOVK xd, #imm16, LSL #(16*hw).
func Movk(rd, imm16, hw uint32) uint32 {
	return 0xf2800000 | hw<<21 | imm16<<5 | rd
}

// BranchReg encodes BR xn.
func BranchReg(rn uint32) uint32 { return 0xd61f0000 | rn<<5 }

// BranchLinkReg encodes BLR xn.
func BranchLinkReg(rn uint32) uint32 { return 0xd63f0000 | rn<<5 }

// LdrLiteral encodes LDR xt, #off, a PC-relative 64-bit load. off is in
// bytes and must be a multiple of 4 within ±1MB.
func LdrLiteral(rt uint32, off int64) uint32 {
	if buildoptions.CheckedPatching && (off&3 != 0 || off < -(1<<20) || off >= 1<<20) {
		panic(fmt.Sprintf("arm64: ldr literal offset %#x unencodable", off))
	}
	return 0x58000000 | (uint32(off>>2)&0x7ffff)<<5 | rt
}

// LdrwZr encodes LDR wzr, [xn, #off], the safepoint-poll load. off is in
// bytes and must be a multiple of 4.
func LdrwZr(rn uint32, off uint32) uint32 {
	return 0xb9400000 | (off>>2)<<10 | rn<<5 | ZR
}

// AddImm encodes ADD xd, xn, #imm12.
func AddImm(rd, rn, imm12 uint32) uint32 {
	return 0x91000000 | imm12<<10 | rn<<5 | rd
}

// Adrp encodes ADRP xd, <page of to> relative to the page of from.
func Adrp(rd uint32, from, to codecache.Addr) (uint32, error) {
	pages := (int64(to) >> 12) - (int64(from) >> 12)
	if pages < -(1<<20) || pages >= 1<<20 {
		return 0, fmt.Errorf("arm64: page offset %#x: %w", pages, ErrOffsetOutOfRange)
	}
	lo := uint32(pages) & 3
	hi := uint32(pages>>2) & 0x7ffff
	return 0x90000000 | lo<<29 | hi<<5 | rd, nil
}

// Branch encodes B (or, when link is set, BL) from from to to.
func Branch(from, to codecache.Addr, link bool) (uint32, error) {
	off := int64(to) - int64(from)
	if !ReachableFromBranch(from, to) || off&3 != 0 {
		return 0, fmt.Errorf("arm64: branch offset %#x: %w", off, ErrOffsetOutOfRange)
	}
	op := uint32(0x14000000)
	if link {
		op = 0x94000000
	}
	return op | uint32(off>>2)&0x3ffffff, nil
}

// ReachableFromBranch reports whether a B/BL at from can encode to in its
// signed 26-bit, word-scaled immediate (±128MB).
func ReachableFromBranch(from, to codecache.Addr) bool {
	off := int64(to) - int64(from)
	return off >= -(1<<27) && off < 1<<27
}
