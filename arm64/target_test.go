package arm64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hexlune/instpatch/codecache"
)

func TestTargetOf_branch(t *testing.T) {
	base := scratch(t, 8)

	for _, link := range []bool{false, true} {
		w, err := Branch(base, base.Add(0x1000), link)
		require.NoError(t, err)
		base.SetWord(w)

		got, err := TargetOf(base)
		require.NoError(t, err)
		require.Equal(t, base.Add(0x1000), got)
	}
}

func TestPatchTarget_branchRoundTrip(t *testing.T) {
	base := scratch(t, 8)

	w, err := Branch(base, base, false)
	require.NoError(t, err)
	base.SetWord(w)

	for _, off := range []int64{4, -4, 0x100, -0x100, 0xffc, 1<<27 - 4, -(1 << 27)} {
		n, err := PatchTarget(base, base.Add(off))
		require.NoError(t, err)
		require.Equal(t, InstructionSize, n)
		require.True(t, IsUncondBranch(base.Word()), "patch must not change the opcode")

		got, err := TargetOf(base)
		require.NoError(t, err)
		require.Equal(t, base.Add(off), got)
	}
}

func TestPatchTarget_branchOutOfRange(t *testing.T) {
	base := scratch(t, 8)

	w, err := Branch(base, base, false)
	require.NoError(t, err)
	base.SetWord(w)

	before := base.Word()
	_, err = PatchTarget(base, base.Add(1<<27))
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
	require.Equal(t, before, base.Word(), "failed patch must not mutate")

	_, err = PatchTarget(base, base.Add(2))
	require.ErrorIs(t, err, ErrOffsetOutOfRange, "unaligned target")
}

func TestTargetOf_ldrLiteral(t *testing.T) {
	base := scratch(t, 8)

	base.SetWord(LdrLiteral(8, 16))
	got, err := TargetOf(base)
	require.NoError(t, err)
	require.Equal(t, base.Add(16), got)

	n, err := PatchTarget(base, base.Add(24))
	require.NoError(t, err)
	require.Equal(t, InstructionSize, n)
	got, err = TargetOf(base)
	require.NoError(t, err)
	require.Equal(t, base.Add(24), got)
	require.True(t, IsLdrLiteral(base.Word()))
}

func TestTargetOf_movSequence(t *testing.T) {
	base := scratch(t, 8)

	base.SetWord(Movz(17, 0, 0))
	base.Add(4).SetWord(Movk(17, 0, 1))
	base.Add(8).SetWord(Movk(17, 0, 2))

	const target codecache.Addr = 0x123456789abc
	n, err := PatchTarget(base, target)
	require.NoError(t, err)
	require.Equal(t, 3*InstructionSize, n)

	require.Equal(t, uint32(0x9abc), Extract(base.Word(), 20, 5))
	require.Equal(t, uint32(0x5678), Extract(base.Add(4).Word(), 20, 5))
	require.Equal(t, uint32(0x1234), Extract(base.Add(8).Word(), 20, 5))

	got, err := TargetOf(base)
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestPatchTarget_movSequenceBeyond48Bits(t *testing.T) {
	base := scratch(t, 8)

	base.SetWord(Movz(17, 0, 0))
	base.Add(4).SetWord(Movk(17, 0, 1))
	base.Add(8).SetWord(Movk(17, 0, 2))

	_, err := PatchTarget(base, codecache.Addr(1)<<48)
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func TestTargetOf_adrpAdd(t *testing.T) {
	base := scratch(t, 8)

	adrp, err := Adrp(16, base, base)
	require.NoError(t, err)
	base.SetWord(adrp)
	base.Add(4).SetWord(AddImm(16, 16, 0))

	target := base.Add(0x12345)
	n, err := PatchTarget(base, target)
	require.NoError(t, err)
	require.Equal(t, 2*InstructionSize, n)

	got, err := TargetOf(base)
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestTargetOf_adrpLoad(t *testing.T) {
	base := scratch(t, 8)

	adrp, err := Adrp(16, base, base)
	require.NoError(t, err)
	base.SetWord(adrp)
	// ldr x7, [x16, #0]: 64-bit load, unsigned scaled immediate.
	base.Add(4).SetWord(0xf9400000 | 16<<5 | 7)

	target := (base.Add(0x3000) &^ 7).Add(8 * 3)
	n, err := PatchTarget(base, target)
	require.NoError(t, err)
	require.Equal(t, 2*InstructionSize, n)

	got, err := TargetOf(base)
	require.NoError(t, err)
	require.Equal(t, target, got)

	// A target not aligned to the access size cannot be scaled in.
	_, err = PatchTarget(base, (base&^0xfff).Add(0x1004))
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func TestTargetOf_unknown(t *testing.T) {
	base := scratch(t, 8)

	base.SetWord(NopWord)
	_, err := TargetOf(base)
	require.ErrorIs(t, err, ErrUnknownInstruction)
	require.Equal(t, codecache.Addr(0), TargetOrZero(base))
}
