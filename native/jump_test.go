package native

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hexlune/instpatch/arm64"
	"github.com/hexlune/instpatch/codecache"
)

// emitJump writes a branch-to-self (the unresolved encoding) at a.
func emitJump(t *testing.T, c *testCode, a codecache.Addr) Jump {
	t.Helper()
	w, err := arm64.Branch(a, a, false)
	require.NoError(t, err)
	a.SetWord(w)
	return c.env.JumpAt(a)
}

func TestJumpRoundTrip(t *testing.T) {
	c := newTestCode(t, 16)
	j := emitJump(t, c, c.addr(8))

	for _, off := range []int64{4, -8, 0x40, 1 << 20, -(1 << 20)} {
		dest := j.Address().Add(off)
		require.NoError(t, j.SetDestination(dest))
		require.Equal(t, dest, j.Destination())
	}
}

func TestJumpUnresolvedSentinel(t *testing.T) {
	c := newTestCode(t, 16)
	j := emitJump(t, c, c.addr(8))

	// Freshly emitted, the jump targets itself: unresolved.
	require.Equal(t, Unresolved, j.Destination())

	require.NoError(t, j.SetDestination(c.addr(64)))
	require.Equal(t, c.addr(64), j.Destination())

	// Writing the marker back round-trips through branch-to-self bytes.
	require.NoError(t, j.SetDestination(Unresolved))
	require.Equal(t, Unresolved, j.Destination())
	self, err := arm64.Branch(j.Address(), j.Address(), false)
	require.NoError(t, err)
	require.Equal(t, self, j.Word())
}

func TestJumpSetDestination_outOfRange(t *testing.T) {
	c := newTestCode(t, 16)
	j := emitJump(t, c, c.addr(8))

	err := j.SetDestination(j.Address().Add(1 << 28))
	require.ErrorIs(t, err, arm64.ErrOffsetOutOfRange)
}

// emitGeneralJump writes the 4-instruction indirect-jump template at a,
// initially loading the null constant.
func emitGeneralJump(c *testCode, a codecache.Addr) GeneralJump {
	a.SetWord(arm64.Movz(17, 0, 0))
	a.Add(4).SetWord(arm64.Movk(17, 0, 1))
	a.Add(8).SetWord(arm64.Movk(17, 0, 2))
	a.Add(12).SetWord(arm64.BranchReg(17))
	return c.env.GeneralJumpAt(a)
}

func TestIsGeneralJump(t *testing.T) {
	c := newTestCode(t, 16)
	emitGeneralJump(c, c.addr(16))

	require.True(t, c.env.InstructionAt(c.addr(16)).IsGeneralJump())

	// Any single substituted instruction breaks the match; there is no
	// partial acceptance.
	for _, slot := range []int{0, 1, 2, 3} {
		emitGeneralJump(c, c.addr(16))
		c.addr(16 + 4*slot).SetWord(arm64.NopWord)
		require.False(t, c.env.InstructionAt(c.addr(16)).IsGeneralJump(), "slot %d", slot)
	}
}

func TestGeneralJumpDestination(t *testing.T) {
	c := newTestCode(t, 16)
	g := emitGeneralJump(c, c.addr(16))

	// Null constant: unresolved.
	require.Equal(t, Unresolved, g.Destination())

	dest := c.addr(96)
	require.NoError(t, g.SetDestination(dest))
	require.Equal(t, dest, g.Destination())

	// The marker round-trips through the self-address constant.
	require.NoError(t, g.SetDestination(Unresolved))
	require.Equal(t, Unresolved, g.Destination())
	data, err := c.env.MovConstAt(g.Address()).Data()
	require.NoError(t, err)
	require.Equal(t, uintptr(g.Address()), data)
}

func TestJumpVerify(t *testing.T) {
	c := newTestCode(t, 16)

	j := emitJump(t, c, c.addr(16))
	require.NoError(t, j.Verify())

	c.addr(20).SetWord(arm64.NopWord)
	err := c.env.JumpAt(c.addr(20)).Verify()
	var corrupt *CorruptionError
	require.ErrorAs(t, err, &corrupt)
}

func TestGeneralJumpVerify(t *testing.T) {
	c := newTestCode(t, 16)

	g := emitGeneralJump(c, c.addr(16))
	require.NoError(t, g.Verify())

	c.addr(28).SetWord(arm64.NopWord)
	var corrupt *CorruptionError
	require.ErrorAs(t, g.Verify(), &corrupt)
}

func TestReplaceGeneralJumpMTSafe_unsupported(t *testing.T) {
	c := newTestCode(t, 16)
	err := ReplaceGeneralJumpMTSafe(c.addr(16), c.addr(64))
	require.ErrorIs(t, err, ErrUnsupported)
}
