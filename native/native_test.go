package native

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hexlune/instpatch/arm64"
	"github.com/hexlune/instpatch/codecache"
)

// flushRecorder is an ICache double that records invalidation ranges.
type flushRecorder struct {
	mu      sync.Mutex
	flushes []flushRange
}

type flushRange struct {
	at codecache.Addr
	n  int
}

func (r *flushRecorder) Invalidate(a codecache.Addr, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, flushRange{at: a, n: n})
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *flushRecorder) last() flushRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes[len(r.flushes)-1]
}

// testCode is a scratch code region registered as a compiled blob, with the
// upper quarter declared as its stub region. The region is mmap-backed so
// Addr arithmetic stays off the Go heap, as it is for real code memory.
type testCode struct {
	seg    *codecache.Segment
	env    *Env
	cache  *codecache.Cache
	blob   *codecache.CompiledBlob
	icache *flushRecorder
}

func newTestCode(t *testing.T, nWords int) *testCode {
	t.Helper()
	seg, err := codecache.MapDataSegment(nWords * 8)
	if err != nil {
		t.Skipf("cannot map a scratch segment here: %v", err)
	}
	t.Cleanup(func() { _ = seg.Unmap() })
	c := &testCode{
		seg:    seg,
		cache:  codecache.NewCache(),
		icache: &flushRecorder{},
	}
	size := nWords * 8
	c.blob = codecache.NewCompiledBlob(c.base(), size)
	c.blob.SetStubRegion(c.addr(size-size/4), c.addr(size))
	c.cache.Register(c.blob)
	c.env = NewEnv(c.cache, c.icache)
	return c
}

func (c *testCode) base() codecache.Addr {
	return c.seg.Base()
}

func (c *testCode) size() int {
	return c.seg.Size()
}

func (c *testCode) addr(byteOff int) codecache.Addr {
	return c.base().Add(int64(byteOff))
}

// stubAddr returns an 8-aligned address inside the blob's stub region.
func (c *testCode) stubAddr() codecache.Addr {
	return c.addr(c.size() * 3 / 4)
}

func TestInstructionPredicatesReadOnly(t *testing.T) {
	c := newTestCode(t, 16)
	c.base().SetWord(arm64.NopWord)

	i := c.env.InstructionAt(c.base())
	require.False(t, i.IsMovz())
	require.False(t, i.IsGeneralJump())
	require.Equal(t, uint32(arm64.NopWord), i.Word())
	require.Equal(t, c.base(), i.Address())
	require.Zero(t, c.icache.count(), "predicates never touch the instruction cache")
}

func TestIsSafepointPoll(t *testing.T) {
	c := newTestCode(t, 16)

	// The poll heuristic only checks the trailing load-to-zr; the preceding
	// constant load may have been scheduled far away by the compiler.
	c.base().SetWord(arm64.NopWord)
	c.addr(4).SetWord(arm64.LdrwZr(2, 24))

	require.True(t, c.env.InstructionAt(c.addr(4)).IsSafepointPoll())
	require.False(t, c.env.InstructionAt(c.base()).IsSafepointPoll())

	// A word load into a live register is not a poll.
	c.addr(8).SetWord(arm64.LdrwZr(2, 24)&^uint32(31) | 3)
	require.False(t, c.env.InstructionAt(c.addr(8)).IsSafepointPoll())
}

func TestTrampolineStub(t *testing.T) {
	c := newTestCode(t, 64)
	stub := c.stubAddr()

	WriteTrampoline(stub, 0xdead0000)
	require.True(t, c.env.IsTrampolineAt(stub))
	require.Equal(t, codecache.Addr(0xdead0000), c.env.TrampolineAt(stub).Destination())

	c.env.TrampolineAt(stub).SetDestination(0xbeef0000)
	require.Equal(t, codecache.Addr(0xbeef0000), c.env.TrampolineAt(stub).Destination())

	// Prologue deviations are not trampolines.
	require.False(t, c.env.IsTrampolineAt(c.base()))
	stub.SetWord(arm64.NopWord)
	require.False(t, c.env.IsTrampolineAt(stub))
}
