// Package native provides typed views over the fixed instruction templates a
// JIT compiler emits into executable memory — call sites, jump sites,
// constant loads, trampoline stubs, post-call metadata slots, traps — and
// the operations the linker, deoptimizer and collector use to rewrite their
// operands in place while other threads may be executing the same bytes.
//
// No view owns the memory it reads; allocation and lifetime belong to the
// external code cache. Mutating operations require the caller to hold an
// execution-pausing guarantee (a global safepoint, the code-cache
// modification lock, or a per-site patching lock); this package supplies
// ordering, not mutual exclusion.
package native

import (
	"github.com/hexlune/instpatch/arm64"
	"github.com/hexlune/instpatch/codecache"
)

// Unresolved is the distinguished "no destination yet" marker returned and
// accepted by the jump and call operations. At the encoding level it maps to
// a branch-to-self (or a null constant, for the indirect form); callers only
// ever see this value, never the raw sentinels.
const Unresolved = ^codecache.Addr(0)

// Env bundles the external collaborators every site view consults: the blob
// registry and the instruction-cache service. A single Env is shared by all
// views over the same code cache.
type Env struct {
	cache  codecache.Index
	icache codecache.ICache
}

// NewEnv returns an Env over the given blob registry. A nil icache means
// invalidation is handled elsewhere (or caches are coherent).
func NewEnv(cache codecache.Index, icache codecache.ICache) *Env {
	if icache == nil {
		icache = codecache.NopICache{}
	}
	return &Env{cache: cache, icache: icache}
}

// Instruction is the undifferentiated view of one instruction word, carrying
// the family predicates every specialized site is built on. Predicates only
// read memory.
type Instruction struct {
	env  *Env
	addr codecache.Addr
}

// InstructionAt returns the instruction view at a.
func (e *Env) InstructionAt(a codecache.Addr) Instruction {
	return Instruction{env: e, addr: a}
}

// Address returns the instruction's own address.
func (i Instruction) Address() codecache.Addr { return i.addr }

// Word returns the instruction word.
func (i Instruction) Word() uint32 { return i.addr.Word() }

func (i Instruction) wordAt(n int) uint32 {
	return i.addr.Add(int64(n) * arm64.InstructionSize).Word()
}

func (i Instruction) IsMovz() bool       { return arm64.IsMovz(i.Word()) }
func (i Instruction) IsMovk() bool       { return arm64.IsMovk(i.Word()) }
func (i Instruction) IsBranchReg() bool  { return arm64.IsBranchReg(i.Word()) }
func (i Instruction) IsAdrp() bool       { return arm64.IsAdrp(i.Word()) }
func (i Instruction) IsLdrLiteral() bool { return arm64.IsLdrLiteral(i.Word()) }
func (i Instruction) IsLdrwToZr() bool   { return arm64.IsLdrwToZr(i.Word()) }
func (i Instruction) IsCall() bool       { return arm64.IsCall(i.Word()) }
func (i Instruction) IsJump() bool       { return arm64.IsUncondBranch(i.Word()) }

// IsSafepointPoll recognizes the trailing load of a safepoint poll.
//
// A poll is two steps, a constant load of the polling page followed by a
// load of a word from it into zr. The two are not always adjacent: one code
// generator emits them as a single macro, another schedules the page load
// earlier so its trap metadata lands on the read. So this deliberately only
// checks that the current instruction is "load word to zr" and does not
// verify the preceding constant load. A weak heuristic, accepted as such.
func (i Instruction) IsSafepointPoll() bool { return i.IsLdrwToZr() }

// IsGeneralJump recognizes the 4-instruction indirect-jump template:
// move-wide, move-wide-keep, move-wide-keep, branch-register, in that exact
// order. Any deviation is not a partial match.
func (i Instruction) IsGeneralJump() bool {
	return arm64.IsMovz(i.wordAt(0)) &&
		arm64.IsMovk(i.wordAt(1)) &&
		arm64.IsMovk(i.wordAt(2)) &&
		arm64.IsBranchReg(i.wordAt(3))
}

// IsStop recognizes the fixed diagnostic-halt encoding.
func (i Instruction) IsStop() bool { return i.Word() == StopWord }

// IsDeopt recognizes the fixed deoptimization-trap encoding.
func (i Instruction) IsDeopt() bool { return i.Word() == DeoptWord }

// IsIllegal recognizes the fixed illegal-instruction trap encoding.
func (i Instruction) IsIllegal() bool { return i.Word() == IllegalWord }

// invalidate flushes n bytes of instruction cache at the site.
func (i Instruction) invalidate(n int) {
	i.env.icache.Invalidate(i.addr, n)
}
