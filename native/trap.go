package native

import (
	"github.com/hexlune/instpatch/arm64"
	"github.com/hexlune/instpatch/codecache"
)

// Two distinct single-instruction trap encodings are planted into compiled
// code. Both raise an illegal-instruction exception; the trap handler tells
// them apart by the immediate.
const (
	// IllegalWord is the general diagnostic-halt trap, dcps1 #0xdead.
	IllegalWord uint32 = 0xd4bbd5a1
	// StopWord is the assembler's stop marker, dcps1 #0xdeae.
	StopWord uint32 = 0xd4bbd5c1
	// DeoptWord is reserved for deoptimization traps; the handler routes
	// it to the deoptimizer rather than halting.
	DeoptWord uint32 = 0xd4ade001
)

// InsertIllegal writes the diagnostic-halt trap at a and flushes the word.
func (e *Env) InsertIllegal(a codecache.Addr) {
	a.SetWord(IllegalWord)
	e.icache.Invalidate(a, arm64.InstructionSize)
}

// InsertDeopt writes the deoptimization trap at a and flushes the word.
func (e *Env) InsertDeopt(a codecache.Addr) {
	a.SetWord(DeoptWord)
	e.icache.Invalidate(a, arm64.InstructionSize)
}

// IsDeoptAt reports whether the deopt trap sits at a.
func (e *Env) IsDeoptAt(a codecache.Addr) bool {
	return a.Word() == DeoptWord
}
