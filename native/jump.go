package native

import (
	"fmt"

	"github.com/hexlune/instpatch/arm64"
	"github.com/hexlune/instpatch/buildoptions"
	"github.com/hexlune/instpatch/codecache"
)

// Jump is the view over a direct unconditional-branch site. A branch to self
// is the encoding-level sentinel for "unresolved"; the API surfaces it as
// Unresolved and accepts Unresolved back.
type Jump struct {
	Instruction
}

// JumpAt returns the jump view at a.
func (e *Env) JumpAt(a codecache.Addr) Jump {
	return Jump{e.InstructionAt(a)}
}

// Verify checks that the site holds a direct unconditional branch.
func (j Jump) Verify() error {
	if !j.IsJump() {
		return &CorruptionError{Addr: j.addr, Word: j.Word(), Want: "B"}
	}
	return nil
}

// Destination returns the jump target, normalizing the self-jump and null
// sentinels to Unresolved.
func (j Jump) Destination() codecache.Addr {
	dest := arm64.TargetOrZero(j.addr)
	if dest == j.addr || dest == 0 {
		return Unresolved
	}
	return dest
}

// SetDestination rewrites the branch to target dest. Writing Unresolved
// encodes a branch to self, so the unresolved state round-trips.
func (j Jump) SetDestination(dest codecache.Addr) error {
	if dest == Unresolved {
		dest = j.addr
	}
	n, err := arm64.PatchTarget(j.addr, dest)
	if err != nil {
		return fmt.Errorf("jump at %#x: %w", uintptr(j.addr), err)
	}
	j.invalidate(n)
	return nil
}

// GeneralJump is the view over the 4-instruction indirect-jump template
// (move-wide ×3 + branch-register), used when no direct branch can express
// the target. The destination is the embedded constant-load site's data; a
// null constant, like a self-jump, means unresolved.
type GeneralJump struct {
	Instruction
}

// GeneralJumpAt returns the indirect-jump view at a.
func (e *Env) GeneralJumpAt(a codecache.Addr) GeneralJump {
	return GeneralJump{e.InstructionAt(a)}
}

func (g GeneralJump) movConst() MovConst { return g.env.MovConstAt(g.addr) }

// Verify checks that the full 4-instruction template is present.
func (g GeneralJump) Verify() error {
	if !g.IsGeneralJump() {
		return &CorruptionError{Addr: g.addr, Word: g.Word(), Want: "MOVZ, MOVK, MOVK, BR"}
	}
	return nil
}

// Destination returns the jump target, normalizing self and null to
// Unresolved.
func (g GeneralJump) Destination() codecache.Addr {
	data, err := g.movConst().Data()
	if err != nil {
		if buildoptions.CheckedPatching {
			panic(err)
		}
		return Unresolved
	}
	dest := codecache.Addr(data)
	if dest == g.addr || dest == 0 {
		return Unresolved
	}
	return dest
}

// SetDestination writes dest through the embedded constant-load site.
// Rewriting the move-wide sequence spans several words, so this requires
// the safepoint precondition; a thread executing mid-template must not
// observe the rewrite.
func (g GeneralJump) SetDestination(dest codecache.Addr) error {
	if dest == Unresolved {
		dest = g.addr
	}
	return g.movConst().SetData(uintptr(dest))
}

// ReplaceGeneralJumpMTSafe would substitute a whole general-jump template
// while threads run. No instruction-by-instruction order makes a 4-word
// rewrite atomically observable on this architecture, so the operation does
// not exist here.
func ReplaceGeneralJumpMTSafe(instr, buffer codecache.Addr) error {
	return fmt.Errorf("replace general jump at %#x: %w", uintptr(instr), ErrUnsupported)
}
