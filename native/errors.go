package native

import (
	"errors"
	"fmt"

	"github.com/hexlune/instpatch/codecache"
)

var (
	// ErrUnsupported reports an operation this architecture family does not
	// provide, such as inserting a brand-new call instruction or replacing
	// a general jump without a safepoint. It marks a missing capability,
	// not corruption.
	ErrUnsupported = errors.New("native: operation unsupported on this architecture")

	// ErrTrampolineExists reports an attempt to emit a trampoline for a
	// call whose displacement already targets one.
	ErrTrampolineExists = errors.New("native: trampoline stub already present")

	// ErrTrampolineRequired reports a destination outside direct branch
	// range for a call with no trampoline reserved. Reservation happens at
	// emission time, outside this layer; the caller broke that invariant.
	ErrTrampolineRequired = errors.New("native: destination unreachable and no trampoline reserved")

	// ErrCodeBufferFull reports that far-branch trampoline emission failed
	// because the code buffer has no room. Retry policy belongs to the
	// compilation-queue layer, not here.
	ErrCodeBufferFull = errors.New("native: code buffer full, cannot allocate trampoline")
)

// CorruptionError reports an instruction that is not in any of the families
// a site's verification expects. It indicates a code-generation or aliasing
// bug; callers treat it as fatal rather than recovering.
type CorruptionError struct {
	Addr codecache.Addr
	Word uint32
	Want string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("native: corrupted site at %#x: %#08x is not %s", uintptr(e.Addr), e.Word, e.Want)
}
