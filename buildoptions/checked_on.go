//go:build !instpatch_unchecked
// +build !instpatch_unchecked

package buildoptions

// CheckedPatching enables the debug-build invariant checks around
// instruction patching: site shape verification before mutation, field-width
// validation, and alignment checks. Guard checks as
// `if buildoptions.CheckedPatching { ... }` so release binaries built with
// the instpatch_unchecked tag have the blocks optimized out.
const CheckedPatching = true
