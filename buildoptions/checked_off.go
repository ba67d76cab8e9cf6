//go:build instpatch_unchecked
// +build instpatch_unchecked

package buildoptions

// CheckedPatching is off in release builds; see checked_on.go.
const CheckedPatching = false
