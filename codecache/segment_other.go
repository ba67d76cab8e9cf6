//go:build !darwin && !linux
// +build !darwin,!linux

package codecache

import "errors"

// Segment is a mapped region of executable memory.
type Segment struct{}

// MapSegment is unavailable on this GOOS.
func MapSegment(size int) (*Segment, error) {
	return nil, errors.New("codecache: executable segment mapping unsupported on this GOOS")
}

// MapDataSegment is unavailable on this GOOS.
func MapDataSegment(size int) (*Segment, error) {
	return nil, errors.New("codecache: segment mapping unsupported on this GOOS")
}

func (s *Segment) Base() Addr   { return 0 }
func (s *Segment) Size() int    { return 0 }
func (s *Segment) Unmap() error { return nil }
