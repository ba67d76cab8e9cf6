//go:build darwin || linux
// +build darwin linux

package codecache

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Segment is a mapped region of executable memory. The region outlives every
// site view created over it; releasing it while compiled code may still run
// is the embedder's responsibility.
type Segment struct {
	buf []byte
}

// MapSegment maps size bytes of anonymous read/write/execute memory.
func MapSegment(size int) (*Segment, error) {
	return mapAnon(size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}

// MapDataSegment maps size bytes of anonymous read/write memory: patchable
// space outside the Go heap with the same alignment guarantees as a code
// segment, but never executable. Tests patch through regions mapped this way
// so Addr arithmetic stays off the Go heap, as it is for real code memory.
func MapDataSegment(size int) (*Segment, error) {
	return mapAnon(size, unix.PROT_READ|unix.PROT_WRITE)
}

func mapAnon(size, prot int) (*Segment, error) {
	buf, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("codecache: map %d-byte segment: %w", size, err)
	}
	return &Segment{buf: buf}, nil
}

// Base returns the segment's first address. Page alignment of the mapping
// guarantees both word and pointer alignment.
func (s *Segment) Base() Addr {
	return Addr(uintptr(unsafe.Pointer(&s.buf[0])))
}

// Size returns the mapped length in bytes.
func (s *Segment) Size() int { return len(s.buf) }

// Unmap releases the mapping.
func (s *Segment) Unmap() error {
	if err := unix.Munmap(s.buf); err != nil {
		return fmt.Errorf("codecache: unmap segment: %w", err)
	}
	s.buf = nil
	return nil
}
