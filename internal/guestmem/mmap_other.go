//go:build !linux

package guestmem

import "fmt"

// Layout describes a region to be backed by anonymous host memory.
type Layout struct {
	Base      uint64
	Size      uint64
	ReadOnly  bool
	Mergeable bool
}

// Map is only available on Linux.
func Map(layouts ...Layout) (*AddressSpace, error) {
	return nil, fmt.Errorf("guestmem: anonymous mappings are not supported on this platform")
}

func unmap(data []byte) error { return nil }

func discard(data []byte, mapped bool) error {
	clear(data)
	return nil
}
