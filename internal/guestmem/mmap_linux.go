//go:build linux

package guestmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Layout describes a region to be backed by anonymous host memory.
type Layout struct {
	Base     uint64
	Size     uint64
	ReadOnly bool

	// Mergeable opts the mapping into kernel same-page merging.
	Mergeable bool
}

// Map allocates anonymous host memory for every layout entry and builds an
// AddressSpace over it. The mappings are released by Close.
func Map(layouts ...Layout) (*AddressSpace, error) {
	var regions []Region

	cu := cleanup.Make(func() {
		for _, r := range regions {
			_ = unix.Munmap(r.Data)
		}
	})
	defer cu.Clean()

	maxInt := uint64(^uint(0) >> 1)
	for _, l := range layouts {
		if l.Size == 0 || l.Size > maxInt {
			return nil, fmt.Errorf("guestmem: invalid region size 0x%x at 0x%x", l.Size, l.Base)
		}
		if !hostarch.Addr(l.Base).IsPageAligned() || !hostarch.Addr(l.Size).IsPageAligned() {
			return nil, fmt.Errorf("guestmem: region [0x%x+0x%x) is not page aligned", l.Base, l.Size)
		}

		data, err := unix.Mmap(-1, 0, int(l.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
		if err != nil {
			return nil, fmt.Errorf("guestmem: mmap 0x%x bytes: %w", l.Size, err)
		}
		regions = append(regions, Region{Base: l.Base, Data: data, ReadOnly: l.ReadOnly, mapped: true})

		if l.Mergeable {
			if err := unix.Madvise(data, unix.MADV_MERGEABLE); err != nil {
				return nil, fmt.Errorf("guestmem: madvise mergeable: %w", err)
			}
		}
	}

	as, err := New(regions...)
	if err != nil {
		return nil, err
	}

	cu.Release()
	return as, nil
}

func unmap(data []byte) error {
	return unix.Munmap(data)
}

func discard(data []byte, mapped bool) error {
	if !mapped || len(data) == 0 {
		clear(data)
		return nil
	}

	start := uintptr(unsafe.Pointer(&data[0]))
	if start%hostarch.PageSize != 0 || uintptr(len(data))%hostarch.PageSize != 0 {
		clear(data)
		return nil
	}

	if err := unix.Madvise(data, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("guestmem: madvise dontneed: %w", err)
	}
	return nil
}
