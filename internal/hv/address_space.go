package hv

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmcore/internal/guestmem"
)

var ErrMMIOExhausted = errors.New("mmio window exhausted")

type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

func (a MMIOAllocation) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(a.Base), End: hostarch.Addr(a.Base + a.Size)}
}

// MMIOSpace hands out device windows from a fixed guest physical range that
// does not intersect RAM. Windows released with Free are reused, which lets
// devices be hot-removed and re-added without growing the layout.
type MMIOSpace struct {
	mu sync.Mutex

	window hostarch.AddrRange
	ram    []hostarch.AddrRange

	// allocations is kept sorted by base.
	allocations []MMIOAllocation
}

// NewMMIOSpace creates an allocator over [base, base+size). The window must
// not overlap any RAM region of mem.
func NewMMIOSpace(mem *guestmem.AddressSpace, base, size uint64) (*MMIOSpace, error) {
	window, ok := hostarch.Addr(base).ToRange(size)
	if !ok || size == 0 {
		return nil, fmt.Errorf("address_space: invalid mmio window 0x%x+0x%x", base, size)
	}

	s := &MMIOSpace{window: window}
	if mem != nil {
		for _, r := range mem.Regions() {
			rr := hostarch.AddrRange{Start: hostarch.Addr(r.Base), End: hostarch.Addr(r.End())}
			if rr.Overlaps(window) {
				return nil, fmt.Errorf("address_space: mmio window [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
					base, base+size, r.Base, r.End())
			}
			s.ram = append(s.ram, rr)
		}
	}
	return s, nil
}

// Allocate places a region at the lowest aligned gap that fits.
func (s *MMIOSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = hostarch.PageSize
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}
	size := alignUp(req.Size, alignment)

	cursor := uint64(s.window.Start)
	for _, a := range s.allocations {
		base := alignUp(cursor, alignment)
		if base+size <= a.Base && base >= cursor {
			return s.insertLocked(req.Name, base, size), nil
		}
		cursor = a.Base + a.Size
	}

	base := alignUp(cursor, alignment)
	if base < cursor || base+size < base || base+size > uint64(s.window.End) {
		return MMIOAllocation{}, fmt.Errorf("address_space: %w: 0x%x bytes for %s", ErrMMIOExhausted, size, req.Name)
	}
	return s.insertLocked(req.Name, base, size), nil
}

// RegisterFixed reserves a pre-determined region. It may lie outside the
// allocation window but must not overlap RAM or another reservation.
func (s *MMIOSpace) RegisterFixed(name string, base, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}
	want, ok := hostarch.Addr(base).ToRange(size)
	if !ok {
		return fmt.Errorf("address_space: fixed region %s at 0x%x wraps", name, base)
	}

	for _, r := range s.ram {
		if r.Overlaps(want) {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
				name, base, base+size, r.Start, r.End)
		}
	}
	for _, a := range s.allocations {
		if a.addrRange().Overlaps(want) {
			return fmt.Errorf("address_space: fixed region %s overlaps %s at 0x%x", name, a.Name, a.Base)
		}
	}

	s.insertLocked(name, base, size)
	return nil
}

// Free releases the allocation starting at base.
func (s *MMIOSpace) Free(base uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, a := range s.allocations {
		if a.Base == base {
			s.allocations = append(s.allocations[:i], s.allocations[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("address_space: no allocation at 0x%x", base)
}

// Allocations returns a copy of all live regions in base order.
func (s *MMIOSpace) Allocations() []MMIOAllocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]MMIOAllocation, len(s.allocations))
	copy(result, s.allocations)
	return result
}

func (s *MMIOSpace) insertLocked(name string, base, size uint64) MMIOAllocation {
	alloc := MMIOAllocation{Name: name, Base: base, Size: size}
	i := sort.Search(len(s.allocations), func(i int) bool { return s.allocations[i].Base > base })
	s.allocations = append(s.allocations, MMIOAllocation{})
	copy(s.allocations[i+1:], s.allocations[i:])
	s.allocations[i] = alloc
	return alloc
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
