// Package guestmem owns the guest physical memory map of a virtual machine.
//
// An AddressSpace is built once from a fixed set of regions and is then
// shared by every vCPU and device goroutine without locking. Every access is
// bounds checked against the region table, so a guest-controlled address can
// never reach host memory outside a mapped region.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"unsafe"

	"gvisor.dev/gvisor/pkg/hostarch"
)

var (
	ErrOutOfRange = errors.New("guest address out of range")
	ErrReadOnly   = errors.New("guest memory region is read-only")
	ErrUnaligned  = errors.New("unaligned guest memory access")
)

// regionAlign is the minimum alignment of region bases, sizes and host
// mappings. It keeps every naturally aligned 32-bit word inside one region so
// the ordered accessors can operate on it atomically.
const regionAlign = 8

// Region is a contiguous span of guest physical memory backed by host memory.
type Region struct {
	Base     uint64
	Data     []byte
	ReadOnly bool

	mapped bool
}

// Size returns the length of the region in bytes.
func (r Region) Size() uint64 { return uint64(len(r.Data)) }

// End returns the first guest address after the region.
func (r Region) End() uint64 { return r.Base + uint64(len(r.Data)) }

func (r Region) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(r.Base), End: hostarch.Addr(r.End())}
}

// AddressSpace is the immutable set of guest memory regions.
type AddressSpace struct {
	regions []Region
	closed  atomic.Bool
}

// New builds an AddressSpace from the given regions. Regions are sorted by
// base address and must not overlap.
func New(regions ...Region) (*AddressSpace, error) {
	if binary.NativeEndian.Uint16([]byte{1, 0}) != 1 {
		return nil, fmt.Errorf("guestmem: big-endian hosts are not supported")
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("guestmem: at least one region is required")
	}

	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	for i, r := range sorted {
		if len(r.Data) == 0 {
			return nil, fmt.Errorf("guestmem: region at 0x%x is empty", r.Base)
		}
		if r.Base%regionAlign != 0 || r.Size()%regionAlign != 0 {
			return nil, fmt.Errorf("guestmem: region [0x%x-0x%x) is not %d-byte aligned", r.Base, r.End(), regionAlign)
		}
		if uintptr(unsafe.Pointer(&r.Data[0]))%regionAlign != 0 {
			return nil, fmt.Errorf("guestmem: host mapping for region 0x%x is not %d-byte aligned", r.Base, regionAlign)
		}
		if _, ok := hostarch.Addr(r.Base).AddLength(r.Size()); !ok {
			return nil, fmt.Errorf("guestmem: region at 0x%x overflows the address space", r.Base)
		}
		if i > 0 && sorted[i-1].addrRange().Overlaps(r.addrRange()) {
			return nil, fmt.Errorf("guestmem: region [0x%x-0x%x) overlaps [0x%x-0x%x)",
				r.Base, r.End(), sorted[i-1].Base, sorted[i-1].End())
		}
	}

	return &AddressSpace{regions: sorted}, nil
}

// Regions returns a copy of the region table in base order.
func (a *AddressSpace) Regions() []Region {
	out := make([]Region, len(a.regions))
	copy(out, a.regions)
	return out
}

// Size returns the total number of guest RAM bytes.
func (a *AddressSpace) Size() uint64 {
	var total uint64
	for _, r := range a.regions {
		total += r.Size()
	}
	return total
}

// Contains reports whether [addr, addr+length) lies inside a single region.
func (a *AddressSpace) Contains(addr, length uint64) bool {
	_, _, err := a.find(addr, length)
	return err == nil
}

// ContainsWritable is like Contains but also requires the region to accept
// writes.
func (a *AddressSpace) ContainsWritable(addr, length uint64) bool {
	r, _, err := a.find(addr, length)
	return err == nil && !r.ReadOnly
}

func (a *AddressSpace) find(addr, length uint64) (*Region, uint64, error) {
	want, ok := hostarch.Addr(addr).ToRange(length)
	if !ok {
		return nil, 0, fmt.Errorf("%w: [0x%x+0x%x) wraps", ErrOutOfRange, addr, length)
	}

	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].Base > addr }) - 1
	if i < 0 {
		return nil, 0, fmt.Errorf("%w: 0x%x is below guest memory", ErrOutOfRange, addr)
	}

	r := &a.regions[i]
	if !r.addrRange().IsSupersetOf(want) {
		return nil, 0, fmt.Errorf("%w: [0x%x-0x%x) not contained in a region", ErrOutOfRange, addr, addr+length)
	}

	return r, addr - r.Base, nil
}

// Slice returns a bounds-checked window of length bytes at addr. The window
// aliases guest memory and its capacity is clipped to length.
func (a *AddressSpace) Slice(addr, length uint64) ([]byte, error) {
	r, off, err := a.find(addr, length)
	if err != nil {
		return nil, err
	}
	return r.Data[off : off+length : off+length], nil
}

// WritableSlice is like Slice but fails for read-only regions.
func (a *AddressSpace) WritableSlice(addr, length uint64) ([]byte, error) {
	r, off, err := a.find(addr, length)
	if err != nil {
		return nil, err
	}
	if r.ReadOnly {
		return nil, fmt.Errorf("%w: 0x%x", ErrReadOnly, addr)
	}
	return r.Data[off : off+length : off+length], nil
}

// Read copies len(p) bytes of guest memory at addr into p.
func (a *AddressSpace) Read(addr uint64, p []byte) error {
	b, err := a.Slice(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// Write copies p into guest memory at addr.
func (a *AddressSpace) Write(addr uint64, p []byte) error {
	b, err := a.WritableSlice(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// ReadAt implements io.ReaderAt over guest physical addresses.
func (a *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	if err := a.Read(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt over guest physical addresses.
func (a *AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	if err := a.Write(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (a *AddressSpace) ReadUint16(addr uint64) (uint16, error) {
	b, err := a.Slice(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (a *AddressSpace) ReadUint32(addr uint64) (uint32, error) {
	b, err := a.Slice(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (a *AddressSpace) ReadUint64(addr uint64) (uint64, error) {
	b, err := a.Slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (a *AddressSpace) WriteUint16(addr uint64, v uint16) error {
	b, err := a.WritableSlice(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (a *AddressSpace) WriteUint32(addr uint64, v uint32) error {
	b, err := a.WritableSlice(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (a *AddressSpace) WriteUint64(addr uint64, v uint64) error {
	b, err := a.WritableSlice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// word resolves the naturally aligned 32-bit word holding the 16-bit value at
// addr and the bit shift of that value inside the word.
func (a *AddressSpace) word(addr uint64, writable bool) (*uint32, uint, error) {
	if addr%2 != 0 {
		return nil, 0, fmt.Errorf("%w: 16-bit access at 0x%x", ErrUnaligned, addr)
	}
	wordAddr := addr &^ 3

	var (
		b   []byte
		err error
	)
	if writable {
		b, err = a.WritableSlice(wordAddr, 4)
	} else {
		b, err = a.Slice(wordAddr, 4)
	}
	if err != nil {
		return nil, 0, err
	}

	return (*uint32)(unsafe.Pointer(&b[0])), uint(addr-wordAddr) * 8, nil
}

// LoadUint16Acquire atomically loads the little-endian 16-bit value at addr.
// Reads that follow it observe every guest write published before the value.
func (a *AddressSpace) LoadUint16Acquire(addr uint64) (uint16, error) {
	p, shift, err := a.word(addr, false)
	if err != nil {
		return 0, err
	}
	return uint16(atomic.LoadUint32(p) >> shift), nil
}

// StoreUint16Release atomically stores v at addr after every preceding write.
// The other half of the containing word is preserved.
func (a *AddressSpace) StoreUint16Release(addr uint64, v uint16) error {
	p, shift, err := a.word(addr, true)
	if err != nil {
		return err
	}
	mask := uint32(0xffff) << shift
	for {
		old := atomic.LoadUint32(p)
		next := old&^mask | uint32(v)<<shift
		if atomic.CompareAndSwapUint32(p, old, next) {
			return nil
		}
	}
}

// Discard releases the backing of [addr, addr+length). The range reads back
// as zeroes afterwards.
func (a *AddressSpace) Discard(addr, length uint64) error {
	r, off, err := a.find(addr, length)
	if err != nil {
		return err
	}
	if r.ReadOnly {
		return fmt.Errorf("%w: 0x%x", ErrReadOnly, addr)
	}
	return discard(r.Data[off:off+length], r.mapped)
}

// Close unmaps regions created by Map. Regions supplied by the caller are
// left alone. The AddressSpace must not be used afterwards.
func (a *AddressSpace) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, r := range a.regions {
		if !r.mapped {
			continue
		}
		if err := unmap(r.Data); err != nil {
			errs = append(errs, fmt.Errorf("guestmem: unmap region 0x%x: %w", r.Base, err))
		}
	}
	return errors.Join(errs...)
}
