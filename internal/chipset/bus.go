// Package chipset routes trapped guest accesses to emulated devices.
//
// Devices live in an arena owned by the Bus and are bound to address ranges
// in two independent spaces (MMIO and port IO). Bindings change only while
// every vCPU is parked; dispatch from vCPU goroutines runs concurrently under
// a read lock.
package chipset

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmcore/internal/hv"
)

var (
	ErrOverlap       = errors.New("address range overlaps an existing binding")
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotBound      = errors.New("no binding at address")
)

// DeviceID indexes the bus device arena.
type DeviceID uint32

type arenaEntry struct {
	name string
	kind Kind
	mmio MmioDevice
	pio  PioDevice
	live bool
}

type binding struct {
	rng hostarch.AddrRange
	id  DeviceID
}

// Binding describes one registered range.
type Binding struct {
	Space  Space
	Base   uint64
	Size   uint64
	Device DeviceID
	Name   string
	Kind   Kind
}

// Stats counts accesses that did not reach a device.
type Stats struct {
	UnmappedReads  uint64
	UnmappedWrites uint64
	DeviceErrors   uint64
}

// Bus is the address-space dispatch table.
type Bus struct {
	log *slog.Logger

	mu    sync.RWMutex
	arena []arenaEntry
	free  []DeviceID

	// bindings per space, sorted by start and pairwise disjoint.
	bindings [numSpaces][]binding

	unmappedReads  atomic.Uint64
	unmappedWrites atomic.Uint64
	deviceErrors   atomic.Uint64
}

// NewBus returns an empty bus. A nil logger selects slog.Default().
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Insert adds dev to the arena. dev must implement MmioDevice or PioDevice
// (or both); the entry is tagged VirtioDevice, MmioDevice or PioDevice in
// that order of preference.
func (b *Bus) Insert(name string, dev any) (DeviceID, error) {
	if name == "" {
		return 0, fmt.Errorf("chipset: device name is empty")
	}

	entry := arenaEntry{name: name, live: true}
	if d, ok := dev.(MmioDevice); ok {
		entry.mmio = d
		entry.kind = KindMmio
	}
	if d, ok := dev.(PioDevice); ok {
		entry.pio = d
		if entry.kind == 0 {
			entry.kind = KindPio
		}
	}
	if _, ok := dev.(VirtioDevice); ok {
		entry.kind = KindVirtio
	}
	if entry.kind == 0 {
		return 0, fmt.Errorf("chipset: device %q (%T) implements no bus capability", name, dev)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.arena {
		if e.live && e.name == name {
			return 0, fmt.Errorf("chipset: device %q already inserted", name)
		}
	}

	if n := len(b.free); n > 0 {
		id := b.free[n-1]
		b.free = b.free[:n-1]
		b.arena[id] = entry
		return id, nil
	}

	b.arena = append(b.arena, entry)
	return DeviceID(len(b.arena) - 1), nil
}

func (b *Bus) entryLocked(id DeviceID) (*arenaEntry, error) {
	if int(id) >= len(b.arena) || !b.arena[id].live {
		return nil, fmt.Errorf("chipset: %w: %d", ErrUnknownDevice, id)
	}
	return &b.arena[id], nil
}

// Register binds [base, base+size) in space to device id.
func (b *Bus) Register(space Space, base, size uint64, id DeviceID) error {
	if space >= numSpaces {
		return fmt.Errorf("chipset: invalid address space %d", space)
	}
	if size == 0 {
		return fmt.Errorf("chipset: %s range at 0x%x has zero size", space, base)
	}
	rng, ok := hostarch.Addr(base).ToRange(size)
	if !ok {
		return fmt.Errorf("chipset: %s range at 0x%x with size 0x%x overflows", space, base, size)
	}
	if space == SpacePIO && rng.End > 0x10000 {
		return fmt.Errorf("chipset: port range 0x%x-0x%x exceeds the port space", base, base+size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, err := b.entryLocked(id)
	if err != nil {
		return err
	}
	if space == SpaceMMIO && entry.mmio == nil || space == SpacePIO && entry.pio == nil {
		return fmt.Errorf("chipset: device %q cannot serve %s accesses", entry.name, space)
	}

	list := b.bindings[space]
	i := sort.Search(len(list), func(i int) bool { return list[i].rng.Start >= rng.Start })
	for _, j := range []int{i - 1, i} {
		if j >= 0 && j < len(list) && list[j].rng.Overlaps(rng) {
			other := b.arena[list[j].id].name
			return fmt.Errorf("chipset: %s range 0x%x-0x%x for %q: %w (%q at 0x%x-0x%x)",
				space, base, base+size, entry.name, ErrOverlap, other, list[j].rng.Start, list[j].rng.End)
		}
	}

	list = append(list, binding{})
	copy(list[i+1:], list[i:])
	list[i] = binding{rng: rng, id: id}
	b.bindings[space] = list

	b.log.Debug("chipset: registered range", "space", space, "base", fmt.Sprintf("0x%x", base), "size", size, "device", entry.name)
	return nil
}

// Unregister removes the binding starting at base.
func (b *Bus) Unregister(space Space, base uint64) error {
	if space >= numSpaces {
		return fmt.Errorf("chipset: invalid address space %d", space)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.bindings[space]
	i := sort.Search(len(list), func(i int) bool { return uint64(list[i].rng.Start) >= base })
	if i == len(list) || uint64(list[i].rng.Start) != base {
		return fmt.Errorf("chipset: %w: %s 0x%x", ErrNotBound, space, base)
	}
	b.bindings[space] = append(list[:i], list[i+1:]...)
	return nil
}

// Remove drops every binding of id and frees its arena slot. The device is
// returned so the caller can stop it.
func (b *Bus) Remove(id DeviceID) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, err := b.entryLocked(id)
	if err != nil {
		return nil, err
	}

	for s := range b.bindings {
		kept := b.bindings[s][:0]
		for _, bd := range b.bindings[s] {
			if bd.id != id {
				kept = append(kept, bd)
			}
		}
		b.bindings[s] = kept
	}

	var dev any = entry.mmio
	if dev == nil {
		dev = entry.pio
	}
	b.arena[id] = arenaEntry{}
	b.free = append(b.free, id)
	return dev, nil
}

// Lookup returns the arena id of a live device by name.
func (b *Bus) Lookup(name string) (DeviceID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i, e := range b.arena {
		if e.live && e.name == name {
			return DeviceID(i), true
		}
	}
	return 0, false
}

// Bindings returns every binding of both spaces in address order.
func (b *Bus) Bindings() []Binding {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Binding
	for s, list := range b.bindings {
		for _, bd := range list {
			e := b.arena[bd.id]
			out = append(out, Binding{
				Space:  Space(s),
				Base:   uint64(bd.rng.Start),
				Size:   uint64(bd.rng.Length()),
				Device: bd.id,
				Name:   e.name,
				Kind:   e.kind,
			})
		}
	}
	return out
}

// Stats returns the unmapped access counters.
func (b *Bus) Stats() Stats {
	return Stats{
		UnmappedReads:  b.unmappedReads.Load(),
		UnmappedWrites: b.unmappedWrites.Load(),
		DeviceErrors:   b.deviceErrors.Load(),
	}
}

func fillOnes(data []byte) {
	for i := range data {
		data[i] = 0xff
	}
}

// Dispatch routes one access. Reads nobody serves complete with all-ones and
// writes are absorbed; an access straddling the end of a binding counts as
// unmapped. A failing device read also yields all-ones. The returned error
// wraps hv.ErrGuest unless the device reported hv.ErrBackend, which is passed
// through so the caller stops the VM.
func (b *Bus) Dispatch(space Space, addr uint64, data []byte, isWrite bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.findLocked(space, addr, uint64(len(data)))
	if !ok {
		if isWrite {
			b.unmappedWrites.Add(1)
		} else {
			b.unmappedReads.Add(1)
			fillOnes(data)
		}
		return nil
	}

	var err error
	switch {
	case space == SpacePIO && isWrite:
		err = entry.pio.WriteIOPort(uint16(addr), data)
	case space == SpacePIO:
		err = entry.pio.ReadIOPort(uint16(addr), data)
	case isWrite:
		err = entry.mmio.WriteMMIO(addr, data)
	default:
		err = entry.mmio.ReadMMIO(addr, data)
	}
	if err == nil {
		return nil
	}

	b.deviceErrors.Add(1)
	if !isWrite {
		fillOnes(data)
	}
	if errors.Is(err, hv.ErrGuest) || errors.Is(err, hv.ErrBackend) {
		return fmt.Errorf("chipset: %s %s 0x%x on %q: %w", space, accessName(isWrite), addr, entry.name, err)
	}
	return fmt.Errorf("%w: chipset: %s %s 0x%x on %q: %w", hv.ErrGuest, space, accessName(isWrite), addr, entry.name, err)
}

func accessName(isWrite bool) string {
	if isWrite {
		return "write"
	}
	return "read"
}

func (b *Bus) findLocked(space Space, addr, length uint64) (*arenaEntry, bool) {
	if space >= numSpaces {
		return nil, false
	}
	want, ok := hostarch.Addr(addr).ToRange(length)
	if !ok {
		return nil, false
	}

	list := b.bindings[space]
	i := sort.Search(len(list), func(i int) bool { return uint64(list[i].rng.Start) > addr }) - 1
	if i < 0 || !list[i].rng.IsSupersetOf(want) {
		return nil, false
	}
	return &b.arena[list[i].id], true
}

// HandleMMIO dispatches an MMIO access.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	return b.Dispatch(SpaceMMIO, addr, data, isWrite)
}

// HandlePIO dispatches an I/O port access.
func (b *Bus) HandlePIO(port uint16, data []byte, isWrite bool) error {
	return b.Dispatch(SpacePIO, uint64(port), data, isWrite)
}

func (b *Bus) devices() []arenaEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []arenaEntry
	for _, e := range b.arena {
		if e.live {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func lifecycle(e arenaEntry) (ChangeDeviceState, bool) {
	if s, ok := e.mmio.(ChangeDeviceState); ok {
		return s, true
	}
	s, ok := e.pio.(ChangeDeviceState)
	return s, ok
}

// Start activates all devices with lifecycle hooks in name order.
func (b *Bus) Start() error {
	for _, e := range b.devices() {
		if s, ok := lifecycle(e); ok {
			if err := s.Start(); err != nil {
				return fmt.Errorf("chipset: start device %q: %w", e.name, err)
			}
		}
	}
	return nil
}

// Stop deactivates all devices. Every device is stopped even if some fail.
func (b *Bus) Stop() error {
	var errs []error
	for _, e := range b.devices() {
		if s, ok := lifecycle(e); ok {
			if err := s.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("chipset: stop device %q: %w", e.name, err))
			}
		}
	}
	return errors.Join(errs...)
}
