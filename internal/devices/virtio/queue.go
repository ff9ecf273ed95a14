package virtio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
)

// Descriptor flags.
const (
	VIRTQ_DESC_F_NEXT     = 1
	VIRTQ_DESC_F_WRITE    = 2
	VIRTQ_DESC_F_INDIRECT = 4

	VIRTQ_AVAIL_F_NO_INTERRUPT = 1

	descriptorSize = 16
	usedElemSize   = 8

	descAlign  = 16
	availAlign = 2
	usedAlign  = 4
)

var (
	// ErrQueueBroken is returned once the guest corrupted a queue. The queue
	// stays broken until the device is reset.
	ErrQueueBroken = fmt.Errorf("%w: virtqueue broken", hv.ErrGuest)

	// ErrQueueNotReady is returned when a queue is used before activation.
	ErrQueueNotReady = errors.New("virtqueue not ready")
)

// Descriptor is one entry of a descriptor table as read from guest memory.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Descriptor) IsWrite() bool { return d.Flags&VIRTQ_DESC_F_WRITE != 0 }
func (d Descriptor) HasNext() bool { return d.Flags&VIRTQ_DESC_F_NEXT != 0 }

// QueueConfig is the ring layout the driver programmed for one queue.
type QueueConfig struct {
	Size  uint16
	Desc  uint64
	Avail uint64
	Used  uint64
}

// Queue is the device side of one split virtqueue.
//
// All ring fields live in guest memory and are re-read for every request.
// The avail index is loaded with acquire ordering and the used index is
// published with a release store after the used element is written.
type Queue struct {
	mem    *guestmem.AddressSpace
	max    uint16
	signal func() error

	// ready is read without mu so register reads on a vCPU never wait
	// behind a backend draining the queue.
	ready atomic.Bool

	mu        sync.Mutex
	cfg       QueueConfig
	eventIdx  bool
	broken    error
	lastAvail uint16
	usedIdx   uint16

	// signalledUsed is the used index at the last interrupt, for the
	// event index rule.
	signalledUsed uint16
}

// NewQueue creates an inactive queue. signal is called whenever completed
// chains should be reported to the guest; it may be nil. An error from signal
// is returned by Process.
func NewQueue(mem *guestmem.AddressSpace, maxSize uint16, signal func() error) *Queue {
	return &Queue{mem: mem, max: maxSize, signal: signal}
}

// MaxSize returns the largest queue size the device accepts.
func (q *Queue) MaxSize() uint16 { return q.max }

// Activate validates cfg and makes the queue live.
func (q *Queue) Activate(cfg QueueConfig, eventIdx bool) error {
	n := uint64(cfg.Size)
	switch {
	case cfg.Size == 0 || cfg.Size&(cfg.Size-1) != 0:
		return fmt.Errorf("%w: virtio: queue size %d is not a power of two", hv.ErrGuest, cfg.Size)
	case cfg.Size > q.max:
		return fmt.Errorf("%w: virtio: queue size %d exceeds maximum %d", hv.ErrGuest, cfg.Size, q.max)
	case cfg.Desc%descAlign != 0 || cfg.Avail%availAlign != 0 || cfg.Used%usedAlign != 0:
		return fmt.Errorf("%w: virtio: misaligned rings desc=0x%x avail=0x%x used=0x%x", hv.ErrGuest, cfg.Desc, cfg.Avail, cfg.Used)
	}

	rings := []struct {
		name      string
		addr, len uint64
	}{
		{"descriptor table", cfg.Desc, descriptorSize * n},
		{"avail ring", cfg.Avail, 6 + 2*n},
		{"used ring", cfg.Used, 6 + usedElemSize*n},
	}
	for _, r := range rings {
		if !q.mem.Contains(r.addr, r.len) {
			return fmt.Errorf("%w: virtio: %s [0x%x+0x%x) outside guest memory", hv.ErrGuest, r.name, r.addr, r.len)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.cfg = cfg
	q.eventIdx = eventIdx
	q.broken = nil
	q.lastAvail = 0
	q.usedIdx = 0
	q.signalledUsed = 0
	q.ready.Store(true)
	return nil
}

// Reset returns the queue to the inactive state.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ready.Store(false)
	q.cfg = QueueConfig{}
	q.eventIdx = false
	q.broken = nil
	q.lastAvail = 0
	q.usedIdx = 0
	q.signalledUsed = 0
}

func (q *Queue) Ready() bool { return q.ready.Load() }

// Broken returns the reason the queue was marked broken, or nil.
func (q *Queue) Broken() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.broken
}

func (q *Queue) Size() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.Size
}

func (q *Queue) markBroken(err error) error {
	if q.broken == nil {
		q.broken = fmt.Errorf("%w: %w", ErrQueueBroken, err)
	}
	return q.broken
}

func (q *Queue) usable() error {
	if !q.ready.Load() {
		return ErrQueueNotReady
	}
	return q.broken
}

// Pop takes the next available chain off the queue. It returns nil when the
// guest has not posted anything new.
func (q *Queue) Pop() (*Chain, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.popLocked()
}

func (q *Queue) popLocked() (*Chain, error) {
	if err := q.usable(); err != nil {
		return nil, err
	}

	availIdx, err := q.mem.LoadUint16Acquire(q.cfg.Avail + 2)
	if err != nil {
		return nil, q.markBroken(err)
	}
	pending := availIdx - q.lastAvail
	if pending == 0 {
		if q.eventIdx {
			if err := q.publishAvailEvent(); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	if pending > q.cfg.Size {
		return nil, q.markBroken(fmt.Errorf("avail index %d is %d entries ahead of %d", availIdx, pending, q.lastAvail))
	}

	slot := q.cfg.Avail + 4 + 2*uint64(q.lastAvail%q.cfg.Size)
	head, err := q.mem.ReadUint16(slot)
	if err != nil {
		return nil, q.markBroken(err)
	}

	descs, err := q.walk(head)
	if err != nil {
		return nil, q.markBroken(err)
	}

	q.lastAvail++
	if q.eventIdx {
		if err := q.publishAvailEvent(); err != nil {
			return nil, err
		}
	}
	return newChain(q.mem, head, descs), nil
}

func (q *Queue) publishAvailEvent() error {
	addr := q.cfg.Used + 4 + usedElemSize*uint64(q.cfg.Size)
	if err := q.mem.StoreUint16Release(addr, q.lastAvail); err != nil {
		return q.markBroken(err)
	}
	return nil
}

func (q *Queue) readDescriptor(table uint64, index uint16) (Descriptor, error) {
	b, err := q.mem.Slice(table+uint64(index)*descriptorSize, descriptorSize)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  le.Uint64(b[0:8]),
		Len:   le.Uint32(b[8:12]),
		Flags: le.Uint16(b[12:14]),
		Next:  le.Uint16(b[14:16]),
	}, nil
}

// walk resolves the chain starting at head. A chain may visit at most Size
// descriptors of the main table; an indirect table is capped by its own
// length. Every buffer is bounds checked against guest memory, writable
// buffers must follow readable ones and may not point into read-only regions.
func (q *Queue) walk(head uint16) ([]Descriptor, error) {
	size := q.cfg.Size
	if head >= size {
		return nil, fmt.Errorf("head index %d out of range (size %d)", head, size)
	}

	var (
		out     []Descriptor
		seenW   bool
		index   = head
		visited int
	)
	for {
		visited++
		if visited > int(size) {
			return nil, fmt.Errorf("chain from head %d exceeds %d descriptors", head, size)
		}

		d, err := q.readDescriptor(q.cfg.Desc, index)
		if err != nil {
			return nil, err
		}

		if d.Flags&VIRTQ_DESC_F_INDIRECT != 0 {
			if d.HasNext() {
				return nil, fmt.Errorf("indirect descriptor %d has NEXT set", index)
			}
			inner, err := q.walkIndirect(d, seenW)
			if err != nil {
				return nil, err
			}
			return append(out, inner...), nil
		}

		if err := q.checkBuffer(d, &seenW); err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", index, err)
		}
		out = append(out, d)

		if !d.HasNext() {
			return out, nil
		}
		if d.Next >= size {
			return nil, fmt.Errorf("descriptor %d links to %d (size %d)", index, d.Next, size)
		}
		index = d.Next
	}
}

func (q *Queue) walkIndirect(table Descriptor, seenW bool) ([]Descriptor, error) {
	if table.Len == 0 || table.Len%descriptorSize != 0 {
		return nil, fmt.Errorf("indirect table length %d is not a multiple of %d", table.Len, descriptorSize)
	}
	count := table.Len / descriptorSize
	if count > uint32(q.cfg.Size) {
		return nil, fmt.Errorf("indirect table holds %d descriptors, more than queue size %d", count, q.cfg.Size)
	}
	if !q.mem.Contains(table.Addr, uint64(table.Len)) {
		return nil, fmt.Errorf("indirect table [0x%x+0x%x) outside guest memory", table.Addr, table.Len)
	}

	var (
		out   []Descriptor
		index uint16
	)
	for visited := uint32(1); ; visited++ {
		if visited > count {
			return nil, fmt.Errorf("indirect chain exceeds %d descriptors", count)
		}

		d, err := q.readDescriptor(table.Addr, index)
		if err != nil {
			return nil, err
		}
		if d.Flags&VIRTQ_DESC_F_INDIRECT != 0 {
			return nil, fmt.Errorf("nested indirect descriptor at %d", index)
		}
		if err := q.checkBuffer(d, &seenW); err != nil {
			return nil, fmt.Errorf("indirect descriptor %d: %w", index, err)
		}
		out = append(out, d)

		if !d.HasNext() {
			return out, nil
		}
		if uint32(d.Next) >= count {
			return nil, fmt.Errorf("indirect descriptor %d links to %d (table of %d)", index, d.Next, count)
		}
		index = d.Next
	}
}

func (q *Queue) checkBuffer(d Descriptor, seenW *bool) error {
	if !q.mem.Contains(d.Addr, uint64(d.Len)) {
		return fmt.Errorf("buffer [0x%x+0x%x) outside guest memory", d.Addr, d.Len)
	}
	if d.IsWrite() {
		if !q.mem.ContainsWritable(d.Addr, uint64(d.Len)) {
			return fmt.Errorf("writable buffer [0x%x+0x%x) in read-only guest memory", d.Addr, d.Len)
		}
		*seenW = true
	} else if *seenW {
		return fmt.Errorf("readable buffer after writable buffer")
	}
	return nil
}

// AddUsed returns a chain to the guest. The used element is written before
// the used index is published.
func (q *Queue) AddUsed(head uint16, length uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.addUsedLocked(head, length)
}

func (q *Queue) addUsedLocked(head uint16, length uint32) error {
	if err := q.usable(); err != nil {
		return err
	}

	slot := q.cfg.Used + 4 + usedElemSize*uint64(q.usedIdx%q.cfg.Size)
	if err := q.mem.WriteUint32(slot, uint32(head)); err != nil {
		return q.markBroken(err)
	}
	if err := q.mem.WriteUint32(slot+4, length); err != nil {
		return q.markBroken(err)
	}

	q.usedIdx++
	if err := q.mem.StoreUint16Release(q.cfg.Used+2, q.usedIdx); err != nil {
		return q.markBroken(err)
	}
	return nil
}

// needEvent reports whether moving the used index from old to next crosses
// the driver's used_event.
func needEvent(event, next, old uint16) bool {
	return next-event-1 < next-old
}

// NeedsInterrupt reports whether the guest asked to be told about the chains
// completed since the last interrupt.
func (q *Queue) NeedsInterrupt() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.needsInterruptLocked()
}

func (q *Queue) needsInterruptLocked() bool {
	if !q.ready.Load() {
		return false
	}

	if q.eventIdx {
		event, err := q.mem.LoadUint16Acquire(q.cfg.Avail + 4 + 2*uint64(q.cfg.Size))
		if err != nil {
			return true
		}
		old := q.signalledUsed
		q.signalledUsed = q.usedIdx
		return needEvent(event, q.usedIdx, old)
	}

	flags, err := q.mem.LoadUint16Acquire(q.cfg.Avail)
	if err != nil {
		return true
	}
	return flags&VIRTQ_AVAIL_F_NO_INTERRUPT == 0
}

// Process drains the queue. Every chain is handed to fn and then completed
// with the number of bytes fn wrote into it. A handler error is collected and
// the chain is still completed; a ring error stops processing. The signal
// callback runs once at the end if the guest wants an interrupt, and its
// error is returned along with the others.
func (q *Queue) Process(fn func(*Chain) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		errs      []error
		completed int
	)
	for {
		chain, err := q.popLocked()
		if err != nil {
			errs = append(errs, err)
			break
		}
		if chain == nil {
			break
		}

		if err := fn(chain); err != nil {
			errs = append(errs, fmt.Errorf("virtio: chain %d: %w", chain.Head(), err))
		}
		if err := q.addUsedLocked(chain.Head(), chain.Written()); err != nil {
			errs = append(errs, err)
			break
		}
		completed++
	}

	if completed > 0 && q.signal != nil && q.needsInterruptLocked() {
		if err := q.signal(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
