package virtio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmcore/internal/guestmem"
)

const (
	balloonDeviceID    = 5
	balloonQueueNumMax = 256
	balloonPageShift   = 12
	balloonPageSize    = 1 << balloonPageShift

	balloonInflateQueue = 0
	balloonDeflateQueue = 1

	// maxPFNErrors caps the errors kept for one request.
	maxPFNErrors = 8
)

// Balloon is a virtio-balloon backend. The host sets a target size in pages;
// the driver inflates by handing pages back, which are discarded from guest
// memory, and deflates by taking them again.
type Balloon struct {
	log *slog.Logger
	mem *guestmem.AddressSpace

	mu            sync.Mutex
	target        uint32
	actual        uint32
	inflated      uint64
	configChanged func() error
}

func NewBalloon(mem *guestmem.AddressSpace, log *slog.Logger) *Balloon {
	if log == nil {
		log = slog.Default()
	}
	return &Balloon{log: log, mem: mem}
}

func (b *Balloon) DeviceID() uint32 { return balloonDeviceID }

func (b *Balloon) Features() uint64 { return 0 }

func (b *Balloon) QueueMaxSizes() []uint16 {
	return []uint16{balloonQueueNumMax, balloonQueueNumMax}
}

func (b *Balloon) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actual = 0
	b.inflated = 0
}

func (b *Balloon) SetConfigChanged(fn func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configChanged = fn
}

// SetTarget asks the driver to grow or shrink the balloon to pages pages.
// The error is that of the config interrupt.
func (b *Balloon) SetTarget(pages uint32) error {
	b.mu.Lock()
	changed := b.target != pages
	b.target = pages
	fn := b.configChanged
	b.mu.Unlock()

	if changed && fn != nil {
		return fn()
	}
	return nil
}

// Target returns the requested size in pages.
func (b *Balloon) Target() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target
}

// Actual returns the size the driver reported in pages.
func (b *Balloon) Actual() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.actual
}

// Inflated returns the number of pages currently discarded.
func (b *Balloon) Inflated() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflated
}

// ReadConfig serves num_pages at 0 and actual at 4.
func (b *Balloon) ReadConfig(offset uint64, data []byte) error {
	var cfg [8]byte
	b.mu.Lock()
	le.PutUint32(cfg[0:4], b.target)
	le.PutUint32(cfg[4:8], b.actual)
	b.mu.Unlock()

	clear(data)
	if offset < uint64(len(cfg)) {
		copy(data, cfg[offset:])
	}
	return nil
}

// WriteConfig accepts driver updates of actual. num_pages is read-only.
func (b *Balloon) WriteConfig(offset uint64, data []byte) error {
	if offset != 4 || len(data) != 4 {
		b.log.Debug("virtio-balloon: ignoring config write", "offset", offset, "len", len(data))
		return nil
	}

	b.mu.Lock()
	b.actual = le.Uint32(data)
	b.mu.Unlock()
	return nil
}

func (b *Balloon) QueueNotify(index int, q *Queue) error {
	switch index {
	case balloonInflateQueue:
		return q.Process(b.inflate)
	case balloonDeflateQueue:
		return q.Process(b.deflate)
	default:
		return fmt.Errorf("virtio-balloon: notify for unknown queue %d", index)
	}
}

// eachPFN calls fn for every 32-bit page frame number a request carries,
// decoding them one at a time from the chain.
func eachPFN(c *Chain, fn func(pfn uint32)) error {
	n := c.ReadableLen()
	if n%4 != 0 {
		return fmt.Errorf("virtio-balloon: request of %d bytes is not a PFN array", n)
	}
	var word [4]byte
	for ; n > 0; n -= 4 {
		if _, err := io.ReadFull(c, word[:]); err != nil {
			return err
		}
		fn(le.Uint32(word[:]))
	}
	return nil
}

func (b *Balloon) inflate(c *Chain) error {
	var (
		errs      []error
		discarded uint64
	)
	err := eachPFN(c, func(pfn uint32) {
		addr := uint64(pfn) << balloonPageShift
		if err := b.mem.Discard(addr, balloonPageSize); err != nil {
			if len(errs) < maxPFNErrors {
				errs = append(errs, fmt.Errorf("virtio-balloon: pfn 0x%x: %w", pfn, err))
			}
			return
		}
		discarded++
	})

	b.mu.Lock()
	b.inflated += discarded
	b.mu.Unlock()
	return errors.Join(append(errs, err)...)
}

func (b *Balloon) deflate(c *Chain) error {
	var pages uint64
	err := eachPFN(c, func(uint32) { pages++ })

	b.mu.Lock()
	b.inflated -= min(b.inflated, pages)
	b.mu.Unlock()
	return err
}
