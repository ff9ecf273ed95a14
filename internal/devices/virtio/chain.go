package virtio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
)

var le = binary.LittleEndian

// ErrReadOnlyDescriptor is returned when a device tries to write into a
// buffer the driver did not mark WRITE.
var ErrReadOnlyDescriptor = fmt.Errorf("%w: write into read-only descriptor", hv.ErrGuest)

// Chain is one validated request. The readable buffers come first and are
// consumed with Read; the writable buffers follow and are filled with Write
// or WriteAt. Buffers were bounds checked when the chain was popped.
type Chain struct {
	mem   *guestmem.AddressSpace
	head  uint16
	descs []Descriptor

	// firstW is the index of the first writable descriptor.
	firstW int

	rDesc int
	rOff  uint32

	wOff uint64

	// extent holds, per descriptor, the end of the furthest byte written.
	extent []uint32
}

func newChain(mem *guestmem.AddressSpace, head uint16, descs []Descriptor) *Chain {
	c := &Chain{
		mem:    mem,
		head:   head,
		descs:  descs,
		firstW: len(descs),
		extent: make([]uint32, len(descs)),
	}
	for i, d := range descs {
		if d.IsWrite() {
			c.firstW = i
			break
		}
	}
	return c
}

// Head is the descriptor index the chain was posted under.
func (c *Chain) Head() uint16 { return c.head }

// Descriptors returns the resolved buffers in chain order.
func (c *Chain) Descriptors() []Descriptor { return c.descs }

// ReadableLen is the total size of the readable buffers.
func (c *Chain) ReadableLen() uint64 {
	var n uint64
	for _, d := range c.descs[:c.firstW] {
		n += uint64(d.Len)
	}
	return n
}

// WritableLen is the total size of the writable buffers.
func (c *Chain) WritableLen() uint64 {
	var n uint64
	for _, d := range c.descs[c.firstW:] {
		n += uint64(d.Len)
	}
	return n
}

// Read copies the next readable bytes of the chain into p.
func (c *Chain) Read(p []byte) (int, error) {
	var n int
	for n < len(p) {
		if c.rDesc >= c.firstW {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		d := c.descs[c.rDesc]
		if c.rOff >= d.Len {
			c.rDesc++
			c.rOff = 0
			continue
		}

		want := min(uint64(d.Len-c.rOff), uint64(len(p)-n))
		src, err := c.mem.Slice(d.Addr+uint64(c.rOff), want)
		if err != nil {
			return n, err
		}
		copy(p[n:], src)
		n += int(want)
		c.rOff += uint32(want)
	}
	return n, nil
}

// Write appends p to the writable part of the chain. It returns
// io.ErrShortWrite when the buffers are full.
func (c *Chain) Write(p []byte) (int, error) {
	n, err := c.WriteAt(p, int64(c.wOff))
	c.wOff += uint64(n)
	return n, err
}

// WriteAt writes p at offset off of the concatenated writable buffers.
func (c *Chain) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("virtio: negative chain offset %d", off)
	}

	pos := uint64(off)
	var n int
	for i := c.firstW; i < len(c.descs) && n < len(p); i++ {
		d := c.descs[i]
		if pos >= uint64(d.Len) {
			pos -= uint64(d.Len)
			continue
		}
		want := min(uint64(d.Len)-pos, uint64(len(p)-n))
		if err := c.writeDesc(i, uint32(pos), p[n:n+int(want)]); err != nil {
			return n, err
		}
		n += int(want)
		pos = 0
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// WriteDescriptor writes p at offset off of descriptor i of the chain.
func (c *Chain) WriteDescriptor(i int, off uint32, p []byte) error {
	if i < 0 || i >= len(c.descs) {
		return fmt.Errorf("virtio: descriptor %d out of range (chain of %d)", i, len(c.descs))
	}
	d := c.descs[i]
	if !d.IsWrite() {
		return fmt.Errorf("virtio: descriptor %d of chain %d: %w", i, c.head, ErrReadOnlyDescriptor)
	}
	if uint64(off)+uint64(len(p)) > uint64(d.Len) {
		return fmt.Errorf("%w: virtio: write of %d bytes at %d overruns descriptor of %d", hv.ErrGuest, len(p), off, d.Len)
	}
	return c.writeDesc(i, off, p)
}

func (c *Chain) writeDesc(i int, off uint32, p []byte) error {
	if err := c.mem.Write(c.descs[i].Addr+uint64(off), p); err != nil {
		return err
	}
	if end := off + uint32(len(p)); end > c.extent[i] {
		c.extent[i] = end
	}
	return nil
}

// Written is the number of bytes the device produced, as reported in the
// used element.
func (c *Chain) Written() uint32 {
	var n uint32
	for _, e := range c.extent {
		n += e
	}
	return n
}
