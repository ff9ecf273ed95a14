package virtio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	blkDeviceID    = 2
	blkQueueNumMax = 128
	blkSectorSize  = 512
	blkIDBytes     = 20
	blkHeaderSize  = 16

	// blkBounceSize bounds the host memory one request can pin, whatever
	// the guest puts in its descriptors.
	blkBounceSize = 64 << 10
)

// Virtio block request types
const (
	VIRTIO_BLK_T_IN     = 0
	VIRTIO_BLK_T_OUT    = 1
	VIRTIO_BLK_T_FLUSH  = 4
	VIRTIO_BLK_T_GET_ID = 8
)

// Virtio block status codes
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits
const (
	VIRTIO_BLK_F_RO       = 1 << 5
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6
	VIRTIO_BLK_F_FLUSH    = 1 << 9
)

// Disk is the storage behind a block device.
type Disk interface {
	io.ReaderAt
	io.WriterAt
}

type syncer interface {
	Sync() error
}

type BlkOptions struct {
	// ID is reported for VIRTIO_BLK_T_GET_ID, truncated to 20 bytes.
	ID string

	ReadOnly bool

	Logger *slog.Logger
}

// Blk is a virtio-blk backend over a Disk of a fixed size.
type Blk struct {
	log      *slog.Logger
	disk     Disk
	size     int64
	id       string
	readOnly bool

	mu    sync.Mutex
	stats BlkStats
}

// BlkStats counts completed requests.
type BlkStats struct {
	Reads, Writes, Flushes uint64
	Errors                 uint64
}

// NewBlk creates a block backend. size is the disk size in bytes and is
// rounded down to whole sectors.
func NewBlk(disk Disk, size int64, opts BlkOptions) (*Blk, error) {
	if disk == nil {
		return nil, fmt.Errorf("virtio-blk: no disk")
	}
	if size < blkSectorSize {
		return nil, fmt.Errorf("virtio-blk: disk of %d bytes is smaller than one sector", size)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Blk{
		log:      log,
		disk:     disk,
		size:     size &^ (blkSectorSize - 1),
		id:       opts.ID,
		readOnly: opts.ReadOnly,
	}, nil
}

func (b *Blk) DeviceID() uint32 { return blkDeviceID }

func (b *Blk) Features() uint64 {
	f := uint64(VIRTIO_BLK_F_BLK_SIZE | VIRTIO_BLK_F_FLUSH)
	if b.readOnly {
		f |= VIRTIO_BLK_F_RO
	}
	return f
}

func (b *Blk) QueueMaxSizes() []uint16 { return []uint16{blkQueueNumMax} }

func (b *Blk) Reset() {}

// Sectors returns the capacity in 512 byte sectors.
func (b *Blk) Sectors() uint64 { return uint64(b.size / blkSectorSize) }

func (b *Blk) Stats() BlkStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// ReadConfig serves struct virtio_blk_config: capacity at 0 and blk_size at
// 20. Everything else reads as zero.
func (b *Blk) ReadConfig(offset uint64, data []byte) error {
	var cfg [24]byte
	le.PutUint64(cfg[0:8], b.Sectors())
	le.PutUint32(cfg[20:24], blkSectorSize)

	clear(data)
	if offset < uint64(len(cfg)) {
		copy(data, cfg[offset:])
	}
	return nil
}

func (b *Blk) WriteConfig(offset uint64, data []byte) error {
	b.log.Debug("virtio-blk: ignoring config write", "offset", offset, "len", len(data))
	return nil
}

func (b *Blk) QueueNotify(index int, q *Queue) error {
	if index != 0 {
		return fmt.Errorf("virtio-blk: notify for unknown queue %d", index)
	}
	return q.Process(b.handle)
}

// handle serves one request. Its layout is a 16 byte header in the readable
// part, then data buffers, then a one byte status at the very end of the
// writable part.
func (b *Blk) handle(c *Chain) error {
	writable := c.WritableLen()
	if writable == 0 {
		return fmt.Errorf("virtio-blk: request without status byte")
	}
	statusOff := int64(writable - 1)

	var hdr [blkHeaderSize]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		return errors.Join(fmt.Errorf("virtio-blk: short request header: %w", err), b.finish(c, statusOff, VIRTIO_BLK_S_IOERR))
	}
	typ := le.Uint32(hdr[0:4])
	sector := le.Uint64(hdr[8:16])

	var (
		status uint8 = VIRTIO_BLK_S_OK
		err    error
	)
	switch typ {
	case VIRTIO_BLK_T_IN:
		err = b.read(c, sector, uint64(statusOff))
	case VIRTIO_BLK_T_OUT:
		err = b.write(c, sector)
	case VIRTIO_BLK_T_FLUSH:
		err = b.flush()
	case VIRTIO_BLK_T_GET_ID:
		err = b.getID(c, uint64(statusOff))
	default:
		b.log.Debug("virtio-blk: unsupported request", "type", typ)
		status = VIRTIO_BLK_S_UNSUPP
	}

	if err != nil {
		b.log.Warn("virtio-blk: request failed", "type", typ, "sector", sector, "error", err)
		status = VIRTIO_BLK_S_IOERR
	}
	return b.finish(c, statusOff, status)
}

func (b *Blk) finish(c *Chain, statusOff int64, status uint8) error {
	b.mu.Lock()
	if status != VIRTIO_BLK_S_OK {
		b.stats.Errors++
	}
	b.mu.Unlock()

	_, err := c.WriteAt([]byte{status}, statusOff)
	return err
}

func (b *Blk) checkRange(sector, length uint64) (int64, error) {
	if length%blkSectorSize != 0 {
		return 0, fmt.Errorf("length %d is not a multiple of the sector size", length)
	}
	if sector > b.Sectors() || length/blkSectorSize > b.Sectors()-sector {
		return 0, fmt.Errorf("sectors [%d+%d) beyond capacity %d", sector, length/blkSectorSize, b.Sectors())
	}
	return int64(sector * blkSectorSize), nil
}

// copyBounded moves exactly n bytes from src to dst through a buffer of at
// most blkBounceSize bytes.
func copyBounded(dst io.Writer, src io.Reader, n int64) error {
	if n == 0 {
		return nil
	}
	buf := make([]byte, min(n, blkBounceSize))
	copied, err := io.CopyBuffer(dst, io.LimitReader(src, n), buf)
	if err != nil {
		return err
	}
	if copied != n {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (b *Blk) read(c *Chain, sector, length uint64) error {
	off, err := b.checkRange(sector, length)
	if err != nil {
		return err
	}

	if err := copyBounded(c, io.NewSectionReader(b.disk, off, int64(length)), int64(length)); err != nil {
		return err
	}

	b.mu.Lock()
	b.stats.Reads++
	b.mu.Unlock()
	return nil
}

func (b *Blk) write(c *Chain, sector uint64) error {
	if b.readOnly {
		return fmt.Errorf("write to read-only disk")
	}

	length := c.ReadableLen() - blkHeaderSize
	off, err := b.checkRange(sector, length)
	if err != nil {
		return err
	}

	if err := copyBounded(io.NewOffsetWriter(b.disk, off), c, int64(length)); err != nil {
		return err
	}

	b.mu.Lock()
	b.stats.Writes++
	b.mu.Unlock()
	return nil
}

func (b *Blk) flush() error {
	if s, ok := b.disk.(syncer); ok {
		if err := s.Sync(); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.stats.Flushes++
	b.mu.Unlock()
	return nil
}

func (b *Blk) getID(c *Chain, room uint64) error {
	id := make([]byte, min(room, blkIDBytes))
	copy(id, b.id)
	_, err := c.Write(id)
	return err
}
