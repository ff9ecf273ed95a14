package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
)

const testMMIOBase = 0xd0000000

type fakeLine struct {
	mu     sync.Mutex
	level  bool
	raises int
	err    error
}

func (l *fakeLine) SetLevel(high bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if high && !l.level {
		l.raises++
	}
	l.level = high
	return nil
}

func (l *fakeLine) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *fakeLine) get() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level, l.raises
}

type memDisk struct {
	mu    sync.Mutex
	data  []byte
	syncs int
}

func (d *memDisk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copy(p, d.data[off:]), nil
}

func (d *memDisk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copy(d.data[off:], p), nil
}

func (d *memDisk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncs++
	return nil
}

func newPatternDisk(sectors int) *memDisk {
	data := make([]byte, sectors*blkSectorSize)
	for i := range data {
		data[i] = byte(i*7 + i/blkSectorSize)
	}
	return &memDisk{data: data}
}

func writeReg(t *testing.T, tr *Transport, off uint64, v uint32) {
	t.Helper()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	require.NoError(t, tr.WriteMMIO(testMMIOBase+off, b[:]))
}

func readReg(t *testing.T, tr *Transport, off uint64) uint32 {
	t.Helper()
	var b [4]byte
	require.NoError(t, tr.ReadMMIO(testMMIOBase+off, b[:]))
	return binary.LittleEndian.Uint32(b[:])
}

// driverInit performs the virtio-mmio initialisation sequence of a driver
// and activates queue 0 with ring's layout.
func driverInit(t *testing.T, tr *Transport, ring *testRing, features uint64) {
	t.Helper()

	writeReg(t, tr, VIRTIO_MMIO_STATUS, 0)
	writeReg(t, tr, VIRTIO_MMIO_STATUS, VIRTIO_STATUS_ACKNOWLEDGE|VIRTIO_STATUS_DRIVER)

	writeReg(t, tr, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	writeReg(t, tr, VIRTIO_MMIO_DRIVER_FEATURES, uint32(features))
	writeReg(t, tr, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	writeReg(t, tr, VIRTIO_MMIO_DRIVER_FEATURES, uint32(features>>32))
	writeReg(t, tr, VIRTIO_MMIO_STATUS, VIRTIO_STATUS_ACKNOWLEDGE|VIRTIO_STATUS_DRIVER|VIRTIO_STATUS_FEATURES_OK)
	require.NotZero(t, readReg(t, tr, VIRTIO_MMIO_STATUS)&VIRTIO_STATUS_FEATURES_OK, "features rejected")

	cfg := ring.config()
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_SEL, 0)
	require.GreaterOrEqual(t, readReg(t, tr, VIRTIO_MMIO_QUEUE_NUM_MAX), uint32(cfg.Size))
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_NUM, uint32(cfg.Size))
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_DESC_LOW, uint32(cfg.Desc))
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_DESC_HIGH, uint32(cfg.Desc>>32))
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_AVAIL_LOW, uint32(cfg.Avail))
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_AVAIL_HIGH, uint32(cfg.Avail>>32))
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_USED_LOW, uint32(cfg.Used))
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_USED_HIGH, uint32(cfg.Used>>32))
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_READY, 1)
	require.Equal(t, uint32(1), readReg(t, tr, VIRTIO_MMIO_QUEUE_READY))

	writeReg(t, tr, VIRTIO_MMIO_STATUS, VIRTIO_STATUS_ACKNOWLEDGE|VIRTIO_STATUS_DRIVER|VIRTIO_STATUS_FEATURES_OK|VIRTIO_STATUS_DRIVER_OK)
}

func newBlkTransport(t *testing.T, disk *memDisk, opts BlkOptions) (*Transport, *testRing, *fakeLine) {
	t.Helper()

	mem := newTestMemory(t)
	blk, err := NewBlk(disk, int64(len(disk.data)), opts)
	require.NoError(t, err)

	line := &fakeLine{}
	tr, err := NewTransport(TransportConfig{Base: testMMIOBase, Memory: mem, Backend: blk, IRQ: line})
	require.NoError(t, err)

	ring := newTestRing(t, mem, 8)
	driverInit(t, tr, ring, VIRTIO_F_VERSION_1)
	return tr, ring, line
}

// postBlkRequest builds header -> data -> status starting at descriptor
// head and returns the guest addresses of the data and status buffers.
func postBlkRequest(ring *testRing, head uint16, typ uint32, sector uint64, dataLen uint32, dataWritable bool) (dataAddr, statusAddr uint64) {
	hdrAddr := uint64(testBufAddr) + uint64(head)*0x1000
	dataAddr = hdrAddr + 0x100
	statusAddr = hdrAddr + 0xf00

	var hdr [blkHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], typ)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)
	ring.must(ring.mem.Write(hdrAddr, hdr[:]))
	ring.must(ring.mem.Write(statusAddr, []byte{0xee}))

	dataFlags := uint16(VIRTQ_DESC_F_NEXT)
	if dataWritable {
		dataFlags |= VIRTQ_DESC_F_WRITE
	}
	ring.setDesc(head, Descriptor{Addr: hdrAddr, Len: blkHeaderSize, Flags: VIRTQ_DESC_F_NEXT, Next: head + 1})
	ring.setDesc(head+1, Descriptor{Addr: dataAddr, Len: dataLen, Flags: dataFlags, Next: head + 2})
	ring.setDesc(head+2, Descriptor{Addr: statusAddr, Len: 1, Flags: VIRTQ_DESC_F_WRITE})
	ring.post(head)
	return dataAddr, statusAddr
}

func TestTransportIdentity(t *testing.T) {
	tr, _, _ := newBlkTransport(t, newPatternDisk(4), BlkOptions{})

	require.Equal(t, uint32(virtioMagic), readReg(t, tr, VIRTIO_MMIO_MAGIC_VALUE))
	require.Equal(t, uint32(2), readReg(t, tr, VIRTIO_MMIO_VERSION))
	require.Equal(t, uint32(blkDeviceID), readReg(t, tr, VIRTIO_MMIO_DEVICE_ID))
	require.Equal(t, uint32(blkDeviceID), tr.VirtioDeviceID())

	writeReg(t, tr, VIRTIO_MMIO_DEVICE_FEATURES_SEL, 1)
	require.Equal(t, uint32(1), readReg(t, tr, VIRTIO_MMIO_DEVICE_FEATURES)&1, "VERSION_1 not offered")

	var capacity [8]byte
	require.NoError(t, tr.ReadMMIO(testMMIOBase+VIRTIO_MMIO_CONFIG, capacity[:]))
	require.Equal(t, uint64(4), binary.LittleEndian.Uint64(capacity[:]))
}

func TestTransportRejectsBadAccess(t *testing.T) {
	tr, _, _ := newBlkTransport(t, newPatternDisk(1), BlkOptions{})

	require.ErrorIs(t, tr.ReadMMIO(testMMIOBase+VIRTIO_MMIO_STATUS, make([]byte, 2)), hv.ErrGuest)
	require.ErrorIs(t, tr.WriteMMIO(testMMIOBase+MMIORegionSize, make([]byte, 4)), hv.ErrGuest)
	require.ErrorIs(t, tr.WriteMMIO(testMMIOBase+VIRTIO_MMIO_QUEUE_NOTIFY, []byte{7, 0, 0, 0}), hv.ErrGuest)
}

func TestFeatureNegotiationRequiresVersion1(t *testing.T) {
	mem := newTestMemory(t)
	blk, err := NewBlk(newPatternDisk(1), blkSectorSize, BlkOptions{})
	require.NoError(t, err)
	tr, err := NewTransport(TransportConfig{Base: testMMIOBase, Memory: mem, Backend: blk, IRQ: &fakeLine{}})
	require.NoError(t, err)

	writeReg(t, tr, VIRTIO_MMIO_STATUS, VIRTIO_STATUS_ACKNOWLEDGE|VIRTIO_STATUS_DRIVER)
	writeReg(t, tr, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	writeReg(t, tr, VIRTIO_MMIO_DRIVER_FEATURES, VIRTIO_BLK_F_FLUSH)
	writeReg(t, tr, VIRTIO_MMIO_STATUS, VIRTIO_STATUS_ACKNOWLEDGE|VIRTIO_STATUS_DRIVER|VIRTIO_STATUS_FEATURES_OK)

	require.Zero(t, readReg(t, tr, VIRTIO_MMIO_STATUS)&VIRTIO_STATUS_FEATURES_OK)
}

func TestQueueActivationRejectedThroughRegisters(t *testing.T) {
	tr, _, _ := newBlkTransport(t, newPatternDisk(1), BlkOptions{})

	writeReg(t, tr, VIRTIO_MMIO_QUEUE_READY, 0)
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_NUM, 6)

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 1)
	require.ErrorIs(t, tr.WriteMMIO(testMMIOBase+VIRTIO_MMIO_QUEUE_READY, b[:]), hv.ErrGuest)
	require.Zero(t, readReg(t, tr, VIRTIO_MMIO_QUEUE_READY))
}

// End to end block read: used element {head, 513} and status 0.
func TestBlkReadEndToEnd(t *testing.T) {
	disk := newPatternDisk(8)
	tr, ring, line := newBlkTransport(t, disk, BlkOptions{})

	const head = 0
	dataAddr, statusAddr := postBlkRequest(ring, head, VIRTIO_BLK_T_IN, 0, blkSectorSize, true)
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_NOTIFY, 0)

	require.Equal(t, uint16(1), ring.usedIdx())
	id, written := ring.used(0)
	require.Equal(t, uint32(head), id)
	require.Equal(t, uint32(513), written)

	status := make([]byte, 1)
	ring.must(ring.mem.Read(statusAddr, status))
	require.Equal(t, byte(VIRTIO_BLK_S_OK), status[0])

	data := make([]byte, blkSectorSize)
	ring.must(ring.mem.Read(dataAddr, data))
	require.True(t, bytes.Equal(disk.data[:blkSectorSize], data))

	require.Equal(t, uint32(VIRTIO_MMIO_INT_VRING), readReg(t, tr, VIRTIO_MMIO_INTERRUPT_STATUS))
	level, raises := line.get()
	require.True(t, level)
	require.Equal(t, 1, raises)

	writeReg(t, tr, VIRTIO_MMIO_INTERRUPT_ACK, VIRTIO_MMIO_INT_VRING)
	level, _ = line.get()
	require.False(t, level)
	require.Zero(t, readReg(t, tr, VIRTIO_MMIO_INTERRUPT_STATUS))
}

// A self-looping descriptor breaks the queue without hanging and the device
// asks for a reset.
func TestSelfLoopMarksDeviceNeedsReset(t *testing.T) {
	tr, ring, line := newBlkTransport(t, newPatternDisk(1), BlkOptions{})

	ring.setDesc(2, Descriptor{Addr: testBufAddr, Len: blkHeaderSize, Flags: VIRTQ_DESC_F_NEXT, Next: 2})
	ring.post(2)

	var b [4]byte
	err := tr.WriteMMIO(testMMIOBase+VIRTIO_MMIO_QUEUE_NOTIFY, b[:])
	require.ErrorIs(t, err, ErrQueueBroken)

	require.Zero(t, ring.usedIdx())
	require.NotNil(t, tr.Queue(0).Broken())
	require.NotZero(t, readReg(t, tr, VIRTIO_MMIO_STATUS)&VIRTIO_STATUS_DEVICE_NEEDS_RESET)
	require.NotZero(t, readReg(t, tr, VIRTIO_MMIO_INTERRUPT_STATUS)&VIRTIO_MMIO_INT_CONFIG)
	level, _ := line.get()
	require.True(t, level)

	// The driver cannot clear the bit except through a reset.
	writeReg(t, tr, VIRTIO_MMIO_STATUS, VIRTIO_STATUS_ACKNOWLEDGE)
	require.NotZero(t, readReg(t, tr, VIRTIO_MMIO_STATUS)&VIRTIO_STATUS_DEVICE_NEEDS_RESET)

	writeReg(t, tr, VIRTIO_MMIO_STATUS, 0)
	require.Zero(t, readReg(t, tr, VIRTIO_MMIO_STATUS))
	require.Zero(t, readReg(t, tr, VIRTIO_MMIO_QUEUE_READY))
	require.Nil(t, tr.Queue(0).Broken())
	level, _ = line.get()
	require.False(t, level)
}

func TestConfigGenerationAdvances(t *testing.T) {
	tr, _, _ := newBlkTransport(t, newPatternDisk(1), BlkOptions{})

	before := readReg(t, tr, VIRTIO_MMIO_CONFIG_GENERATION)
	require.NoError(t, tr.ConfigChanged())
	require.Equal(t, before+1, readReg(t, tr, VIRTIO_MMIO_CONFIG_GENERATION))
	require.NotZero(t, tr.InterruptStatus()&VIRTIO_MMIO_INT_CONFIG)
}

// Failing to raise the interrupt is a backend failure even though the
// request itself completed.
func TestInterruptLineFailureIsFatal(t *testing.T) {
	tr, ring, line := newBlkTransport(t, newPatternDisk(4), BlkOptions{})
	line.fail(fmt.Errorf("%w: KVM_IRQ_LINE: bad file descriptor", hv.ErrBackend))

	postBlkRequest(ring, 0, VIRTIO_BLK_T_IN, 0, blkSectorSize, true)
	err := tr.Kick(0)
	require.ErrorIs(t, err, hv.ErrBackend)
	require.True(t, hv.IsFatal(err))
	require.Equal(t, uint16(1), ring.usedIdx())

	require.ErrorIs(t, tr.WriteMMIO(testMMIOBase+VIRTIO_MMIO_INTERRUPT_ACK, []byte{1, 0, 0, 0}), hv.ErrBackend)

	// Whatever the line returns, the transport reports a backend failure.
	line.fail(errors.New("irq line released"))
	err = tr.ConfigChanged()
	require.ErrorIs(t, err, hv.ErrBackend)
}

// A WRITE descriptor into read-only memory stops the request before the
// backend touches the disk.
func TestBlkStatusInReadOnlyMemory(t *testing.T) {
	const romAddr = 0x100000

	mem, err := guestmem.New(
		guestmem.Region{Base: 0, Data: make([]byte, testMemSize)},
		guestmem.Region{Base: romAddr, Data: make([]byte, 0x1000), ReadOnly: true},
	)
	require.NoError(t, err)

	disk := &memDisk{data: make([]byte, 4*blkSectorSize)}
	blk, err := NewBlk(disk, int64(len(disk.data)), BlkOptions{})
	require.NoError(t, err)
	tr, err := NewTransport(TransportConfig{Base: testMMIOBase, Memory: mem, Backend: blk, IRQ: &fakeLine{}})
	require.NoError(t, err)
	ring := newTestRing(t, mem, 8)
	driverInit(t, tr, ring, VIRTIO_F_VERSION_1)

	var hdr [blkHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], VIRTIO_BLK_T_OUT)
	ring.must(mem.Write(testBufAddr, hdr[:]))
	ring.must(mem.Write(testBufAddr+0x100, bytes.Repeat([]byte{0xab}, blkSectorSize)))
	ring.setDesc(0, Descriptor{Addr: testBufAddr, Len: blkHeaderSize, Flags: VIRTQ_DESC_F_NEXT, Next: 1})
	ring.setDesc(1, Descriptor{Addr: testBufAddr + 0x100, Len: blkSectorSize, Flags: VIRTQ_DESC_F_NEXT, Next: 2})
	ring.setDesc(2, Descriptor{Addr: romAddr, Len: 1, Flags: VIRTQ_DESC_F_WRITE})
	ring.post(0)

	err = tr.Kick(0)
	require.ErrorIs(t, err, ErrQueueBroken)
	require.False(t, hv.IsFatal(err))
	require.NotNil(t, tr.Queue(0).Broken())
	require.Zero(t, ring.usedIdx())
	require.Equal(t, make([]byte, blkSectorSize), disk.data[:blkSectorSize])
	require.Zero(t, blk.Stats().Writes)
}
