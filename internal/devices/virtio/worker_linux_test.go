//go:build linux

package virtio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmcore/internal/hv"
)

func TestWorkerProcessesKicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr, ring, line := newBlkTransport(t, newPatternDisk(4), BlkOptions{})

	w, err := NewWorker(tr)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	_, statusAddr := postBlkRequest(ring, 0, VIRTIO_BLK_T_IN, 1, blkSectorSize, true)
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_NOTIFY, 0)

	require.Eventually(t, func() bool { return ring.usedIdx() == 1 }, 5*time.Second, time.Millisecond)
	require.Equal(t, byte(VIRTIO_BLK_S_OK), blkStatus(t, ring, statusAddr))
	require.Eventually(t, func() bool { level, _ := line.get(); return level }, 5*time.Second, time.Millisecond)

	// A write to the kick fd, as an ioeventfd would do, is picked up too.
	postBlkRequest(ring, 3, VIRTIO_BLK_T_IN, 2, blkSectorSize, true)
	var one [8]byte
	one[0] = 1
	_, err = unix.Write(w.KickFD(0), one[:])
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ring.usedIdx() == 2 }, 5*time.Second, time.Millisecond)

	require.NoError(t, w.Stop())
	require.NoError(t, <-done)
	require.NoError(t, w.Close())

	// Without a worker, kicks are processed inline again.
	postBlkRequest(ring, 0, VIRTIO_BLK_T_IN, 0, blkSectorSize, true)
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_NOTIFY, 0)
	require.Equal(t, uint16(3), ring.usedIdx())
}

func TestWorkerStopsOnContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr, _, _ := newBlkTransport(t, newPatternDisk(1), BlkOptions{})
	w, err := NewWorker(tr)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerReturnsBackendFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr, ring, line := newBlkTransport(t, newPatternDisk(4), BlkOptions{})
	w, err := NewWorker(tr)
	require.NoError(t, err)
	defer w.Close()

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	// A guest error keeps the worker alive.
	ring.setDesc(5, Descriptor{Addr: testBufAddr, Len: blkHeaderSize, Flags: VIRTQ_DESC_F_NEXT, Next: 5})
	ring.post(5)
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_NOTIFY, 0)
	require.Eventually(t, func() bool { return tr.Queue(0).Broken() != nil }, 5*time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("worker stopped on a guest error: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	writeReg(t, tr, VIRTIO_MMIO_STATUS, 0)
	driverInit(t, tr, ring, VIRTIO_F_VERSION_1)
	line.fail(errors.New("set irq line: bad file descriptor"))
	ring.availIdx = 0
	postBlkRequest(ring, 0, VIRTIO_BLK_T_IN, 0, blkSectorSize, true)
	writeReg(t, tr, VIRTIO_MMIO_QUEUE_NOTIFY, 0)

	select {
	case err := <-done:
		require.ErrorIs(t, err, hv.ErrBackend)
		require.True(t, hv.IsFatal(err))
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept running after the interrupt line failed")
	}
	require.Equal(t, uint16(1), ring.usedIdx())
}
