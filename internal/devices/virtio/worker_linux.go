//go:build linux

package virtio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/tinyrange/vmcore/internal/hv"
)

// Worker is the backend thread of one device. It blocks in epoll_wait on one
// kick eventfd per queue, a stop eventfd and any descriptors of a Poller
// backend, and runs the backend when one of them fires.
type Worker struct {
	t   *Transport
	log *slog.Logger

	epfd    int
	kicks   []eventfd.Eventfd
	stop    eventfd.Eventfd
	hasStop bool

	// byFD maps a ready descriptor to a queue index, or -1 for a backend fd.
	byFD map[int32]int

	closeOnce sync.Once
}

const stopSlot = -2

// NewWorker creates the eventfds and epoll set for t and routes the
// transport's queue notifications through them.
func NewWorker(t *Transport) (*Worker, error) {
	w := &Worker{
		t:    t,
		log:  t.log,
		epfd: -1,
		byFD: make(map[int32]int),
	}

	cu := cleanup.Make(func() { w.closeFDs() })
	defer cu.Clean()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("virtio: epoll_create1: %w", err)
	}
	w.epfd = epfd

	w.stop, err = eventfd.Create()
	if err != nil {
		return nil, fmt.Errorf("virtio: create stop eventfd: %w", err)
	}
	w.hasStop = true
	if err := w.add(w.stop.FD(), stopSlot); err != nil {
		return nil, err
	}

	for i := 0; i < t.NumQueues(); i++ {
		ev, err := eventfd.Create()
		if err != nil {
			return nil, fmt.Errorf("virtio: create kick eventfd for queue %d: %w", i, err)
		}
		w.kicks = append(w.kicks, ev)
		if err := w.add(ev.FD(), i); err != nil {
			return nil, err
		}
	}

	if p, ok := t.backend.(Poller); ok {
		for _, fd := range p.PollFDs() {
			if err := w.add(fd, -1); err != nil {
				return nil, err
			}
		}
	}

	cu.Release()
	t.SetKick(w.kick)
	return w, nil
}

func (w *Worker) add(fd int, slot int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("virtio: epoll_ctl add fd %d: %w", fd, err)
	}
	w.byFD[int32(fd)] = slot
	return nil
}

// KickFD returns the eventfd signalled for queue index. It can be bound as
// an ioeventfd so that notifications never leave the kernel.
func (w *Worker) KickFD(index int) int { return w.kicks[index].FD() }

func (w *Worker) kick(index int) error {
	return w.kicks[index].Notify()
}

// Run processes events until Stop is called or ctx is done. Request errors
// are logged; a backend failure ends Run with that error.
func (w *Worker) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = w.Stop() })
	defer stop()

	events := make([]unix.EpollEvent, len(w.byFD))
	for {
		n, err := unix.EpollWait(w.epfd, events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("virtio: epoll_wait: %w", err)
		}

		for _, ev := range events[:n] {
			slot, ok := w.byFD[ev.Fd]
			if !ok {
				continue
			}
			switch {
			case slot == stopSlot:
				return nil
			case slot >= 0:
				drain(int(ev.Fd))
				if err := w.t.ProcessQueue(slot); err != nil {
					if errors.Is(err, hv.ErrBackend) {
						return err
					}
					w.log.Warn("virtio: queue processing failed", "queue", slot, "error", err)
				}
			default:
				if err := w.t.backend.(Poller).Ready(int(ev.Fd)); err != nil {
					if errors.Is(err, hv.ErrBackend) {
						return err
					}
					w.log.Warn("virtio: backend event failed", "fd", ev.Fd, "error", err)
				}
			}
		}
	}
}

// drain resets an eventfd counter. It is only called after epoll reported
// the descriptor readable, so the read does not block.
func drain(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

// Stop wakes Run and makes it return.
func (w *Worker) Stop() error {
	return w.stop.Notify()
}

// Close releases the worker's descriptors. Run must have returned.
func (w *Worker) Close() error {
	w.t.SetKick(nil)

	var err error
	w.closeOnce.Do(func() { err = w.closeFDs() })
	return err
}

func (w *Worker) closeFDs() error {
	var errs []error
	for _, ev := range w.kicks {
		errs = append(errs, ev.Close())
	}
	w.kicks = nil
	if w.hasStop {
		errs = append(errs, w.stop.Close())
		w.hasStop = false
	}
	if w.epfd >= 0 {
		errs = append(errs, unix.Close(w.epfd))
		w.epfd = -1
	}
	return errors.Join(errs...)
}
