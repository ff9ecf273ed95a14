//go:build linux

package irq

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/tinyrange/vmcore/internal/hv"
)

// irqfd is an eventfd the backend turns into an edge on a line.
type irqfd struct {
	ev   eventfd.Eventfd
	line uint32
}

func newIRQFD(b hv.EventFDBinder, line uint32) (*irqfd, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return nil, fmt.Errorf("irq: create eventfd: %w", err)
	}
	if err := b.BindIRQFD(line, ev.FD()); err != nil {
		ev.Close()
		return nil, err
	}
	return &irqfd{ev: ev, line: line}, nil
}

func (f *irqfd) signal() error {
	return f.ev.Notify()
}

func (f *irqfd) close(b hv.EventFDBinder) error {
	return errors.Join(b.UnbindIRQFD(f.line, f.ev.FD()), f.ev.Close())
}
