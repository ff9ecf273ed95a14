//go:build !linux

package irq

import "github.com/tinyrange/vmcore/internal/hv"

type irqfd struct{}

func newIRQFD(hv.EventFDBinder, uint32) (*irqfd, error) {
	return nil, hv.ErrHypervisorUnsupported
}

func (*irqfd) signal() error                 { return nil }
func (*irqfd) close(hv.EventFDBinder) error { return nil }
