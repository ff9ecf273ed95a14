//go:build !linux

package factory

import "github.com/tinyrange/vmcore/internal/hv"

func openHost() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
