//go:build linux

package factory

import (
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/hv/kvm"
)

func openHost() (hv.Hypervisor, error) {
	return kvm.Open()
}
