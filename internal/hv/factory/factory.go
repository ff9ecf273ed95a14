// Package factory selects a hypervisor backend by name.
package factory

import (
	"fmt"

	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/hv/scripted"
)

const (
	BackendKVM      = "kvm"
	BackendScripted = "scripted"
)

// Open returns the named backend. An empty name selects the host default.
func Open(name string) (hv.Hypervisor, error) {
	switch name {
	case "", BackendKVM:
		return openHost()
	case BackendScripted:
		return scripted.New(scripted.Options{}), nil
	default:
		return nil, fmt.Errorf("unknown hypervisor backend %q", name)
	}
}
