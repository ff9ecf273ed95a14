//go:build linux && !amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/vmcore/internal/hv"
)

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: SetRegisters not supported on this architecture")
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: GetRegisters not supported on this architecture")
}

func (h *hypervisor) archVMInit(vm *virtualMachine, config hv.VMConfig) error {
	return fmt.Errorf("kvm: %w", hv.ErrHypervisorUnsupported)
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}
