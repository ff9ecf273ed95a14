//go:build linux && amd64

package kvm

import (
	"context"
	"testing"
	"time"

	"github.com/tinyrange/vmcore/internal/hv"
)

// startRealMode points the vCPU at addr with a flat real-mode code segment.
func startRealMode(t *testing.T, vcpu hv.VirtualCPU, addr uint64) {
	t.Helper()

	v := vcpu.(*virtualCPU)
	sregs, err := getSRegs(v.fd)
	if err != nil {
		t.Fatalf("get sregs: %v", err)
	}
	sregs.Cs.Base = 0
	sregs.Cs.Selector = 0
	if err := setSRegs(v.fd, &sregs); err != nil {
		t.Fatalf("set sregs: %v", err)
	}

	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(addr),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
}

func TestRunPortIOThenHalt(t *testing.T) {
	vm := newTestVM(t, 1, false)

	program := []byte{
		0xba, 0xf8, 0x03, // mov dx, 0x3f8
		0xb0, 'A', // mov al, 'A'
		0xee, // out dx, al
		0xec, // in al, dx
		0xf4, // hlt
	}
	if err := vm.Memory().Write(0x1000, program); err != nil {
		t.Fatalf("write program: %v", err)
	}

	vcpu, err := vm.NewVirtualCPU(0)
	if err != nil {
		t.Fatalf("NewVirtualCPU: %v", err)
	}
	startRealMode(t, vcpu, 0x1000)

	ctx := context.Background()

	ev, err := vcpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev.Kind != hv.ExitIoOut || ev.Port != 0x3f8 || ev.Size != 1 || len(ev.Data) != 1 || ev.Data[0] != 'A' {
		t.Fatalf("unexpected exit %+v", ev)
	}

	ev, err = vcpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev.Kind != hv.ExitIoIn || ev.Port != 0x3f8 {
		t.Fatalf("unexpected exit %+v", ev)
	}
	ev.Data[0] = 0x5a

	ev, err = vcpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev.Kind != hv.ExitHlt {
		t.Fatalf("exit kind = %v, want hlt", ev.Kind)
	}

	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rax: nil}
	if err := vcpu.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if al := uint64(regs[hv.RegisterAMD64Rax].(hv.Register64)) & 0xff; al != 0x5a {
		t.Fatalf("al = %#x, want 0x5a", al)
	}
}

func TestRequestExitBeforeRun(t *testing.T) {
	vm := newTestVM(t, 1, false)

	// jmp $
	if err := vm.Memory().Write(0x1000, []byte{0xeb, 0xfe}); err != nil {
		t.Fatalf("write program: %v", err)
	}

	vcpu, err := vm.NewVirtualCPU(0)
	if err != nil {
		t.Fatalf("NewVirtualCPU: %v", err)
	}
	startRealMode(t, vcpu, 0x1000)

	if err := vcpu.RequestExit(); err != nil {
		t.Fatalf("RequestExit: %v", err)
	}
	ev, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev.Kind != hv.ExitInterrupted {
		t.Fatalf("exit kind = %v, want interrupted", ev.Kind)
	}
}

func TestRequestExitWhileSpinning(t *testing.T) {
	vm := newTestVM(t, 1, false)

	if err := vm.Memory().Write(0x1000, []byte{0xeb, 0xfe}); err != nil {
		t.Fatalf("write program: %v", err)
	}

	vcpu, err := vm.NewVirtualCPU(0)
	if err != nil {
		t.Fatalf("NewVirtualCPU: %v", err)
	}
	startRealMode(t, vcpu, 0x1000)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ev, err := vcpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev.Kind != hv.ExitInterrupted {
		t.Fatalf("exit kind = %v, want interrupted", ev.Kind)
	}
}
