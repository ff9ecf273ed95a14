//go:build linux

package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
)

// kickSignal interrupts a thread blocked in KVM_RUN. The runtime must have a
// handler installed for it, otherwise the default action kills the process.
const kickSignal = unix.SIGUSR1

var (
	kickOnce    sync.Once
	kickSignals = make(chan os.Signal, 1)
)

func installKickHandler() {
	kickOnce.Do(func() {
		signal.Notify(kickSignals, kickSignal)
	})
}

type virtualCPU struct {
	vm  *virtualMachine
	id  int
	fd  int
	run []byte

	// tid is the OS thread currently inside Run, or zero.
	tid           atomic.Int32
	exitRequested atomic.Bool
	inRun         atomic.Bool
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int { return v.id }

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// RequestExit implements hv.VirtualCPU.
func (v *virtualCPU) RequestExit() error {
	// immediate_exit is published before the flag so a Run that observes the
	// flag always clears a set immediate_exit.
	v.runData().immediate_exit = 1
	v.exitRequested.Store(true)

	tid := v.tid.Load()
	if tid == 0 {
		return nil
	}

	if err := unix.Tgkill(unix.Getpid(), int(tid), kickSignal); err != nil && err != unix.ESRCH {
		return fmt.Errorf("%w: kvm: kick vCPU %d: %v", hv.ErrBackend, v.id, err)
	}

	return nil
}

// Run implements hv.VirtualCPU.
func (v *virtualCPU) Run(ctx context.Context) (hv.ExitEvent, error) {
	if !v.inRun.CompareAndSwap(false, true) {
		return hv.ExitEvent{}, fmt.Errorf("kvm: vCPU %d is already running", v.id)
	}
	defer v.inRun.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.tid.Store(int32(unix.Gettid()))
	defer v.tid.Store(0)

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			_ = v.RequestExit()
		})
		defer stop()
	}

	run := v.runData()

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if v.exitRequested.Swap(false) {
				run.immediate_exit = 0
				return hv.ExitEvent{Kind: hv.ExitInterrupted}, nil
			}
			// Some other signal landed on this thread.
			continue
		} else if err != nil {
			return hv.ExitEvent{}, fmt.Errorf("%w: kvm: run vCPU %d: %v", hv.ErrBackend, v.id, err)
		}

		break
	}

	return v.decodeExit(run)
}

func (v *virtualCPU) decodeExit(run *kvmRunData) (hv.ExitEvent, error) {
	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

		length := uint64(ioData.size) * uint64(ioData.count)
		if ioData.dataOffset+length > uint64(len(v.run)) {
			return hv.ExitEvent{}, fmt.Errorf("%w: kvm: vCPU %d io data outside run page", hv.ErrBackend, v.id)
		}

		ev := hv.ExitEvent{
			Kind:  hv.ExitIoOut,
			Port:  ioData.port,
			Size:  int(ioData.size),
			Count: int(ioData.count),
			Data:  v.run[ioData.dataOffset : ioData.dataOffset+length],
		}
		if ioData.direction == kvmExitIoIn {
			ev.Kind = hv.ExitIoIn
		}
		return ev, nil
	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))

		size := min(int(mmioData.len), len(mmioData.data))
		ev := hv.ExitEvent{
			Kind:  hv.ExitMmioRead,
			Addr:  mmioData.physAddr,
			Size:  size,
			Count: 1,
			Data:  mmioData.data[:size],
		}
		if mmioData.isWrite != 0 {
			ev.Kind = hv.ExitMmioWrite
		}
		return ev, nil
	case kvmExitHlt:
		return hv.ExitEvent{Kind: hv.ExitHlt}, nil
	case kvmExitIrqWindowOpen:
		return hv.ExitEvent{Kind: hv.ExitInterruptWindow}, nil
	case kvmExitIntr:
		return hv.ExitEvent{Kind: hv.ExitInterrupted}, nil
	case kvmExitShutdown:
		return hv.ExitEvent{Kind: hv.ExitShutdown}, nil
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		switch system.typ {
		case kvmSystemEventShutdown, kvmSystemEventReset:
			return hv.ExitEvent{Kind: hv.ExitShutdown}, nil
		}
		return hv.ExitEvent{Kind: hv.ExitUnknown, Reason: uint32(reason)}, nil
	case kvmExitInternalError:
		ierr := (*internalError)(unsafe.Pointer(&run.anon0[0]))

		return hv.ExitEvent{Kind: hv.ExitUnknown, Reason: uint32(reason)},
			fmt.Errorf("%w: kvm: vCPU %d exited with internal error: %s", hv.ErrBackend, v.id, ierr.Suberror)
	case kvmExitFailEntry:
		return hv.ExitEvent{Kind: hv.ExitUnknown, Reason: uint32(reason)},
			fmt.Errorf("%w: kvm: vCPU %d failed to enter guest mode", hv.ErrBackend, v.id)
	default:
		slog.Debug("kvm: unhandled exit", "vcpu", v.id, "reason", reason)
		return hv.ExitEvent{Kind: hv.ExitUnknown, Reason: uint32(reason)}, nil
	}
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv     *hypervisor
	vmFd   int
	memory *guestmem.AddressSpace

	mu       sync.Mutex
	vcpus    map[int]*virtualCPU
	cpuCount int
	mmapSize int

	hasIRQChip bool
	gsiCount   uint32
	closed     bool
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor      { return v.hv }
func (v *virtualMachine) Memory() *guestmem.AddressSpace { return v.memory }
func (v *virtualMachine) CPUCount() int                  { return v.cpuCount }
func (v *virtualMachine) InterruptLines() uint32         { return v.gsiCount }

// NewVirtualCPU implements hv.VirtualMachine.
func (v *virtualMachine) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("kvm: create vCPU %d on closed VM", id)
	}
	if id < 0 || id >= v.cpuCount {
		return nil, fmt.Errorf("kvm: vCPU index %d out of range [0,%d)", id, v.cpuCount)
	}
	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("kvm: vCPU %d: %w", id, hv.ErrVCPUExists)
	}

	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("%w: create vCPU %d: %v", hv.ErrBackend, id, err)
	}

	cu := cleanup.Make(func() { unix.Close(vcpuFd) })
	defer cu.Clean()

	run, err := unix.Mmap(
		vcpuFd,
		0,
		v.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap vCPU %d kvm_run: %v", hv.ErrBackend, id, err)
	}
	cu.Add(func() { unix.Munmap(run) })

	if err := v.hv.archVCPUInit(v, vcpuFd); err != nil {
		return nil, fmt.Errorf("%w: initialize vCPU %d: %v", hv.ErrBackend, id, err)
	}

	vcpu := &virtualCPU{
		vm:  v,
		id:  id,
		fd:  vcpuFd,
		run: run,
	}
	v.vcpus[id] = vcpu

	cu.Release()
	return vcpu, nil
}

// SetIRQ implements hv.InterruptInjector.
func (v *virtualMachine) SetIRQ(irqLine uint32, level bool) error {
	if !v.hasIRQChip {
		return fmt.Errorf("kvm: cannot drive IRQ %d without irqchip", irqLine)
	}
	if irqLine >= v.gsiCount {
		return fmt.Errorf("kvm: IRQ %d out of range", irqLine)
	}

	if err := irqLevel(v.vmFd, irqLine, level); err != nil {
		return fmt.Errorf("%w: setting IRQ line %d: %v", hv.ErrBackend, irqLine, err)
	}

	return nil
}

// PulseIRQ implements hv.InterruptInjector.
func (v *virtualMachine) PulseIRQ(irqLine uint32) error {
	if err := v.SetIRQ(irqLine, true); err != nil {
		return err
	}
	return v.SetIRQ(irqLine, false)
}

// BindIOEventFD implements hv.EventFDBinder.
func (v *virtualMachine) BindIOEventFD(addr uint64, length uint32, value uint64, fd int) error {
	return v.ioeventfd(addr, length, value, fd, 0)
}

// UnbindIOEventFD implements hv.EventFDBinder.
func (v *virtualMachine) UnbindIOEventFD(addr uint64, length uint32, value uint64, fd int) error {
	return v.ioeventfd(addr, length, value, fd, kvmIoeventfdFlagDeassign)
}

func (v *virtualMachine) ioeventfd(addr uint64, length uint32, value uint64, fd int, flags uint32) error {
	if err := setIoeventfd(v.vmFd, &kvmIoeventfdArgs{
		Datamatch: value,
		Addr:      addr,
		Len:       length,
		Fd:        int32(fd),
		Flags:     flags | kvmIoeventfdFlagDatamatch,
	}); err != nil {
		return fmt.Errorf("%w: KVM_IOEVENTFD at 0x%x: %v", hv.ErrBackend, addr, err)
	}
	return nil
}

// BindIRQFD implements hv.EventFDBinder.
func (v *virtualMachine) BindIRQFD(line uint32, fd int) error {
	return v.irqfd(line, fd, 0)
}

// UnbindIRQFD implements hv.EventFDBinder.
func (v *virtualMachine) UnbindIRQFD(line uint32, fd int) error {
	return v.irqfd(line, fd, kvmIrqfdFlagDeassign)
}

func (v *virtualMachine) irqfd(line uint32, fd int, flags uint32) error {
	if !v.hasIRQChip {
		return fmt.Errorf("kvm: irqfd requires an irqchip")
	}
	if err := setIrqfd(v.vmFd, &kvmIrqfdArgs{
		Fd:    uint32(fd),
		GSI:   line,
		Flags: flags,
	}); err != nil {
		return fmt.Errorf("%w: KVM_IRQFD gsi %d: %v", hv.ErrBackend, line, err)
	}
	return nil
}

// Close implements hv.VirtualMachine. Guest memory is owned by the caller and
// is left mapped.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	vcpus := v.vcpus
	v.vcpus = nil
	vmFd := v.vmFd
	v.vmFd = -1
	v.mu.Unlock()

	var errs []error
	for _, vcpu := range vcpus {
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "vcpu", vcpu.id, "error", err)
			errs = append(errs, err)
		}
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "vcpu", vcpu.id, "error", err)
			errs = append(errs, err)
		}
	}

	if vmFd >= 0 {
		if err := unix.Close(vmFd); err != nil {
			slog.Error("kvm: close vm fd", "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
	_ hv.EventFDBinder  = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor. Every region of the configured
// address space becomes one memory slot; read-only regions are mapped with
// KVM_MEM_READONLY.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	mem := config.Memory()
	if mem == nil {
		return nil, fmt.Errorf("kvm: VM config has no guest memory")
	}
	if config.CPUCount() < 1 {
		return nil, fmt.Errorf("kvm: at least one vCPU is required, got %d", config.CPUCount())
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: get kvm_run mmap size: %v", hv.ErrBackend, err)
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: create VM: %v", hv.ErrBackend, err)
	}

	cu := cleanup.Make(func() { unix.Close(vmFd) })
	defer cu.Clean()

	vm := &virtualMachine{
		hv:       h,
		vmFd:     vmFd,
		memory:   mem,
		vcpus:    make(map[int]*virtualCPU),
		cpuCount: config.CPUCount(),
		mmapSize: mmapSize,
	}

	if err := h.archVMInit(vm, config); err != nil {
		return nil, fmt.Errorf("%w: initialize VM: %v", hv.ErrBackend, err)
	}

	regions := mem.Regions()
	if slots, err := checkExtension(h.fd, kvmCapNrMemslots); err == nil && slots > 0 && len(regions) > slots {
		return nil, fmt.Errorf("kvm: %d memory regions exceed %d memslots", len(regions), slots)
	}

	for slot, r := range regions {
		var flags uint32
		if r.ReadOnly {
			if ok, _ := checkExtension(h.fd, kvmCapReadonlyMem); ok == 0 {
				return nil, fmt.Errorf("kvm: read-only region at 0x%x: %w", r.Base, hv.ErrHypervisorUnsupported)
			}
			flags |= kvmMemReadonly
		}

		if err := setUserMemoryRegion(vmFd, &kvmUserspaceMemoryRegion{
			Slot:          uint32(slot),
			Flags:         flags,
			GuestPhysAddr: r.Base,
			MemorySize:    r.Size(),
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&r.Data[0]))),
		}); err != nil {
			return nil, fmt.Errorf("%w: set user memory region %d at 0x%x: %v", hv.ErrBackend, slot, r.Base, err)
		}
	}

	slog.Debug("kvm: created VM", "regions", len(regions), "vcpus", vm.cpuCount, "irqchip", vm.hasIRQChip)

	cu.Release()
	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	for _, c := range []int{kvmCapIoeventfd, kvmCapIrqfd} {
		if ok, err := checkExtension(fd, c); err != nil || ok == 0 {
			unix.Close(fd)
			return nil, fmt.Errorf("kvm: required capability %d missing: %w", c, hv.ErrHypervisorUnsupported)
		}
	}

	installKickHandler()

	return &hypervisor{fd: fd}, nil
}
