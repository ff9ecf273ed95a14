package hv

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/vmcore/internal/guestmem"
)

var (
	// ErrGuest marks recoverable errors caused by guest-controlled state. They
	// are contained to the offending device or queue and the VM keeps running.
	ErrGuest = errors.New("guest error")

	// ErrBackend marks failures of the hypervisor control interface. They are
	// fatal to the VM and trigger an orderly shutdown.
	ErrBackend = errors.New("hypervisor backend failure")

	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrVCPUExists            = errors.New("vCPU already created")
	ErrIRQQueueFull          = errors.New("interrupt queue full")
)

// GuestError wraps err as a recoverable guest error.
func GuestError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGuest, fmt.Sprintf(format, args...))
}

// IsFatal reports whether err must take the whole VM down. A backend
// failure is fatal even when it is joined with guest errors.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrBackend) || !errors.Is(err, ErrGuest)
}

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags
	RegisterAMD64Cr3
)

// ExitKind classifies why a vCPU returned from Run.
type ExitKind uint8

const (
	ExitUnknown ExitKind = iota
	ExitIoIn
	ExitIoOut
	ExitMmioRead
	ExitMmioWrite
	ExitHlt
	ExitShutdown
	ExitInterruptWindow

	// ExitInterrupted is returned when RequestExit kicked the vCPU out of
	// guest mode before or during a run.
	ExitInterrupted
)

func (k ExitKind) String() string {
	switch k {
	case ExitIoIn:
		return "io-in"
	case ExitIoOut:
		return "io-out"
	case ExitMmioRead:
		return "mmio-read"
	case ExitMmioWrite:
		return "mmio-write"
	case ExitHlt:
		return "hlt"
	case ExitShutdown:
		return "shutdown"
	case ExitInterruptWindow:
		return "interrupt-window"
	case ExitInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ExitEvent describes a single return from VirtualCPU.Run.
//
// For IO and MMIO exits Data aliases the backend's exit buffer. Reads are
// completed by filling Data before the next call to Run. String port IO
// carries Count elements of Size bytes each.
type ExitEvent struct {
	Kind  ExitKind
	Port  uint16
	Addr  uint64
	Size  int
	Count int
	Data  []byte

	// Reason is the raw backend exit code, set for ExitUnknown.
	Reason uint32
}

type VirtualCPU interface {
	ID() int

	// Run enters the guest and blocks until exactly one exit occurs.
	Run(ctx context.Context) (ExitEvent, error)

	// RequestExit makes the in-flight or next Run return ExitInterrupted.
	// It is safe to call from any goroutine.
	RequestExit() error

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error
}

// InterruptInjector delivers interrupt lines into the guest.
type InterruptInjector interface {
	// SetIRQ drives a level-triggered line. Repeated assertions coalesce.
	SetIRQ(line uint32, level bool) error

	// PulseIRQ raises an edge on the line. Edges are queued up to a
	// backend-defined depth.
	PulseIRQ(line uint32) error
}

type VirtualMachine interface {
	io.Closer
	InterruptInjector

	Hypervisor() Hypervisor
	Memory() *guestmem.AddressSpace

	// NewVirtualCPU creates the vCPU with the given index. Every index below
	// CPUCount may be created exactly once.
	NewVirtualCPU(id int) (VirtualCPU, error)
	CPUCount() int

	// InterruptLines returns the number of routable interrupt lines.
	InterruptLines() uint32
}

// EventFDBinder is implemented by backends that can wire eventfds directly to
// guest accesses and interrupt lines, bypassing userspace on the fast path.
type EventFDBinder interface {
	// BindIOEventFD signals fd when the guest writes value to the MMIO
	// register at addr, without a VM exit.
	BindIOEventFD(addr uint64, length uint32, value uint64, fd int) error
	UnbindIOEventFD(addr uint64, length uint32, value uint64, fd int) error

	// BindIRQFD injects an edge on line whenever fd is signalled.
	BindIRQFD(line uint32, fd int) error
	UnbindIRQFD(line uint32, fd int) error
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters
	// which can be called multiple times across multiple threads.

	CPUCount() int
	Memory() *guestmem.AddressSpace
	NeedsInterruptSupport() bool
}

type SimpleVMConfig struct {
	NumCPUs          int
	Mem              *guestmem.AddressSpace
	InterruptSupport bool
}

func (c SimpleVMConfig) CPUCount() int                  { return c.NumCPUs }
func (c SimpleVMConfig) Memory() *guestmem.AddressSpace { return c.Mem }
func (c SimpleVMConfig) NeedsInterruptSupport() bool    { return c.InterruptSupport }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
