//go:build linux

package kvm

import "fmt"

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmGetSupportedCpuid   = 0xc008ae05
	kvmCreateVcpu          = 0xae41
	kvmSetTssAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmCreateIrqchip       = 0xae60
	kvmIrqLine             = 0x4008ae61
	kvmCreatePit2          = 0x4040ae77
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetGsiRouting       = 0x4008ae6a
	kvmIrqfd               = 0x4020ae76
	kvmIoeventfd           = 0x4040ae79
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmSetCpuid2           = 0x4008ae90
)

const (
	kvmCapIrqRouting  = 25
	kvmCapNrMemslots  = 10
	kvmCapIrqfd       = 32
	kvmCapIoeventfd   = 36
	kvmCapReadonlyMem = 81
)

const (
	kvmMemReadonly = 1 << 1

	kvmIoeventfdFlagDatamatch = 1 << 0
	kvmIoeventfdFlagPio       = 1 << 1
	kvmIoeventfdFlagDeassign  = 1 << 2

	kvmIrqfdFlagDeassign = 1 << 0

	kvmExitIoIn  = 0
	kvmExitIoOut = 1
)

type kvmExitReason uint32

// Exit reasons the x86 run loop can observe. Reasons of other architectures
// and of Xen or TDX guests are reported by number.
const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitIrqWindowOpen kvmExitReason = 7
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitNmi           kvmExitReason = 16
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
	kvmExitX86Rdmsr      kvmExitReason = 29
	kvmExitX86Wrmsr      kvmExitReason = 30
	kvmExitX86BusLock    kvmExitReason = 33
	kvmExitNotify        kvmExitReason = 37
	kvmExitMemoryFault   kvmExitReason = 39
)

var exitReasonNames = map[kvmExitReason]string{
	kvmExitUnknown:       "unknown",
	kvmExitException:     "exception",
	kvmExitIo:            "io",
	kvmExitHypercall:     "hypercall",
	kvmExitDebug:         "debug",
	kvmExitHlt:           "hlt",
	kvmExitMmio:          "mmio",
	kvmExitIrqWindowOpen: "irq window open",
	kvmExitShutdown:      "shutdown",
	kvmExitFailEntry:     "fail entry",
	kvmExitIntr:          "intr",
	kvmExitNmi:           "nmi",
	kvmExitInternalError: "internal error",
	kvmExitSystemEvent:   "system event",
	kvmExitX86Rdmsr:      "rdmsr",
	kvmExitX86Wrmsr:      "wrmsr",
	kvmExitX86BusLock:    "bus lock",
	kvmExitNotify:        "notify",
	kvmExitMemoryFault:   "memory fault",
}

func (kr kvmExitReason) String() string {
	if name, ok := exitReasonNames[kr]; ok {
		return name
	}
	return fmt.Sprintf("exit reason %d", uint32(kr))
}

const (
	kvmSystemEventShutdown = 1
	kvmSystemEventReset    = 2
)
