//go:build linux && amd64

package kvm

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

const irqChipIOAPIC = 2

// initGSIRouting installs a simple IOAPIC routing table for GSIs [0,numGSIs).
// Each GSI is mapped to the in-kernel IOAPIC pin with the same number, which
// keeps the line numbers seen by irqfd and KVM_IRQ_LINE identical.
func initGSIRouting(vmFd int, systemFd int, numGSIs int) error {
	slog.Debug("kvm: init GSI routing", "vm_fd", vmFd, "gsis", numGSIs)

	if numGSIs <= 0 {
		return nil
	}

	if ok, err := checkExtension(systemFd, kvmCapIrqRouting); err != nil {
		return fmt.Errorf("check KVM_CAP_IRQ_ROUTING: %w", err)
	} else if ok == 0 {
		return nil
	}

	entries := make([]kvmIrqRoutingEntry, 0, numGSIs)
	for gsi := 0; gsi < numGSIs; gsi++ {
		entries = append(entries, kvmIrqRoutingEntry{
			GSI:  uint32(gsi),
			Type: kvmIRQRoutingIoapic,
			u: kvmIrqRoutingIoapic{
				IRQChip: irqChipIOAPIC,
				Pin:     uint32(gsi),
			},
		})
	}

	if err := setIrqRouting(vmFd, entries); err != nil {
		if err == unix.EINVAL || err == unix.ENOTTY {
			// Some KVM builds reject custom routing here; the default table
			// already maps low GSIs onto IOAPIC pins.
			slog.Debug("kvm: keeping default GSI routing", "error", err)
			return nil
		}
		return fmt.Errorf("set IRQ routing: %w", err)
	}
	return nil
}

// KVM irq routing structures adapted from asm/kvm.h
const (
	kvmIRQRoutingIoapic = 1
)

type kvmIrqRoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	Pad   uint32
	u     kvmIrqRoutingIoapic
	_     [24]byte // union is 32 bytes wide
}

type kvmIrqRoutingIoapic struct {
	IRQChip uint32
	Pin     uint32
}

type kvmIrqRoutingHeader struct {
	NR    uint32
	Flags uint32
}

func setIrqRouting(vmFd int, entries []kvmIrqRoutingEntry) error {
	// The KVM_SET_GSI_ROUTING ioctl expects the entries to be inline after the header.
	headerSize := int(unsafe.Sizeof(kvmIrqRoutingHeader{}))
	entrySize := int(unsafe.Sizeof(kvmIrqRoutingEntry{}))
	buf := make([]byte, headerSize+len(entries)*entrySize)

	header := (*kvmIrqRoutingHeader)(unsafe.Pointer(&buf[0]))
	header.NR = uint32(len(entries))

	for i, ent := range entries {
		*(*kvmIrqRoutingEntry)(unsafe.Pointer(&buf[headerSize+i*entrySize])) = ent
	}

	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetGsiRouting), uintptr(unsafe.Pointer(&buf[0])))
	return err
}
