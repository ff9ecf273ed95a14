package virtio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
)

const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100

	// MMIORegionSize is the size of the register window of one device.
	MMIORegionSize = 0x200

	// Interrupt status bits
	VIRTIO_MMIO_INT_VRING  = 0x1
	VIRTIO_MMIO_INT_CONFIG = 0x2

	// Device status bits
	VIRTIO_STATUS_ACKNOWLEDGE        = 0x01
	VIRTIO_STATUS_DRIVER             = 0x02
	VIRTIO_STATUS_DRIVER_OK          = 0x04
	VIRTIO_STATUS_FEATURES_OK        = 0x08
	VIRTIO_STATUS_DEVICE_NEEDS_RESET = 0x40
	VIRTIO_STATUS_FAILED             = 0x80

	VIRTIO_F_INDIRECT_DESC = uint64(1) << 28
	VIRTIO_F_EVENT_IDX     = uint64(1) << 29
	VIRTIO_F_VERSION_1     = uint64(1) << 32

	virtioMagic       = 0x74726976 // "virt"
	virtioMMIOVersion = 2
	virtioVendorID    = 0x554d4551

	transportFeatures = VIRTIO_F_VERSION_1 | VIRTIO_F_EVENT_IDX | VIRTIO_F_INDIRECT_DESC
)

// InterruptLine is the level triggered line a transport drives.
type InterruptLine interface {
	SetLevel(high bool) error
}

type TransportConfig struct {
	// Base is the guest physical address of the register window.
	Base uint64

	Memory  *guestmem.AddressSpace
	Backend Backend
	IRQ     InterruptLine

	// MaxQueueSize caps the backend's queue sizes. Zero means no cap.
	MaxQueueSize uint16

	Logger *slog.Logger
}

type queueRegs struct {
	size  uint16
	desc  uint64
	avail uint64
	used  uint64
}

// Transport is a virtio-mmio (version 2) device. It implements the register
// file and owns the queues; requests are handed to the Backend.
type Transport struct {
	log      *slog.Logger
	base     uint64
	mem      *guestmem.AddressSpace
	backend  Backend
	irq      InterruptLine
	features uint64
	queues   []*Queue

	mu               sync.Mutex
	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   uint64
	queueSel         uint32
	status           uint32
	configGeneration uint32
	regs             []queueRegs
	kick             func(index int) error

	interruptStatus atomic.Uint32
	irqMu           sync.Mutex
}

// NewTransport creates the register file for backend at cfg.Base.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.Memory == nil || cfg.Backend == nil || cfg.IRQ == nil {
		return nil, fmt.Errorf("virtio: transport needs guest memory, a backend and an interrupt line")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	sizes := cfg.Backend.QueueMaxSizes()
	if len(sizes) == 0 {
		return nil, fmt.Errorf("virtio: device %d exposes no queues", cfg.Backend.DeviceID())
	}

	t := &Transport{
		log:      log.With("device", cfg.Backend.DeviceID(), "base", fmt.Sprintf("0x%x", cfg.Base)),
		base:     cfg.Base,
		mem:      cfg.Memory,
		backend:  cfg.Backend,
		irq:      cfg.IRQ,
		features: cfg.Backend.Features() | transportFeatures,
		regs:     make([]queueRegs, len(sizes)),
	}
	for i, size := range sizes {
		if cfg.MaxQueueSize != 0 && size > cfg.MaxQueueSize {
			size = cfg.MaxQueueSize
		}
		if size == 0 {
			return nil, fmt.Errorf("virtio: queue %d has zero max size", i)
		}
		t.queues = append(t.queues, NewQueue(cfg.Memory, size, t.signalUsed))
	}

	if n, ok := cfg.Backend.(ConfigNotifier); ok {
		n.SetConfigChanged(t.ConfigChanged)
	}
	return t, nil
}

func (t *Transport) Base() uint64 { return t.base }

func (t *Transport) Backend() Backend { return t.backend }

func (t *Transport) VirtioDeviceID() uint32 { return t.backend.DeviceID() }

func (t *Transport) NumQueues() int { return len(t.queues) }

// Queue returns queue index.
func (t *Transport) Queue(index int) *Queue { return t.queues[index] }

// Status returns the device status register.
func (t *Transport) Status() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// InterruptStatus returns the pending interrupt bits.
func (t *Transport) InterruptStatus() uint32 { return t.interruptStatus.Load() }

// NegotiatedFeatures returns the features the driver accepted.
func (t *Transport) NegotiatedFeatures() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driverFeatures & t.features
}

// SetKick installs the function QUEUE_NOTIFY writes are forwarded to. With
// no kick function installed, notifications are processed inline.
func (t *Transport) SetKick(fn func(index int) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kick = fn
}

func (t *Transport) raise(bits uint32) error {
	t.interruptStatus.Or(bits)
	return t.updateLine()
}

// updateLine drives the line from the pending bits. The guest cannot make
// this fail, so any error is reported as a backend failure.
func (t *Transport) updateLine() error {
	t.irqMu.Lock()
	defer t.irqMu.Unlock()

	err := t.irq.SetLevel(t.interruptStatus.Load() != 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hv.ErrBackend):
		return fmt.Errorf("virtio: update interrupt line: %w", err)
	default:
		return fmt.Errorf("%w: virtio: update interrupt line: %w", hv.ErrBackend, err)
	}
}

func (t *Transport) signalUsed() error { return t.raise(VIRTIO_MMIO_INT_VRING) }

// ConfigChanged bumps the config generation and raises a config interrupt.
func (t *Transport) ConfigChanged() error {
	t.mu.Lock()
	t.configGeneration++
	t.mu.Unlock()

	return t.raise(VIRTIO_MMIO_INT_CONFIG)
}

func (t *Transport) needsReset(cause error) error {
	t.mu.Lock()
	already := t.status&VIRTIO_STATUS_DEVICE_NEEDS_RESET != 0
	t.status |= VIRTIO_STATUS_DEVICE_NEEDS_RESET
	if !already {
		t.configGeneration++
	}
	t.mu.Unlock()

	if already {
		return nil
	}
	t.log.Warn("virtio: device needs reset", "error", cause)
	return t.raise(VIRTIO_MMIO_INT_CONFIG)
}

// Kick delivers a driver notification for queue index.
func (t *Transport) Kick(index int) error {
	if index < 0 || index >= len(t.queues) {
		return fmt.Errorf("%w: virtio: notify for queue %d of %d", hv.ErrGuest, index, len(t.queues))
	}

	t.mu.Lock()
	kick := t.kick
	t.mu.Unlock()

	if kick != nil {
		return kick(index)
	}
	return t.ProcessQueue(index)
}

// ProcessQueue runs the backend for queue index. A queue the guest broke
// flags the device as needing a reset. Errors raising the interrupt are
// returned with the request errors and carry hv.ErrBackend.
func (t *Transport) ProcessQueue(index int) error {
	q := t.queues[index]
	if !q.Ready() {
		t.log.Debug("virtio: notify for inactive queue", "queue", index)
		return nil
	}

	err := t.backend.QueueNotify(index, q)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrQueueBroken) {
		err = errors.Join(err, t.needsReset(err))
	}
	return err
}

func (t *Transport) checkAccess(addr uint64, size int) (uint64, error) {
	if addr < t.base || addr+uint64(size) > t.base+MMIORegionSize {
		return 0, fmt.Errorf("%w: virtio: access 0x%x+%d outside registers at 0x%x", hv.ErrGuest, addr, size, t.base)
	}
	off := addr - t.base
	if off < VIRTIO_MMIO_CONFIG && (size != 4 || off%4 != 0) {
		return 0, fmt.Errorf("%w: virtio: %d byte register access at offset 0x%x", hv.ErrGuest, size, off)
	}
	return off, nil
}

func (t *Transport) ReadMMIO(addr uint64, data []byte) error {
	off, err := t.checkAccess(addr, len(data))
	if err != nil {
		return err
	}
	if off >= VIRTIO_MMIO_CONFIG {
		return t.backend.ReadConfig(off-VIRTIO_MMIO_CONFIG, data)
	}

	le.PutUint32(data, t.readRegister(off))
	return nil
}

func (t *Transport) readRegister(off uint64) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch off {
	case VIRTIO_MMIO_MAGIC_VALUE:
		return virtioMagic
	case VIRTIO_MMIO_VERSION:
		return virtioMMIOVersion
	case VIRTIO_MMIO_DEVICE_ID:
		return t.backend.DeviceID()
	case VIRTIO_MMIO_VENDOR_ID:
		return virtioVendorID
	case VIRTIO_MMIO_DEVICE_FEATURES:
		switch t.deviceFeatureSel {
		case 0:
			return uint32(t.features)
		case 1:
			return uint32(t.features >> 32)
		}
		return 0
	case VIRTIO_MMIO_QUEUE_NUM_MAX:
		if q := t.selectedQueue(); q != nil {
			return uint32(q.MaxSize())
		}
		return 0
	case VIRTIO_MMIO_QUEUE_NUM:
		if r := t.selectedRegs(); r != nil {
			return uint32(r.size)
		}
		return 0
	case VIRTIO_MMIO_QUEUE_READY:
		if q := t.selectedQueue(); q != nil && q.Ready() {
			return 1
		}
		return 0
	case VIRTIO_MMIO_QUEUE_DESC_LOW, VIRTIO_MMIO_QUEUE_DESC_HIGH,
		VIRTIO_MMIO_QUEUE_AVAIL_LOW, VIRTIO_MMIO_QUEUE_AVAIL_HIGH,
		VIRTIO_MMIO_QUEUE_USED_LOW, VIRTIO_MMIO_QUEUE_USED_HIGH:
		r := t.selectedRegs()
		if r == nil {
			return 0
		}
		return halfOf(queueAddr(r, off), off)
	case VIRTIO_MMIO_INTERRUPT_STATUS:
		return t.interruptStatus.Load()
	case VIRTIO_MMIO_STATUS:
		return t.status
	case VIRTIO_MMIO_CONFIG_GENERATION:
		return t.configGeneration
	default:
		return 0
	}
}

func queueAddr(r *queueRegs, off uint64) *uint64 {
	switch off &^ 4 {
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		return &r.desc
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		return &r.avail
	default:
		return &r.used
	}
}

func halfOf(p *uint64, off uint64) uint32 {
	if off&4 != 0 {
		return uint32(*p >> 32)
	}
	return uint32(*p)
}

func setHalf(p *uint64, off uint64, v uint32) {
	if off&4 != 0 {
		*p = *p&0xffffffff | uint64(v)<<32
	} else {
		*p = *p&^0xffffffff | uint64(v)
	}
}

func (t *Transport) selectedQueue() *Queue {
	if t.queueSel >= uint32(len(t.queues)) {
		return nil
	}
	return t.queues[t.queueSel]
}

func (t *Transport) selectedRegs() *queueRegs {
	if t.queueSel >= uint32(len(t.regs)) {
		return nil
	}
	return &t.regs[t.queueSel]
}

func (t *Transport) WriteMMIO(addr uint64, data []byte) error {
	off, err := t.checkAccess(addr, len(data))
	if err != nil {
		return err
	}
	if off >= VIRTIO_MMIO_CONFIG {
		return t.backend.WriteConfig(off-VIRTIO_MMIO_CONFIG, data)
	}

	value := le.Uint32(data)
	switch off {
	case VIRTIO_MMIO_QUEUE_NOTIFY:
		return t.Kick(int(value))
	case VIRTIO_MMIO_INTERRUPT_ACK:
		t.interruptStatus.And(^value)
		return t.updateLine()
	case VIRTIO_MMIO_STATUS:
		if value == 0 {
			return t.Reset()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeRegisterLocked(off, value)
}

func (t *Transport) writeRegisterLocked(off uint64, value uint32) error {
	switch off {
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		t.deviceFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		t.driverFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES:
		if t.status&VIRTIO_STATUS_FEATURES_OK != 0 {
			return fmt.Errorf("%w: virtio: driver features written after FEATURES_OK", hv.ErrGuest)
		}
		switch t.driverFeatureSel {
		case 0:
			t.driverFeatures = t.driverFeatures&^0xffffffff | uint64(value)
		case 1:
			t.driverFeatures = t.driverFeatures&0xffffffff | uint64(value)<<32
		}
	case VIRTIO_MMIO_QUEUE_SEL:
		t.queueSel = value
	case VIRTIO_MMIO_QUEUE_NUM:
		if r := t.selectedRegs(); r != nil {
			r.size = uint16(value)
		}
	case VIRTIO_MMIO_QUEUE_DESC_LOW, VIRTIO_MMIO_QUEUE_DESC_HIGH,
		VIRTIO_MMIO_QUEUE_AVAIL_LOW, VIRTIO_MMIO_QUEUE_AVAIL_HIGH,
		VIRTIO_MMIO_QUEUE_USED_LOW, VIRTIO_MMIO_QUEUE_USED_HIGH:
		if r := t.selectedRegs(); r != nil {
			setHalf(queueAddr(r, off), off, value)
		}
	case VIRTIO_MMIO_QUEUE_READY:
		q := t.selectedQueue()
		if q == nil {
			return fmt.Errorf("%w: virtio: ready for queue %d of %d", hv.ErrGuest, t.queueSel, len(t.queues))
		}
		if value&1 == 0 {
			q.Reset()
			return nil
		}
		r := t.regs[t.queueSel]
		cfg := QueueConfig{Size: r.size, Desc: r.desc, Avail: r.avail, Used: r.used}
		eventIdx := t.driverFeatures&t.features&VIRTIO_F_EVENT_IDX != 0
		if err := q.Activate(cfg, eventIdx); err != nil {
			t.log.Warn("virtio: queue activation rejected", "queue", t.queueSel, "error", err)
			return err
		}
		t.log.Debug("virtio: queue ready", "queue", t.queueSel, "size", r.size,
			"desc", fmt.Sprintf("0x%x", r.desc), "avail", fmt.Sprintf("0x%x", r.avail), "used", fmt.Sprintf("0x%x", r.used))
	case VIRTIO_MMIO_STATUS:
		t.writeStatusLocked(value)
	default:
		t.log.Debug("virtio: write to unknown register", "offset", fmt.Sprintf("0x%x", off), "value", value)
	}
	return nil
}

func (t *Transport) writeStatusLocked(value uint32) {
	value |= t.status & VIRTIO_STATUS_DEVICE_NEEDS_RESET

	if value&VIRTIO_STATUS_FEATURES_OK != 0 && t.status&VIRTIO_STATUS_FEATURES_OK == 0 {
		unsupported := t.driverFeatures &^ t.features
		if unsupported != 0 || t.driverFeatures&VIRTIO_F_VERSION_1 == 0 {
			t.log.Warn("virtio: rejecting driver features", "features", fmt.Sprintf("0x%x", t.driverFeatures),
				"unsupported", fmt.Sprintf("0x%x", unsupported))
			value &^= VIRTIO_STATUS_FEATURES_OK
		}
	}
	t.status = value
}

// Reset returns the device to its initial state, as a write of zero to the
// status register does. Only lowering the interrupt line can fail.
func (t *Transport) Reset() error {
	t.mu.Lock()
	t.deviceFeatureSel = 0
	t.driverFeatureSel = 0
	t.driverFeatures = 0
	t.queueSel = 0
	t.status = 0
	for i := range t.regs {
		t.regs[i] = queueRegs{}
	}
	t.mu.Unlock()

	for _, q := range t.queues {
		q.Reset()
	}
	t.backend.Reset()

	t.interruptStatus.Store(0)
	return t.updateLine()
}
