// Package scripted is a software hypervisor backend. vCPUs produce exits from
// caller supplied scripts instead of executing guest code, and interrupt
// injection is recorded by a modelled controller that follows the same level
// and edge rules as real hardware. It backs unit tests and dry runs of the
// machine wiring on hosts without KVM.
package scripted

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
)

const (
	defaultLines     = 24
	defaultEdgeDepth = 16
)

// ExitFunc produces the next exit of a vCPU. It is called once per Run and
// may block; it must return when ctx is done or the vCPU is kicked.
type ExitFunc func(ctx context.Context, vcpu *VCPU) (hv.ExitEvent, error)

type Options struct {
	// Lines is the number of interrupt lines. Zero selects 24.
	Lines uint32

	// EdgeDepth bounds the queued edges per line. Zero selects 16.
	EdgeDepth int

	// Exits returns the script for vCPU id. A nil script, or a nil Exits,
	// idles the vCPU until it is kicked.
	Exits func(id int) ExitFunc
}

type Hypervisor struct {
	opts Options
}

// New creates a scripted hypervisor.
func New(opts Options) *Hypervisor {
	if opts.Lines == 0 {
		opts.Lines = defaultLines
	}
	if opts.EdgeDepth <= 0 {
		opts.EdgeDepth = defaultEdgeDepth
	}
	return &Hypervisor{opts: opts}
}

func (h *Hypervisor) Close() error { return nil }

func (h *Hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.Memory() == nil {
		return nil, fmt.Errorf("scripted: VM config has no guest memory")
	}
	if config.CPUCount() < 1 {
		return nil, fmt.Errorf("scripted: at least one vCPU is required, got %d", config.CPUCount())
	}

	return &VM{
		hv:     h,
		mem:    config.Memory(),
		cpus:   config.CPUCount(),
		vcpus:  make(map[int]*VCPU),
		levels: make([]bool, h.opts.Lines),
		edges:  make([]int, h.opts.Lines),
		raised: make([]int, h.opts.Lines),
	}, nil
}

var (
	_ hv.Hypervisor = &Hypervisor{}
)

// VM is a scripted virtual machine.
type VM struct {
	hv   *Hypervisor
	mem  *guestmem.AddressSpace
	cpus int

	mu     sync.Mutex
	vcpus  map[int]*VCPU
	closed bool

	// levels holds the asserted state of each line; edges the number of
	// undelivered edges; raised counts pending interrupts made visible to
	// the guest (a level rising from low, or an accepted edge).
	levels []bool
	edges  []int
	raised []int
}

func (v *VM) Hypervisor() hv.Hypervisor      { return v.hv }
func (v *VM) Memory() *guestmem.AddressSpace { return v.mem }
func (v *VM) CPUCount() int                  { return v.cpus }
func (v *VM) InterruptLines() uint32         { return uint32(len(v.levels)) }

func (v *VM) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("scripted: create vCPU %d on closed VM", id)
	}
	if id < 0 || id >= v.cpus {
		return nil, fmt.Errorf("scripted: vCPU index %d out of range [0,%d)", id, v.cpus)
	}
	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("scripted: vCPU %d: %w", id, hv.ErrVCPUExists)
	}

	vcpu := &VCPU{
		vm:      v,
		id:      id,
		kick:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		regs:    make(map[hv.Register]hv.RegisterValue),
	}
	if v.hv.opts.Exits != nil {
		vcpu.exit = v.hv.opts.Exits(id)
	}
	v.vcpus[id] = vcpu
	return vcpu, nil
}

// VCPU returns a created vCPU by index.
func (v *VM) VCPU(id int) (*VCPU, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vcpu, ok := v.vcpus[id]
	return vcpu, ok
}

func (v *VM) checkLine(line uint32) error {
	if line >= uint32(len(v.levels)) {
		return fmt.Errorf("scripted: IRQ %d out of range", line)
	}
	if v.closed {
		return fmt.Errorf("scripted: inject IRQ %d on closed VM", line)
	}
	return nil
}

// SetIRQ drives a level line. Asserting an asserted line is a no-op.
func (v *VM) SetIRQ(line uint32, level bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkLine(line); err != nil {
		return err
	}
	if level && !v.levels[line] && v.raised[line] == 0 {
		v.raised[line] = 1
	}
	v.levels[line] = level
	return nil
}

// PulseIRQ queues an edge on line.
func (v *VM) PulseIRQ(line uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkLine(line); err != nil {
		return err
	}
	if v.edges[line] >= v.hv.opts.EdgeDepth {
		return fmt.Errorf("scripted: IRQ %d: %w", line, hv.ErrIRQQueueFull)
	}
	v.edges[line]++
	v.raised[line]++
	return nil
}

// Pending returns the number of interrupts on line the guest has not yet
// acknowledged.
func (v *VM) Pending(line uint32) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	if line >= uint32(len(v.raised)) {
		return 0
	}
	return v.raised[line]
}

// Level reports whether a level line is currently asserted.
func (v *VM) Level(line uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if line >= uint32(len(v.levels)) {
		return false
	}
	return v.levels[line]
}

// Acknowledge simulates the guest servicing one interrupt on line and
// reports whether one was pending. A still asserted level line becomes
// pending again, matching an end-of-interrupt on real hardware.
func (v *VM) Acknowledge(line uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if line >= uint32(len(v.raised)) || v.raised[line] == 0 {
		return false
	}
	v.raised[line]--
	if v.edges[line] > 0 {
		v.edges[line]--
	}
	if v.raised[line] == 0 && v.levels[line] {
		v.raised[line] = 1
	}
	return true
}

func (v *VM) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	for _, vcpu := range v.vcpus {
		vcpu.closeOnce.Do(func() { close(vcpu.closing) })
	}
	return nil
}

var (
	_ hv.VirtualMachine = &VM{}
)

// VCPU is a scripted vCPU.
type VCPU struct {
	vm   *VM
	id   int
	exit ExitFunc

	kick      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once

	entries atomic.Uint64

	regMu sync.Mutex
	regs  map[hv.Register]hv.RegisterValue
}

func (c *VCPU) ID() int { return c.id }

// VM returns the owning machine.
func (c *VCPU) VM() *VM { return c.vm }

// Entries returns how many times Run has been called.
func (c *VCPU) Entries() uint64 { return c.entries.Load() }

// Kicked is signalled by RequestExit. Scripts that block select on it.
func (c *VCPU) Kicked() <-chan struct{} { return c.kick }

// RequestExit makes the in-flight or next Run return hv.ExitInterrupted.
func (c *VCPU) RequestExit() error {
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *VCPU) Run(ctx context.Context) (hv.ExitEvent, error) {
	c.entries.Add(1)

	select {
	case <-c.kick:
		return hv.ExitEvent{Kind: hv.ExitInterrupted}, nil
	default:
	}

	if c.exit == nil {
		return c.Idle(ctx)
	}
	return c.exit(ctx, c)
}

// Idle blocks until the vCPU is kicked or ctx is done.
func (c *VCPU) Idle(ctx context.Context) (hv.ExitEvent, error) {
	select {
	case <-c.kick:
	case <-c.closing:
	case <-ctx.Done():
	}
	return hv.ExitEvent{Kind: hv.ExitInterrupted}, nil
}

func (c *VCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	for reg, val := range regs {
		c.regs[reg] = val
	}
	return nil
}

func (c *VCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	for reg := range regs {
		val, ok := c.regs[reg]
		if !ok {
			val = hv.Register64(0)
		}
		regs[reg] = val
	}
	return nil
}

var (
	_ hv.VirtualCPU = &VCPU{}
)

// Sequence returns a script that replays events in order and then idles.
// Data slices of IO and MMIO reads are handed to the caller as is, so a test
// can inspect what the runner filled in after the next Run.
func Sequence(events ...hv.ExitEvent) ExitFunc {
	var (
		mu   sync.Mutex
		next int
	)
	return func(ctx context.Context, vcpu *VCPU) (hv.ExitEvent, error) {
		mu.Lock()
		if next < len(events) {
			ev := events[next]
			next++
			mu.Unlock()
			return ev, nil
		}
		mu.Unlock()
		return vcpu.Idle(ctx)
	}
}
