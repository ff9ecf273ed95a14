// Package vm assembles a runnable machine: guest memory, the hypervisor VM,
// the dispatch bus, interrupt lines, virtio devices, one runner per vCPU and
// the control plane. A Machine is the explicit context every goroutine of a
// VM works against.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vmcore/internal/chipset"
	"github.com/tinyrange/vmcore/internal/control"
	"github.com/tinyrange/vmcore/internal/devices/serial"
	"github.com/tinyrange/vmcore/internal/devices/virtio"
	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/ipc"
	"github.com/tinyrange/vmcore/internal/irq"
	"github.com/tinyrange/vmcore/internal/vcpu"
)

// ErrStarted is returned by Run on a machine that has already been run.
var ErrStarted = errors.New("machine already started")

type Options struct {
	Hypervisor hv.Hypervisor

	CPUs   int
	Memory []guestmem.Layout

	// MMIOBase and MMIOSize delimit the window device registers are
	// allocated from. It must not overlap RAM.
	MMIOBase uint64
	MMIOSize uint64

	// IRQBase is the first interrupt line handed to devices.
	IRQBase uint32

	// QueueSize caps virtqueue sizes. Zero keeps the device maximum.
	QueueSize uint16

	Devices []control.DeviceSpec
	Factory DeviceFactory

	// BalloonTarget is the initial balloon size in pages.
	BalloonTarget uint32

	// Console, when set, receives the output of a UART at COM1.
	Console io.Writer

	Loader  Loader
	Sandbox Sandbox

	// Prefault touches all guest memory before boot, reporting progress to
	// Progress when it is a terminal.
	Prefault bool
	Progress io.Writer

	// ControlSocket, when set, serves the control plane on a unix socket.
	ControlSocket    string
	SafePointTimeout time.Duration

	Logger *slog.Logger
}

type Machine struct {
	log       *slog.Logger
	factory   DeviceFactory
	queueSize uint16
	sandbox   Sandbox

	vm      hv.VirtualMachine
	mem     *guestmem.AddressSpace
	bus     *chipset.Bus
	irqs    *irq.Controller
	mmio    *hv.MMIOSpace
	binder  hv.EventFDBinder
	runners []*vcpu.Runner
	plane   *control.Plane
	server  *ipc.Server
	console *serial.UART
	conLine *irq.Line

	// ctx bounds control requests submitted over the socket.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	devices   map[string]*device
	order     []string
	balloon   *virtio.Balloon
	started   bool
	group     *errgroup.Group
	groupCtx  context.Context
	cancelRun context.CancelFunc

	stoppedRunners atomic.Int32
	shutdownOnce   sync.Once
	stopping       chan struct{}
	closeOnce      sync.Once
	closeErr       error
}

var _ control.Target = &Machine{}

// New builds the machine and loads the guest. Nothing runs until Run.
func New(opts Options) (*Machine, error) {
	if opts.Hypervisor == nil {
		return nil, fmt.Errorf("vm: no hypervisor")
	}
	if opts.CPUs < 1 {
		return nil, fmt.Errorf("vm: at least one vCPU is required, got %d", opts.CPUs)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	factory := opts.Factory
	if factory == nil {
		factory = DefaultDevices{}
	}

	m := &Machine{
		log:       log,
		factory:   factory,
		queueSize: opts.QueueSize,
		sandbox:   opts.Sandbox,
		bus:       chipset.NewBus(log),
		devices:   make(map[string]*device),
		stopping:  make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	cu := cleanup.Make(m.cancel)
	defer cu.Clean()

	var err error
	m.mem, err = guestmem.Map(opts.Memory...)
	if err != nil {
		return nil, fmt.Errorf("vm: map guest memory: %w", err)
	}
	cu.Add(func() { m.mem.Close() })

	m.vm, err = opts.Hypervisor.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:          opts.CPUs,
		Mem:              m.mem,
		InterruptSupport: true,
	})
	if err != nil {
		return nil, fmt.Errorf("vm: create VM: %w", err)
	}
	cu.Add(func() { m.vm.Close() })

	if b, ok := m.vm.(hv.EventFDBinder); ok {
		m.binder = b
	}
	m.irqs = irq.NewController(m.vm, m.vm.InterruptLines(), opts.IRQBase, log)
	m.mmio, err = hv.NewMMIOSpace(m.mem, opts.MMIOBase, opts.MMIOSize)
	if err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}

	if opts.Console != nil {
		if err := m.attachConsole(opts.Console); err != nil {
			return nil, err
		}
		cu.Add(func() { m.irqs.Release(m.conLine) })
	}

	var vcpus []hv.VirtualCPU
	for i := range opts.CPUs {
		c, err := m.vm.NewVirtualCPU(i)
		if err != nil {
			return nil, fmt.Errorf("vm: create vCPU %d: %w", i, err)
		}
		vcpus = append(vcpus, c)
		m.runners = append(m.runners, vcpu.New(c, m.bus, vcpu.Options{
			Logger: log,
			OnStop: m.runnerStopped,
		}))
	}

	if opts.Loader != nil {
		if err := opts.Loader.Load(m.mem, vcpus[0]); err != nil {
			return nil, err
		}
	}
	if opts.Prefault {
		start := time.Now()
		prefault(m.mem, opts.Progress)
		log.Debug("guest memory prefaulted", "bytes", m.mem.Size(), "took", time.Since(start))
	}

	cu.Add(func() { m.detachAll() })
	m.mu.Lock()
	for _, spec := range opts.Devices {
		if _, err := m.attachLocked(spec); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	if m.balloon != nil && opts.BalloonTarget != 0 {
		if err := m.balloon.SetTarget(opts.BalloonTarget); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("vm: balloon target: %w", err)
		}
	}
	m.mu.Unlock()

	m.plane = control.New(m, control.Options{Logger: log, SafePointTimeout: opts.SafePointTimeout})
	if opts.ControlSocket != "" {
		mux := ipc.NewMux()
		m.plane.Register(m.ctx, mux)
		m.server, err = ipc.NewServer(opts.ControlSocket, mux.Handler(), log)
		if err != nil {
			return nil, fmt.Errorf("vm: %w", err)
		}
	}

	cu.Release()
	return m, nil
}

// attachConsole maps a 16550 at COM1 on its legacy line.
func (m *Machine) attachConsole(out io.Writer) error {
	line, err := m.irqs.Reserve(serial.COM1IRQ, irq.Level)
	if err != nil {
		return fmt.Errorf("vm: console: %w", err)
	}
	uart := serial.New(serial.COM1Base, line, out)
	id, err := m.bus.Insert("com1", uart)
	if err == nil {
		err = m.bus.Register(chipset.SpacePIO, serial.COM1Base, serial.RegisterCount, id)
	}
	if err != nil {
		m.irqs.Release(line)
		return fmt.Errorf("vm: console: %w", err)
	}
	m.console, m.conLine = uart, line
	return nil
}

// Console returns the COM1 UART, or nil when no console was configured.
func (m *Machine) Console() *serial.UART { return m.console }

// Memory returns guest memory.
func (m *Machine) Memory() *guestmem.AddressSpace { return m.mem }

// Bus returns the dispatch bus.
func (m *Machine) Bus() *chipset.Bus { return m.bus }

// Interrupts returns the interrupt controller.
func (m *Machine) Interrupts() *irq.Controller { return m.irqs }

// Plane returns the control plane.
func (m *Machine) Plane() *control.Plane { return m.plane }

// Runners returns the vCPU runners in index order.
func (m *Machine) Runners() []*vcpu.Runner { return m.runners }

// Device returns the transport of an attached device.
func (m *Machine) Device(name string) (*virtio.Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[name]
	if !ok {
		return nil, false
	}
	return d.transport, true
}

// Run starts every vCPU and device worker and blocks until the machine has
// stopped and been torn down. A guest initiated shutdown or halt of all
// vCPUs is not an error.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("vm: %w", ErrStarted)
	}
	m.started = true

	select {
	case <-m.stopping:
		m.mu.Unlock()
		return m.Close()
	default:
	}

	if m.sandbox != nil {
		if err := m.sandbox.Apply(); err != nil {
			m.mu.Unlock()
			return errors.Join(fmt.Errorf("vm: apply sandbox: %w", err), m.Close())
		}
	}
	if err := m.bus.Start(); err != nil {
		m.mu.Unlock()
		return errors.Join(err, m.Close())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	m.group, m.groupCtx, m.cancelRun = g, gctx, cancel
	select {
	case <-m.stopping:
		// Shutdown raced with startup and found no run to cancel.
		cancel()
	default:
	}
	for _, name := range m.order {
		m.startWorkerLocked(m.devices[name])
	}
	m.mu.Unlock()

	for _, r := range m.runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error { return m.plane.Run(gctx) })
	if m.server != nil {
		stop := context.AfterFunc(gctx, func() { m.server.Close() })
		defer stop()
		g.Go(m.server.Serve)
	}

	m.log.Info("machine started", "vcpus", len(m.runners), "devices", len(m.order))

	// The group context ends on Shutdown, on the first failure or when ctx
	// is done; make sure every runner leaves in all three cases.
	g.Go(func() error {
		<-gctx.Done()
		m.Shutdown()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, vcpu.ErrGuestShutdown) {
		err = nil
	}
	if err != nil {
		m.log.Error("machine failed", "error", err)
	} else {
		m.log.Info("machine stopped")
	}
	return errors.Join(err, m.Close())
}

// runnerStopped is called on each runner's goroutine once it stopped. The
// last runner to stop, or any runner stopping on an error, shuts the
// machine down.
func (m *Machine) runnerStopped(r *vcpu.Runner, err error) {
	n := m.stoppedRunners.Add(1)
	if err != nil || int(n) == len(m.runners) {
		m.Shutdown()
	}
}

// Shutdown begins an orderly stop. It is safe to call any number of times
// and from any goroutine, including vCPU threads.
func (m *Machine) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.stopping)
		for _, r := range m.runners {
			r.Stop()
		}

		m.mu.Lock()
		cancel := m.cancelRun
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// Close tears the machine down. Run calls it on exit; it must only be
// called directly for a machine that was never run.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		m.Shutdown()
		m.cancel()

		var errs []error
		if m.server != nil {
			errs = append(errs, m.server.Close())
		}
		errs = append(errs, m.bus.Stop())
		errs = append(errs, m.detachAll())
		if m.conLine != nil {
			errs = append(errs, m.irqs.Release(m.conLine))
		}
		errs = append(errs, m.vm.Close())
		errs = append(errs, m.mem.Close())
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

func (m *Machine) detachAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for len(m.order) > 0 {
		errs = append(errs, m.detachLocked(m.order[len(m.order)-1]))
	}
	return errors.Join(errs...)
}

// VCPUs implements control.Target.
func (m *Machine) VCPUs() []control.Pauser {
	out := make([]control.Pauser, len(m.runners))
	for i, r := range m.runners {
		out[i] = r
	}
	return out
}

// AddDevice implements control.Target.
func (m *Machine) AddDevice(spec control.DeviceSpec) (control.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.attachLocked(spec)
	if err != nil {
		return control.DeviceInfo{}, err
	}
	m.startWorkerLocked(d)
	return d.info(), nil
}

// RemoveDevice implements control.Target.
func (m *Machine) RemoveDevice(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detachLocked(name)
}

// AdjustBalloon implements control.Target.
func (m *Machine) AdjustBalloon(pages uint32) error {
	m.mu.Lock()
	b := m.balloon
	m.mu.Unlock()

	if b == nil {
		return fmt.Errorf("vm: no balloon device: %w", control.ErrNotFound)
	}
	if err := b.SetTarget(pages); err != nil {
		if hv.IsFatal(err) {
			m.log.Error("balloon config interrupt failed", "error", err)
			m.Shutdown()
		}
		return fmt.Errorf("vm: balloon target: %w", err)
	}
	return nil
}

// Done implements control.Target. It is closed once shutdown has begun.
func (m *Machine) Done() <-chan struct{} { return m.stopping }

// Status implements control.Target.
func (m *Machine) Status() control.Status {
	var st control.Status
	for _, r := range m.runners {
		st.VCPUs = append(st.VCPUs, control.VCPUStatus{
			ID:      r.ID(),
			State:   r.State().String(),
			Entries: r.Entries(),
		})
	}

	bs := m.bus.Stats()
	st.UnmappedReads = bs.UnmappedReads
	st.UnmappedWrites = bs.UnmappedWrites
	st.DeviceErrors = bs.DeviceErrors

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.order {
		st.Devices = append(st.Devices, m.devices[name].info())
	}
	if m.balloon != nil {
		st.BalloonTarget = m.balloon.Target()
		st.BalloonActual = m.balloon.Actual()
	}
	return st
}
