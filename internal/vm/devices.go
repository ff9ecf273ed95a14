package vm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vmcore/internal/chipset"
	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/control"
	"github.com/tinyrange/vmcore/internal/devices/virtio"
	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/irq"
)

// DeviceFactory builds device backends from their description. The returned
// closer, if any, is closed when the device is removed.
type DeviceFactory interface {
	NewBackend(spec control.DeviceSpec, mem *guestmem.AddressSpace, log *slog.Logger) (virtio.Backend, io.Closer, error)
}

// DefaultDevices builds virtio-blk devices over host files and the balloon.
type DefaultDevices struct{}

func (DefaultDevices) NewBackend(spec control.DeviceSpec, mem *guestmem.AddressSpace, log *slog.Logger) (virtio.Backend, io.Closer, error) {
	switch spec.Kind {
	case config.DeviceBlk:
		flag := os.O_RDWR
		if spec.ReadOnly {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(spec.Path, flag, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("open disk %s: %w", spec.Path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("stat disk %s: %w", spec.Path, err)
		}
		blk, err := virtio.NewBlk(f, info.Size(), virtio.BlkOptions{ID: spec.Name, ReadOnly: spec.ReadOnly, Logger: log})
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return blk, f, nil
	case config.DeviceBalloon:
		return virtio.NewBalloon(mem, log), nil, nil
	default:
		return nil, nil, fmt.Errorf("device kind %q: %w", spec.Kind, control.ErrInvalid)
	}
}

type ioEventFD struct {
	addr  uint64
	value uint64
	fd    int
}

type device struct {
	spec      control.DeviceSpec
	alloc     hv.MMIOAllocation
	busID     chipset.DeviceID
	line      *irq.Line
	transport *virtio.Transport
	closer    io.Closer

	worker     *virtio.Worker
	workerDone chan struct{}
	ioevents   []ioEventFD
}

func (d *device) info() control.DeviceInfo {
	return control.DeviceInfo{
		Name: d.spec.Name,
		Kind: d.spec.Kind,
		Base: d.alloc.Base,
		Size: d.alloc.Size,
		IRQ:  d.line.Number(),
	}
}

// attachLocked builds a virtio-mmio device and maps it on the bus. Its
// worker is started by startWorkerLocked. m.mu must be held and, once the
// machine runs, every vCPU parked.
func (m *Machine) attachLocked(spec control.DeviceSpec) (*device, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("vm: device name is empty: %w", control.ErrInvalid)
	}
	if _, ok := m.devices[spec.Name]; ok {
		return nil, fmt.Errorf("vm: device %q: %w", spec.Name, control.ErrExists)
	}

	log := m.log.With("device", spec.Name)
	backend, closer, err := m.factory.NewBackend(spec, m.mem, log)
	if err != nil {
		return nil, fmt.Errorf("vm: device %q: %w", spec.Name, err)
	}
	if _, isBalloon := backend.(*virtio.Balloon); isBalloon && m.balloon != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("vm: device %q: a balloon is already attached: %w", spec.Name, control.ErrExists)
	}

	d := &device{spec: spec, closer: closer}
	cu := cleanup.Make(func() {
		if closer != nil {
			closer.Close()
		}
	})
	defer cu.Clean()

	d.alloc, err = m.mmio.Allocate(hv.MMIOAllocationRequest{Name: spec.Name, Size: virtio.MMIORegionSize})
	if err != nil {
		return nil, fmt.Errorf("vm: device %q: %w", spec.Name, err)
	}
	cu.Add(func() { m.mmio.Free(d.alloc.Base) })

	d.line, err = m.irqs.Allocate(irq.Level)
	if err != nil {
		return nil, fmt.Errorf("vm: device %q: %w", spec.Name, err)
	}
	cu.Add(func() { m.irqs.Release(d.line) })

	d.transport, err = virtio.NewTransport(virtio.TransportConfig{
		Base:         d.alloc.Base,
		Memory:       m.mem,
		Backend:      backend,
		IRQ:          d.line,
		MaxQueueSize: m.queueSize,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("vm: device %q: %w", spec.Name, err)
	}

	d.worker, err = virtio.NewWorker(d.transport)
	switch {
	case errors.Is(err, hv.ErrHypervisorUnsupported):
		// Kicks are processed on the vCPU thread.
		log.Debug("no kick worker on this host")
		d.worker = nil
	case err != nil:
		return nil, fmt.Errorf("vm: device %q: %w", spec.Name, err)
	default:
		cu.Add(func() { d.worker.Close() })
		if err := m.bindKicks(d); err != nil {
			return nil, fmt.Errorf("vm: device %q: %w", spec.Name, err)
		}
		cu.Add(func() { m.unbindKicks(d) })
	}

	d.busID, err = m.bus.Insert(spec.Name, d.transport)
	if err != nil {
		return nil, fmt.Errorf("vm: device %q: %w", spec.Name, err)
	}
	cu.Add(func() { m.bus.Remove(d.busID) })
	if err := m.bus.Register(chipset.SpaceMMIO, d.alloc.Base, virtio.MMIORegionSize, d.busID); err != nil {
		return nil, fmt.Errorf("vm: device %q: %w", spec.Name, err)
	}

	cu.Release()

	if b, ok := backend.(*virtio.Balloon); ok {
		m.balloon = b
	}
	m.devices[spec.Name] = d
	m.order = append(m.order, spec.Name)

	log.Info("device attached", "kind", spec.Kind, "base", fmt.Sprintf("0x%x", d.alloc.Base), "irq", d.line.Number())
	return d, nil
}

// bindKicks routes guest writes of a queue index to QUEUE_NOTIFY straight to
// that queue's kick eventfd, when the backend supports it.
func (m *Machine) bindKicks(d *device) error {
	if m.binder == nil {
		return nil
	}
	addr := d.alloc.Base + virtio.VIRTIO_MMIO_QUEUE_NOTIFY
	for i := range d.transport.NumQueues() {
		ev := ioEventFD{addr: addr, value: uint64(i), fd: d.worker.KickFD(i)}
		if err := m.binder.BindIOEventFD(ev.addr, 4, ev.value, ev.fd); err != nil {
			m.unbindKicks(d)
			return err
		}
		d.ioevents = append(d.ioevents, ev)
	}
	return nil
}

func (m *Machine) unbindKicks(d *device) error {
	var errs []error
	for _, ev := range d.ioevents {
		if err := m.binder.UnbindIOEventFD(ev.addr, 4, ev.value, ev.fd); err != nil {
			errs = append(errs, err)
		}
	}
	d.ioevents = nil
	return errors.Join(errs...)
}

// startWorkerLocked runs the device's kick worker under the machine's group.
func (m *Machine) startWorkerLocked(d *device) {
	if d.worker == nil || d.workerDone != nil || m.group == nil {
		return
	}
	done := make(chan struct{})
	d.workerDone = done
	w := d.worker
	m.group.Go(func() error {
		defer close(done)
		return w.Run(m.groupCtx)
	})
}

// detachLocked unmaps and releases a device. m.mu must be held and every
// vCPU parked or stopped.
func (m *Machine) detachLocked(name string) error {
	d, ok := m.devices[name]
	if !ok {
		return fmt.Errorf("vm: device %q: %w", name, control.ErrNotFound)
	}
	delete(m.devices, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if b, ok := d.transport.Backend().(*virtio.Balloon); ok && b == m.balloon {
		m.balloon = nil
	}

	var errs []error
	if err := m.bus.Unregister(chipset.SpaceMMIO, d.alloc.Base); err != nil {
		errs = append(errs, err)
	}
	if _, err := m.bus.Remove(d.busID); err != nil {
		errs = append(errs, err)
	}

	if d.worker != nil {
		if err := m.unbindKicks(d); err != nil {
			errs = append(errs, err)
		}
		if d.workerDone != nil {
			if err := d.worker.Stop(); err != nil {
				errs = append(errs, err)
			}
			<-d.workerDone
		}
		if err := d.worker.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := d.transport.Reset(); err != nil {
		errs = append(errs, err)
	}
	if err := m.irqs.Release(d.line); err != nil {
		errs = append(errs, err)
	}
	if err := m.mmio.Free(d.alloc.Base); err != nil {
		errs = append(errs, err)
	}
	if d.closer != nil {
		if err := d.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	m.log.Info("device detached", "device", name)
	return errors.Join(errs...)
}
