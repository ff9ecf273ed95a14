package vm

import (
	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/control"
	"github.com/tinyrange/vmcore/internal/guestmem"
)

// OptionsFromConfig translates a machine file. The hypervisor, logger,
// progress writer and sandbox are left for the caller.
func OptionsFromConfig(cfg config.Machine) Options {
	opts := Options{
		CPUs:          cfg.CPUs,
		MMIOBase:      cfg.MMIO.Base,
		MMIOSize:      cfg.MMIO.Size,
		IRQBase:       cfg.IRQBase,
		QueueSize:     cfg.QueueSize,
		Prefault:      cfg.Prefault,
		ControlSocket: cfg.ControlSocket,
	}
	for _, r := range cfg.Memory {
		opts.Memory = append(opts.Memory, guestmem.Layout{
			Base:     r.Base,
			Size:     r.SizeMB << 20,
			ReadOnly: r.ReadOnly,
		})
	}
	for _, d := range cfg.Devices {
		opts.Devices = append(opts.Devices, control.DeviceSpec{
			Kind:     d.Kind,
			Name:     d.Name,
			Path:     d.Path,
			ReadOnly: d.ReadOnly,
		})
		if d.Kind == config.DeviceBalloon {
			opts.BalloonTarget = d.TargetPages
		}
	}
	if cfg.Image != nil {
		opts.Loader = RawImageLoader{
			Path:     cfg.Image.Path,
			LoadAddr: cfg.Image.LoadAddr,
			Entry:    cfg.Image.Entry,
		}
	}
	return opts
}
