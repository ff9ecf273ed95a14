// Package config loads the YAML description of a machine.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "vmcore.yaml"

	DefaultBackend   = "kvm"
	DefaultMemoryMB  = 256
	DefaultQueueSize = 256

	// Device windows default to the 32-bit hole below 4GiB.
	DefaultMMIOBase = 0xd000_0000
	DefaultMMIOSize = 0x1000_0000

	// Lines below DefaultIRQBase are left to legacy platform devices.
	DefaultIRQBase = 5

	DeviceBlk     = "blk"
	DeviceBalloon = "balloon"
)

// Machine is the root of a machine file.
type Machine struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`
	Backend string `yaml:"backend,omitempty"`

	CPUs     int      `yaml:"cpus,omitempty"`
	MemoryMB uint64   `yaml:"memoryMB,omitempty"`
	Memory   []Region `yaml:"memory,omitempty"`

	// Prefault touches all guest memory before the first vCPU starts.
	Prefault bool `yaml:"prefault,omitempty"`

	ControlSocket string `yaml:"controlSocket,omitempty"`

	MMIO      MMIO   `yaml:"mmio,omitempty"`
	IRQBase   uint32 `yaml:"irqBase,omitempty"`
	QueueSize uint16 `yaml:"queueSize,omitempty"`

	Devices []Device `yaml:"devices,omitempty"`
	Image   *Image   `yaml:"image,omitempty"`
}

// Region is an explicit guest RAM region. When Memory is empty a single
// region of MemoryMB at address zero is used.
type Region struct {
	Base     uint64 `yaml:"base"`
	SizeMB   uint64 `yaml:"sizeMB"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
}

type MMIO struct {
	Base uint64 `yaml:"base,omitempty"`
	Size uint64 `yaml:"size,omitempty"`
}

type Device struct {
	Kind     string `yaml:"kind"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path,omitempty"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`

	// TargetPages is the initial balloon target.
	TargetPages uint32 `yaml:"targetPages,omitempty"`
}

// Image is a flat binary copied into guest memory before boot.
type Image struct {
	Path     string `yaml:"path"`
	LoadAddr uint64 `yaml:"loadAddr"`
	Entry    uint64 `yaml:"entry,omitempty"`
}

func (m *Machine) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Name == "" {
		m.Name = "vm"
	}
	if m.Backend == "" {
		m.Backend = DefaultBackend
	}
	if m.CPUs == 0 {
		m.CPUs = 1
	}
	if len(m.Memory) == 0 {
		if m.MemoryMB == 0 {
			m.MemoryMB = DefaultMemoryMB
		}
		m.Memory = []Region{{Base: 0, SizeMB: m.MemoryMB}}
	}
	if m.MMIO.Base == 0 && m.MMIO.Size == 0 {
		m.MMIO = MMIO{Base: DefaultMMIOBase, Size: DefaultMMIOSize}
	}
	if m.IRQBase == 0 {
		m.IRQBase = DefaultIRQBase
	}
	if m.QueueSize == 0 {
		m.QueueSize = DefaultQueueSize
	}
	if m.Image != nil && m.Image.Entry == 0 {
		m.Image.Entry = m.Image.LoadAddr
	}
}

// Validate reports the first problem found in a normalized machine.
func (m *Machine) Validate() error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported version %d", m.Version)
	}
	if m.CPUs < 1 || m.CPUs > 255 {
		return fmt.Errorf("cpus must be between 1 and 255, got %d", m.CPUs)
	}
	for i, r := range m.Memory {
		if r.SizeMB == 0 {
			return fmt.Errorf("memory[%d]: size is zero", i)
		}
		if r.Base%(1<<20) != 0 {
			return fmt.Errorf("memory[%d]: base 0x%x is not 1MiB aligned", i, r.Base)
		}
	}
	if m.MMIO.Size == 0 {
		return fmt.Errorf("mmio: window size is zero")
	}
	if q := m.QueueSize; q&(q-1) != 0 {
		return fmt.Errorf("queueSize %d is not a power of two", q)
	}

	names := make(map[string]bool)
	balloons := 0
	for i, d := range m.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if names[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name)
		}
		names[d.Name] = true

		switch d.Kind {
		case DeviceBlk:
			if d.Path == "" {
				return fmt.Errorf("devices[%d] %s: path is required", i, d.Name)
			}
		case DeviceBalloon:
			balloons++
			if balloons > 1 {
				return fmt.Errorf("devices[%d] %s: only one balloon is supported", i, d.Name)
			}
		default:
			return fmt.Errorf("devices[%d] %s: unknown kind %q", i, d.Name, d.Kind)
		}
	}

	if m.Image != nil && m.Image.Path == "" {
		return fmt.Errorf("image: path is required")
	}
	return nil
}

// Parse decodes a machine file, applies defaults and validates it. Unknown
// keys are rejected.
func Parse(r io.Reader) (Machine, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Machine
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return Machine{}, fmt.Errorf("parse machine: %w", err)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return Machine{}, fmt.Errorf("invalid machine: %w", err)
	}
	return m, nil
}

func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := Parse(bytes.NewReader(data))
	if err != nil {
		return Machine{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Default returns a normalized machine with no devices.
func Default() Machine {
	var m Machine
	m.normalize()
	return m
}

// Write encodes m as YAML.
func Write(w io.Writer, m Machine) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode machine: %w", err)
	}
	return enc.Close()
}
