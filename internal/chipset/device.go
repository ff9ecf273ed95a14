package chipset

// PioDevice handles reads and writes to I/O ports. port is the absolute port
// number and len(data) the access width.
type PioDevice interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// MmioDevice handles reads and writes to memory-mapped regions. addr is the
// absolute guest physical address.
type MmioDevice interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// VirtioDevice is an MMIO device speaking the virtio-mmio transport.
type VirtioDevice interface {
	MmioDevice
	VirtioDeviceID() uint32
}

// ChangeDeviceState exposes lifecycle hooks for bus devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// Kind tags an arena entry with the capability it was inserted with.
type Kind uint8

const (
	KindMmio Kind = iota + 1
	KindPio
	KindVirtio
)

func (k Kind) String() string {
	switch k {
	case KindMmio:
		return "mmio"
	case KindPio:
		return "pio"
	case KindVirtio:
		return "virtio"
	default:
		return "invalid"
	}
}

// Space selects one of the two independent address spaces on the bus.
type Space uint8

const (
	SpaceMMIO Space = iota
	SpacePIO

	numSpaces
)

func (s Space) String() string {
	switch s {
	case SpaceMMIO:
		return "mmio"
	case SpacePIO:
		return "pio"
	default:
		return "invalid"
	}
}

// PioFuncs adapts a pair of functions to PioDevice.
type PioFuncs struct {
	Read  func(port uint16, data []byte) error
	Write func(port uint16, data []byte) error
}

func (f PioFuncs) ReadIOPort(port uint16, data []byte) error {
	if f.Read == nil {
		for i := range data {
			data[i] = 0xff
		}
		return nil
	}
	return f.Read(port, data)
}

func (f PioFuncs) WriteIOPort(port uint16, data []byte) error {
	if f.Write == nil {
		return nil
	}
	return f.Write(port, data)
}
