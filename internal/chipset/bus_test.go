package chipset

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/tinyrange/vmcore/internal/hv"
)

type recordingDevice struct {
	mu     sync.Mutex
	fill   byte
	writes []uint64
	fail   bool
	err    error
}

func (d *recordingDevice) ReadMMIO(addr uint64, data []byte) error {
	if d.err != nil {
		return d.err
	}
	if d.fail {
		return errors.New("device broken")
	}
	for i := range data {
		data[i] = d.fill
	}
	return nil
}

func (d *recordingDevice) WriteMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, addr)
	return nil
}

type portDevice struct {
	last byte
}

func (p *portDevice) ReadIOPort(port uint16, data []byte) error {
	data[0] = p.last
	return nil
}

func (p *portDevice) WriteIOPort(port uint16, data []byte) error {
	p.last = data[0]
	return nil
}

type virtioStub struct{ recordingDevice }

func (*virtioStub) VirtioDeviceID() uint32 { return 2 }

func TestInsertTagsCapability(t *testing.T) {
	bus := NewBus(nil)

	tests := []struct {
		name string
		dev  any
		kind Kind
	}{
		{"mmio", &recordingDevice{}, KindMmio},
		{"pio", &portDevice{}, KindPio},
		{"virtio", &virtioStub{}, KindVirtio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := bus.Insert(tt.name, tt.dev)
			if err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if got := bus.arena[id].kind; got != tt.kind {
				t.Fatalf("kind = %v, want %v", got, tt.kind)
			}
		})
	}

	if _, err := bus.Insert("bad", struct{}{}); err == nil {
		t.Fatal("inserting a device without capabilities should fail")
	}
	if _, err := bus.Insert("mmio", &recordingDevice{}); err == nil {
		t.Fatal("duplicate name should fail")
	}
}

func TestRegisterOverlap(t *testing.T) {
	bus := NewBus(nil)
	a, _ := bus.Insert("a", &recordingDevice{})
	b, _ := bus.Insert("b", &recordingDevice{})
	p, _ := bus.Insert("p", &portDevice{})

	if err := bus.Register(SpaceMMIO, 0x1000, 0x100, a); err != nil {
		t.Fatalf("Register: %v", err)
	}

	overlapping := []struct {
		base, size uint64
	}{
		{0x1000, 0x100},
		{0x10ff, 0x10},
		{0xf00, 0x101},
		{0x800, 0x1000},
	}
	for _, r := range overlapping {
		if err := bus.Register(SpaceMMIO, r.base, r.size, b); !errors.Is(err, ErrOverlap) {
			t.Fatalf("Register(0x%x,0x%x) err = %v, want ErrOverlap", r.base, r.size, err)
		}
	}

	if err := bus.Register(SpaceMMIO, 0x1100, 0x100, b); err != nil {
		t.Fatalf("adjacent Register: %v", err)
	}
	if err := bus.Register(SpacePIO, 0x1000, 0x8, p); err != nil {
		t.Fatalf("same range in the PIO space should not overlap: %v", err)
	}
	if err := bus.Register(SpacePIO, 0x2000, 1, a); err == nil {
		t.Fatal("MMIO-only device bound into the PIO space")
	}
	if err := bus.Register(SpacePIO, 0xffff, 2, p); err == nil {
		t.Fatal("port range past 0xffff accepted")
	}
}

func TestDispatchUnmapped(t *testing.T) {
	bus := NewBus(nil)
	dev := &recordingDevice{fill: 0x11}
	id, _ := bus.Insert("dev", dev)
	if err := bus.Register(SpaceMMIO, 0x1000, 0x10, id); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name string
		addr uint64
		size int
		want byte
	}{
		{"inside", 0x1008, 4, 0x11},
		{"below", 0xff0, 4, 0xff},
		{"straddles end", 0x100e, 4, 0xff},
		{"after", 0x2000, 8, 0xff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.size)
			if err := bus.HandleMMIO(tt.addr, data, false); err != nil {
				t.Fatalf("HandleMMIO: %v", err)
			}
			if !bytes.Equal(data, bytes.Repeat([]byte{tt.want}, tt.size)) {
				t.Fatalf("data = %x", data)
			}
		})
	}

	if err := bus.HandleMMIO(0x3000, []byte{1, 2}, true); err != nil {
		t.Fatalf("unmapped write: %v", err)
	}
	stats := bus.Stats()
	if stats.UnmappedReads != 3 || stats.UnmappedWrites != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDispatchDeviceErrorIsContained(t *testing.T) {
	bus := NewBus(nil)
	id, _ := bus.Insert("dev", &recordingDevice{fail: true})
	if err := bus.Register(SpaceMMIO, 0x1000, 0x10, id); err != nil {
		t.Fatalf("Register: %v", err)
	}

	data := []byte{0, 0}
	err := bus.HandleMMIO(0x1000, data, false)
	if !errors.Is(err, hv.ErrGuest) {
		t.Fatalf("err = %v, want guest error", err)
	}
	if data[0] != 0xff || data[1] != 0xff {
		t.Fatalf("failed read returned %x, want all-ones", data)
	}
	if bus.Stats().DeviceErrors != 1 {
		t.Fatalf("device errors = %d", bus.Stats().DeviceErrors)
	}
}

func TestDispatchKeepsBackendFailureFatal(t *testing.T) {
	bus := NewBus(nil)
	id, _ := bus.Insert("dev", &recordingDevice{err: fmt.Errorf("%w: KVM_IRQ_LINE failed", hv.ErrBackend)})
	if err := bus.Register(SpaceMMIO, 0x1000, 0x10, id); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := bus.HandleMMIO(0x1000, make([]byte, 4), false)
	if !errors.Is(err, hv.ErrBackend) {
		t.Fatalf("err = %v, want backend error", err)
	}
	if errors.Is(err, hv.ErrGuest) || !hv.IsFatal(err) {
		t.Fatalf("backend failure %v was downgraded to a guest error", err)
	}
}

func TestPortDispatch(t *testing.T) {
	bus := NewBus(nil)
	id, _ := bus.Insert("serial", &portDevice{})
	if err := bus.Register(SpacePIO, 0x3f8, 8, id); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := bus.HandlePIO(0x3f8, []byte{'x'}, true); err != nil {
		t.Fatalf("write: %v", err)
	}
	data := []byte{0}
	if err := bus.HandlePIO(0x3f8, data, false); err != nil {
		t.Fatalf("read: %v", err)
	}
	if data[0] != 'x' {
		t.Fatalf("read back %q", data[0])
	}
}

func TestUnregisterAndRemove(t *testing.T) {
	bus := NewBus(nil)
	dev := &recordingDevice{fill: 1}
	id, _ := bus.Insert("dev", dev)
	_ = bus.Register(SpaceMMIO, 0x1000, 0x10, id)
	_ = bus.Register(SpaceMMIO, 0x2000, 0x10, id)

	if err := bus.Unregister(SpaceMMIO, 0x1000); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := bus.Unregister(SpaceMMIO, 0x1000); !errors.Is(err, ErrNotBound) {
		t.Fatalf("second Unregister err = %v", err)
	}

	got, err := bus.Remove(id)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got != dev {
		t.Fatalf("Remove returned %v", got)
	}
	if len(bus.Bindings()) != 0 {
		t.Fatalf("bindings left after Remove: %+v", bus.Bindings())
	}
	if _, err := bus.Remove(id); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("double Remove err = %v", err)
	}

	again, err := bus.Insert("dev", &recordingDevice{})
	if err != nil {
		t.Fatalf("re-Insert: %v", err)
	}
	if again != id {
		t.Fatalf("arena slot not reused: got %d want %d", again, id)
	}
}

// Random layouts: every access resolves to the unique containing device or
// to the unmapped sentinel.
func TestDispatchMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	bus := NewBus(nil)

	type placed struct {
		base, size uint64
		fill       byte
	}
	var layout []placed
	for i := 0; i < 64; i++ {
		base := uint64(rng.Intn(1<<16)) &^ 0xf
		size := uint64(rng.Intn(0x100) + 1)
		dev := &recordingDevice{fill: byte(i + 1)}
		id, err := bus.Insert(string(rune('A'+i)), dev)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := bus.Register(SpaceMMIO, base, size, id); err == nil {
			layout = append(layout, placed{base, size, dev.fill})
		}
	}

	for i := 0; i < 10000; i++ {
		addr := uint64(rng.Intn(1<<16 + 0x200))
		size := []int{1, 2, 4, 8}[rng.Intn(4)]

		want := byte(0xff)
		for _, p := range layout {
			if addr >= p.base && addr+uint64(size) <= p.base+p.size {
				want = p.fill
			}
		}

		data := make([]byte, size)
		_ = bus.HandleMMIO(addr, data, false)
		if data[0] != want {
			t.Fatalf("read 0x%x/%d = %#x, want %#x", addr, size, data[0], want)
		}
	}
}

func TestConcurrentDispatch(t *testing.T) {
	bus := NewBus(nil)
	dev := &recordingDevice{fill: 7}
	id, _ := bus.Insert("dev", dev)
	_ = bus.Register(SpaceMMIO, 0x1000, 0x1000, id)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := make([]byte, 4)
			for i := 0; i < 1000; i++ {
				_ = bus.HandleMMIO(0x1000+uint64(i%0x100)*4, data, i%2 == 0)
			}
		}()
	}
	wg.Wait()

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if len(dev.writes) != 8*500 {
		t.Fatalf("writes = %d, want %d", len(dev.writes), 8*500)
	}
}
