package control

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tinyrange/vmcore/internal/chipset"
	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/hv/scripted"
	"github.com/tinyrange/vmcore/internal/ipc"
	"github.com/tinyrange/vmcore/internal/vcpu"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func busy(ctx context.Context, c *scripted.VCPU) (hv.ExitEvent, error) {
	select {
	case <-ctx.Done():
	case <-c.Kicked():
	case <-time.After(50 * time.Microsecond):
		return hv.ExitEvent{Kind: hv.ExitInterruptWindow}, nil
	}
	return hv.ExitEvent{Kind: hv.ExitInterrupted}, nil
}

type fakeTarget struct {
	t       *testing.T
	runners []*vcpu.Runner
	wg      sync.WaitGroup

	mu          sync.Mutex
	devices     map[string]DeviceInfo
	pages       uint32
	mutations   int
	shutdowns   int
	done        chan struct{}
	notParked   bool
	entriesSeen []uint64
}

func newFakeTarget(t *testing.T, cpus int) *fakeTarget {
	t.Helper()

	mem, err := guestmem.New(guestmem.Region{Base: 0, Data: make([]byte, 0x1000)})
	require.NoError(t, err)
	h := scripted.New(scripted.Options{Exits: func(int) scripted.ExitFunc { return busy }})
	vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: cpus, Mem: mem})
	require.NoError(t, err)

	ft := &fakeTarget{t: t, devices: make(map[string]DeviceInfo), done: make(chan struct{})}
	bus := chipset.NewBus(nil)
	for i := range cpus {
		c, err := vm.NewVirtualCPU(i)
		require.NoError(t, err)
		r := vcpu.New(c, bus, vcpu.Options{})
		ft.runners = append(ft.runners, r)
		ft.wg.Add(1)
		go func() {
			defer ft.wg.Done()
			r.Run(context.Background())
		}()
	}
	t.Cleanup(func() {
		ft.stopAll()
		vm.Close()
	})
	return ft
}

func (f *fakeTarget) stopAll() {
	for _, r := range f.runners {
		r.Stop()
	}
	f.wg.Wait()
}

func (f *fakeTarget) VCPUs() []Pauser {
	out := make([]Pauser, len(f.runners))
	for i, r := range f.runners {
		out[i] = r
	}
	return out
}

// checkParked records whether a mutation ran while any vCPU was live.
func (f *fakeTarget) checkParked() {
	f.mutations++
	for _, r := range f.runners {
		if r.State() != vcpu.StatePaused {
			f.notParked = true
		}
	}
}

func (f *fakeTarget) AddDevice(spec DeviceSpec) (DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkParked()

	if _, ok := f.devices[spec.Name]; ok {
		return DeviceInfo{}, fmt.Errorf("device %q: %w", spec.Name, ErrExists)
	}
	info := DeviceInfo{Name: spec.Name, Kind: spec.Kind, Base: 0xd000_0000 + uint64(len(f.devices))*0x200, Size: 0x200, IRQ: 5}
	f.devices[spec.Name] = info
	return info, nil
}

func (f *fakeTarget) RemoveDevice(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkParked()

	if _, ok := f.devices[name]; !ok {
		return fmt.Errorf("device %q: %w", name, ErrNotFound)
	}
	delete(f.devices, name)
	return nil
}

func (f *fakeTarget) AdjustBalloon(pages uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkParked()
	f.pages = pages
	return nil
}

func (f *fakeTarget) Shutdown() {
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()
	f.stopAll()
	close(f.done)
}

func (f *fakeTarget) Done() <-chan struct{} { return f.done }

func (f *fakeTarget) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	var st Status
	for _, r := range f.runners {
		st.VCPUs = append(st.VCPUs, VCPUStatus{ID: r.ID(), State: r.State().String(), Entries: r.Entries()})
	}
	for _, d := range f.devices {
		st.Devices = append(st.Devices, d)
	}
	st.BalloonTarget = f.pages
	return st
}

func startPlane(t *testing.T, target Target, opts Options) *Plane {
	t.Helper()

	p := New(target, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return p
}

func submit(t *testing.T, p *Plane, req Request) Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := p.Submit(ctx, req)
	require.NoError(t, err)
	return resp
}

func totalEntries(f *fakeTarget) uint64 {
	var n uint64
	for _, r := range f.runners {
		n += r.Entries()
	}
	return n
}

func TestSafePointParksEveryVCPU(t *testing.T) {
	ft := newFakeTarget(t, 3)
	p := startPlane(t, ft, Options{})

	require.Eventually(t, func() bool { return totalEntries(ft) > 30 }, 5*time.Second, time.Millisecond)

	resp := submit(t, p, Request{Kind: KindAddDevice, Device: DeviceSpec{Kind: "blk", Name: "disk1"}})
	require.Nil(t, resp.Err)
	require.NotNil(t, resp.Device)
	require.Equal(t, "disk1", resp.Device.Name)

	resp = submit(t, p, Request{Kind: KindAddDevice, Device: DeviceSpec{Kind: "blk", Name: "disk1"}})
	require.NotNil(t, resp.Err)
	require.Equal(t, uint8(ipc.ErrCodeAlreadyExists), resp.Err.Code)

	require.Nil(t, submit(t, p, Request{Kind: KindBalloonAdjust, Pages: 64}).Err)
	require.Nil(t, submit(t, p, Request{Kind: KindRemoveDevice, Name: "disk1"}).Err)

	ft.mu.Lock()
	require.Equal(t, 4, ft.mutations)
	require.False(t, ft.notParked, "mutation ran while a vcpu was in the guest")
	ft.mu.Unlock()

	// Every vCPU runs again after the safe point.
	for _, r := range ft.runners {
		before := r.Entries()
		require.Eventually(t, func() bool { return r.Entries() > before }, 5*time.Second, time.Millisecond)
	}
}

func TestSuspendResume(t *testing.T) {
	ft := newFakeTarget(t, 2)
	p := startPlane(t, ft, Options{})

	require.Nil(t, submit(t, p, Request{Kind: KindSuspend}).Err)
	require.Nil(t, submit(t, p, Request{Kind: KindSuspend}).Err)

	st := submit(t, p, Request{Kind: KindStatus}).Status
	require.Equal(t, "suspended", st.State)
	for _, v := range st.VCPUs {
		require.Equal(t, "paused", v.State)
	}

	before := totalEntries(ft)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, before, totalEntries(ft), "suspended vcpu entered the guest")

	// Mutations on a suspended machine keep it parked.
	require.Nil(t, submit(t, p, Request{Kind: KindBalloonAdjust, Pages: 8}).Err)
	require.Equal(t, before, totalEntries(ft))
	require.Equal(t, vcpu.StatePaused, ft.runners[0].State())

	require.Nil(t, submit(t, p, Request{Kind: KindResume}).Err)
	require.Eventually(t, func() bool { return totalEntries(ft) > before }, 5*time.Second, time.Millisecond)
	require.Equal(t, "running", submit(t, p, Request{Kind: KindStatus}).Status.State)

	// Resume of a running machine is a no-op.
	require.Nil(t, submit(t, p, Request{Kind: KindResume}).Err)
}

func TestShutdownIsIdempotent(t *testing.T) {
	ft := newFakeTarget(t, 1)
	p := startPlane(t, ft, Options{})

	require.Nil(t, submit(t, p, Request{Kind: KindShutdown}).Err)
	require.Nil(t, submit(t, p, Request{Kind: KindShutdown}).Err)
	require.Equal(t, 1, ft.shutdowns)

	resp := submit(t, p, Request{Kind: KindSuspend})
	require.NotNil(t, resp.Err)
	require.Equal(t, uint8(ipc.ErrCodeNotRunning), resp.Err.Code)
	require.Equal(t, "stopped", submit(t, p, Request{Kind: KindStatus}).Status.State)
}

func TestInvalidRequests(t *testing.T) {
	ft := newFakeTarget(t, 1)
	p := startPlane(t, ft, Options{})

	tests := []struct {
		name string
		req  Request
		code uint8
	}{
		{"unknown kind", Request{Kind: 0x01ff}, ipc.ErrCodeInvalidArgument},
		{"add without name", Request{Kind: KindAddDevice, Device: DeviceSpec{Kind: "blk"}}, ipc.ErrCodeInvalidArgument},
		{"remove without name", Request{Kind: KindRemoveDevice}, ipc.ErrCodeInvalidArgument},
		{"remove unknown", Request{Kind: KindRemoveDevice, Name: "nope"}, ipc.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := submit(t, p, tt.req)
			require.NotNil(t, resp.Err)
			require.Equal(t, tt.code, resp.Err.Code)
		})
	}

	// The machine is unaffected.
	require.Equal(t, "running", submit(t, p, Request{Kind: KindStatus}).Status.State)
}

func TestCorrelationIDs(t *testing.T) {
	p := startPlane(t, newFakeTarget(t, 1), Options{})

	a := submit(t, p, Request{Kind: KindStatus})
	b := submit(t, p, Request{Kind: KindStatus})
	require.NotZero(t, a.ID)
	require.Greater(t, b.ID, a.ID)

	c := submit(t, p, Request{ID: 9000, Kind: KindStatus})
	require.Equal(t, uint64(9000), c.ID)
}

type stuckVCPU struct {
	mu      sync.Mutex
	resumed int
}

func (s *stuckVCPU) RequestPause() <-chan struct{} { return make(chan struct{}) }

func (s *stuckVCPU) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed++
}

type stuckTarget struct {
	fakeTarget
	stuck *stuckVCPU
}

func (s *stuckTarget) VCPUs() []Pauser { return []Pauser{s.stuck} }

func TestSafePointTimeout(t *testing.T) {
	st := &stuckTarget{
		fakeTarget: fakeTarget{devices: make(map[string]DeviceInfo), done: make(chan struct{})},
		stuck:      &stuckVCPU{},
	}
	p := startPlane(t, st, Options{SafePointTimeout: 10 * time.Millisecond})

	resp := submit(t, p, Request{Kind: KindBalloonAdjust, Pages: 1})
	require.NotNil(t, resp.Err)
	require.Equal(t, uint8(ipc.ErrCodeTimeout), resp.Err.Code)
	require.Zero(t, st.mutations)
	require.Equal(t, 1, st.stuck.resumed)
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(newFakeTarget(t, 1), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	_, err := p.Submit(context.Background(), Request{Kind: KindStatus})
	require.ErrorIs(t, err, ErrStopped)
}

func TestPlaneOverSocket(t *testing.T) {
	ft := newFakeTarget(t, 2)
	p := startPlane(t, ft, Options{})

	mux := ipc.NewMux()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Register(ctx, mux)

	srv, err := ipc.NewServer(filepath.Join(t.TempDir(), "ctl.sock"), mux.Handler(), nil)
	require.NoError(t, err)
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()
	defer func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-serveDone)
	}()

	c, err := Dial(ctx, srv.SocketPath())
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Do(ctx, Request{Kind: KindAddDevice, Device: DeviceSpec{Kind: "blk", Name: "disk9", Path: "/dev/null", ReadOnly: true}})
	require.NoError(t, err)
	require.Nil(t, resp.Err)
	require.Equal(t, "disk9", resp.Device.Name)
	require.Equal(t, uint64(0x200), resp.Device.Size)

	resp, err = c.Do(ctx, Request{Kind: KindRemoveDevice, Name: "missing"})
	require.NoError(t, err)
	require.NotNil(t, resp.Err)
	require.Equal(t, uint8(ipc.ErrCodeNotFound), resp.Err.Code)

	resp, err = c.Do(ctx, Request{Kind: KindBalloonAdjust, Pages: 32})
	require.NoError(t, err)
	require.Nil(t, resp.Err)

	resp, err = c.Do(ctx, Request{Kind: KindStatus})
	require.NoError(t, err)
	require.Equal(t, "running", resp.Status.State)
	require.Len(t, resp.Status.VCPUs, 2)
	require.Len(t, resp.Status.Devices, 1)
	require.Equal(t, uint32(32), resp.Status.BalloonTarget)
}

func TestParseKind(t *testing.T) {
	for _, k := range kinds {
		got, ok := ParseKind(k.String())
		require.True(t, ok)
		require.Equal(t, k, got)
	}
	_, ok := ParseKind("reboot")
	require.False(t, ok)
}
