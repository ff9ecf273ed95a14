package scripted

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
)

func newVM(t *testing.T, opts Options, cpus int) *VM {
	t.Helper()

	mem, err := guestmem.New(guestmem.Region{Base: 0, Data: make([]byte, 0x1000)})
	require.NoError(t, err)

	vm, err := New(opts).NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: cpus, Mem: mem})
	require.NoError(t, err)
	t.Cleanup(func() { vm.Close() })
	return vm.(*VM)
}

func TestLevelInjectionCoalesces(t *testing.T) {
	vm := newVM(t, Options{}, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, vm.SetIRQ(3, true))
	}
	require.Equal(t, 1, vm.Pending(3))

	require.NoError(t, vm.SetIRQ(3, false))
	require.True(t, vm.Acknowledge(3))
	require.Equal(t, 0, vm.Pending(3))
	require.False(t, vm.Acknowledge(3))
}

func TestLevelStillAssertedAfterAck(t *testing.T) {
	vm := newVM(t, Options{}, 1)

	require.NoError(t, vm.SetIRQ(7, true))
	require.True(t, vm.Acknowledge(7))
	require.Equal(t, 1, vm.Pending(7), "asserted level line must re-trigger after EOI")
}

func TestEdgeInjectionQueues(t *testing.T) {
	vm := newVM(t, Options{EdgeDepth: 4}, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, vm.PulseIRQ(5))
	}
	require.Equal(t, 3, vm.Pending(5))

	require.NoError(t, vm.PulseIRQ(5))
	err := vm.PulseIRQ(5)
	require.True(t, errors.Is(err, hv.ErrIRQQueueFull), "err = %v", err)

	for i := 0; i < 4; i++ {
		require.True(t, vm.Acknowledge(5))
	}
	require.Equal(t, 0, vm.Pending(5))
	require.NoError(t, vm.PulseIRQ(5))
}

func TestInjectOutOfRange(t *testing.T) {
	vm := newVM(t, Options{Lines: 8}, 1)

	require.Error(t, vm.SetIRQ(8, true))
	require.Error(t, vm.PulseIRQ(100))
	require.Equal(t, uint32(8), vm.InterruptLines())
}

func TestSequenceThenIdle(t *testing.T) {
	vm := newVM(t, Options{
		Exits: func(id int) ExitFunc {
			return Sequence(
				hv.ExitEvent{Kind: hv.ExitIoOut, Port: 0x80, Size: 1, Count: 1, Data: []byte{1}},
				hv.ExitEvent{Kind: hv.ExitHlt},
			)
		},
	}, 1)

	vcpu, err := vm.NewVirtualCPU(0)
	require.NoError(t, err)

	ctx := context.Background()
	ev, err := vcpu.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, hv.ExitIoOut, ev.Kind)

	ev, err = vcpu.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, hv.ExitHlt, ev.Kind)

	done := make(chan hv.ExitEvent)
	go func() {
		ev, _ := vcpu.Run(ctx)
		done <- ev
	}()

	select {
	case <-done:
		t.Fatal("idle vCPU returned before being kicked")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, vcpu.RequestExit())
	select {
	case ev := <-done:
		require.Equal(t, hv.ExitInterrupted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("kicked vCPU did not return")
	}

	require.Equal(t, uint64(3), vcpu.(*VCPU).Entries())
}

func TestRequestExitBeforeRun(t *testing.T) {
	vm := newVM(t, Options{}, 2)

	vcpu, err := vm.NewVirtualCPU(1)
	require.NoError(t, err)
	require.NoError(t, vcpu.RequestExit())

	ev, err := vcpu.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, hv.ExitInterrupted, ev.Kind)

	_, err = vm.NewVirtualCPU(1)
	require.ErrorIs(t, err, hv.ErrVCPUExists)
	_, err = vm.NewVirtualCPU(2)
	require.Error(t, err)
}

func TestRegisters(t *testing.T) {
	vm := newVM(t, Options{}, 1)

	vcpu, err := vm.NewVirtualCPU(0)
	require.NoError(t, err)

	require.NoError(t, vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(0x1000),
	}))

	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: nil, hv.RegisterAMD64Rax: nil}
	require.NoError(t, vcpu.GetRegisters(regs))
	require.Equal(t, hv.Register64(0x1000), regs[hv.RegisterAMD64Rip])
	require.Equal(t, hv.Register64(0), regs[hv.RegisterAMD64Rax])
}
