package irq

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/hv/scripted"
)

func newScriptedVM(t *testing.T, depth int) *scripted.VM {
	t.Helper()

	mem, err := guestmem.Map(guestmem.Layout{Base: 0, Size: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	h := scripted.New(scripted.Options{Lines: 16, EdgeDepth: depth})
	vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 1, Mem: mem, InterruptSupport: true})
	require.NoError(t, err)
	t.Cleanup(func() { vm.Close() })
	return vm.(*scripted.VM)
}

func TestLevelLineCoalesces(t *testing.T) {
	vm := newScriptedVM(t, 4)
	c := NewController(vm, vm.InterruptLines(), 5, nil)

	line, err := c.Allocate(Level)
	require.NoError(t, err)
	require.Equal(t, uint32(5), line.Number())

	for i := 0; i < 3; i++ {
		require.NoError(t, line.SetLevel(true))
	}
	require.Equal(t, 1, vm.Pending(5))
	require.True(t, vm.Level(5))

	require.NoError(t, line.SetLevel(false))
	require.True(t, vm.Acknowledge(5))
	require.Equal(t, 0, vm.Pending(5))
	require.False(t, vm.Acknowledge(5))
}

func TestEdgeLineQueues(t *testing.T) {
	vm := newScriptedVM(t, 2)
	c := NewController(vm, vm.InterruptLines(), 0, nil)

	line, err := c.Reserve(3, Edge)
	require.NoError(t, err)

	require.NoError(t, line.Pulse())
	require.NoError(t, line.Pulse())
	require.ErrorIs(t, line.Pulse(), hv.ErrIRQQueueFull)
	require.Equal(t, 2, vm.Pending(3))

	require.True(t, vm.Acknowledge(3))
	require.NoError(t, line.Pulse())
	require.Equal(t, 2, vm.Pending(3))
}

func TestWrongTrigger(t *testing.T) {
	vm := newScriptedVM(t, 4)
	c := NewController(vm, vm.InterruptLines(), 0, nil)

	level, err := c.Reserve(1, Level)
	require.NoError(t, err)
	edge, err := c.Reserve(2, Edge)
	require.NoError(t, err)

	require.ErrorIs(t, level.Pulse(), ErrWrongTrigger)
	require.ErrorIs(t, edge.SetLevel(true), ErrWrongTrigger)
}

func TestAllocateReserveRelease(t *testing.T) {
	vm := newScriptedVM(t, 4)
	c := NewController(vm, 8, 6, nil)

	_, err := c.Reserve(6, Level)
	require.NoError(t, err)
	_, err = c.Reserve(6, Level)
	require.ErrorIs(t, err, ErrLineInUse)
	_, err = c.Reserve(8, Level)
	require.Error(t, err)

	seven, err := c.Allocate(Level)
	require.NoError(t, err)
	require.Equal(t, uint32(7), seven.Number())
	_, err = c.Allocate(Edge)
	require.ErrorIs(t, err, ErrNoFreeLines)

	require.NoError(t, seven.SetLevel(true))
	require.NoError(t, c.Release(seven))
	require.False(t, vm.Level(7), "release must lower an asserted line")
	require.ErrorIs(t, seven.SetLevel(true), ErrLineReleased)
	require.ErrorIs(t, c.Release(seven), ErrLineReleased)

	again, err := c.Allocate(Edge)
	require.NoError(t, err)
	require.Equal(t, uint32(7), again.Number())
	require.Equal(t, Edge, again.Trigger())
}
