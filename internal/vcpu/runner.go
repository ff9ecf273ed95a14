// Package vcpu drives a single virtual CPU: it enters the guest, dispatches
// trapped IO and MMIO accesses, and parks the thread when the control plane
// needs every CPU out of the guest.
package vcpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmcore/internal/hv"
)

var (
	ErrAlreadyStarted = errors.New("vcpu runner already started")

	// ErrGuestShutdown is reported when the guest asks for the machine to
	// power off or reset.
	ErrGuestShutdown = errors.New("guest requested shutdown")
)

type State uint32

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Dispatcher routes trapped accesses. *chipset.Bus implements it.
type Dispatcher interface {
	HandlePIO(port uint16, data []byte, isWrite bool) error
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

type Options struct {
	Logger *slog.Logger

	// OnStop is called from the runner goroutine after the runner reached
	// StateStopped. err is nil for a halted CPU or an orderly stop.
	OnStop func(r *Runner, err error)
}

const exitKinds = int(hv.ExitInterrupted) + 1

type Runner struct {
	vcpu   hv.VirtualCPU
	bus    Dispatcher
	log    *slog.Logger
	onStop func(*Runner, error)

	mu           sync.Mutex
	state        State
	pauseReq     bool
	parked       chan struct{}
	parkedClosed bool
	resume       chan struct{}
	err          error

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	entries atomic.Uint64
	exits   [exitKinds]atomic.Uint64
}

func New(vcpu hv.VirtualCPU, bus Dispatcher, opts Options) *Runner {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		vcpu:   vcpu,
		bus:    bus,
		log:    log.With("vcpu", vcpu.ID()),
		onStop: opts.OnStop,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *Runner) ID() int { return r.vcpu.ID() }

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Entries returns how many times the runner entered the guest.
func (r *Runner) Entries() uint64 { return r.entries.Load() }

// Exits returns the number of exits of the given kind.
func (r *Runner) Exits(kind hv.ExitKind) uint64 {
	if int(kind) >= exitKinds {
		return 0
	}
	return r.exits[kind].Load()
}

// Done is closed once the runner has stopped.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err returns the reason the runner stopped, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// RequestPause asks the runner to park before its next guest entry. The
// returned channel is closed once the runner is parked, or has stopped.
// Requests made while a pause is pending share the same channel.
func (r *Runner) RequestPause() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pauseReq {
		return r.parked
	}
	r.pauseReq = true
	r.parked = make(chan struct{})
	r.parkedClosed = false
	r.resume = make(chan struct{})

	switch r.state {
	case StateCreated, StateStopped:
		// Nothing is in the guest. A runner started later parks before
		// its first entry.
		r.closeParkedLocked()
	default:
		if err := r.vcpu.RequestExit(); err != nil {
			r.log.Warn("kick vcpu for pause", "error", err)
		}
	}
	return r.parked
}

// Resume releases a pending or completed pause.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pauseReq {
		return
	}
	r.pauseReq = false
	close(r.resume)
}

// Stop makes the runner leave its loop. It may be called any number of
// times from any goroutine.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		if err := r.vcpu.RequestExit(); err != nil {
			r.log.Warn("kick vcpu for stop", "error", err)
		}
	})
}

func (r *Runner) closeParkedLocked() {
	if !r.parkedClosed {
		close(r.parked)
		r.parkedClosed = true
	}
}

// Run is the vCPU thread. It returns when the guest halts or shuts down,
// when Stop is called or ctx is done, or on a fatal error.
func (r *Runner) Run(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return fmt.Errorf("vcpu %d: %w", r.ID(), ErrAlreadyStarted)
	}
	r.state = StateRunning
	r.mu.Unlock()

	defer func() { r.finish(err) }()

	// KVM requires every ioctl on a vCPU to come from the thread that
	// created its run state.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.log.Debug("vcpu started")

	for r.gate(ctx) {
		r.entries.Add(1)
		exit, err := r.vcpu.Run(ctx)
		if err != nil {
			if !errors.Is(err, hv.ErrBackend) {
				err = fmt.Errorf("%w: vcpu %d: %w", hv.ErrBackend, r.ID(), err)
			}
			return err
		}

		stop, err := r.handle(exit)
		if stop {
			return err
		}
	}
	return nil
}

// gate parks the runner while a pause is requested and reports whether the
// runner may enter the guest.
func (r *Runner) gate(ctx context.Context) bool {
	for {
		select {
		case <-r.stop:
			return false
		case <-ctx.Done():
			return false
		default:
		}

		r.mu.Lock()
		if !r.pauseReq {
			r.state = StateRunning
			r.mu.Unlock()
			return true
		}
		r.state = StatePaused
		r.closeParkedLocked()
		resume := r.resume
		r.mu.Unlock()

		r.log.Debug("vcpu parked")

		select {
		case <-resume:
			r.log.Debug("vcpu resumed")
		case <-r.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (r *Runner) finish(err error) {
	r.mu.Lock()
	r.state = StateStopped
	r.err = err
	if r.pauseReq {
		r.closeParkedLocked()
	}
	r.mu.Unlock()

	switch {
	case err == nil:
		r.log.Debug("vcpu stopped", "entries", r.Entries())
	case errors.Is(err, ErrGuestShutdown):
		r.log.Info("vcpu stopped", "reason", err)
	default:
		r.log.Error("vcpu stopped", "error", err)
	}

	close(r.done)
	if r.onStop != nil {
		r.onStop(r, err)
	}
}

// handle services one exit and reports whether the runner must stop.
func (r *Runner) handle(exit hv.ExitEvent) (bool, error) {
	if int(exit.Kind) < exitKinds {
		r.exits[exit.Kind].Add(1)
	}

	switch exit.Kind {
	case hv.ExitIoIn, hv.ExitIoOut:
		if err := r.handleIO(exit); err != nil {
			return true, err
		}
		return false, nil
	case hv.ExitMmioRead, hv.ExitMmioWrite:
		isWrite := exit.Kind == hv.ExitMmioWrite
		if err := r.bus.HandleMMIO(exit.Addr, exit.Data, isWrite); err != nil {
			if hv.IsFatal(err) {
				return true, err
			}
			r.log.Warn("mmio access", "addr", fmt.Sprintf("0x%x", exit.Addr), "write", isWrite, "error", err)
		}
		return false, nil
	case hv.ExitHlt:
		r.log.Debug("vcpu halted")
		return true, nil
	case hv.ExitShutdown:
		return true, fmt.Errorf("vcpu %d: %w", r.ID(), ErrGuestShutdown)
	case hv.ExitInterruptWindow, hv.ExitInterrupted:
		return false, nil
	default:
		return true, hv.GuestError("vcpu %d: unhandled exit %s (reason %d)", r.ID(), exit.Kind, exit.Reason)
	}
}

// handleIO dispatches port IO. String instructions carry Count elements and
// each one is a separate device access.
func (r *Runner) handleIO(exit hv.ExitEvent) error {
	isWrite := exit.Kind == hv.ExitIoOut
	size, count := exit.Size, exit.Count
	if count == 0 {
		count = 1
	}
	if size <= 0 || size*count > len(exit.Data) {
		return fmt.Errorf("%w: vcpu %d: io exit on port 0x%x: %d x %d bytes with a %d byte buffer",
			hv.ErrBackend, r.ID(), exit.Port, count, size, len(exit.Data))
	}

	for i := range count {
		elem := exit.Data[i*size : (i+1)*size]
		if err := r.bus.HandlePIO(exit.Port, elem, isWrite); err != nil {
			if hv.IsFatal(err) {
				return err
			}
			r.log.Warn("port access", "port", fmt.Sprintf("0x%x", exit.Port), "write", isWrite, "error", err)
		}
	}
	return nil
}
