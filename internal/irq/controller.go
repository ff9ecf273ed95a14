// Package irq hands out interrupt lines to devices and forwards assertions to
// the hypervisor backend.
package irq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmcore/internal/hv"
)

var (
	ErrLineInUse    = errors.New("interrupt line already reserved")
	ErrNoFreeLines  = errors.New("no free interrupt lines")
	ErrWrongTrigger = errors.New("operation does not match line trigger mode")
	ErrLineReleased = errors.New("interrupt line released")
)

type Trigger uint8

const (
	Level Trigger = iota
	Edge
)

func (t Trigger) String() string {
	if t == Edge {
		return "edge"
	}
	return "level"
}

// Controller manages the lines of one VM.
type Controller struct {
	mu sync.Mutex

	log    *slog.Logger
	sink   hv.InterruptInjector
	binder hv.EventFDBinder

	// first is the lowest line Allocate hands out; lines below it are left
	// for fixed legacy devices.
	first uint32
	count uint32
	lines map[uint32]*Line
}

// NewController creates a controller over lines [0, count) of sink. If sink
// also implements hv.EventFDBinder, edge lines are wired through irqfds.
func NewController(sink hv.InterruptInjector, count, first uint32, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		log:   log,
		sink:  sink,
		first: first,
		count: count,
		lines: make(map[uint32]*Line),
	}
	if b, ok := sink.(hv.EventFDBinder); ok {
		c.binder = b
	}
	return c
}

// Reserve claims a specific line.
func (c *Controller) Reserve(line uint32, trigger Trigger) (*Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reserveLocked(line, trigger)
}

func (c *Controller) reserveLocked(line uint32, trigger Trigger) (*Line, error) {
	if line >= c.count {
		return nil, fmt.Errorf("irq: line %d out of range [0,%d)", line, c.count)
	}
	if _, ok := c.lines[line]; ok {
		return nil, fmt.Errorf("irq: line %d: %w", line, ErrLineInUse)
	}

	l := &Line{owner: c, num: line, trigger: trigger}
	if trigger == Edge && c.binder != nil {
		fd, err := newIRQFD(c.binder, line)
		if err != nil {
			c.log.Warn("irq: irqfd unavailable, using ioctl injection", "line", line, "error", err)
		} else {
			l.fd = fd
		}
	}

	c.lines[line] = l
	return l, nil
}

// Allocate claims the lowest free line at or above the controller's first
// dynamic line.
func (c *Controller) Allocate(trigger Trigger) (*Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n := c.first; n < c.count; n++ {
		if _, ok := c.lines[n]; !ok {
			return c.reserveLocked(n, trigger)
		}
	}
	return nil, fmt.Errorf("irq: %w", ErrNoFreeLines)
}

// Release returns a line to the pool. An asserted level line is lowered first.
func (c *Controller) Release(l *Line) error {
	c.mu.Lock()
	if c.lines[l.num] != l {
		c.mu.Unlock()
		return fmt.Errorf("irq: line %d: %w", l.num, ErrLineReleased)
	}
	delete(c.lines, l.num)
	c.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.trigger == Level && l.level {
		l.level = false
		if err := c.sink.SetIRQ(l.num, false); err != nil {
			errs = append(errs, err)
		}
	}
	if l.fd != nil {
		if err := l.fd.close(c.binder); err != nil {
			errs = append(errs, err)
		}
		l.fd = nil
	}
	l.released = true
	return errors.Join(errs...)
}

// Lines returns the number of lines managed by the controller.
func (c *Controller) Lines() uint32 { return c.count }

// Line is a handle on one interrupt line.
type Line struct {
	owner   *Controller
	num     uint32
	trigger Trigger

	mu       sync.Mutex
	level    bool
	fd       *irqfd
	released bool
}

func (l *Line) Number() uint32   { return l.num }
func (l *Line) Trigger() Trigger { return l.trigger }

// SetLevel drives a level line. Only changes are forwarded to the backend, so
// repeated assertions before the guest acknowledges coalesce into one.
func (l *Line) SetLevel(high bool) error {
	if l.trigger != Level {
		return fmt.Errorf("irq: SetLevel on line %d: %w", l.num, ErrWrongTrigger)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return fmt.Errorf("irq: line %d: %w", l.num, ErrLineReleased)
	}
	if l.level == high {
		return nil
	}
	if err := l.owner.sink.SetIRQ(l.num, high); err != nil {
		l.owner.log.Error("irq: set level", "line", l.num, "level", high, "error", err)
		return err
	}
	l.level = high
	return nil
}

// Pulse raises one edge. Every call is forwarded.
func (l *Line) Pulse() error {
	if l.trigger != Edge {
		return fmt.Errorf("irq: Pulse on line %d: %w", l.num, ErrWrongTrigger)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return fmt.Errorf("irq: line %d: %w", l.num, ErrLineReleased)
	}

	var err error
	if l.fd != nil {
		err = l.fd.signal()
	} else {
		err = l.owner.sink.PulseIRQ(l.num)
	}
	if err != nil {
		l.owner.log.Error("irq: pulse", "line", l.num, "error", err)
	}
	return err
}
