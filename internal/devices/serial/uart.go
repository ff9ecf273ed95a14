// Package serial emulates a 16550-compatible UART on port IO, used as the
// guest console.
package serial

import (
	"io"
	"sync"
)

const (
	// COM1 is the conventional console port base and legacy line.
	COM1Base = 0x3f8
	COM1IRQ  = 4

	// RegisterCount is the width of the port window.
	RegisterCount = 8

	fifoSize = 16
)

// Register offsets from the port base.
const (
	regData = 0 // RBR/THR, DLL with DLAB
	regIER  = 1 // DLM with DLAB
	regIIR  = 2 // FCR on write
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5
	regMSR  = 6
	regSCR  = 7
)

const (
	lcrDLAB = 1 << 7

	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	ierRXAvail = 1 << 0
	ierTHRE    = 1 << 1
	ierLine    = 1 << 2

	iirNone     = 0x01
	iirLine     = 0x06
	iirRXAvail  = 0x04
	iirTHRE     = 0x02
	iirFIFOBits = 0xc0

	fcrEnable  = 1 << 0
	fcrClearRX = 1 << 1

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrDCD = 1 << 7
)

// Line is the interrupt output. irq.Line satisfies it.
type Line interface {
	SetLevel(high bool) error
}

// UART is a 16550 with an immediate transmitter and a 16 byte receive FIFO.
// Transmitted bytes go to the console writer; host input is delivered with
// Write.
type UART struct {
	mu sync.Mutex

	base uint16
	line Line
	out  io.Writer

	dll, dlm byte
	ier      byte
	lcr      byte
	mcr      byte
	lsr      byte
	scr      byte
	fifo     bool

	// THRE interrupts fire once per empty transition and clear when IIR
	// reports them.
	threPending bool

	rx      [fifoSize]byte
	rxHead  int
	rxCount int

	txBytes uint64
}

// New creates a UART at base. A nil line leaves interrupts unconnected.
func New(base uint16, line Line, out io.Writer) *UART {
	u := &UART{base: base, line: line, out: out}
	u.resetLocked()
	return u
}

func (u *UART) resetLocked() {
	u.dll, u.dlm, u.ier, u.lcr, u.mcr, u.scr = 0x0c, 0, 0, 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.fifo = false
	u.threPending = false
	u.rxHead, u.rxCount = 0, 0
}

// Start implements chipset.ChangeDeviceState.
func (u *UART) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (u *UART) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (u *UART) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetLocked()
	return u.updateLocked()
}

// TxBytes returns how many bytes the guest has transmitted.
func (u *UART) TxBytes() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.txBytes
}

// Write queues host input for the guest. Bytes beyond the FIFO are dropped
// and flagged as an overrun, like a real UART.
func (u *UART) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, b := range p {
		u.receiveLocked(b)
	}
	return len(p), u.updateLocked()
}

func (u *UART) receiveLocked(b byte) {
	if u.rxCount == fifoSize {
		u.lsr |= lsrOverrun
		return
	}
	u.rx[(u.rxHead+u.rxCount)%fifoSize] = b
	u.rxCount++
	u.lsr |= lsrDataReady
}

func (u *UART) ReadIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i := range data {
		data[i] = u.readLocked(port - u.base)
	}
	return u.updateLocked()
}

func (u *UART) WriteIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	var werr error
	for _, b := range data {
		if err := u.writeLocked(port-u.base, b); err != nil && werr == nil {
			werr = err
		}
	}
	if err := u.updateLocked(); err != nil {
		return err
	}
	return werr
}

func (u *UART) readLocked(off uint16) byte {
	switch off {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		if u.rxCount == 0 {
			return 0
		}
		b := u.rx[u.rxHead]
		u.rxHead = (u.rxHead + 1) % fifoSize
		u.rxCount--
		if u.rxCount == 0 {
			u.lsr &^= lsrDataReady
		}
		return b
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case regIIR:
		id := u.pendingLocked()
		if id == iirTHRE {
			u.threPending = false
		}
		if u.fifo {
			id |= iirFIFOBits
		}
		return id
	case regLCR:
		return u.lcr
	case regMCR:
		return u.mcr
	case regLSR:
		v := u.lsr
		u.lsr &^= lsrOverrun
		return v
	case regMSR:
		if u.mcr&mcrLoop != 0 {
			return 0
		}
		return msrCTS | msrDSR | msrDCD
	case regSCR:
		return u.scr
	default:
		return 0xff
	}
}

func (u *UART) writeLocked(off uint16, v byte) error {
	switch off {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			u.dll = v
			return nil
		}
		return u.transmitLocked(v)
	case regIER:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = v
			return nil
		}
		// Enabling THRE while the holder is empty raises it at once.
		if v&ierTHRE != 0 && u.ier&ierTHRE == 0 && u.lsr&lsrTHRE != 0 {
			u.threPending = true
		}
		u.ier = v & 0x0f
	case regIIR:
		u.fifo = v&fcrEnable != 0
		if v&fcrClearRX != 0 {
			u.rxHead, u.rxCount = 0, 0
			u.lsr &^= lsrDataReady
		}
	case regLCR:
		u.lcr = v
	case regMCR:
		u.mcr = v & 0x1f
	case regSCR:
		u.scr = v
	}
	return nil
}

func (u *UART) transmitLocked(v byte) error {
	u.txBytes++
	u.threPending = true
	if u.mcr&mcrLoop != 0 {
		u.receiveLocked(v)
		return nil
	}
	if u.out == nil {
		return nil
	}
	_, err := u.out.Write([]byte{v})
	return err
}

func (u *UART) pendingLocked() byte {
	switch {
	case u.ier&ierLine != 0 && u.lsr&lsrOverrun != 0:
		return iirLine
	case u.ier&ierRXAvail != 0 && u.rxCount > 0:
		return iirRXAvail
	case u.ier&ierTHRE != 0 && u.threPending:
		return iirTHRE
	default:
		return iirNone
	}
}

// updateLocked drives the interrupt line. OUT2 gates the output as on PC
// hardware.
func (u *UART) updateLocked() error {
	if u.line == nil {
		return nil
	}
	return u.line.SetLevel(u.pendingLocked() != iirNone && u.mcr&mcrOUT2 != 0)
}
