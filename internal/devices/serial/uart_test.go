package serial

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeLine struct {
	level   bool
	changes int
}

func (l *fakeLine) SetLevel(high bool) error {
	if high != l.level {
		l.changes++
	}
	l.level = high
	return nil
}

func writeReg(t *testing.T, u *UART, off uint16, v byte) {
	t.Helper()
	require.NoError(t, u.WriteIOPort(COM1Base+off, []byte{v}))
}

func readReg(t *testing.T, u *UART, off uint16) byte {
	t.Helper()
	data := []byte{0}
	require.NoError(t, u.ReadIOPort(COM1Base+off, data))
	return data[0]
}

func TestUARTTransmit(t *testing.T) {
	var out bytes.Buffer
	u := New(COM1Base, nil, &out)

	for _, b := range []byte("boot ok\n") {
		require.Equal(t, byte(lsrTHRE|lsrTEMT), readReg(t, u, regLSR)&(lsrTHRE|lsrTEMT))
		writeReg(t, u, regData, b)
	}
	require.Equal(t, "boot ok\n", out.String())
	require.Equal(t, uint64(8), u.TxBytes())
}

func TestUARTDivisorLatch(t *testing.T) {
	var out bytes.Buffer
	u := New(COM1Base, nil, &out)

	writeReg(t, u, regLCR, lcrDLAB|0x03)
	writeReg(t, u, regData, 0x01)
	writeReg(t, u, regIER, 0x00)
	require.Equal(t, byte(0x01), readReg(t, u, regData))
	writeReg(t, u, regLCR, 0x03)

	require.Empty(t, out.String(), "divisor writes are not transmitted")
	require.Equal(t, byte(0x00), readReg(t, u, regIER))
}

func TestUARTReceive(t *testing.T) {
	line := &fakeLine{}
	u := New(COM1Base, line, nil)
	writeReg(t, u, regMCR, mcrOUT2)
	writeReg(t, u, regIER, ierRXAvail|ierLine)
	require.False(t, line.level)

	_, err := u.Write([]byte("hi"))
	require.NoError(t, err)
	require.True(t, line.level)
	require.Equal(t, byte(iirRXAvail), readReg(t, u, regIIR))
	require.NotZero(t, readReg(t, u, regLSR)&lsrDataReady)

	require.Equal(t, byte('h'), readReg(t, u, regData))
	require.Equal(t, byte('i'), readReg(t, u, regData))
	require.Zero(t, readReg(t, u, regLSR)&lsrDataReady)
	require.False(t, line.level)

	t.Run("overrun", func(t *testing.T) {
		_, err := u.Write(bytes.Repeat([]byte{'x'}, fifoSize+1))
		require.NoError(t, err)
		require.Equal(t, byte(iirLine), readReg(t, u, regIIR))
		require.NotZero(t, readReg(t, u, regLSR)&lsrOverrun)
		require.Zero(t, readReg(t, u, regLSR)&lsrOverrun, "reading LSR clears the overrun")

		writeReg(t, u, regIIR, fcrEnable|fcrClearRX)
		require.Equal(t, byte(iirNone|iirFIFOBits), readReg(t, u, regIIR))
		require.False(t, line.level)
	})
}

func TestUARTTransmitInterrupt(t *testing.T) {
	var out bytes.Buffer
	line := &fakeLine{}
	u := New(COM1Base, line, &out)

	writeReg(t, u, regIER, ierTHRE)
	require.False(t, line.level, "OUT2 gates the line")
	writeReg(t, u, regMCR, mcrOUT2)
	require.True(t, line.level)

	require.Equal(t, byte(iirTHRE), readReg(t, u, regIIR))
	require.False(t, line.level, "reading IIR acknowledges THRE")

	writeReg(t, u, regData, 'a')
	require.True(t, line.level)
	require.Equal(t, "a", out.String())
}

func TestUARTLoopback(t *testing.T) {
	var out bytes.Buffer
	u := New(COM1Base, nil, &out)

	writeReg(t, u, regMCR, mcrLoop)
	writeReg(t, u, regData, 0x5a)
	require.Empty(t, out.String())
	require.Equal(t, byte(0x5a), readReg(t, u, regData))
	require.Zero(t, readReg(t, u, regMSR))

	writeReg(t, u, regSCR, 0x42)
	require.Equal(t, byte(0x42), readReg(t, u, regSCR))

	require.NoError(t, u.Reset())
	require.Equal(t, byte(0), readReg(t, u, regSCR))
	require.Equal(t, byte(msrCTS|msrDSR|msrDCD), readReg(t, u, regMSR))
}
