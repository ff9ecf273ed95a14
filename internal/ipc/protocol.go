// Package ipc is the framed unix-socket protocol spoken between the VMM
// process and its controllers.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message types for the control protocol.
const (
	// Machine control (0x01xx)
	MsgSuspend       uint16 = 0x0100
	MsgResume        uint16 = 0x0101
	MsgShutdown      uint16 = 0x0102
	MsgAddDevice     uint16 = 0x0103
	MsgRemoveDevice  uint16 = 0x0104
	MsgBalloonAdjust uint16 = 0x0105
	MsgStatus        uint16 = 0x0106

	// Response types (0xFFxx)
	MsgResponse uint16 = 0xFF00
	MsgError    uint16 = 0xFF01
)

// Wire format:
// [2 bytes: msg_type (big endian)]
// [4 bytes: payload_len (big endian)]
// [payload_len bytes: payload]
//
// Every payload starts with the 8 byte correlation id of the request it
// belongs to.

// Header represents a message header.
type Header struct {
	Type   uint16
	Length uint32
}

const (
	// HeaderSize is the size of the header in bytes.
	HeaderSize = 6

	// IDSize is the size of the correlation id at the start of a payload.
	IDSize = 8

	// MaxPayload bounds the payload a peer may announce.
	MaxPayload = 1 << 20
)

// ReadHeader reads a message header from the reader.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return Header{
		Type:   binary.BigEndian.Uint16(buf[0:2]),
		Length: binary.BigEndian.Uint32(buf[2:6]),
	}, nil
}

// WriteHeader writes a message header to the writer.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Type)
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadMessage reads one framed message and splits off its correlation id.
func ReadMessage(r io.Reader) (msgType uint16, id uint64, payload []byte, err error) {
	h, err := ReadHeader(r)
	if err != nil {
		return 0, 0, nil, err
	}
	if h.Length > MaxPayload {
		return 0, 0, nil, fmt.Errorf("ipc: payload of %d bytes exceeds limit of %d", h.Length, MaxPayload)
	}
	if h.Length < IDSize {
		return 0, 0, nil, fmt.Errorf("ipc: payload of %d bytes has no correlation id", h.Length)
	}

	buf := make([]byte, h.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, nil, err
	}
	return h.Type, binary.BigEndian.Uint64(buf[:IDSize]), buf[IDSize:], nil
}

// WriteMessage frames payload behind a header and the correlation id. The
// message is written with a single Write.
func WriteMessage(w io.Writer, msgType uint16, id uint64, payload []byte) error {
	if len(payload)+IDSize > MaxPayload {
		return fmt.Errorf("ipc: payload of %d bytes exceeds limit of %d", len(payload), MaxPayload)
	}

	buf := make([]byte, HeaderSize+IDSize, HeaderSize+IDSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], msgType)
	binary.BigEndian.PutUint32(buf[2:6], uint32(IDSize+len(payload)))
	binary.BigEndian.PutUint64(buf[6:14], id)
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// Encoder writes IPC messages.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Reset clears the buffer for reuse.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) Uint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// String appends a length-prefixed string (4 bytes length + data).
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// StringSlice appends a string slice (4 bytes count + strings).
func (e *Encoder) StringSlice(ss []string) {
	e.Uint32(uint32(len(ss)))
	for _, s := range ss {
		e.String(s)
	}
}

// Decoder reads IPC messages. All reads fail with io.ErrUnexpectedEOF once
// the buffer is exhausted.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || n > d.Remaining() {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) Uint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) Uint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint8()
	return v != 0, err
}

// String reads a length-prefixed string.
func (d *Decoder) String() (string, error) {
	length, err := d.Uint32()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(length))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StringSlice reads a string slice.
func (d *Decoder) StringSlice() ([]string, error) {
	count, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	// Every string costs at least its length prefix.
	if int(count) > d.Remaining()/4 {
		return nil, io.ErrUnexpectedEOF
	}
	ss := make([]string, count)
	for i := range ss {
		ss[i], err = d.String()
		if err != nil {
			return nil, err
		}
	}
	return ss, nil
}

// Error codes carried by MsgError responses.
const (
	ErrCodeOK                    = 0
	ErrCodeNotFound              = 1
	ErrCodeInvalidArgument       = 2
	ErrCodeNotRunning            = 3
	ErrCodeAlreadyExists         = 4
	ErrCodeTimeout               = 5
	ErrCodeHypervisorUnavailable = 6
	ErrCodeIO                    = 7
	ErrCodeBusy                  = 8
	ErrCodeCancelled             = 9
	ErrCodeUnknown               = 99
)

// Error is an error reported by the remote side.
type Error struct {
	Code    uint8
	Message string
	Op      string
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// EncodeError encodes an error response.
func EncodeError(enc *Encoder, code uint8, message, op string) {
	enc.Uint8(code)
	enc.String(message)
	enc.String(op)
}

// DecodeError decodes an error response. It returns nil for ErrCodeOK.
func DecodeError(dec *Decoder) (*Error, error) {
	code, err := dec.Uint8()
	if err != nil {
		return nil, err
	}
	if code == ErrCodeOK {
		return nil, nil
	}
	message, err := dec.String()
	if err != nil {
		return nil, err
	}
	op, err := dec.String()
	if err != nil {
		return nil, err
	}
	return &Error{Code: code, Message: message, Op: op}, nil
}
