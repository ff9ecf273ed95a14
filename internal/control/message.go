// Package control serializes lifecycle and structural changes of a running
// machine. Requests from any number of controllers are funnelled into one
// coordinating goroutine, which applies mutations only while every vCPU is
// parked.
package control

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vmcore/internal/ipc"
)

// Kind is the request type. Values match the ipc message types.
type Kind uint16

const (
	KindSuspend       = Kind(ipc.MsgSuspend)
	KindResume        = Kind(ipc.MsgResume)
	KindShutdown      = Kind(ipc.MsgShutdown)
	KindAddDevice     = Kind(ipc.MsgAddDevice)
	KindRemoveDevice  = Kind(ipc.MsgRemoveDevice)
	KindBalloonAdjust = Kind(ipc.MsgBalloonAdjust)
	KindStatus        = Kind(ipc.MsgStatus)
)

var kinds = []Kind{
	KindSuspend,
	KindResume,
	KindShutdown,
	KindAddDevice,
	KindRemoveDevice,
	KindBalloonAdjust,
	KindStatus,
}

func (k Kind) String() string {
	switch k {
	case KindSuspend:
		return "suspend"
	case KindResume:
		return "resume"
	case KindShutdown:
		return "shutdown"
	case KindAddDevice:
		return "add-device"
	case KindRemoveDevice:
		return "remove-device"
	case KindBalloonAdjust:
		return "balloon-adjust"
	case KindStatus:
		return "status"
	default:
		return fmt.Sprintf("Kind(0x%04x)", uint16(k))
	}
}

// ParseKind maps a request name as printed by String back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for _, k := range kinds {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// DeviceSpec describes a device to hot-add.
type DeviceSpec struct {
	Kind     string
	Name     string
	Path     string
	ReadOnly bool
}

// DeviceInfo describes an attached device.
type DeviceInfo struct {
	Name string
	Kind string
	Base uint64
	Size uint64
	IRQ  uint32
}

type VCPUStatus struct {
	ID      int
	State   string
	Entries uint64
}

type Status struct {
	State   string
	VCPUs   []VCPUStatus
	Devices []DeviceInfo

	UnmappedReads  uint64
	UnmappedWrites uint64
	DeviceErrors   uint64

	BalloonTarget uint32
	BalloonActual uint32
}

// Request is a control message. ID is the correlation id; Submit assigns
// one when it is zero.
type Request struct {
	ID   uint64
	Kind Kind

	Device DeviceSpec // AddDevice
	Name   string     // RemoveDevice
	Pages  uint32     // BalloonAdjust
}

// Response answers the Request with the same ID.
type Response struct {
	ID  uint64
	Err *Error

	Device *DeviceInfo // AddDevice
	Status *Status     // Status
}

// Error is a control-plane error. Codes are the ipc error codes.
type Error struct {
	Code    uint8
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("control: %s (code %d)", e.Message, e.Code)
}

func errorf(code uint8, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Errors a Target wraps to select the reported code.
var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrInvalid  = errors.New("invalid argument")
	ErrStopped  = errors.New("control plane stopped")
)

func toError(err error) *Error {
	var ctlErr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ctlErr):
		return ctlErr
	case errors.Is(err, ErrNotFound):
		return &Error{Code: ipc.ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrExists):
		return &Error{Code: ipc.ErrCodeAlreadyExists, Message: err.Error()}
	case errors.Is(err, ErrInvalid):
		return &Error{Code: ipc.ErrCodeInvalidArgument, Message: err.Error()}
	default:
		return &Error{Code: ipc.ErrCodeIO, Message: err.Error()}
	}
}

// encodeRequest writes the body of req. The kind travels as the message
// type and the id in the frame.
func encodeRequest(enc *ipc.Encoder, req Request) {
	switch req.Kind {
	case KindAddDevice:
		enc.String(req.Device.Kind)
		enc.String(req.Device.Name)
		enc.String(req.Device.Path)
		enc.Bool(req.Device.ReadOnly)
	case KindRemoveDevice:
		enc.String(req.Name)
	case KindBalloonAdjust:
		enc.Uint32(req.Pages)
	}
}

func decodeRequest(kind Kind, id uint64, dec *ipc.Decoder) (Request, error) {
	req := Request{ID: id, Kind: kind}
	var err error
	switch kind {
	case KindAddDevice:
		if req.Device.Kind, err = dec.String(); err != nil {
			return req, err
		}
		if req.Device.Name, err = dec.String(); err != nil {
			return req, err
		}
		if req.Device.Path, err = dec.String(); err != nil {
			return req, err
		}
		if req.Device.ReadOnly, err = dec.Bool(); err != nil {
			return req, err
		}
	case KindRemoveDevice:
		if req.Name, err = dec.String(); err != nil {
			return req, err
		}
	case KindBalloonAdjust:
		if req.Pages, err = dec.Uint32(); err != nil {
			return req, err
		}
	}
	if dec.Remaining() != 0 {
		return req, fmt.Errorf("%d trailing bytes", dec.Remaining())
	}
	return req, nil
}

func encodeDeviceInfo(enc *ipc.Encoder, d DeviceInfo) {
	enc.String(d.Name)
	enc.String(d.Kind)
	enc.Uint64(d.Base)
	enc.Uint64(d.Size)
	enc.Uint32(d.IRQ)
}

func decodeDeviceInfo(dec *ipc.Decoder) (DeviceInfo, error) {
	var d DeviceInfo
	var err error
	if d.Name, err = dec.String(); err != nil {
		return d, err
	}
	if d.Kind, err = dec.String(); err != nil {
		return d, err
	}
	if d.Base, err = dec.Uint64(); err != nil {
		return d, err
	}
	if d.Size, err = dec.Uint64(); err != nil {
		return d, err
	}
	d.IRQ, err = dec.Uint32()
	return d, err
}

// encodeResponse writes the body of a successful response.
func encodeResponse(enc *ipc.Encoder, kind Kind, resp Response) {
	switch {
	case kind == KindAddDevice && resp.Device != nil:
		encodeDeviceInfo(enc, *resp.Device)
	case kind == KindStatus && resp.Status != nil:
		st := resp.Status
		enc.String(st.State)
		enc.Uint32(uint32(len(st.VCPUs)))
		for _, v := range st.VCPUs {
			enc.Uint32(uint32(v.ID))
			enc.String(v.State)
			enc.Uint64(v.Entries)
		}
		enc.Uint32(uint32(len(st.Devices)))
		for _, d := range st.Devices {
			encodeDeviceInfo(enc, d)
		}
		enc.Uint64(st.UnmappedReads)
		enc.Uint64(st.UnmappedWrites)
		enc.Uint64(st.DeviceErrors)
		enc.Uint32(st.BalloonTarget)
		enc.Uint32(st.BalloonActual)
	}
}

func decodeResponse(kind Kind, dec *ipc.Decoder) (Response, error) {
	var resp Response
	switch kind {
	case KindAddDevice:
		d, err := decodeDeviceInfo(dec)
		if err != nil {
			return resp, err
		}
		resp.Device = &d
	case KindStatus:
		st, err := decodeStatus(dec)
		if err != nil {
			return resp, err
		}
		resp.Status = &st
	}
	return resp, nil
}

func decodeStatus(dec *ipc.Decoder) (Status, error) {
	var st Status
	var err error
	if st.State, err = dec.String(); err != nil {
		return st, err
	}

	n, err := dec.Uint32()
	if err != nil {
		return st, err
	}
	for range n {
		var v VCPUStatus
		id, err := dec.Uint32()
		if err != nil {
			return st, err
		}
		v.ID = int(id)
		if v.State, err = dec.String(); err != nil {
			return st, err
		}
		if v.Entries, err = dec.Uint64(); err != nil {
			return st, err
		}
		st.VCPUs = append(st.VCPUs, v)
	}

	if n, err = dec.Uint32(); err != nil {
		return st, err
	}
	for range n {
		d, err := decodeDeviceInfo(dec)
		if err != nil {
			return st, err
		}
		st.Devices = append(st.Devices, d)
	}

	for _, p := range []*uint64{&st.UnmappedReads, &st.UnmappedWrites, &st.DeviceErrors} {
		if *p, err = dec.Uint64(); err != nil {
			return st, err
		}
	}
	if st.BalloonTarget, err = dec.Uint32(); err != nil {
		return st, err
	}
	st.BalloonActual, err = dec.Uint32()
	return st, err
}
