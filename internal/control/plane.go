package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyrange/vmcore/internal/ipc"
)

const defaultSafePointTimeout = 5 * time.Second

// Pauser is a vCPU that can be parked. *vcpu.Runner implements it.
type Pauser interface {
	RequestPause() <-chan struct{}
	Resume()
}

// Target is the machine the plane controls. Its mutating methods are only
// called while every vCPU returned by VCPUs is parked.
type Target interface {
	VCPUs() []Pauser

	AddDevice(spec DeviceSpec) (DeviceInfo, error)
	RemoveDevice(name string) error
	AdjustBalloon(pages uint32) error

	// Shutdown starts an orderly teardown. It is called at most once.
	Shutdown()

	// Done is closed once the machine has stopped.
	Done() <-chan struct{}

	Status() Status
}

type Options struct {
	Logger *slog.Logger

	// SafePointTimeout bounds how long a safe point waits for every vCPU
	// to park. Zero selects 5s.
	SafePointTimeout time.Duration
}

type call struct {
	req  Request
	resp chan Response
}

// Plane is the coordinating side of the control channel.
type Plane struct {
	target  Target
	log     *slog.Logger
	timeout time.Duration

	requests chan call
	nextID   atomic.Uint64
	done     chan struct{}
	running  atomic.Bool

	// Owned by the Run goroutine.
	suspended bool
	shutdown  bool
}

func New(target Target, opts Options) *Plane {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.SafePointTimeout
	if timeout <= 0 {
		timeout = defaultSafePointTimeout
	}
	return &Plane{
		target:   target,
		log:      log,
		timeout:  timeout,
		requests: make(chan call),
		done:     make(chan struct{}),
	}
}

// Submit hands req to the coordinating goroutine and waits for the answer.
// The returned error is only set when no answer could be obtained; a
// rejected request is reported in Response.Err.
func (p *Plane) Submit(ctx context.Context, req Request) (Response, error) {
	if req.ID == 0 {
		req.ID = p.nextID.Add(1)
	}
	c := call{req: req, resp: make(chan Response, 1)}

	select {
	case p.requests <- c:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-p.done:
		return Response{}, ErrStopped
	}

	// Run always answers a request it accepted.
	select {
	case resp := <-c.resp:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Run is the coordinating goroutine. It returns when ctx is done.
func (p *Plane) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("control: plane already running")
	}
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-p.requests:
			resp := p.apply(ctx, c.req)
			resp.ID = c.req.ID
			if resp.Err != nil {
				p.log.Warn("control request rejected", "id", c.req.ID, "kind", c.req.Kind, "error", resp.Err)
			} else {
				p.log.Debug("control request applied", "id", c.req.ID, "kind", c.req.Kind)
			}
			c.resp <- resp
		}
	}
}

func (p *Plane) stopped() bool {
	select {
	case <-p.target.Done():
		return true
	default:
		return p.shutdown
	}
}

func (p *Plane) state() string {
	switch {
	case p.stopped():
		return "stopped"
	case p.suspended:
		return "suspended"
	default:
		return "running"
	}
}

func (p *Plane) apply(ctx context.Context, req Request) Response {
	switch req.Kind {
	case KindStatus:
		st := p.target.Status()
		st.State = p.state()
		return Response{Status: &st}
	case KindShutdown:
		if !p.shutdown {
			p.shutdown = true
			p.target.Shutdown()
		}
		return Response{}
	}

	if p.stopped() {
		return Response{Err: errorf(ipc.ErrCodeNotRunning, "%s: machine is not running", req.Kind)}
	}

	switch req.Kind {
	case KindSuspend:
		if p.suspended {
			return Response{}
		}
		if err := p.pauseAll(ctx); err != nil {
			return Response{Err: toError(err)}
		}
		p.suspended = true
		return Response{}
	case KindResume:
		if p.suspended {
			p.resumeAll()
			p.suspended = false
		}
		return Response{}
	case KindAddDevice:
		spec := req.Device
		if spec.Name == "" || spec.Kind == "" {
			return Response{Err: errorf(ipc.ErrCodeInvalidArgument, "add-device: kind and name are required")}
		}
		var info DeviceInfo
		err := p.safePoint(ctx, func() (err error) {
			info, err = p.target.AddDevice(spec)
			return err
		})
		if err != nil {
			return Response{Err: toError(err)}
		}
		return Response{Device: &info}
	case KindRemoveDevice:
		if req.Name == "" {
			return Response{Err: errorf(ipc.ErrCodeInvalidArgument, "remove-device: name is required")}
		}
		return Response{Err: toError(p.safePoint(ctx, func() error {
			return p.target.RemoveDevice(req.Name)
		}))}
	case KindBalloonAdjust:
		return Response{Err: toError(p.safePoint(ctx, func() error {
			return p.target.AdjustBalloon(req.Pages)
		}))}
	default:
		return Response{Err: errorf(ipc.ErrCodeInvalidArgument, "unknown request %s", req.Kind)}
	}
}

// safePoint runs fn with every vCPU parked. A suspended machine is already
// parked and stays so.
func (p *Plane) safePoint(ctx context.Context, fn func() error) error {
	if p.suspended {
		return fn()
	}
	if err := p.pauseAll(ctx); err != nil {
		return err
	}
	defer p.resumeAll()
	return fn()
}

// pauseAll parks every vCPU. On failure the vCPUs are released again.
func (p *Plane) pauseAll(ctx context.Context) error {
	vcpus := p.target.VCPUs()
	parked := make([]<-chan struct{}, len(vcpus))
	for i, v := range vcpus {
		parked[i] = v.RequestPause()
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	var err error
wait:
	for i, ch := range parked {
		select {
		case <-ch:
		case <-ctx.Done():
			err = errorf(ipc.ErrCodeCancelled, "safe point: %v", ctx.Err())
			break wait
		case <-timer.C:
			err = errorf(ipc.ErrCodeTimeout, "safe point: vcpu %d did not park within %s", i, p.timeout)
			break wait
		case <-p.target.Done():
			err = errorf(ipc.ErrCodeNotRunning, "safe point: machine stopped")
			break wait
		}
	}
	if err != nil {
		for _, v := range vcpus {
			v.Resume()
		}
		return err
	}
	return nil
}

func (p *Plane) resumeAll() {
	for _, v := range p.target.VCPUs() {
		v.Resume()
	}
}

// Register installs an ipc handler for every request kind. Requests are
// submitted with ctx.
func (p *Plane) Register(ctx context.Context, mux *ipc.Mux) {
	for _, kind := range kinds {
		mux.Handle(uint16(kind), func(id uint64, dec *ipc.Decoder) ([]byte, error) {
			req, err := decodeRequest(kind, id, dec)
			if err != nil {
				return nil, &ipc.Error{Code: ipc.ErrCodeInvalidArgument, Message: fmt.Sprintf("decode request: %v", err), Op: kind.String()}
			}

			resp, err := p.Submit(ctx, req)
			switch {
			case errors.Is(err, ErrStopped):
				return nil, &ipc.Error{Code: ipc.ErrCodeNotRunning, Message: err.Error(), Op: kind.String()}
			case err != nil:
				return nil, &ipc.Error{Code: ipc.ErrCodeCancelled, Message: err.Error(), Op: kind.String()}
			case resp.Err != nil:
				return nil, &ipc.Error{Code: resp.Err.Code, Message: resp.Err.Message, Op: kind.String()}
			}

			enc := ipc.NewEncoder()
			encodeResponse(enc, kind, resp)
			return enc.Bytes(), nil
		})
	}
}
