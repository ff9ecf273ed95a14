//go:build !linux

package virtio

import (
	"context"
	"fmt"

	"github.com/tinyrange/vmcore/internal/hv"
)

// Worker is only available on Linux. Transports without a worker process
// notifications inline on the vCPU goroutine.
type Worker struct{}

func NewWorker(t *Transport) (*Worker, error) {
	return nil, fmt.Errorf("virtio: kick worker: %w", hv.ErrHypervisorUnsupported)
}

func (*Worker) KickFD(int) int                { return -1 }
func (*Worker) Run(ctx context.Context) error { <-ctx.Done(); return nil }
func (*Worker) Stop() error                   { return nil }
func (*Worker) Close() error                  { return nil }
