package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/vmcore/internal/guestmem"
	"github.com/tinyrange/vmcore/internal/hv"
)

// Loader places the guest payload into memory and sets up the boot vCPU.
// It runs once, after memory is mapped and before any vCPU starts.
type Loader interface {
	Load(mem *guestmem.AddressSpace, boot hv.VirtualCPU) error
}

// Sandbox applies the process isolation policy. It runs once, after all
// host resources are open and before the first vCPU thread starts.
type Sandbox interface {
	Apply() error
}

// RawImageLoader copies a flat binary to LoadAddr and points the boot vCPU's
// instruction pointer at Entry.
type RawImageLoader struct {
	Path     string
	LoadAddr uint64
	Entry    uint64

	// Progress receives a progress bar when it is a terminal.
	Progress io.Writer
}

func (l RawImageLoader) Load(mem *guestmem.AddressSpace, boot hv.VirtualCPU) error {
	f, err := os.Open(l.Path)
	if err != nil {
		return fmt.Errorf("vm: open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("vm: stat image: %w", err)
	}
	size := info.Size()
	if size <= 0 || !mem.Contains(l.LoadAddr, uint64(size)) {
		return fmt.Errorf("vm: image %s (%d bytes) does not fit in guest memory at 0x%x", l.Path, size, l.LoadAddr)
	}

	var dst io.Writer = io.NewOffsetWriter(mem, int64(l.LoadAddr))
	if bar := newProgress(l.Progress, size, "load "+info.Name()); bar != nil {
		defer bar.Close()
		dst = io.MultiWriter(dst, bar)
	}
	if _, err := io.Copy(dst, io.LimitReader(f, size)); err != nil {
		return fmt.Errorf("vm: copy image: %w", err)
	}

	if err := boot.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(l.Entry),
	}); err != nil {
		return fmt.Errorf("vm: set entry point: %w", err)
	}
	return nil
}

// newProgress returns a byte progress bar writing to w, or nil when w is not
// an interactive terminal.
func newProgress(w io.Writer, total int64, title string) *progressbar.ProgressBar {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(f),
		progressbar.OptionSetDescription(title),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
}

const prefaultStride = 4096

// prefault touches every page of guest RAM so the first guest accesses do
// not take host page faults.
func prefault(mem *guestmem.AddressSpace, progress io.Writer) {
	bar := newProgress(progress, int64(mem.Size()), "prefault")
	if bar != nil {
		defer bar.Close()
	}

	for _, r := range mem.Regions() {
		if !r.ReadOnly {
			for off := 0; off < len(r.Data); off += prefaultStride {
				// Write fault, so the page is not backed by the zero page.
				r.Data[off] |= 0
			}
		}
		if bar != nil {
			bar.Add64(int64(len(r.Data)))
		}
	}
}
