package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/hv/factory"
	"github.com/tinyrange/vmcore/internal/ipc"
	"github.com/tinyrange/vmcore/internal/vm"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("config", "c", "", "Machine file (default ./"+config.DefaultFilename+" when present)")
	runCmd.Flags().String("backend", "", "Hypervisor backend (kvm, scripted)")
	runCmd.Flags().Int("cpus", 0, "Number of vCPUs")
	runCmd.Flags().Uint64P("memory", "m", 0, "Guest memory in MB, as a single region at address zero")
	runCmd.Flags().String("socket", "", "Control socket path")
	runCmd.Flags().String("image", "", "Flat guest image to load")
	runCmd.Flags().Uint64("load-addr", 0x100000, "Guest address the image is loaded at")
	runCmd.Flags().StringArray("disk", nil, "Attach a virtio-blk disk as NAME=PATH (repeatable)")
	runCmd.Flags().Bool("prefault", false, "Touch all guest memory before boot")
	runCmd.Flags().Bool("console", true, "Attach a COM1 serial console on stdout")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot a machine and run it until it stops",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadMachine(cmd)
		if err != nil {
			return err
		}
		if cfg.ControlSocket == "" {
			cfg.ControlSocket = ipc.DefaultSocketPath(cfg.Name)
		}

		h, err := factory.Open(cfg.Backend)
		if err != nil {
			return err
		}
		defer h.Close()

		opts := vm.OptionsFromConfig(cfg)
		opts.Hypervisor = h
		opts.Logger = slog.Default().With("machine", cfg.Name)
		opts.Progress = os.Stderr
		if console, _ := cmd.Flags().GetBool("console"); console {
			opts.Console = os.Stdout
		}
		if l, ok := opts.Loader.(vm.RawImageLoader); ok {
			l.Progress = os.Stderr
			opts.Loader = l
		}

		m, err := vm.New(opts)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("control socket", "path", cfg.ControlSocket)
		return m.Run(ctx)
	},
}

// loadMachine reads the machine file and applies command line overrides.
func loadMachine(cmd *cobra.Command) (config.Machine, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg := config.Default()
	switch {
	case path != "":
		m, err := config.Load(path)
		if err != nil {
			return config.Machine{}, err
		}
		cfg = m
	default:
		m, err := config.Load(config.DefaultFilename)
		switch {
		case err == nil:
			cfg = m
		case !errors.Is(err, fs.ErrNotExist):
			return config.Machine{}, err
		}
	}

	if flags.Changed("backend") {
		cfg.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("cpus") {
		cfg.CPUs, _ = flags.GetInt("cpus")
	}
	if flags.Changed("memory") {
		mb, _ := flags.GetUint64("memory")
		cfg.MemoryMB = mb
		cfg.Memory = []config.Region{{Base: 0, SizeMB: mb}}
	}
	if flags.Changed("socket") {
		cfg.ControlSocket, _ = flags.GetString("socket")
	}
	if flags.Changed("prefault") {
		cfg.Prefault, _ = flags.GetBool("prefault")
	}
	if flags.Changed("image") {
		image, _ := flags.GetString("image")
		addr, _ := flags.GetUint64("load-addr")
		cfg.Image = &config.Image{Path: image, LoadAddr: addr, Entry: addr}
	}
	disks, _ := flags.GetStringArray("disk")
	for _, d := range disks {
		dev, err := parseDisk(d)
		if err != nil {
			return config.Machine{}, err
		}
		cfg.Devices = append(cfg.Devices, dev)
	}

	if err := cfg.Validate(); err != nil {
		return config.Machine{}, fmt.Errorf("machine: %w", err)
	}
	return cfg, nil
}

// parseDisk parses NAME=PATH[:ro].
func parseDisk(s string) (config.Device, error) {
	name, path, ok := strings.Cut(s, "=")
	if !ok || name == "" || path == "" {
		return config.Device{}, fmt.Errorf("--disk %q: expected NAME=PATH", s)
	}
	dev := config.Device{Kind: config.DeviceBlk, Name: name, Path: path}
	if p, found := strings.CutSuffix(path, ":ro"); found {
		dev.Path = p
		dev.ReadOnly = true
	}
	return dev, nil
}
