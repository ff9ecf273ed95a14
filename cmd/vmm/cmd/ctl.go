package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/control"
	"github.com/tinyrange/vmcore/internal/ipc"
)

var (
	ctlSocket  string
	ctlName    string
	ctlTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(ctlCmd)
	ctlCmd.PersistentFlags().StringVar(&ctlSocket, "socket", "", "Control socket path (default derived from --name)")
	ctlCmd.PersistentFlags().StringVarP(&ctlName, "name", "n", "vm", "Machine name")
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 10*time.Second, "Request timeout")

	ctlCmd.AddCommand(
		simpleCtlCmd("suspend", "Park every vCPU until resumed", control.KindSuspend),
		simpleCtlCmd("resume", "Resume a suspended machine", control.KindResume),
		simpleCtlCmd("shutdown", "Stop the machine", control.KindShutdown),
		statusCmd,
		addDeviceCmd,
		removeDeviceCmd,
		balloonCmd,
	)

	addDeviceCmd.Flags().String("path", "", "Backing file for blk devices")
	addDeviceCmd.Flags().Bool("read-only", false, "Attach the disk read-only")
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Send control requests to a running machine",
}

// do sends one request and turns a rejected request into an error.
func do(cmd *cobra.Command, req control.Request) (control.Response, error) {
	path := ctlSocket
	if path == "" {
		path = ipc.DefaultSocketPath(ctlName)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
	defer cancel()

	c, err := control.Dial(ctx, path)
	if err != nil {
		return control.Response{}, err
	}
	defer c.Close()

	resp, err := c.Do(ctx, req)
	if err != nil {
		return control.Response{}, err
	}
	if resp.Err != nil {
		return resp, resp.Err
	}
	return resp, nil
}

func simpleCtlCmd(use, short string, kind control.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := do(cmd, control.Request{Kind: kind})
			return err
		},
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show machine state, vCPUs and devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := do(cmd, control.Request{Kind: control.KindStatus})
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), resp.Status)
		return nil
	},
}

func printStatus(w io.Writer, st *control.Status) {
	if st == nil {
		return
	}
	fmt.Fprintf(w, "state: %s\n", st.State)
	for _, v := range st.VCPUs {
		fmt.Fprintf(w, "vcpu %d: %s, %d entries\n", v.ID, v.State, v.Entries)
	}
	for _, d := range st.Devices {
		fmt.Fprintf(w, "device %s (%s): mmio 0x%x+0x%x irq %d\n", d.Name, d.Kind, d.Base, d.Size, d.IRQ)
	}
	fmt.Fprintf(w, "unmapped: %d reads, %d writes\n", st.UnmappedReads, st.UnmappedWrites)
	if st.DeviceErrors > 0 {
		fmt.Fprintf(w, "device errors: %d\n", st.DeviceErrors)
	}
	if st.BalloonTarget > 0 || st.BalloonActual > 0 {
		fmt.Fprintf(w, "balloon: target %d pages, actual %d pages\n", st.BalloonTarget, st.BalloonActual)
	}
}

var addDeviceCmd = &cobra.Command{
	Use:   "add-device KIND NAME",
	Short: "Hot-add a device (" + config.DeviceBlk + " or " + config.DeviceBalloon + ")",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		readOnly, _ := cmd.Flags().GetBool("read-only")

		resp, err := do(cmd, control.Request{
			Kind: control.KindAddDevice,
			Device: control.DeviceSpec{
				Kind:     args[0],
				Name:     args[1],
				Path:     path,
				ReadOnly: readOnly,
			},
		})
		if err != nil {
			return err
		}
		if d := resp.Device; d != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: mmio 0x%x+0x%x irq %d\n", d.Name, d.Base, d.Size, d.IRQ)
		}
		return nil
	},
}

var removeDeviceCmd = &cobra.Command{
	Use:   "remove-device NAME",
	Short: "Hot-remove a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := do(cmd, control.Request{Kind: control.KindRemoveDevice, Name: args[0]})
		return err
	},
}

var balloonCmd = &cobra.Command{
	Use:   "balloon PAGES",
	Short: "Set the balloon target in 4KiB pages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pages, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return fmt.Errorf("pages: %w", err)
		}
		_, err = do(cmd, control.Request{Kind: control.KindBalloonAdjust, Pages: uint32(pages)})
		return err
	},
}
