package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vmcore/internal/config"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolP("force", "f", false, "Overwrite an existing machine file")
	initCmd.Flags().String("name", "", "Machine name")
}

var initCmd = &cobra.Command{
	Use:   "init [FILE]",
	Short: "Write a machine file with default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultFilename
		if len(args) == 1 {
			path = args[0]
		}
		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		m := config.Default()
		if name, _ := cmd.Flags().GetString("name"); name != "" {
			m.Name = name
		}

		flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
		if force {
			flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		f, err := os.OpenFile(path, flag, 0o644)
		if err != nil {
			return fmt.Errorf("create machine file: %w", err)
		}
		if err := config.Write(f, m); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}
