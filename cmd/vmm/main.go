package main

import (
	"fmt"
	"os"

	"github.com/tinyrange/vmcore/cmd/vmm/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vmm: %v\n", err)
		os.Exit(1)
	}
}
