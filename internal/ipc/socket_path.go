package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultSocketPath returns the control socket path for a named machine,
// under $XDG_RUNTIME_DIR when it is set and the temporary directory
// otherwise.
func DefaultSocketPath(name string) string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("vmcore-%s.sock", name))
}
