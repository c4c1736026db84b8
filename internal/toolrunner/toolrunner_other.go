//go:build !windows

package toolrunner

import (
	"os"
	"os/exec"
)

// configurePlatform is a no-op outside Windows: POSIX child processes have
// no console window to hide.
func configurePlatform(cmd *exec.Cmd) {}

// markTemporary is a no-op outside Windows; POSIX has no hidden/temporary
// file attribute bit, so materialized files rely solely on exclusive
// creation (0600, O_EXCL) and the secure-overwrite finalizer for hygiene.
func markTemporary(f *os.File) {}
