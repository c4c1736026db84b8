//go:build windows

package toolrunner

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// configurePlatform hides the child's console window so the supervised
// tool never flashes a window at the user.
func configurePlatform(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

// markTemporary flags the materialized artifact file hidden and
// temporary-use at the filesystem level, on top of the secure-overwrite
// cleanup Run performs once the tool has exited.
func markTemporary(f *os.File) {
	path := f.Name()
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return
	}
	attrs, err := windows.GetFileAttributes(pathPtr)
	if err != nil {
		return
	}
	_ = windows.SetFileAttributes(pathPtr, attrs|windows.FILE_ATTRIBUTE_HIDDEN|windows.FILE_ATTRIBUTE_TEMPORARY)
}
