package environment

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive reports whether pid names a live process, using signal 0
// (no-op kill) the same way a shell's `kill -0` does. EPERM still means the
// process exists; anything else is treated as dead.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		return true
	}
	return false
}
