//go:build windows

package app

import "os"

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	// FindProcess always succeeds on Windows; a later Signal would be
	// needed for a real check, which is not worth it for the pid file.
	_, err := os.FindProcess(pid)
	return err == nil
}
