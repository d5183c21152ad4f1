//go:build windows

package builder

import "os/exec"

// setProcessGroup is a no-op on Windows; the default Cancel kills the
// package manager process.
func setProcessGroup(cmd *exec.Cmd) {}
