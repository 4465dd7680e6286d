//go:build unix

package executor

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// configureProcessGroup places the child in its own process group so the
// whole build tree can be signalled at once. Build scripts routinely spawn
// helper processes that would otherwise outlive a cancelled parent.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup asks the group to exit with SIGTERM, waits up to
// grace for it to disappear, then escalates to SIGKILL.
func terminateProcessGroup(pid int, grace time.Duration) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return err
	}

	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		// Signal 0 probes for existence without delivering anything.
		if err := unix.Kill(-pgid, 0); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return unix.Kill(-pgid, unix.SIGKILL)
}
