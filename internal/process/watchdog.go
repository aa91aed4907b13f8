package process

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// KillChildrenOnCancel starts a goroutine that, when ctx is canceled, sends
// SIGTERM to every child process of the current PID.
func KillChildrenOnCancel(ctx context.Context, grace time.Duration) {
	go func() {
		<-ctx.Done()
		pid := os.Getpid()
		slog.Warn("watchdog: context canceled, terminating children", "pid", pid)

		// pgrep -P <pid> lists direct children
		out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
		if err != nil {
			slog.Warn("watchdog: pgrep", "err", err)
			return
		}
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line == "" {
				continue
			}
			childPID, _ := strconv.Atoi(line)
			slog.Info("watchdog: sending SIGTERM", "child", childPID)
			if err := syscall.Kill(childPID, syscall.SIGTERM); err != nil {
				slog.Warn("watchdog: SIGTERM failed", "pid", childPID, "err", err)
			}
		}
		time.Sleep(grace)
		// force-kill anything still alive after the grace period
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line == "" {
				continue
			}
			childPID, _ := strconv.Atoi(line)
			if err := syscall.Kill(childPID, syscall.SIGKILL); err != nil {
				slog.Warn("watchdog: SIGKILL failed", "pid", childPID, "err", err)
			}
		}
	}()
}
