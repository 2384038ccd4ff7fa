package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running `start` process to shut down gracefully",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(pidFilePath)
	if err != nil {
		return fmt.Errorf("read pid file %s: %w (is the orchestrator running?)", pidFilePath, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("malformed pid file %s: %w", pidFilePath, err)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	fmt.Printf("sent SIGTERM to pid %d; it waits up to HardShutdownDeadline for its loops to exit\n", pid)
	return nil
}
