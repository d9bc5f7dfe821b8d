package orchestrator

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Diagnostics is handed to the recovery shell so the operator sees
// what failed without digging for the run log first.
type Diagnostics struct {
	RunID       uuid.UUID
	FailedStage Stage
	Error       string
	LogPath     string
}

// Shell is the recovery-shell collaborator. EnterRecoveryShell does
// not return on success; it returns an error only when the shell
// itself could not be started, which is the fatal, unrecoverable
// case.
type Shell interface {
	EnterRecoveryShell(diag Diagnostics) error
}

// BusyboxShell replaces the current process with an interactive
// shell, preferring busybox. Diagnostics are passed in the
// environment and printed on entry.
type BusyboxShell struct{}

func (BusyboxShell) EnterRecoveryShell(diag Diagnostics) error {
	fmt.Fprintf(os.Stderr, "\n*** boot orchestration failed during %s ***\n", diag.FailedStage)
	fmt.Fprintf(os.Stderr, "*** %s\n", diag.Error)
	if diag.LogPath != "" {
		fmt.Fprintf(os.Stderr, "*** run log: %s\n", diag.LogPath)
	}
	fmt.Fprintf(os.Stderr, "*** dropping to recovery shell\n\n")

	env := append(os.Environ(),
		"BOOTPREP_RUN_ID="+diag.RunID.String(),
		"BOOTPREP_FAILED_STAGE="+diag.FailedStage.String(),
		"BOOTPREP_ERROR="+diag.Error,
	)

	shell, err := exec.LookPath("busybox")
	argv := []string{"busybox", "sh"}
	if err != nil {
		shell, err = exec.LookPath("sh")
		argv = []string{"sh"}
		if err != nil {
			return fmt.Errorf("no shell available for recovery: %w", err)
		}
	}

	logrus.WithField("shell", shell).Info("entering recovery shell")
	// Exec only returns on failure.
	return unix.Exec(shell, argv, env)
}
