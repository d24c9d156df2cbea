package asyncproc

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExitStatus records how a child exited: with an exit code, or killed by a
// signal. Once observed it never changes; repeated Wait calls return the
// same value.
type ExitStatus struct {
	// Code is the exit code for a normal exit, or -1 if the child was
	// terminated by a signal.
	Code int

	// Signal is the terminating signal, valid only when Signaled is true.
	Signal unix.Signal

	Signaled bool
}

// Success reports whether the child exited normally with code zero.
func (s ExitStatus) Success() bool {
	return !s.Signaled && s.Code == 0
}

func (s ExitStatus) String() string {
	if s.Signaled {
		return "terminated by " + unix.SignalName(s.Signal)
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// statusOf interprets the raw wait status of a reaped child.
func statusOf(ps *os.ProcessState) ExitStatus {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitStatus{Code: ps.ExitCode()}
	}
	if ws.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.Signal(ws.Signal()), Signaled: true}
	}
	return ExitStatus{Code: ws.ExitStatus()}
}
