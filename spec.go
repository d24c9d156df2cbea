package asyncproc

import (
	"errors"
	"os/exec"
)

const defaultShell = "/bin/sh"

// ErrBadSpec is returned when a Spec does not describe a runnable command.
var ErrBadSpec = errors.New("asyncproc: spec must set exactly one of Args or Shell")

// Spec describes a child process to spawn. Exactly one of Args or Shell
// must be set. The three stream flags independently control whether the
// corresponding stream is piped; a stream that is not piped is not
// collected, and Write on a process without a stdin pipe fails.
type Spec struct {
	// Args is the argument vector; Args[0] names the program unless Path
	// overrides it.
	Args []string

	// Shell is a shell command string, run via /bin/sh -c.
	Shell string

	// Path overrides the executable run for Args mode, leaving Args[0]
	// as the child's argv[0].
	Path string

	// Dir is the working directory; empty means the caller's.
	Dir string

	// Env, when non-nil, replaces the child's environment wholesale.
	// A nil Env inherits the caller's environment.
	Env map[string]string

	Stdin  bool
	Stdout bool
	Stderr bool
}

// Command builds a Spec for an argument vector with all three streams
// piped, which is what most callers want.
func Command(args ...string) Spec {
	return Spec{Args: args, Stdin: true, Stdout: true, Stderr: true}
}

// ShellCommand builds a Spec for a shell command string with all three
// streams piped.
func ShellCommand(command string) Spec {
	return Spec{Shell: command, Stdin: true, Stdout: true, Stderr: true}
}

func (s Spec) buildCmd() (*exec.Cmd, error) {
	if (len(s.Args) == 0) == (s.Shell == "") {
		return nil, ErrBadSpec
	}

	argv := s.Args
	if s.Shell != "" {
		argv = []string{defaultShell, "-c", s.Shell}
	}

	name := argv[0]
	if s.Path != "" {
		name = s.Path
	}

	cmd := exec.Command(name, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Dir = s.Dir

	if s.Env != nil {
		env := make([]string, 0, len(s.Env))
		for k, v := range s.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	return cmd, nil
}
