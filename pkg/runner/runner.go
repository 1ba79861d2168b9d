// Package runner abstracts external command execution for the components
// that drive block-device and filesystem tools (losetup, sfdisk, mkfs,
// mount, mksquashfs). Tests substitute MockRunner so the pipeline logic
// can be exercised without real devices or root privileges.
package runner

import (
	"fmt"
	"io"
	"os/exec"
)

// Runner executes external commands. Run wires the given streams to the
// process; Output runs the command and returns its standard output.
type Runner interface {
	Run(stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// ExecRunner is the Runner used outside of tests. It execs the named
// program directly, without a shell.
type ExecRunner struct{}

func (ExecRunner) Run(stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return nil
}

func (ExecRunner) Output(name string, args ...string) ([]byte, error) {
	output, err := exec.Command(name, args...).Output()
	if err != nil {
		if e, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s failed: %w\nstderr:\n%s", name, e, e.Stderr)
		}
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return output, nil
}
