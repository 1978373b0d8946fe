package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Worker is a spawned worker process with its three pipes.
type Worker interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int
	// Wait blocks until the process exits. It is called only after both
	// output readers have reached EOF.
	Wait() error
	// Kill force-terminates the process. Killing an exited process is not
	// an error.
	Kill() error
}

// Launcher spawns a worker running name with args.
type Launcher func(name string, args []string) (Worker, error)

type execWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

// ExecLauncher starts the worker with os/exec in its own process group.
func ExecLauncher(name string, args []string) (Worker, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execWorker{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (w *execWorker) Stdin() io.WriteCloser { return w.stdin }
func (w *execWorker) Stdout() io.Reader     { return w.stdout }
func (w *execWorker) Stderr() io.Reader     { return w.stderr }
func (w *execWorker) Pid() int              { return w.cmd.Process.Pid }
func (w *execWorker) Wait() error           { return w.cmd.Wait() }

func (w *execWorker) Kill() error {
	pid := w.cmd.Process.Pid
	// Children (perl helpers) share the group.
	if err := unix.Kill(-pid, unix.SIGKILL); err == nil {
		return nil
	}
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// exitCodeFromError extracts the exit code from a Wait error.
// Returns 0 for nil, the exit code for an ExitError, or -1 otherwise.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
