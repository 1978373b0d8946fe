package process

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/stayopen/internal/framing"
)

var errFakeKilled = errors.New("signal: killed")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCommand is one -execute block as seen by the fake worker.
type fakeCommand struct {
	args []string
	echo [5]string
}

// id returns the correlation id carried by the -echo1 marker.
func (c fakeCommand) id() int {
	marker := strings.TrimPrefix(c.echo[1], "{await")
	marker = strings.TrimSuffix(marker, "}")
	id, _ := strconv.Atoi(marker)
	return id
}

func (c fakeCommand) has(arg string) bool {
	for _, a := range c.args {
		if a == arg {
			return true
		}
	}
	return false
}

type responder func(fw *fakeWorker, c fakeCommand)

// fakeWorker emulates exiftool -stay_open over in-memory pipes.
type fakeWorker struct {
	pid     int
	respond responder

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	lines    chan string
	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
	killed   atomic.Bool
	stopped  atomic.Bool

	mu       sync.Mutex
	commands []fakeCommand
}

func newFakeWorker(pid int, respond responder) *fakeWorker {
	if respond == nil {
		respond = echoResponder
	}
	fw := &fakeWorker{
		pid:     pid,
		respond: respond,
		lines:   make(chan string, 4096),
		exited:  make(chan struct{}),
	}
	fw.stdinR, fw.stdinW = io.Pipe()
	fw.stdoutR, fw.stdoutW = io.Pipe()
	fw.stderrR, fw.stderrW = io.Pipe()

	go fw.readInput()
	go fw.process()
	return fw
}

func (fw *fakeWorker) readInput() {
	defer close(fw.lines)
	scanner := bufio.NewScanner(fw.stdinR)
	for scanner.Scan() {
		fw.lines <- scanner.Text()
	}
}

func (fw *fakeWorker) process() {
	var cur fakeCommand
	for line := range fw.lines {
		switch {
		case line == "-stay_open":
			if v, ok := <-fw.lines; ok && v == "false" {
				fw.stopped.Store(true)
				fw.exit(nil)
				return
			}
		case line == "-execute":
			fw.mu.Lock()
			fw.commands = append(fw.commands, cur)
			fw.mu.Unlock()
			fw.respond(fw, cur)
			cur = fakeCommand{}
		case len(line) == 6 && strings.HasPrefix(line, "-echo"):
			n := int(line[5] - '0')
			if n >= 1 && n <= 4 {
				cur.echo[n] = <-fw.lines
			}
		default:
			cur.args = append(cur.args, line)
		}
	}
	fw.exit(nil)
}

func (fw *fakeWorker) exit(err error) {
	fw.exitOnce.Do(func() {
		fw.exitErr = err
		_ = fw.stdoutW.Close()
		_ = fw.stderrW.Close()
		_ = fw.stdinR.CloseWithError(io.ErrClosedPipe)
		close(fw.exited)
	})
}

func (fw *fakeWorker) out(line string) {
	_, _ = io.WriteString(fw.stdoutW, line+"\n")
}

func (fw *fakeWorker) errOut(line string) {
	_, _ = io.WriteString(fw.stderrW, line+"\n")
}

func (fw *fakeWorker) received() []fakeCommand {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]fakeCommand(nil), fw.commands...)
}

func (fw *fakeWorker) Stdin() io.WriteCloser { return fw.stdinW }
func (fw *fakeWorker) Stdout() io.Reader     { return fw.stdoutR }
func (fw *fakeWorker) Stderr() io.Reader     { return fw.stderrR }
func (fw *fakeWorker) Pid() int              { return fw.pid }

func (fw *fakeWorker) Wait() error {
	<-fw.exited
	return fw.exitErr
}

func (fw *fakeWorker) Kill() error {
	fw.killed.Store(true)
	fw.exit(errFakeKilled)
	return nil
}

// echoResponder behaves like exiftool: markers around a line that echoes
// the arguments.
func echoResponder(fw *fakeWorker, c fakeCommand) {
	fw.out(c.echo[1])
	fw.errOut(c.echo[2])
	fw.out("out:" + strings.Join(c.args, " "))
	if c.echo[3] != "" {
		fw.out(c.echo[3])
	} else {
		fw.out(framing.ReadyMarker)
	}
	fw.errOut(c.echo[4])
}

// hangResponder never answers until the worker is killed or stopped.
func hangResponder(fw *fakeWorker, _ fakeCommand) {
	<-fw.exited
}

type fakeLauncher struct {
	mu      sync.Mutex
	respond responder
	workers []*fakeWorker
	names   []string
	args    [][]string
}

func (l *fakeLauncher) launch(name string, args []string) (Worker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fw := newFakeWorker(1000+len(l.workers), l.respond)
	l.workers = append(l.workers, fw)
	l.names = append(l.names, name)
	l.args = append(l.args, args)
	return fw, nil
}

func (l *fakeLauncher) last() *fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.workers) == 0 {
		return nil
	}
	return l.workers[len(l.workers)-1]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

// writeExecutable creates a file with the given mode in a temp dir.
func writeExecutable(t *testing.T, name, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// newTestSupervisor starts a supervisor backed by fake workers.
func newTestSupervisor(t *testing.T, respond responder, configure func(*Options)) (*Supervisor, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{respond: respond}
	opts := &Options{
		Program:         writeExecutable(t, "exiftool", "#!/bin/sh\n", 0o755),
		StartTimeout:    time.Second,
		GracefulTimeout: 200 * time.Millisecond,
		KillTimeout:     200 * time.Millisecond,
		Launcher:        launcher.launch,
		Logger:          testLogger(),
	}
	if configure != nil {
		configure(opts)
	}
	sup := NewSupervisor(opts)
	t.Cleanup(sup.Close)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return sup, launcher
}

// waitResult waits for the result of id, failing the test on timeout.
func waitResult(t *testing.T, sup *Supervisor, id int) Result {
	t.Helper()
	r := sup.WaitForResult(t.Context(), id, 2*time.Second)
	if r.WaitTimedOut {
		t.Fatalf("timeout waiting for result %d", id)
	}
	return r
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
