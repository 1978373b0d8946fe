package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/stayopen/internal/logging"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("supervisor closed")

// workerArgs put exiftool in stay-open mode reading arguments from stdin,
// with UTF-8 file names and IPTC text for every command.
var workerArgs = []string{
	"-stay_open", "true",
	"-@", "-",
	"-common_args",
	"-charset", "filename=UTF8",
	"-charset", "iptc=UTF8",
}

// Supervisor owns the single worker process, the command queue and the
// result store. All methods are safe for concurrent use.
//
// OnStateChange callbacks must not call Start, Terminate or Restart.
type Supervisor struct {
	opts   Options
	logger logging.Logger
	store  *Store
	ids    idAllocator

	ctrlMu sync.Mutex // serializes Start, Terminate and Restart
	cbMu   sync.Mutex // orders state transitions with their callbacks

	mu           sync.Mutex
	state        State
	program      string
	interpreter  string
	queue        []*Command
	inputClosed  bool
	inst         *instance
	busy         bool
	restartCount int
	lastErr      error
	gen          uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSupervisor creates a supervisor. The worker is not started.
func NewSupervisor(opts *Options) *Supervisor {
	o := opts.withDefaults()
	return &Supervisor{
		opts:        o,
		logger:      o.Logger,
		store:       NewStore(o.Notifier),
		state:       StateNotRunning,
		program:     o.Program,
		interpreter: o.Interpreter,
		closed:      make(chan struct{}),
	}
}

// Start spawns the worker. It is a no-op unless the state is NotRunning.
func (s *Supervisor) Start() error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	return s.startLocked()
}

// Terminate stops the worker, failing every queued and in-flight command.
func (s *Supervisor) Terminate() {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	s.terminateLocked()
}

// Restart terminates the worker and starts a new instance. On failure the
// state is NotRunning and submissions are refused until a later successful
// start.
func (s *Supervisor) Restart() error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	s.terminateLocked()
	if err := s.startLocked(); err != nil {
		return err
	}

	s.countRestart()
	return nil
}

// Close terminates the worker and prevents further starts.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.Terminate()
}

func (s *Supervisor) startLocked() error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	if s.state != StateNotRunning {
		s.mu.Unlock()
		return nil
	}
	program, interpreter := s.program, s.interpreter
	s.mu.Unlock()

	name, args, err := commandLine(program, interpreter)
	if err != nil {
		s.setLastError(err)
		s.logger.Error("Worker not started", "error", err)
		return err
	}

	s.transition(StateStarting, nil, nil)

	worker, err := s.launch(name, args)
	if err != nil {
		s.transition(StateNotRunning, err, nil)
		s.logger.Error("Worker failed to start", "error", err, "program", name)
		return err
	}

	in := newInstance(uuid.NewString(), worker)

	var stale []*Command
	s.transition(StateRunning, nil, func() {
		stale = s.queue
		s.queue = nil
		s.inputClosed = false
		s.busy = false
		s.inst = in
		s.lastErr = nil
		s.gen++
	})
	s.failAll(stale, in.id, StatusError, ErrTerminated)

	in.startReaders()
	go s.run(in)

	s.logger.Info("Worker started", "pid", worker.Pid(), "instance", in.id, "program", program, "interpreter", interpreter)
	return nil
}

// launch runs the launcher bounded by StartTimeout. A worker that appears
// after the deadline is killed.
func (s *Supervisor) launch(name string, args []string) (Worker, error) {
	type launched struct {
		worker Worker
		err    error
	}

	ch := make(chan launched, 1)
	go func() {
		w, err := s.opts.Launcher(name, args)
		ch <- launched{worker: w, err: err}
	}()

	timer := time.NewTimer(s.opts.StartTimeout)
	defer timer.Stop()

	select {
	case l := <-ch:
		if l.err != nil {
			return nil, newStartError(ErrCodeSpawnFailed, name, "failed to spawn worker", l.err)
		}
		return l.worker, nil
	case <-timer.C:
		go func() {
			l := <-ch
			if l.worker == nil {
				return
			}
			if err := l.worker.Kill(); err != nil {
				s.logger.Warn("Failed to kill late worker", "error", err)
			}
			_ = l.worker.Stdin().Close()
			_ = l.worker.Wait()
		}()
		return nil, newStartError(ErrCodeStartTimeout, name,
			fmt.Sprintf("worker did not start within %s", s.opts.StartTimeout), nil)
	}
}

func (s *Supervisor) terminateLocked() {
	s.mu.Lock()
	s.gen++
	in := s.inst
	if in == nil {
		s.mu.Unlock()
		return
	}
	s.inputClosed = true
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.logger.Info("Terminating worker", "instance", in.id, "queued", len(queued))
	s.failAll(queued, in.id, StatusError, ErrTerminated)

	in.requestStop()

	deadline := time.NewTimer(s.opts.GracefulTimeout + s.opts.KillTimeout + time.Second)
	defer deadline.Stop()

	select {
	case <-in.done:
	case <-deadline.C:
		// Dispatcher is stuck in I/O; killing unblocks it.
		s.logger.Warn("Dispatcher did not stop, killing worker", "instance", in.id)
		if err := in.worker.Kill(); err != nil {
			s.logger.Error("Failed to kill worker", "error", err)
		}
		<-in.done
	}
}

// recoverAfterExit restarts the worker after an unexpected exit. It gives
// up when the supervisor is closed or another start or terminate happened.
func (s *Supervisor) recoverAfterExit(gen uint64) {
	backoff := s.opts.RestartBackoff

	for {
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-s.closed:
			timer.Stop()
			return
		}

		s.ctrlMu.Lock()
		s.mu.Lock()
		stale := s.gen != gen || s.state != StateNotRunning
		s.mu.Unlock()
		if stale {
			s.ctrlMu.Unlock()
			return
		}

		err := s.startLocked()
		if err == nil {
			s.countRestart()
		}
		s.ctrlMu.Unlock()

		if err == nil || errors.Is(err, ErrClosed) {
			return
		}

		s.logger.Warn("Worker restart failed", "error", err, "retry_in", backoff*2)
		backoff *= 2
		if backoff > s.opts.MaxRestartBackoff {
			backoff = s.opts.MaxRestartBackoff
		}
	}
}

// transition changes state, applying mutate under the same lock, and runs
// OnStateChange after the lock is released.
func (s *Supervisor) transition(to State, err error, mutate func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	s.mu.Lock()
	from := s.state
	s.state = to
	if err != nil {
		s.lastErr = err
	}
	if mutate != nil {
		mutate()
	}
	s.mu.Unlock()

	if from == to {
		return
	}
	s.logger.Debug("Worker state changed", "from", from, "to", to)
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to, err)
	}
}

func (s *Supervisor) countRestart() {
	s.mu.Lock()
	s.restartCount++
	s.mu.Unlock()
	if s.opts.OnRestart != nil {
		s.opts.OnRestart()
	}
}

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// commandLine validates the configured paths and builds the worker argv.
func commandLine(program, interpreter string) (string, []string, error) {
	if interpreter == "" {
		if err := checkFile(program, true); err != nil {
			return "", nil, err
		}
		return program, append([]string(nil), workerArgs...), nil
	}

	if err := checkFile(interpreter, true); err != nil {
		return "", nil, err
	}
	if err := checkFile(program, false); err != nil {
		return "", nil, err
	}
	return interpreter, append([]string{program}, workerArgs...), nil
}

func checkFile(path string, executable bool) error {
	if path == "" {
		return newStartError(ErrCodeBinaryMissing, path, "no path configured", nil)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return newStartError(ErrCodeBinaryMissing, path, "file not found", err)
	}
	if fi.IsDir() {
		return newStartError(ErrCodeNotExecutable, path, "path is a directory", nil)
	}
	if executable && fi.Mode().Perm()&0o111 == 0 {
		return newStartError(ErrCodeNotExecutable, path, "file is not executable", nil)
	}
	return nil
}

// Submit queues args for the worker and returns the command's correlation
// id, or 0 when the worker is not running, input is closed for shutdown or
// args is empty. It never blocks on the worker.
func (s *Supervisor) Submit(args [][]byte, action Action) int {
	return s.submit(args, action, false)
}

// SubmitAsync is Submit with the completion announced to the Notifier.
func (s *Supervisor) SubmitAsync(args [][]byte, action Action) int {
	return s.submit(args, action, true)
}

func (s *Supervisor) submit(args [][]byte, action Action, async bool) int {
	if len(args) == 0 {
		s.reject(action, "empty argument list")
		return 0
	}

	id := s.ids.Next()
	cmd := newCommand(id, args, action)
	if async {
		s.store.Expect(id)
	}

	s.mu.Lock()
	if s.state != StateRunning || s.inputClosed || s.inst == nil {
		state := s.state
		s.mu.Unlock()
		if async {
			s.store.Forget(id)
		}
		s.reject(action, "worker "+string(state))
		return 0
	}
	s.queue = append(s.queue, cmd)
	in := s.inst
	s.mu.Unlock()

	in.kick()

	if s.opts.OnSubmit != nil {
		s.opts.OnSubmit(id, action)
	}
	return id
}

func (s *Supervisor) reject(action Action, reason string) {
	s.logger.Debug("Command rejected", "action", action, "reason", reason)
	if s.opts.OnReject != nil {
		s.opts.OnReject(action)
	}
}

// GetResult takes the stored result for id.
func (s *Supervisor) GetResult(id int) (Result, bool) {
	return s.store.Take(id)
}

// WaitForResult blocks until the result for id is available or timeout
// elapses, and takes it. A timed-out result has WaitTimedOut set; the
// command may still complete later.
func (s *Supervisor) WaitForResult(ctx context.Context, id int, timeout time.Duration) Result {
	return s.store.Wait(ctx, id, timeout)
}

// Discard drops an unretrieved result.
func (s *Supervisor) Discard(id int) bool {
	return s.store.Discard(id)
}

// Store returns the result store.
func (s *Supervisor) Store() *Store {
	return s.store
}

// IsAvailable reports whether the worker is running.
func (s *Supervisor) IsAvailable() bool {
	return s.State() == StateRunning
}

// IsBusy reports whether a command is in dispatch.
func (s *Supervisor) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// State returns the current worker state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QueueLength returns the number of commands waiting for dispatch.
func (s *Supervisor) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Program returns the configured program and interpreter paths.
func (s *Supervisor) Program() (program, interpreter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program, s.interpreter
}

// SetProgram replaces the paths used by the next Start.
func (s *Supervisor) SetProgram(program, interpreter string) {
	s.mu.Lock()
	s.program = program
	s.interpreter = interpreter
	s.mu.Unlock()
}

// Info returns a snapshot of the supervisor.
func (s *Supervisor) Info() Info {
	s.mu.Lock()
	info := Info{
		State:        s.state,
		Program:      s.program,
		Interpreter:  s.interpreter,
		RestartCount: s.restartCount,
		LastError:    s.lastErr,
		QueueLength:  len(s.queue),
		Busy:         s.busy,
	}
	if s.inst != nil {
		info.PID = s.inst.worker.Pid()
		info.Instance = s.inst.id
		info.StartedAt = s.inst.startedAt
	}
	s.mu.Unlock()

	info.Unretrieved = s.store.Len()
	return info
}
