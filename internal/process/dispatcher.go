package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/smazurov/stayopen/internal/framing"
)

const readBufferSize = 32 * 1024

var stopCommand = []byte("-stay_open\nfalse\n")

// errKillTimeout is the exit cause when the worker survives the kill.
var errKillTimeout = errors.New("worker did not exit after kill")

// instance is one spawn of the worker. Its fields other than stop and wake
// are owned by the dispatcher goroutine.
type instance struct {
	id        string
	worker    Worker
	startedAt time.Time

	stdout  chan []byte
	stderr  chan []byte
	exited  chan error
	readers sync.WaitGroup

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type inflight struct {
	cmd     *Command
	started time.Time
}

func newInstance(id string, worker Worker) *instance {
	return &instance{
		id:        id,
		worker:    worker,
		startedAt: time.Now(),
		stdout:    make(chan []byte),
		stderr:    make(chan []byte),
		exited:    make(chan error, 1),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// startReaders forwards both output streams to the dispatcher and reports
// the exit once both reached EOF.
func (in *instance) startReaders() {
	in.readers.Add(2)
	go in.read(in.worker.Stdout(), in.stdout)
	go in.read(in.worker.Stderr(), in.stderr)

	go func() {
		in.readers.Wait()
		in.exited <- in.worker.Wait()
	}()
}

func (in *instance) read(r io.Reader, out chan<- []byte) {
	defer in.readers.Done()
	defer close(out)

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case out <- bytes.Clone(buf[:n]):
			case <-in.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (in *instance) kick() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *instance) requestStop() {
	in.stopOnce.Do(func() { close(in.stop) })
}

// run is the dispatcher loop. It is the only code that writes to the
// worker or touches framing state.
func (s *Supervisor) run(in *instance) {
	defer close(in.done)

	fr := framing.New()
	stdout, stderr := in.stdout, in.stderr
	stop := in.stop

	var (
		cur      *inflight
		stopping bool
		broken   bool
		grace    <-chan time.Time
		killed   <-chan time.Time
	)

	for {
		if cur == nil && !broken {
			var err error
			cur, err = s.dispatchNext(in, fr)
			if err != nil {
				broken = true
				s.logger.Error("Worker input failed, killing worker", "instance", in.id, "error", err)
				if kerr := in.worker.Kill(); kerr != nil {
					s.logger.Error("Failed to kill worker", "error", kerr)
				}
			}
		}

		select {
		case <-in.wake:

		case data, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			cur = s.feed(in, fr, cur, framing.Primary, data)

		case data, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			cur = s.feed(in, fr, cur, framing.Diagnostic, data)

		case err := <-in.exited:
			s.handleExit(in, cur, stopping, err)
			return

		case <-stop:
			stop = nil
			stopping = true
			s.logger.Debug("Asking worker to stop", "instance", in.id, "in_flight", cur != nil)
			if _, err := in.worker.Stdin().Write(stopCommand); err != nil {
				s.logger.Debug("Failed to write stop command", "error", err)
			}
			if err := in.worker.Stdin().Close(); err != nil {
				s.logger.Debug("Failed to close worker input", "error", err)
			}
			grace = time.After(s.opts.GracefulTimeout)

		case <-grace:
			grace = nil
			s.logger.Warn("Graceful stop timed out, killing worker", "instance", in.id, "timeout", s.opts.GracefulTimeout)
			if err := in.worker.Kill(); err != nil {
				s.logger.Error("Failed to kill worker", "error", err)
			}
			killed = time.After(s.opts.KillTimeout)

		case <-killed:
			s.logger.Error("Worker did not exit after kill", "instance", in.id)
			s.handleExit(in, cur, stopping, errKillTimeout)
			return
		}
	}
}

// dispatchNext pops the queue head and writes it to the worker. It returns
// nil when the queue is empty. A write error fails the command and is
// returned so the caller can tear the worker down.
func (s *Supervisor) dispatchNext(in *instance, fr *framing.Framer) (*inflight, error) {
	s.mu.Lock()
	if s.inst != in || len(s.queue) == 0 {
		s.busy = false
		s.mu.Unlock()
		return nil, nil
	}
	cmd := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.busy = true
	s.mu.Unlock()

	fr.Reset(cmd.ID)
	cur := &inflight{cmd: cmd, started: time.Now()}

	s.logger.Debug("Dispatching command", "id", cmd.ID, "action", cmd.Action)

	if _, err := in.worker.Stdin().Write(cmd.Body); err != nil {
		err = fmt.Errorf("write command: %w", err)
		s.finish(in, cur, Result{Status: StatusError, Err: err})
		return nil, err
	}
	return cur, nil
}

// feed hands a chunk to the framer and completes cur when both channels
// are ready.
func (s *Supervisor) feed(in *instance, fr *framing.Framer, cur *inflight, ch framing.Channel, data []byte) *inflight {
	if cur == nil {
		s.logger.Debug("Output outside a command", "channel", ch, "bytes", len(data), "output", string(bytes.TrimSpace(data)))
		return nil
	}

	done, err := fr.Feed(ch, data)
	if !done {
		return cur
	}

	r := Result{
		Status:     StatusCommand,
		Output:     fr.Output(),
		Diagnostic: fr.Diagnostic(),
	}
	if err != nil {
		s.logger.Warn("Channel desynchronization", "id", cur.cmd.ID, "error", err)
		r.Status = StatusError
		r.Err = err
	}
	s.finish(in, cur, r)
	return nil
}

// finish stores the result for cur.
func (s *Supervisor) finish(in *instance, cur *inflight, r Result) {
	r.CommandID = cur.cmd.ID
	r.Action = cur.cmd.Action
	r.Elapsed = time.Since(cur.started)
	r.Instance = in.id

	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()

	s.store.Put(r)
	s.logger.Debug("Command finished", "id", r.CommandID, "action", r.Action, "status", r.Status, "elapsed", r.Elapsed)
	if s.opts.OnResult != nil {
		s.opts.OnResult(r)
	}
}

// handleExit fails outstanding work and moves the supervisor to
// NotRunning. stopping distinguishes Terminate from a crash.
func (s *Supervisor) handleExit(in *instance, cur *inflight, stopping bool, waitErr error) {
	_ = in.worker.Stdin().Close()

	status, cause := StatusError, ErrTerminated
	if !stopping {
		status = StatusFinish
		cause = fmt.Errorf("%w: exit code %d", ErrWorkerExited, exitCodeFromError(waitErr))
		s.logger.Warn("Worker exited unexpectedly", "instance", in.id, "error", waitErr)
	} else {
		s.logger.Info("Worker stopped", "instance", in.id)
	}

	if cur != nil {
		s.finish(in, cur, Result{Status: status, Err: cause})
	}

	var (
		queued []*Command
		gen    uint64
	)
	var exitErr error
	if !stopping {
		exitErr = cause
	}
	s.transition(StateNotRunning, exitErr, func() {
		queued = s.queue
		s.queue = nil
		s.busy = false
		if s.inst == in {
			s.inst = nil
		}
		gen = s.gen
	})
	s.failAll(queued, in.id, status, cause)

	if !stopping && s.opts.RestartOnExit {
		go s.recoverAfterExit(gen)
	}
}

// failAll stores a terminal result for commands that were never dispatched.
func (s *Supervisor) failAll(cmds []*Command, instanceID string, status Status, cause error) {
	for _, cmd := range cmds {
		r := Result{
			CommandID: cmd.ID,
			Action:    cmd.Action,
			Status:    status,
			Instance:  instanceID,
			Err:       cause,
		}
		s.store.Put(r)
		if s.opts.OnResult != nil {
			s.opts.OnResult(r)
		}
	}
}
