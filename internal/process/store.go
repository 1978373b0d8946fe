package process

import (
	"context"
	"sync"
	"time"
)

// DefaultResultTimeout bounds WaitForResult when the caller passes no timeout.
const DefaultResultTimeout = 10 * time.Second

// Notifier is told about completed commands that were submitted async.
type Notifier interface {
	Notify(id int, action Action, status Status)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(id int, action Action, status Status)

// Notify calls f.
func (f NotifierFunc) Notify(id int, action Action, status Status) {
	f(id, action, status)
}

// Store holds completed results keyed by command id until they are taken.
type Store struct {
	mu       sync.Mutex
	results  map[int]Result
	async    map[int]struct{}
	changed  chan struct{}
	notifier Notifier
}

// NewStore returns an empty store. notifier may be nil.
func NewStore(notifier Notifier) *Store {
	return &Store{
		results:  make(map[int]Result),
		async:    make(map[int]struct{}),
		changed:  make(chan struct{}),
		notifier: notifier,
	}
}

// Expect marks id as async so its completion is announced to the notifier.
func (s *Store) Expect(id int) {
	s.mu.Lock()
	s.async[id] = struct{}{}
	s.mu.Unlock()
}

// Forget undoes Expect for a submission that was rejected.
func (s *Store) Forget(id int) {
	s.mu.Lock()
	delete(s.async, id)
	s.mu.Unlock()
}

// Put stores r, wakes waiters and notifies if r's command was async.
// A later result for the same id replaces the earlier one.
func (s *Store) Put(r Result) {
	s.mu.Lock()
	s.results[r.CommandID] = r
	_, notify := s.async[r.CommandID]
	delete(s.async, r.CommandID)
	close(s.changed)
	s.changed = make(chan struct{})
	notifier := s.notifier
	s.mu.Unlock()

	if notify && notifier != nil {
		notifier.Notify(r.CommandID, r.Action, r.Status)
	}
}

// Take removes and returns the result for id.
func (s *Store) Take(id int) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked(id)
}

func (s *Store) takeLocked(id int) (Result, bool) {
	r, ok := s.results[id]
	if ok {
		delete(s.results, id)
	}
	return r, ok
}

// Wait blocks until the result for id is stored, timeout elapses or ctx is
// done, and takes it. On timeout the returned result has WaitTimedOut set
// and StatusNone. A timeout <= 0 means DefaultResultTimeout.
func (s *Store) Wait(ctx context.Context, id int, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultResultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if r, ok := s.takeLocked(id); ok {
			s.mu.Unlock()
			return r
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return s.timedOut(id)
		case <-ctx.Done():
			r := s.timedOut(id)
			r.Err = ctx.Err()
			return r
		}
	}
}

// timedOut makes a last attempt to take the result before giving up.
func (s *Store) timedOut(id int) Result {
	if r, ok := s.Take(id); ok {
		return r
	}
	return Result{CommandID: id, WaitTimedOut: true}
}

// Discard drops the result for id if present.
func (s *Store) Discard(id int) bool {
	_, ok := s.Take(id)
	return ok
}

// Len returns the number of stored results.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
