package systemd

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	err    error
}

func (r *recorder) send(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

func newTestNotifier(rec *recorder, interval time.Duration) *Notifier {
	n := NewNotifier(slog.New(slog.DiscardHandler))
	n.send = rec.send
	n.watchdog = func(bool) (time.Duration, error) { return interval, nil }
	return n
}

func TestNotifyMessages(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(rec, 0)

	n.Ready()
	n.Status("worker running")
	n.Stopping()

	want := []string{"READY=1", "STATUS=worker running", "STOPPING=1"}
	if got := rec.got(); !slices.Equal(got, want) {
		t.Errorf("states = %q, want %q", got, want)
	}
}

func TestNotifyErrorIsLogged(_ *testing.T) {
	rec := &recorder{err: errors.New("socket gone")}
	n := newTestNotifier(rec, 0)
	n.Ready()
}

func TestWatchdogDisabled(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(rec, 0)

	done := make(chan struct{})
	go func() {
		n.Watchdog(context.Background(), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog blocked without a configured interval")
	}
}

func TestWatchdogPings(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(rec, 20*time.Millisecond)

	var alive sync.Mutex
	healthy := true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Watchdog(ctx, func() bool {
			alive.Lock()
			defer alive.Unlock()
			return healthy
		})
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	alive.Lock()
	healthy = false
	alive.Unlock()
	pings := len(rec.got())
	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	if pings == 0 {
		t.Fatal("no watchdog pings")
	}
	// At most one ping may have been in flight when health flipped.
	if after := len(rec.got()); after > pings+1 {
		t.Errorf("pings continued while unhealthy: %d -> %d", pings, after)
	}
	for _, s := range rec.got() {
		if s != "WATCHDOG=1" {
			t.Errorf("unexpected state %q", s)
		}
	}
}
