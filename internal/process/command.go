package process

import (
	"bytes"
	"strings"
	"sync"

	"github.com/smazurov/stayopen/internal/framing"
)

// Correlation id range. 0 is reserved for rejected submissions.
const (
	IDMin = 1
	IDMax = 2000000000
)

// Command is a queued unit of work for the worker. It is immutable once
// enqueued.
type Command struct {
	ID     int
	Args   [][]byte
	Action Action
	Body   []byte
}

// idAllocator hands out correlation ids from [IDMin, IDMax], wrapping on
// overflow.
type idAllocator struct {
	mu   sync.Mutex
	next int
}

func (a *idAllocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next < IDMin || a.next > IDMax {
		a.next = IDMin
	}
	id := a.next
	a.next++
	return id
}

func newCommand(id int, args [][]byte, action Action) *Command {
	owned := make([][]byte, len(args))
	for i, arg := range args {
		owned[i] = bytes.Clone(arg)
	}
	return &Command{
		ID:     id,
		Args:   owned,
		Action: action,
		Body:   buildBody(id, owned),
	}
}

// buildBody renders the bytes written to the worker's stdin for a command.
func buildBody(id int, args [][]byte) []byte {
	var b bytes.Buffer
	for _, arg := range args {
		b.Write(arg)
		b.WriteByte('\n')
	}

	await := framing.AwaitMarker(id)

	// Echoed to stdout and stderr before processing starts.
	b.WriteString("-echo1\n" + await + "\n")
	b.WriteString("-echo2\n" + await + "\n")

	// Quiet and table output suppress the worker's own ready line on stdout.
	if wantsReadyEcho(args) {
		b.WriteString("-echo3\n" + framing.ReadyMarker + "\n")
	}

	// Echoed to stderr after processing completes.
	b.WriteString("-echo4\n" + framing.ReadyMarker + "\n")
	b.WriteString("-execute\n")

	return b.Bytes()
}

func wantsReadyEcho(args [][]byte) bool {
	for _, arg := range args {
		switch s := string(arg); {
		case s == "-q", s == "-T":
			return true
		case strings.EqualFold(s, "-quiet"), strings.EqualFold(s, "-table"):
			return true
		}
	}
	return false
}

// StringArgs converts string arguments to the byte form Submit expects.
func StringArgs(args ...string) [][]byte {
	out := make([][]byte, len(args))
	for i, arg := range args {
		out[i] = []byte(arg)
	}
	return out
}
