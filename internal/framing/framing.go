// Package framing locates command boundaries inside the continuous,
// line-oriented output of a stay-open worker.
//
// Every command written to the worker is suffixed with echo directives that
// make the worker print an await marker on stdout and stderr before any real
// output, and a ready marker on both channels after it:
//
//	{await0000000042}   <- start of command 42 on this channel
//	...output...
//	{ready}             <- end of command 42 on this channel
//
// A Framer consumes raw chunks from both channels, drops anything that
// arrives before the await marker (leftovers of an earlier command), buffers
// the payload and reports completion once both channels have seen their ready
// marker. Both channels must agree on the command id, otherwise the result is
// a DesyncError.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// IDWidth is the number of zero-padded digits used for ids in await markers.
const IDWidth = 10

// ReadyMarker terminates a command's output on a channel.
const ReadyMarker = "{ready}"

const awaitPrefix = "{await"

var (
	readyToken  = []byte(ReadyMarker)
	awaitToken  = []byte(awaitPrefix)
	carriageRet = []byte{'\r'}
)

// ErrDesync is returned when the two channels disagree on which command just
// completed.
var ErrDesync = errors.New("channel desynchronization")

// Channel identifies one of the worker's output streams.
type Channel int

// Worker output channels.
const (
	Primary    Channel = iota // stdout
	Diagnostic                // stderr
)

func (c Channel) String() string {
	switch c {
	case Primary:
		return "stdout"
	case Diagnostic:
		return "stderr"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// DesyncError describes a disagreement between the channels' await markers.
// Conflict is set when a channel saw a second await marker for another
// command before its ready marker.
type DesyncError struct {
	Expected   int
	Primary    int
	Diagnostic int
	Conflict   int
}

func (e *DesyncError) Error() string {
	if e.Conflict != 0 {
		return fmt.Sprintf("%v: expected command %d, foreign await marker for %d inside its output",
			ErrDesync, e.Expected, e.Conflict)
	}
	return fmt.Sprintf("%v: expected command %d, stdout marked %d, stderr marked %d",
		ErrDesync, e.Expected, e.Primary, e.Diagnostic)
}

func (e *DesyncError) Unwrap() error {
	return ErrDesync
}

// AwaitMarker returns the await marker text for a command id.
func AwaitMarker(id int) string {
	return fmt.Sprintf("%s%0*d}", awaitPrefix, IDWidth, id)
}

// channelState is the per-stream framing state.
type channelState struct {
	partial  []byte
	seen     bool
	id       int
	conflict int
	buf      bytes.Buffer
	ready    bool
}

func (c *channelState) reset() {
	c.partial = c.partial[:0]
	c.seen = false
	c.id = 0
	c.conflict = 0
	c.buf.Reset()
	c.ready = false
}

// feed appends data and consumes every complete line.
func (c *channelState) feed(data []byte) {
	if c.ready {
		return
	}
	c.partial = append(c.partial, data...)

	start := 0
	for !c.ready {
		i := bytes.IndexByte(c.partial[start:], '\n')
		if i < 0 {
			break
		}
		c.line(c.partial[start : start+i])
		start += i + 1
	}

	if c.ready {
		c.partial = c.partial[:0]
		return
	}
	n := copy(c.partial, c.partial[start:])
	c.partial = c.partial[:n]
}

// line handles one line without its LF. Markers are matched with a
// trailing CR removed; payload lines are kept byte for byte.
func (c *channelState) line(line []byte) {
	marker := bytes.TrimSuffix(line, carriageRet)

	if !c.seen {
		if id, ok := parseAwait(marker); ok {
			c.seen = true
			c.id = id
		}
		return
	}

	if i := bytes.Index(line, readyToken); i >= 0 {
		c.buf.Write(line[:i])
		c.ready = true
		return
	}

	if id, ok := parseAwait(marker); ok {
		if id != c.id && c.conflict == 0 {
			c.conflict = id
		}
		return
	}

	c.buf.Write(line)
	c.buf.WriteByte('\n')
}

// parseAwait extracts the id from a line carrying an await marker.
func parseAwait(line []byte) (int, bool) {
	i := bytes.LastIndex(line, awaitToken)
	if i < 0 {
		return 0, false
	}
	rest := line[i+len(awaitToken):]
	if len(rest) < IDWidth+1 || rest[IDWidth] != '}' {
		return 0, false
	}
	for _, b := range rest[:IDWidth] {
		if b < '0' || b > '9' {
			return 0, false
		}
	}
	id, err := strconv.Atoi(string(rest[:IDWidth]))
	if err != nil {
		return 0, false
	}
	return id, true
}

// Framer tracks the output of the single command currently in dispatch.
// It is not safe for concurrent use; the dispatcher owns it.
type Framer struct {
	expected int
	channels [2]channelState
	done     bool
}

// New returns a Framer with no command in progress.
func New() *Framer {
	return &Framer{}
}

// Reset discards all buffered bytes and prepares for command id.
func (f *Framer) Reset(id int) {
	f.expected = id
	f.done = false
	for i := range f.channels {
		f.channels[i].reset()
	}
}

// Expected returns the id passed to the last Reset.
func (f *Framer) Expected() int {
	return f.expected
}

// Feed consumes a chunk read from ch. It reports true exactly once, when
// both channels have reached their ready marker. A non-nil error means the
// command completed but its output cannot be trusted. Data fed after
// completion is ignored.
func (f *Framer) Feed(ch Channel, data []byte) (bool, error) {
	if f.done || (ch != Primary && ch != Diagnostic) {
		return false, nil
	}

	f.channels[ch].feed(data)

	out, diag := &f.channels[Primary], &f.channels[Diagnostic]
	if !out.ready || !diag.ready {
		return false, nil
	}
	f.done = true

	if out.id != f.expected || diag.id != f.expected || out.conflict != 0 || diag.conflict != 0 {
		conflict := out.conflict
		if conflict == 0 {
			conflict = diag.conflict
		}
		return true, &DesyncError{
			Expected:   f.expected,
			Primary:    out.id,
			Diagnostic: diag.id,
			Conflict:   conflict,
		}
	}
	return true, nil
}

// Ready reports whether ch has seen its ready marker.
func (f *Framer) Ready(ch Channel) bool {
	if ch != Primary && ch != Diagnostic {
		return false
	}
	return f.channels[ch].ready
}

// Started reports whether ch has seen an await marker.
func (f *Framer) Started(ch Channel) bool {
	if ch != Primary && ch != Diagnostic {
		return false
	}
	return f.channels[ch].seen
}

// Output returns a copy of the buffered stdout payload.
func (f *Framer) Output() []byte {
	return bytes.Clone(f.channels[Primary].buf.Bytes())
}

// Diagnostic returns a copy of the buffered stderr payload.
func (f *Framer) Diagnostic() []byte {
	return bytes.Clone(f.channels[Diagnostic].buf.Bytes())
}
