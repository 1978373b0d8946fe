package framing

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

// commandOutput renders what a well-behaved worker prints for one command.
func commandOutput(id int, stdout, stderr string) (string, string) {
	out := AwaitMarker(id) + "\n" + stdout + ReadyMarker + "\n"
	errOut := AwaitMarker(id) + "\n" + stderr + ReadyMarker + "\n"
	return out, errOut
}

func TestAwaitMarker(t *testing.T) {
	if got := AwaitMarker(42); got != "{await0000000042}" {
		t.Errorf("AwaitMarker(42) = %q", got)
	}
	if got := AwaitMarker(2000000000); got != "{await2000000000}" {
		t.Errorf("AwaitMarker(2000000000) = %q", got)
	}
}

func TestParseAwait(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantID int
		wantOK bool
	}{
		{"plain", "{await0000000007}", 7, true},
		{"stale prefix", "garbage{await0000000007}", 7, true},
		{"short id", "{await007}", 0, false},
		{"non digit", "{await00000000x7}", 0, false},
		{"missing brace", "{await0000000007", 0, false},
		{"ready line", "{ready}", 0, false},
		{"empty", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := parseAwait([]byte(tt.line))
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("parseAwait(%q) = (%d, %v), want (%d, %v)", tt.line, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestFramerCompletesOnBothChannels(t *testing.T) {
	f := New()
	f.Reset(5)

	out, errOut := commandOutput(5, "ExifTool Version Number : 12.76\n", "Warning: minor\n")

	done, err := f.Feed(Primary, []byte(out))
	if done || err != nil {
		t.Fatalf("stdout alone: done=%v err=%v, want not done", done, err)
	}
	if !f.Ready(Primary) || f.Ready(Diagnostic) {
		t.Fatalf("ready flags = %v/%v, want true/false", f.Ready(Primary), f.Ready(Diagnostic))
	}

	done, err = f.Feed(Diagnostic, []byte(errOut))
	if !done || err != nil {
		t.Fatalf("both channels: done=%v err=%v, want done", done, err)
	}

	if got := string(f.Output()); got != "ExifTool Version Number : 12.76\n" {
		t.Errorf("Output() = %q", got)
	}
	if got := string(f.Diagnostic()); got != "Warning: minor\n" {
		t.Errorf("Diagnostic() = %q", got)
	}
}

func TestFramerDiscardsStaleOutput(t *testing.T) {
	f := New()
	f.Reset(9)

	stale := "leftover from 8\n{ready}\n"
	out, errOut := commandOutput(9, "fresh\n", "")

	if done, _ := f.Feed(Primary, []byte(stale+out)); done {
		t.Fatal("completed on stdout only")
	}
	done, err := f.Feed(Diagnostic, []byte("old warning\n"+errOut))
	if !done || err != nil {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if got := string(f.Output()); got != "fresh\n" {
		t.Errorf("Output() = %q, want %q", got, "fresh\n")
	}
	if got := f.Diagnostic(); len(got) != 0 {
		t.Errorf("Diagnostic() = %q, want empty", got)
	}
}

func TestFramerCRLFMarkers(t *testing.T) {
	f := New()
	f.Reset(1)

	f.Feed(Primary, []byte("{await0000000001}\r\nline one\r\nline two\r\n{ready}\r\n"))
	done, err := f.Feed(Diagnostic, []byte("{await0000000001}\r\n{ready}\r\n"))
	if !done || err != nil {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if got := string(f.Output()); got != "line one\r\nline two\r\n" {
		t.Errorf("Output() = %q", got)
	}
}

func TestFramerKeepsBinaryPayload(t *testing.T) {
	f := New()
	f.Reset(7)

	payload := []byte{0xff, 0xd8, 0x0d, 0x0a, 0x00, 0x10, 0x0d, 0x0a, 0xff, 0xd9}
	in := append([]byte(AwaitMarker(7)+"\n"), payload...)
	in = append(in, []byte(ReadyMarker+"\r\n")...)

	// Byte-at-a-time delivery splits every CR from its LF.
	for _, b := range in {
		if done, err := f.Feed(Primary, []byte{b}); done || err != nil {
			t.Fatalf("primary alone completed: done=%v err=%v", done, err)
		}
	}
	done, err := f.Feed(Diagnostic, []byte(AwaitMarker(7)+"\r\n{ready}\r\n"))
	if !done || err != nil {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if got := f.Output(); !bytes.Equal(got, payload) {
		t.Errorf("Output() = % x, want % x", got, payload)
	}
	if got := f.Diagnostic(); len(got) != 0 {
		t.Errorf("Diagnostic() = %q, want empty", got)
	}
}

func TestFramerKeepsBytesBeforeReadyToken(t *testing.T) {
	f := New()
	f.Reset(3)

	f.Feed(Primary, []byte(AwaitMarker(3)+"\nbinarytail{ready}\n"))
	done, err := f.Feed(Diagnostic, []byte(AwaitMarker(3)+"\n{ready}\n"))
	if !done || err != nil {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if got := string(f.Output()); got != "binarytail" {
		t.Errorf("Output() = %q, want %q", got, "binarytail")
	}
}

func TestFramerIgnoresDataAfterCompletion(t *testing.T) {
	f := New()
	f.Reset(2)

	out, errOut := commandOutput(2, "a\n", "")
	f.Feed(Primary, []byte(out))
	if done, _ := f.Feed(Diagnostic, []byte(errOut)); !done {
		t.Fatal("expected completion")
	}

	done, err := f.Feed(Primary, []byte("{ready}\n"))
	if done || err != nil {
		t.Errorf("second completion reported: done=%v err=%v", done, err)
	}
	if got := string(f.Output()); got != "a\n" {
		t.Errorf("Output() changed to %q", got)
	}
}

func TestFramerDesync(t *testing.T) {
	tests := []struct {
		name      string
		expected  int
		stdout    string
		stderr    string
		wantPrim  int
		wantDiag  int
		wantClash int
	}{
		{
			name:     "stdout belongs to another command",
			expected: 1,
			stdout:   AwaitMarker(3) + "\nC output\n{ready}\n",
			stderr:   AwaitMarker(1) + "\n{ready}\n",
			wantPrim: 3,
			wantDiag: 1,
		},
		{
			name:     "stderr belongs to another command",
			expected: 1,
			stdout:   AwaitMarker(1) + "\nA output\n{ready}\n",
			stderr:   AwaitMarker(2) + "\n{ready}\n",
			wantPrim: 1,
			wantDiag: 2,
		},
		{
			name:      "foreign marker inside output",
			expected:  1,
			stdout:    AwaitMarker(1) + "\nA output\n" + AwaitMarker(3) + "\nC output\n{ready}\n",
			stderr:    AwaitMarker(1) + "\n{ready}\n",
			wantPrim:  1,
			wantDiag:  1,
			wantClash: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New()
			f.Reset(tt.expected)
			f.Feed(Primary, []byte(tt.stdout))
			done, err := f.Feed(Diagnostic, []byte(tt.stderr))
			if !done {
				t.Fatal("expected completion")
			}
			if !errors.Is(err, ErrDesync) {
				t.Fatalf("err = %v, want ErrDesync", err)
			}
			var de *DesyncError
			if !errors.As(err, &de) {
				t.Fatalf("err is %T, want *DesyncError", err)
			}
			if de.Expected != tt.expected || de.Primary != tt.wantPrim || de.Diagnostic != tt.wantDiag || de.Conflict != tt.wantClash {
				t.Errorf("DesyncError = %+v", de)
			}
		})
	}
}

func TestFramerResetDropsPartialLine(t *testing.T) {
	f := New()
	f.Reset(1)
	f.Feed(Primary, []byte("half a li"))

	f.Reset(2)
	out, errOut := commandOutput(2, "x\n", "")
	f.Feed(Primary, []byte(out))
	done, err := f.Feed(Diagnostic, []byte(errOut))
	if !done || err != nil {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if got := string(f.Output()); got != "x\n" {
		t.Errorf("Output() = %q", got)
	}
	if f.Expected() != 2 {
		t.Errorf("Expected() = %d", f.Expected())
	}
}

// splitAt cuts s into chunks at the given sorted offsets.
func splitAt(s string, offsets []int) []string {
	var chunks []string
	prev := 0
	for _, off := range offsets {
		if off <= prev || off >= len(s) {
			continue
		}
		chunks = append(chunks, s[prev:off])
		prev = off
	}
	return append(chunks, s[prev:])
}

func TestFramerChunkedDelivery(t *testing.T) {
	out, errOut := commandOutput(77, "first line\nsecond line\n", "warn\n")
	stale := "tail of 76\n{rea"
	out = stale + out

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		t.Run(fmt.Sprintf("trial-%d", trial), func(t *testing.T) {
			var outCuts, errCuts []int
			for i := 1; i < len(out); i++ {
				if rng.Intn(4) == 0 {
					outCuts = append(outCuts, i)
				}
			}
			for i := 1; i < len(errOut); i++ {
				if rng.Intn(3) == 0 {
					errCuts = append(errCuts, i)
				}
			}
			outChunks := splitAt(out, outCuts)
			errChunks := splitAt(errOut, errCuts)

			f := New()
			f.Reset(77)

			// Interleave the two channels, checking completion is only
			// reported with the final chunk of the slower channel.
			completions := 0
			oi, ei := 0, 0
			for oi < len(outChunks) || ei < len(errChunks) {
				var done bool
				var err error
				lastOut := oi == len(outChunks)-1
				lastErr := ei == len(errChunks)-1
				useOut := ei >= len(errChunks) || (oi < len(outChunks) && rng.Intn(2) == 0)
				if useOut {
					done, err = f.Feed(Primary, []byte(outChunks[oi]))
					oi++
					if done && !(lastOut && ei >= len(errChunks)) {
						t.Fatalf("completed early after stdout chunk %d", oi-1)
					}
				} else {
					done, err = f.Feed(Diagnostic, []byte(errChunks[ei]))
					ei++
					if done && !(lastErr && oi >= len(outChunks)) {
						t.Fatalf("completed early after stderr chunk %d", ei-1)
					}
				}
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if done {
					completions++
				}
			}

			if completions != 1 {
				t.Fatalf("completions = %d, want 1", completions)
			}
			if got := string(f.Output()); got != "first line\nsecond line\n" {
				t.Errorf("Output() = %q", got)
			}
			if got := string(f.Diagnostic()); got != "warn\n" {
				t.Errorf("Diagnostic() = %q", got)
			}
		})
	}
}

func TestFramerMarkerSplitAcrossChunks(t *testing.T) {
	f := New()
	f.Reset(12)

	marker := AwaitMarker(12)
	for i := 0; i < len(marker); i++ {
		f.Feed(Primary, []byte{marker[i]})
		if f.Started(Primary) {
			t.Fatalf("await recognised before newline, after byte %d", i)
		}
	}
	f.Feed(Primary, []byte("\npayload\n{rea"))
	if f.Ready(Primary) {
		t.Fatal("ready before token complete")
	}
	f.Feed(Primary, []byte("dy}"))
	if f.Ready(Primary) {
		t.Fatal("ready before newline")
	}
	f.Feed(Primary, []byte("\n"))
	if !f.Ready(Primary) {
		t.Fatal("expected stdout ready")
	}
}

func FuzzFramerChunking(f *testing.F) {
	f.Add("payload\nmore\n", "warn\n", uint8(3), uint8(5))
	f.Add("", "", uint8(1), uint8(1))
	f.Add("{ready no newline", "x", uint8(7), uint8(2))

	f.Fuzz(func(t *testing.T, stdout, stderr string, outStep, errStep uint8) {
		if strings.Contains(stdout, "{ready}") || strings.Contains(stderr, "{ready}") ||
			strings.Contains(stdout, awaitPrefix) || strings.Contains(stderr, awaitPrefix) ||
			strings.ContainsAny(stdout, "\r") || strings.ContainsAny(stderr, "\r") {
			t.Skip()
		}
		if stdout != "" && !strings.HasSuffix(stdout, "\n") {
			stdout += "\n"
		}
		if stderr != "" && !strings.HasSuffix(stderr, "\n") {
			stderr += "\n"
		}

		out, errOut := commandOutput(4, stdout, stderr)
		fr := New()
		fr.Reset(4)

		feed := func(ch Channel, s string, step int) int {
			if step <= 0 {
				step = 1
			}
			n := 0
			for i := 0; i < len(s); i += step {
				end := min(i+step, len(s))
				done, err := fr.Feed(ch, []byte(s[i:end]))
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if done {
					n++
				}
			}
			return n
		}

		n := feed(Primary, out, int(outStep))
		n += feed(Diagnostic, errOut, int(errStep))
		if n != 1 {
			t.Fatalf("completions = %d, want 1", n)
		}
		if got := string(fr.Output()); got != stdout {
			t.Fatalf("Output() = %q, want %q", got, stdout)
		}
		if got := string(fr.Diagnostic()); got != stderr {
			t.Fatalf("Diagnostic() = %q, want %q", got, stderr)
		}
	})
}
