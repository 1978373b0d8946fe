package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/stayopen/internal/exiftool"
	"github.com/smazurov/stayopen/internal/logging"
	"github.com/smazurov/stayopen/internal/process"
)

// ErrCommandFailed is returned when the worker reports a failed command.
var ErrCommandFailed = errors.New("command failed")

type execResult struct {
	ID         int     `json:"id"`
	Action     string  `json:"action"`
	Status     string  `json:"status"`
	ElapsedMs  float64 `json:"elapsed_ms"`
	Output     string  `json:"output"`
	Diagnostic string  `json:"diagnostic,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// CreateExecCmd creates the exec command.
func CreateExecCmd() *cobra.Command {
	var (
		program string
		perl    string
		action  string
		timeout time.Duration
		asJSON  bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] -- ARGS...",
		Short: "Run one command through a supervised exiftool",
		Long: `Starts exiftool in stay-open mode, sends ARGS as a single command and prints ` +
			`its output. Worker stderr for the command goes to stderr. Exits non-zero when ` +
			`the command fails or does not finish within --timeout.`,
		Example: `  stayopen exec -- -ver
  stayopen exec --program /opt/exiftool --json -- -j -G photo.jpg`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if verbose {
				level = "debug"
			}
			logging.Initialize(logging.Config{Level: level, Format: "text"})

			act := process.ActionNone
			if action != "" {
				parsed, err := process.ParseAction(action)
				if err != nil {
					return err
				}
				act = parsed
			}

			client := exiftool.New(exiftool.Options{
				Program:       program,
				Perl:          perl,
				ResultTimeout: timeout,
				Logger:        logging.GetLogger("exiftool"),
			})
			defer client.Close()

			return runExec(cmd.Context(), client, args, act, asJSON, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&program, "program", "", "exiftool binary or directory (default: exiftool on PATH)")
	cmd.Flags().StringVar(&perl, "perl", "", "interpreter to run the program with")
	cmd.Flags().StringVar(&action, "action", "", "action tag recorded with the result")
	cmd.Flags().DurationVar(&timeout, "timeout", process.DefaultResultTimeout, "how long to wait for the result")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log supervisor activity")

	return cmd
}

func runExec(ctx context.Context, client *exiftool.Client, args []string, action process.Action, asJSON bool, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := client.Start(); err != nil {
		return err
	}

	id := client.Submit(process.StringArgs(args...), action)
	if id == 0 {
		return exiftool.ErrUnavailable
	}

	r := client.WaitForResult(ctx, id, 0)
	if r.WaitTimedOut {
		if r.Err != nil {
			return r.Err
		}
		return exiftool.ErrTimeout
	}

	if asJSON {
		out := execResult{
			ID:         r.CommandID,
			Action:     r.Action.String(),
			Status:     r.Status.String(),
			ElapsedMs:  float64(r.Elapsed.Microseconds()) / 1000,
			Output:     string(r.Output),
			Diagnostic: string(r.Diagnostic),
		}
		if r.Err != nil {
			out.Error = r.Err.Error()
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		if _, err := stdout.Write(r.Output); err != nil {
			return err
		}
		if _, err := stderr.Write(r.Diagnostic); err != nil {
			return err
		}
	}

	if !r.OK() {
		if r.Err != nil {
			return fmt.Errorf("%w: %w", ErrCommandFailed, r.Err)
		}
		return fmt.Errorf("%w: status %s", ErrCommandFailed, r.Status)
	}
	return nil
}
