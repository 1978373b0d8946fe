// Package process supervises a single long-lived exiftool worker running in
// stay-open mode.
//
// Supervisor owns the worker's lifecycle and its three pipes:
//   - Start validates the program (and optional interpreter) and spawns it
//   - Terminate asks the worker to stop, then kills it after a grace period
//   - Restart is Terminate followed by Start under one lock
//   - RestartOnExit brings a crashed worker back with doubling backoff
//
// Commands are queued by Submit from any goroutine and executed one at a
// time, in submission order, by a dispatcher goroutine that is the only code
// writing to the worker. Output is split into per-command results by the
// framing package and kept in a Store until taken:
//
//	sup := process.NewSupervisor(&process.Options{Program: "/usr/bin/exiftool"})
//	if err := sup.Start(); err != nil {
//	    return err
//	}
//	defer sup.Close()
//
//	id := sup.Submit(process.StringArgs("-ver"), process.ActionVersionString)
//	res := sup.WaitForResult(ctx, id, 0)
//
// A result is taken exactly once. Queued and in-flight commands of a worker
// that stops or crashes receive error results.
package process
