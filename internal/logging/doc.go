// Package logging provides slog loggers with per-module levels.
//
// Every package asks for a logger by module name once and keeps it:
//
//	logger := logging.GetLogger("supervisor")
//	logger.Info("Worker started", "pid", pid)
//
// Initialize applies the [logging] config section. Module levels override
// the global level, and loggers handed out earlier follow the change:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "json",
//		Modules: map[string]string{"supervisor": "debug"},
//	})
//
// Records go to stdout (text or JSON) when stdout is a terminal, pipe,
// socket or file, and to the systemd journal when journald is reachable.
// Journal entries carry SYSLOG_IDENTIFIER=stayopen and one upper-cased
// field per attribute:
//
//	journalctl -t stayopen MODULE=supervisor
//	journalctl -t stayopen COMMAND_ID=42
package logging
