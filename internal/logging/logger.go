package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Identifier tags journal entries written by this program.
const Identifier = "stayopen"

// Logger is a duck-typed interface satisfied by *slog.Logger.
// Use this interface instead of *slog.Logger to decouple from the concrete type.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

var (
	mutex         sync.RWMutex
	globalConfig  Config
	isInitialized bool
	output        io.Writer = os.Stdout
	rootLevel               = &slog.LevelVar{}
	loggers                 = make(map[string]*moduleLogger)
)

// moduleLogger pairs a logger with the LevelVar that gates it, so levels
// can change at runtime without handing out new loggers.
type moduleLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// Initialize sets up the logging system. Loggers obtained earlier follow
// the new levels; the format applies to loggers handed out afterwards.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	globalConfig = config
	isInitialized = true

	rootLevel.Set(levelOr(config.Level, slog.LevelInfo))

	for module, ml := range loggers {
		ml.level.Set(moduleLevel(module))
		ml.logger = slog.New(createHandler(config.Format, ml.level)).With("module", module)
	}

	slog.SetDefault(slog.New(createHandler(config.Format, rootLevel)))
}

// GetLogger returns a logger for the specified module, creating it if needed.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	if ml, ok := loggers[module]; ok {
		mutex.RUnlock()
		return ml.logger
	}
	mutex.RUnlock()

	mutex.Lock()
	defer mutex.Unlock()

	if ml, ok := loggers[module]; ok {
		return ml.logger
	}

	level := &slog.LevelVar{}
	level.Set(moduleLevel(module))

	format := "text"
	if isInitialized {
		format = globalConfig.Format
	}

	ml := &moduleLogger{
		logger: slog.New(createHandler(format, level)).With("module", module),
		level:  level,
	}
	loggers[module] = ml
	return ml.logger
}

// SetModuleLevel changes the level of a module's logger at runtime.
// It reports false for an unknown level name.
func SetModuleLevel(module, level string) bool {
	parsed := parseLevel(level)
	if parsed == nil {
		return false
	}

	mutex.Lock()
	defer mutex.Unlock()

	if globalConfig.Modules == nil {
		globalConfig.Modules = make(map[string]string)
	}
	globalConfig.Modules[module] = level
	if ml, ok := loggers[module]; ok {
		ml.level.Set(*parsed)
	}
	return true
}

// moduleLevel resolves the level for module. Callers hold mutex.
func moduleLevel(module string) slog.Level {
	if !isInitialized {
		return slog.LevelInfo
	}
	level := levelOr(globalConfig.Level, slog.LevelInfo)
	if s, ok := globalConfig.Modules[module]; ok {
		level = levelOr(s, level)
	}
	return level
}

// createHandler builds the output chain: stdout when connected, the
// systemd journal when available, and always the in-memory history.
func createHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if isOutputAvailable() {
		if format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(output, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(output, opts))
		}
	}
	if IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level))
	}
	handlers = append(handlers, newHistoryHandler(history, level))

	return NewMultiHandler(handlers...)
}

// isOutputAvailable checks if stdout is connected to a terminal, pipe,
// socket, or file. Writers other than os.Stdout always count.
func isOutputAvailable() bool {
	f, ok := output.(*os.File)
	if !ok {
		return true
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	// /dev/null is a device and does not count
	return (mode&os.ModeCharDevice) != 0 || (mode&os.ModeNamedPipe) != 0 || (mode&os.ModeSocket) != 0 || mode.IsRegular()
}

func levelOr(level string, fallback slog.Level) slog.Level {
	if parsed := parseLevel(level); parsed != nil {
		return *parsed
	}
	return fallback
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
