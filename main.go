package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/smazurov/stayopen/cmd"
	"github.com/smazurov/stayopen/internal/api"
	"github.com/smazurov/stayopen/internal/config"
	"github.com/smazurov/stayopen/internal/events"
	"github.com/smazurov/stayopen/internal/exiftool"
	"github.com/smazurov/stayopen/internal/logging"
	"github.com/smazurov/stayopen/internal/metrics/exporters"
	"github.com/smazurov/stayopen/internal/systemd"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"stayopen.toml"`

	// Server settings
	Port string `help:"Address to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Worker settings
	ExiftoolProgram         string        `help:"exiftool binary or directory (empty: PATH lookup)" toml:"exiftool.program" env:"EXIFTOOL_PROGRAM"`
	ExiftoolPerl            string        `help:"Interpreter to run exiftool with" toml:"exiftool.perl" env:"EXIFTOOL_PERL"`
	ExiftoolStartTimeout    time.Duration `help:"Worker spawn timeout" default:"5s" toml:"exiftool.start_timeout" env:"EXIFTOOL_START_TIMEOUT"`
	ExiftoolGracefulTimeout time.Duration `help:"Wait for a graceful worker exit before killing it" default:"5s" toml:"exiftool.graceful_timeout" env:"EXIFTOOL_GRACEFUL_TIMEOUT"`
	ExiftoolResultTimeout   time.Duration `help:"Default wait for command results" default:"10s" toml:"exiftool.result_timeout" env:"EXIFTOOL_RESULT_TIMEOUT"`
	ExiftoolRestartOnExit   bool          `help:"Restart the worker after it exits unexpectedly" default:"true" toml:"exiftool.restart_on_exit" env:"EXIFTOOL_RESTART_ON_EXIT"`

	// Auth settings
	AuthUsername string `help:"Basic auth username (empty disables auth)" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Metrics settings
	MetricsEnabled bool `help:"Serve Prometheus metrics at /metrics" default:"true" toml:"metrics.enabled" env:"METRICS_ENABLED"`
	MetricsSSE     bool `help:"Publish worker stats on the event stream" default:"true" toml:"metrics.sse_enabled" env:"METRICS_SSE_ENABLED"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingSupervisor string `help:"Supervisor logging level" default:"info" toml:"logging.supervisor" env:"LOGGING_SUPERVISOR"`
	LoggingExiftool   string `help:"Client logging level" default:"info" toml:"logging.exiftool" env:"LOGGING_EXIFTOOL"`
	LoggingAPI        string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingHTTP       string `help:"HTTP request logging level" default:"info" toml:"logging.http" env:"LOGGING_HTTP"`
	LoggingConfig     string `help:"Config watcher logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			fmt.Fprintln(os.Stderr, "Failed to load config:", loadErr)
			os.Exit(1)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"supervisor": opts.LoggingSupervisor,
				"exiftool":   opts.LoggingExiftool,
				"api":        opts.LoggingAPI,
				"http":       opts.LoggingHTTP,
				"config":     opts.LoggingConfig,
			},
		})
		logger := logging.GetLogger("main")

		eventBus := events.New()
		client := exiftool.New(exiftool.Options{
			Program:         opts.ExiftoolProgram,
			Perl:            opts.ExiftoolPerl,
			StartTimeout:    opts.ExiftoolStartTimeout,
			GracefulTimeout: opts.ExiftoolGracefulTimeout,
			ResultTimeout:   opts.ExiftoolResultTimeout,
			RestartOnExit:   opts.ExiftoolRestartOnExit,
			Bus:             eventBus,
			Logger:          logging.GetLogger("exiftool"),
		})

		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			Client:       client,
			EventBus:     eventBus,
		}
		if opts.MetricsEnabled {
			exporters.RegisterBusMetrics(prometheus.DefaultRegisterer, eventBus)
			apiOpts.PrometheusHandler = exporters.HTTPHandler()
		}
		server := api.NewServer(apiOpts)

		var sseExporter *exporters.SSEExporter
		if opts.MetricsSSE {
			sseExporter = exporters.NewSSEExporter(eventBus)
		}

		watcher := config.NewConfigWatcher(opts.Config, config.LoadExifToolConfig, logging.GetLogger("config"))
		watcher.OnReload(func(cfg config.ExifToolConfig) {
			// Keys missing from the file keep the values given on startup.
			program, perl := cfg.Program, cfg.Perl
			if program == "" {
				program = opts.ExiftoolProgram
			}
			if perl == "" {
				perl = opts.ExiftoolPerl
			}
			if err := client.SetPaths(program, perl); err != nil {
				logger.Error("Failed to apply exiftool config", "error", err)
			}
		})

		notifier := systemd.NewNotifier(logging.GetLogger("systemd"))
		unsubStatus := eventBus.Subscribe(func(e events.WorkerStateChangedEvent) {
			status := "exiftool " + e.To
			if e.Error != "" {
				status += ": " + e.Error
			}
			notifier.Status(status)
		})

		ctx, cancel := context.WithCancel(context.Background())

		hooks.OnStart(func() {
			if err := client.Start(); err != nil {
				// The API stays up so the program can be fixed with PUT /api/worker/program.
				logger.Error("Failed to start exiftool", "error", err)
			}

			if _, err := os.Stat(opts.Config); err == nil {
				if err := watcher.Start(); err != nil {
					logger.Warn("Failed to watch config file", "path", opts.Config, "error", err)
				}
			}

			if sseExporter != nil {
				sseExporter.Start(ctx)
			}

			go notifier.Watchdog(ctx, func() bool { return responsive(client, time.Second) })
			notifier.Ready()

			logger.Info("Starting HTTP server", "port", opts.Port)
			if err := server.Start(opts.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", err)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			notifier.Stopping()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := server.Stop(stopCtx); err != nil {
				logger.Error("Error stopping HTTP server", "error", err)
			}

			if err := watcher.Stop(); err != nil {
				logger.Warn("Error stopping config watcher", "error", err)
			}
			if sseExporter != nil {
				sseExporter.Stop()
			}
			cancel()
			unsubStatus()

			// Queued commands are failed; the in-flight one may finish.
			client.Close()
		})
	})

	root := cli.Root()
	root.Use = "stayopen"
	root.Short = "Persistent exiftool worker with a command queue and HTTP API"
	root.AddCommand(cmd.CreateExecCmd(), cmd.CreateVersionCmd())
	root.CompletionOptions = cobra.CompletionOptions{HiddenDefaultCmd: true}

	cli.Run()
}

// responsive reports whether the supervisor answers a status query within
// timeout. A wedged supervisor stops the watchdog pings.
func responsive(client *exiftool.Client, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		client.Info()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
