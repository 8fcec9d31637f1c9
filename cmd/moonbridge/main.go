// Moonbridge polls a Moonraker-managed 3D printer and publishes its
// state to Home Assistant as a native MQTT device.
//
// It connects to Moonraker's JSON-RPC websocket, refreshes a fixed set
// of printer sensors on a schedule, and pushes each successful refresh
// to the MQTT broker with HA discovery so the printer shows up without
// manual configuration. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	moonbridge serve         Start the bridge
//	moonbridge init [dir]    Initialize a working directory with defaults
//	moonbridge cameras       List the printer's configured webcams
//	moonbridge version       Print version and build information
//	moonbridge -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hollowoak/moonbridge/internal/buildinfo"
	"github.com/hollowoak/moonbridge/internal/config"
	"github.com/hollowoak/moonbridge/internal/connwatch"
	"github.com/hollowoak/moonbridge/internal/coordinator"
	"github.com/hollowoak/moonbridge/internal/health"
	"github.com/hollowoak/moonbridge/internal/moonraker"
	"github.com/hollowoak/moonbridge/internal/mqtt"
	"github.com/hollowoak/moonbridge/internal/poller"
	"github.com/hollowoak/moonbridge/internal/sensor"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the moonbridge command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:], the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "cameras":
		return runCameras(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// moonbridge is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Moonbridge - Moonraker to Home Assistant MQTT bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: moonbridge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  cameras      List the printer's configured webcams")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/moonbridge/config.yaml, /etc/moonbridge/config.yaml")
	return nil
}

// runCameras handles the "moonbridge cameras" subcommand. It performs a
// one-shot websocket connection and prints the webcams Moonraker knows
// about. Useful when deciding which stream to add to an HA dashboard.
func runCameras(ctx context.Context, stdout io.Writer, configPath string, outputFmt string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	client := moonraker.NewClient(cfg.Moonraker.URL, logger)
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect to moonraker: %w", err)
	}
	defer client.Close()

	coord := coordinator.New(client, sensor.Registry(), logger)
	cams, err := coord.ListCameras(ctx)
	if err != nil {
		return fmt.Errorf("list cameras: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cams)
	}

	if len(cams) == 0 {
		fmt.Fprintln(stdout, "no webcams configured")
		return nil
	}
	for _, cam := range cams {
		fmt.Fprintf(stdout, "%s (%s)\n", cam.Name, cam.Service)
		if cam.StreamURL != "" {
			fmt.Fprintf(stdout, "  stream:   %s\n", cam.StreamURL)
		}
		if cam.SnapshotURL != "" {
			fmt.Fprintf(stdout, "  snapshot: %s\n", cam.SnapshotURL)
		}
	}
	return nil
}

// runServe handles the "moonbridge serve" subcommand. It is the primary
// operating mode: loads config, connects to Moonraker and the MQTT
// broker, starts the polling loop and the health endpoint, and blocks
// until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. An MQTT "offline" availability message is published
//  3. The health server drains in-flight requests
//  4. The websocket connection is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting moonbridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured level.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by config.Validate(), so
			// this error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"moonraker", cfg.Moonraker.URL,
		"poll_interval", cfg.Moonraker.PollIntervalSec,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// Signal handling: SIGINT/SIGTERM cancellation flows through the
	// same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Moonraker clients ---
	client := moonraker.NewClient(cfg.Moonraker.URL, logger)
	defer client.Close()
	httpClient := moonraker.NewHTTPClient(cfg.Moonraker.URL, cfg.Moonraker.VerifyTLS, logger)

	coord := coordinator.New(client, sensor.Registry(), logger)

	// Initial connection attempt with a short deadline. Failure is not
	// fatal: the connection watcher keeps retrying in the background and
	// the poller reconnects before each refresh.
	{
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := client.Connect(connectCtx); err != nil {
			logger.Warn("moonraker not reachable at startup, will retry", "error", err)
		}
		connectCancel()
	}

	// --- Connection watchers ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "moonraker",
		Probe:   httpClient.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			if client.IsConnected() {
				return
			}
			connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
			defer connectCancel()
			if err := client.Connect(connectCtx); err != nil {
				logger.Warn("websocket reconnect failed", "error", err)
			}
		},
		Logger: logger,
	})

	// --- MQTT publisher ---
	// Optional: when no broker is configured the bridge still polls and
	// serves the health endpoint, which is useful for smoke testing.
	var mqttPub *mqtt.Publisher
	var sinks []poller.SnapshotSink
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, sensor.Registry(), httpClient, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		sinks = append(sinks, mqttPub)

		// Register with connwatch for health endpoint visibility.
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Polling loop ---
	poll := poller.New(poller.Config{
		Refresher: coord,
		Interval:  time.Duration(cfg.Moonraker.PollIntervalSec) * time.Second,
		Sinks:     sinks,
		Logger:    logger,
	})
	go poll.Start(ctx)

	// --- Health server ---
	healthServer := health.NewServer(cfg.Health.Address, cfg.Health.Port, poll, connMgr, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = healthServer.Shutdown(context.Background())
	}()

	// The health server blocks until shut down (via context cancellation
	// or fatal error).
	if err := healthServer.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("health server failed: %w", err)
		}
	}

	logger.Info("moonbridge stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
