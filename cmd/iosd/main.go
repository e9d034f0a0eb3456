// Iosd is the Intelligent Outbound System daemon: an MQTT-coordinated
// controller for an automated outbound workcell. One process hosts the
// workflow engine, the topic router, the scanner TCP gateway, and (when
// configured) the lift axis; peer services such as vision and the order
// system talk to it over the broker. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	iosd serve               Start the daemon
//	iosd check-config        Load and validate the config, then exit
//	iosd version             Print version and build information
//	iosd -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/buildinfo"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/bus"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/coder"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/connwatch"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/events"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/handlers"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/motion"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/router"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/state"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/topics"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/workflow"
)

// heartbeatInterval paces the daemon's own liveness publishes. Peers
// treat a source silent for five minutes as offline, so one beat every
// thirty seconds leaves plenty of margin.
const heartbeatInterval = 30 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the iosd command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all components and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) is responsible for printing the error and
// exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var serviceName string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-service" && i+1 < len(args):
			serviceName = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-service="):
			serviceName = strings.TrimPrefix(args[i], "-service=")
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
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	if serviceName == "" {
		serviceName = "Scheduler"
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath, serviceName)
	case "check-config":
		return runCheckConfig(stdout, configPath, serviceName)
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "iosd - Intelligent Outbound System daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: iosd [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve         Start the daemon")
	fmt.Fprintln(w, "  check-config  Load and validate the config, then exit")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -service <name>   Service identity on the bus (default: Scheduler)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./ios.yaml, ~/.config/ios/ios.yaml, /etc/ios/ios.yaml")
	return nil
}

// runCheckConfig loads and validates the configuration without starting
// anything, printing every error and warning. Exits non-zero when the
// config is unusable.
func runCheckConfig(stdout io.Writer, configPath, serviceName string) error {
	cfg, cfgPath, res, err := loadConfig(configPath, serviceName)
	if err != nil {
		return err
	}

	for _, w := range res.Warnings {
		fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(stdout, "error: %s\n", e)
	}
	if !res.OK() {
		return fmt.Errorf("config %s has %d error(s)", cfgPath, len(res.Errors))
	}

	fmt.Fprintf(stdout, "config %s OK (service %s, broker %s)\n",
		cfgPath, cfg.ServiceName, cfg.BrokerURL())
	return nil
}

// runServe handles the "iosd serve" subcommand. It is the primary
// operating mode: loads config, opens the task database, connects to
// the broker, wires the handler set and workflow engine, starts the
// scanner gateway and axis adapter when configured, and blocks until a
// shutdown signal arrives.
//
// The shutdown sequence runs in reverse dependency order:
//  1. SIGINT or SIGTERM cancels the context
//  2. The workflow engine drains its task queues
//  3. The scanner gateway closes its sockets
//  4. The axis homes and powers off
//  5. The bus client flushes its offline queue and disconnects
func runServe(ctx context.Context, stdout io.Writer, configPath, serviceName string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting IOS",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, res, err := loadConfig(configPath, serviceName)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		logger.Warn("config warning", "detail", w)
	}
	if !res.OK() {
		for _, e := range res.Errors {
			logger.Error("config error", "detail", e)
		}
		return fmt.Errorf("config %s has %d error(s)", cfgPath, len(res.Errors))
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The level lives in a LevelVar so the system handler can
	// adjust it at runtime from config update commands.
	level := new(slog.LevelVar)
	if cfg.LogLevel != "" {
		// Already validated by cfg.Validate.
		l, _ := config.ParseLogLevel(cfg.LogLevel)
		level.Set(l)
	}
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"service", cfg.ServiceName,
		"broker", cfg.BrokerURL(),
		"motion_enabled", cfg.MotionControl.Enabled,
		"coder_enabled", cfg.CoderService.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Shared infrastructure ---
	// The event bus fans component lifecycle events out to observers;
	// the shared store holds the cross-handler key/value state; the
	// registry maps symbolic topic keys to concrete MQTT topics.
	evBus := events.New()
	states := state.NewStore()
	registry := topics.NewDefaultRegistry()

	// Mirror internal events into the debug log. Dropped when the
	// subscriber channel is full, which is fine for diagnostics.
	eventCh := evBus.Subscribe(64)
	go func() {
		for ev := range eventCh {
			logger.Debug("event", "source", ev.Source, "kind", ev.Kind, "data", ev.Data)
		}
	}()

	// --- Router and bus client ---
	// The fallback handler publishes through the bus, so it is wired
	// after the client exists.
	rtr := router.New(logger, nil)
	busClient := bus.New(cfg, registry, rtr, evBus, logger)

	deps := handlers.Deps{
		States:   states,
		Pub:      busClient,
		Registry: registry,
		Version:  cfg.StandardMqtt.Messages.Version,
		Logger:   logger,
	}
	rtr.SetFallback(handlers.NewDefaultHandler(deps))

	// --- Task persistence ---
	// SQLite-backed task log. Tasks that were in flight at the previous
	// shutdown are replayed as Cancelled on engine start.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "tasks.db")
	taskStore, err := workflow.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open task database %s: %w", dbPath, err)
	}
	defer taskStore.Close()
	logger.Info("task database opened", "path", dbPath)

	// --- Workflow engine ---
	engine := workflow.NewEngine(cfg, busClient, states, evBus, taskStore, logger)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start workflow engine: %w", err)
	}

	// --- Scanner gateway ---
	// Hosts the coder TCP endpoints. The coder handler below uses it as
	// its scan-window primitive.
	var scanner handlers.Scanner
	var gateway *coder.Gateway
	if cfg.CoderService.Enabled {
		gateway = coder.NewGateway(cfg.CoderService, evBus, busClient.IsConnected, logger)
		if err := gateway.Start(ctx); err != nil {
			engine.Stop()
			return fmt.Errorf("start scanner gateway: %w", err)
		}
		scanner = gateway
		logger.Info("scanner gateway listening",
			"address", cfg.CoderService.SocketAddress,
			"port", cfg.CoderService.SocketPort,
			"max_clients", cfg.CoderService.MaxClients,
		)
	} else {
		logger.Info("scanner gateway disabled")
	}

	// --- Axis adapter ---
	// TODO: swap SimAxis for the EtherCAT driver binding once the
	// vendor library lands; the Axis interface is already shaped for it.
	var axis *motion.Adapter
	if cfg.MotionControl.Enabled {
		axis = motion.NewAdapter(cfg.MotionControl, &motion.SimAxis{}, evBus, logger)
		if err := axis.Initialize(ctx); err != nil {
			if gateway != nil {
				gateway.Stop()
			}
			engine.Stop()
			return fmt.Errorf("initialize axis: %w", err)
		}
	} else {
		logger.Info("motion control disabled")
	}

	// --- Dependency watchers ---
	// Coarse-grained health for the status snapshot: broker reachability
	// and, when hosted, the gateway's own listen port.
	connMgr := connwatch.NewManager(logger)
	brokerAddr := fmt.Sprintf("%s:%d", cfg.StandardMqtt.Connection.Broker, cfg.StandardMqtt.Connection.Port)
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "broker",
		Probe:   connwatch.TCPProbe(brokerAddr),
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})
	if gateway != nil {
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "coder-gateway",
			Probe:   connwatch.TCPProbe(gateway.Addr().String()),
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	}

	// --- Handler set ---
	// Each handler self-registers its topics with the router. The axis
	// and coder handlers only claim their command topics when this
	// process hosts the corresponding hardware.
	sysHandler := handlers.NewSystemHandler(deps, level)
	sysHandler.SetDependencyStatus(func() map[string]handlers.DependencyStatus {
		status := connMgr.Status()
		out := make(map[string]handlers.DependencyStatus, len(status))
		for name, s := range status {
			ds := handlers.DependencyStatus{Ready: s.Ready, LastError: s.LastError}
			if !s.LastCheck.IsZero() {
				ds.LastCheck = s.LastCheck.Format(time.RFC3339)
			}
			out[name] = ds
		}
		return out
	})

	rtr.Register(handlers.NewSensorHandler(deps, engine))
	rtr.Register(handlers.NewMotionHandler(deps, engine))
	rtr.Register(handlers.NewVisionHandler(deps, engine))
	rtr.Register(handlers.NewCoderHandler(deps, engine, scanner))
	rtr.Register(handlers.NewOrderHandler(deps, engine))
	rtr.Register(sysHandler)
	if axis != nil {
		rtr.Register(handlers.NewAxisHandler(deps, cfg.MotionControl, axis))
	}

	// --- Bus connection ---
	if err := busClient.Start(ctx); err != nil {
		return fmt.Errorf("start bus client: %w", err)
	}

	connectTimeout := time.Duration(cfg.StandardMqtt.Connection.ConnectTimeoutSec) * time.Second
	awaitCtx, awaitCancel := context.WithTimeout(ctx, connectTimeout)
	err = busClient.AwaitConnection(awaitCtx)
	awaitCancel()
	if err != nil {
		// Not fatal: the client reconnects on its own and replays the
		// subscription set once the broker appears.
		logger.Warn("broker not reachable yet, continuing", "error", err)
	}

	// Subscribe every pattern the handler set claimed, on top of the
	// config-declared set the client seeded in Start. Subscriptions
	// made while the broker is unreachable are recorded and issued on
	// connect; the client replays the full set on every reconnect.
	for _, pattern := range rtr.Patterns() {
		if pattern == "" {
			continue
		}
		if err := busClient.Subscribe(ctx, pattern); err != nil {
			logger.Error("subscribe failed", "topic", pattern, "error", err)
		}
	}
	logger.Info("subscriptions established", "count", len(rtr.Patterns()))

	// --- Heartbeat ---
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !busClient.HealthCheck(ctx) {
					logger.Debug("heartbeat skipped, broker disconnected")
				}
			}
		}
	}()

	logger.Info("IOS running", "service", cfg.ServiceName)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Reverse dependency order: stop producing work before tearing down
	// the transports it flows through.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	engine.Stop()
	if gateway != nil {
		gateway.Stop()
	}
	if axis != nil {
		if err := axis.Shutdown(shutdownCtx); err != nil {
			logger.Error("axis shutdown failed", "error", err)
		}
	}
	if err := busClient.Stop(shutdownCtx); err != nil {
		logger.Error("bus client shutdown failed", "error", err)
	}
	connMgr.Stop()
	evBus.Unsubscribe(eventCh)

	logger.Info("IOS stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Leveler, format string) *slog.Logger {
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

// loadConfig locates and parses the YAML configuration. If explicit is
// non-empty, that exact path is used (and must exist). Otherwise
// [config.FindConfig] searches the default locations.
func loadConfig(explicit, serviceName string) (*config.ServiceConfig, string, config.ValidationResult, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", config.ValidationResult{}, err
	}

	cfg, res, err := config.Load(cfgPath, serviceName)
	if err != nil {
		return nil, cfgPath, res, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, res, nil
}
