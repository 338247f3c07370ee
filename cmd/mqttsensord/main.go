// mqttsensord polls locally attached sensors and publishes their
// readings as JSON to an MQTT broker.
//
// Each configured sensor is polled on its own interval. A reading is
// published when it differs from the last one sent, or when the
// sensor's update interval has elapsed. Configuration is loaded from a
// single YAML (or legacy JSON) file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	mqttsensord run              Poll sensors and publish (the default daemon)
//	mqttsensord init [dir]       Write an example config into dir
//	mqttsensord validate         Load and check the config, then exit
//	mqttsensord last             Show the last payload published per sensor
//	mqttsensord version          Print version and build information
//	mqttsensord -o json version  Output version information as JSON
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
	"text/tabwriter"
	"time"

	"github.com/randomstring/MQTTsensord/internal/buildinfo"
	"github.com/randomstring/MQTTsensord/internal/config"
	"github.com/randomstring/MQTTsensord/internal/connwatch"
	"github.com/randomstring/MQTTsensord/internal/influx"
	"github.com/randomstring/MQTTsensord/internal/journal"
	"github.com/randomstring/MQTTsensord/internal/metrics"
	"github.com/randomstring/MQTTsensord/internal/mqtt"
	"github.com/randomstring/MQTTsensord/internal/scheduler"
	"github.com/randomstring/MQTTsensord/internal/source"
	"github.com/randomstring/MQTTsensord/internal/status"
)

// shutdownTimeout bounds the broker disconnect on exit.
const shutdownTimeout = 5 * time.Second

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime,
// stdout receives logs and command output, and args is os.Args[1:].
// Arguments are parsed by hand so that run can be called concurrently
// from tests without touching flag.CommandLine.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var verbose bool
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-v" || args[i] == "--verbose":
			verbose = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runDaemon(ctx, stdout, stderr, configPath, verbose)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "validate":
		return runValidate(stdout, configPath, outputFmt)
	case "last":
		return runLast(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runDaemon wires every component and runs the poll loop until ctx is
// cancelled or the process receives SIGINT/SIGTERM.
func runDaemon(ctx context.Context, stdout io.Writer, _ io.Writer, configPath string, verbose bool) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mqttsensord", "build", buildinfo.Current())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger = cfg.Logger(stdout, verbose)

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.BrokerURL(),
		"sensors", len(cfg.Sensors),
		"subscribe", len(cfg.Subscribe),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Data directory ---
	// Holds the instance id and the publish journal.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = mqtt.DefaultClientID(instanceID)
	}

	m := metrics.New()
	health := connwatch.NewManager(logger)
	defer health.Stop()

	// --- Broker session ---
	dispatcher := mqtt.NewDispatcher(commandLogger(logger), logger)
	dispatcher.SetRecorder(m)
	dispatcher.SetRateLimit(cfg.InboundRateLimit)
	go dispatcher.RunLimiter(ctx)

	session := mqtt.NewSession(mqtt.Options{
		BrokerURL: cfg.BrokerURL(),
		ClientID:  clientID,
		Username:  cfg.MQTTUser,
		Password:  cfg.MQTTPassword,
		KeepAlive: uint16(cfg.MQTTKeepAlive),
		CAFile:    cfg.MQTTCAFile,
		Subscribe: cfg.Subscribe,
		Notify:    cfg.Notify,
	}, dispatcher, logger)

	logger.Info("connecting to broker", "broker", cfg.BrokerURL(), "client_id", clientID, "instance_id", instanceID)
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := session.Stop(stopCtx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
	}()

	health.Watch(ctx, connwatch.Config{
		Name:     "mqtt",
		Probe:    session.AwaitConnection,
		OnChange: m.DependencyChanged,
	})

	// --- Observers ---
	// Everything downstream of a poll turn sees a snapshot via the
	// scheduler's observer hook.
	jnlPath := filepath.Join(cfg.DataDir, journal.FileName)
	jnl, err := journal.Open(jnlPath, logger)
	if err != nil {
		return err
	}
	defer jnl.Close()
	logger.Info("journal opened", "path", jnlPath)

	board := status.NewBoard()
	observers := []scheduler.Observer{m, board, jnl}

	if cfg.Influx.Configured() {
		w := influx.NewWriter(cfg.Influx, logger)
		defer w.Close()
		observers = append(observers, w)
		health.Watch(ctx, connwatch.Config{
			Name:     "influx",
			Probe:    w.Health,
			OnChange: m.DependencyChanged,
		})
		logger.Info("influx mirror enabled", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	// --- Scheduler ---
	sched := scheduler.New(scheduler.Config{
		Logger:         logger,
		Publisher:      session,
		Tick:           cfg.TickInterval(),
		PollTimeout:    cfg.PollTimeoutDuration(),
		PublishTimeout: cfg.PublishTimeoutDuration(),
		Observers:      observers,
	})
	for _, sc := range cfg.Sensors {
		if !sc.Type.Known() {
			logger.Warn("unknown sensor type, error object will be published",
				"sensor", sc.Name, "type", sc.Type)
		}
		sched.Add(sc, source.New(sc, logger))
		board.Register(scheduler.NewState(sc))
		logger.Info("sensor registered",
			"sensor", sc.Name,
			"type", sc.Type,
			"topic", sc.Topic,
			"poll_interval", sc.PollEvery(),
			"update_interval", sc.UpdateEvery(),
		)
	}

	// --- Status server ---
	if cfg.Status.Configured() {
		srv := status.NewServer(cfg.Status.Address, cfg.Status.Port, board, health, m.Handler(), logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	err = sched.Run(ctx)
	logger.Info("shutting down", "uptime", buildinfo.Uptime())
	return err
}

// commandLogger is the inbound command handler. Commands carry no
// actions yet; they are logged so operators can see what arrived.
func commandLogger(logger *slog.Logger) mqtt.CommandHandler {
	return func(_ context.Context, msg mqtt.Message) error {
		keys := make([]string, 0, len(msg.Fields))
		for k := range msg.Fields {
			keys = append(keys, k)
		}
		logger.Info("command received", "topic", msg.Topic, "qos", msg.QoS, "fields", keys)
		return nil
	}
}

// runValidate loads the configuration and prints a summary of what
// the daemon would do with it.
func runValidate(w io.Writer, configPath, outputFmt string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		type sensorSummary struct {
			Name           string `json:"name"`
			Type           string `json:"type"`
			Topic          string `json:"topic"`
			PollInterval   int    `json:"poll_interval"`
			UpdateInterval int    `json:"update_interval"`
		}
		out := struct {
			Path    string          `json:"path"`
			Broker  string          `json:"broker"`
			Sensors []sensorSummary `json:"sensors"`
		}{Path: cfgPath, Broker: cfg.BrokerURL(), Sensors: []sensorSummary{}}
		for _, s := range cfg.Sensors {
			out.Sensors = append(out.Sensors, sensorSummary{
				Name:           s.Name,
				Type:           string(s.Type),
				Topic:          s.Topic,
				PollInterval:   *s.PollInterval,
				UpdateInterval: *s.UpdateInterval,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "config %s is valid\n", cfgPath)
	fmt.Fprintf(w, "  %-12s %s\n", "broker:", cfg.BrokerURL())
	fmt.Fprintf(w, "  %-12s %s\n", "data_dir:", cfg.DataDir)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  NAME\tTYPE\tTOPIC\tPOLL\tUPDATE")
	for _, s := range cfg.Sensors {
		typ := string(s.Type)
		if !s.Type.Known() {
			typ += " (unknown)"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", s.Name, typ, s.Topic, s.PollEvery(), s.UpdateEvery())
	}
	return tw.Flush()
}

// runLast prints the journal: the last payload published per sensor.
func runLast(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	jnlPath := filepath.Join(cfg.DataDir, journal.FileName)
	if _, err := os.Stat(jnlPath); err != nil {
		return fmt.Errorf("no journal at %s (has the daemon run yet?)", jnlPath)
	}
	jnl, err := journal.Open(jnlPath, config.NewLogger(io.Discard, slog.LevelInfo, "text"))
	if err != nil {
		return err
	}
	defer jnl.Close()

	entries, err := jnl.List(ctx)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "nothing published yet")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SENSOR\tTOPIC\tPUBLISHED\tCOUNT\tPAYLOAD")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			e.Sensor, e.Topic, e.PublishedAt.Local().Format(time.DateTime), e.Publishes, e.Payload)
	}
	return tw.Flush()
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, kv := range info.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", kv[0]+":", kv[1])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mqttsensord - publish sensor readings to MQTT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mqttsensord [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Poll sensors and publish readings")
	fmt.Fprintln(w, "  init [dir]   Write an example config into dir (default: .)")
	fmt.Fprintln(w, "  validate     Check the config and print a summary")
	fmt.Fprintln(w, "  last         Show the last payload published per sensor")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -v                Debug logging regardless of log_level")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./mqttsensord.yaml, ./mqttsensord.json, ~/.config/mqttsensord/mqttsensord.yaml,")
	fmt.Fprintln(w, "  /etc/mqttsensord/mqttsensord.yaml, /etc/mqttsensord/mqttsensord.json")
	return nil
}

// loadConfig locates and parses the configuration file. If explicit is
// non-empty, that exact path is used (and must exist). Otherwise
// [config.FindConfig] searches the default locations.
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
