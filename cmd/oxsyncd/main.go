package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oxsync/oxsyncd/internal/config"
	"github.com/oxsync/oxsyncd/internal/control"
	"github.com/oxsync/oxsyncd/internal/daemon"
	"github.com/oxsync/oxsyncd/internal/logbus"
	"github.com/oxsync/oxsyncd/internal/metrics"
	"github.com/oxsync/oxsyncd/internal/scheduler"
	"github.com/oxsync/oxsyncd/internal/status"
	"github.com/oxsync/oxsyncd/internal/sync"
)

const defaultConfigPath = "/etc/oxsyncd/config.json"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile    string
	logLevel   string
	logFormat  string
	dryRun     bool
	listenAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		os.Exit(1)
	}
}

// exitCodeError carries a specific process exit code out of a RunE.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "oxsyncd",
	Short: "Keep game-server plugin and config directories in sync with a git branch",
	Long: `oxsyncd continuously reconciles one or more game-server plugin/config
directories against a git repository tracking a remote branch. It only ever
fetches; nothing listens for inbound pushes.

It can run as a long-lived daemon with a localhost control API for the
dashboard, or perform a single pass and exit with a status code suitable
for timers and scripts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon with the control API",
	Long: `Run starts the periodic reconciliation loop over all enabled targets and
serves the control API the dashboard talks to: status, history, config
management, pause/resume, run-once, dry-run toggle and the live log stream.

The config file is also watched for edits made outside the API; valid edits
are applied with a scheduler restart, invalid ones are logged and ignored.`,
	RunE: runDaemon,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform one pass over all enabled targets and exit",
	Long: `Sync runs a single reconciliation pass per enabled target, then exits with
the worst pass outcome: 0 success or no change, 1 environment error, 2 git
error, 3 validation error, 4 copy error.`,
	RunE: runSync,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and print any problems",
	RunE:  runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("oxsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+defaultConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and report plans without touching target files (fixed for process lifetime)")
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "control API listen address (default 127.0.0.1:8787, or ListenAddr from config)")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and report plans without touching target files")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, path, err := loadConfigOrExit()
	if err != nil {
		return err
	}

	bus := logbus.New()
	logger, closeLog, err := setupLogger(cfg.LogPath, bus)
	if err != nil {
		return &exitCodeError{code: sync.ExitEnvironment, err: err}
	}
	defer closeLog()

	m := metrics.New(func() float64 { return float64(bus.Dropped()) })
	rt := daemon.NewRuntime(path, cfg, bus, m, logger, dryRun)
	rt.Start()
	defer rt.Stop()

	go func() {
		if err := rt.WatchConfig(ctx, logger); err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		}
	}()

	addr := listenAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	if addr == "" {
		addr = "127.0.0.1:8787"
	}

	srv := control.NewServer(addr, rt, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("control API failed", "error", err)
		return err
	}

	bus.Close()
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, _, err := loadConfigOrExit()
	if err != nil {
		return err
	}

	bus := logbus.New()
	defer bus.Close()
	logger, closeLog, err := setupLogger(cfg.LogPath, bus)
	if err != nil {
		return &exitCodeError{code: sync.ExitEnvironment, err: err}
	}
	defer closeLog()

	names := make([]string, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		names = append(names, t.Name)
	}
	store := status.NewStore(names)
	history := status.NewHistory(status.DefaultHistoryCapacity)
	sched := scheduler.New(cfg, scheduler.DefaultClientFactory(cfg, logger), store, history, nil, logger, dryRun)

	logger.Info("START")
	worst := sync.ExitOK
	for _, res := range sched.RunAll(ctx) {
		if code := sync.ExitCode(res.Err); code > worst {
			worst = code
		}
	}
	if worst != sync.ExitOK {
		return &exitCodeError{code: worst, err: fmt.Errorf("sync finished with errors")}
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := configPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return &exitCodeError{code: sync.ExitEnvironment, err: fmt.Errorf("failed to read config: %w", err)}
	}

	if _, errs := config.Check(data); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		return &exitCodeError{code: sync.ExitConfig, err: fmt.Errorf("configuration invalid (%d problems)", len(errs))}
	}

	fmt.Printf("%s: configuration valid\n", path)
	return nil
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return defaultConfigPath
}

// loadConfigOrExit loads the config, creating a sample on first run. A
// missing config is exit code 1 after the sample is written; a malformed
// one is exit code 5. Both must fail loudly before any loop starts.
func loadConfigOrExit() (*config.Config, string, error) {
	path := configPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if werr := config.WriteSample(path); werr != nil {
			return nil, "", &exitCodeError{code: sync.ExitEnvironment,
				err: fmt.Errorf("failed to create sample config: %w", werr)}
		}
		fmt.Fprintf(os.Stderr, "ERROR code=%d config created at: %s\n", sync.ExitEnvironment, path)
		fmt.Fprintln(os.Stderr, "Please edit the config and restart the service.")
		return nil, "", &exitCodeError{code: sync.ExitEnvironment, err: fmt.Errorf("config created at %s", path)}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR code=%d %v\n", sync.ExitConfig, err)
		return nil, "", &exitCodeError{code: sync.ExitConfig, err: err}
	}
	return cfg, path, nil
}

// setupLogger builds the daemon logger: records go to stdout, to the log
// file, and onto the bus feeding the dashboard stream.
func setupLogger(logPath string, bus *logbus.Bus) (*slog.Logger, func(), error) {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := io.Writer(os.Stdout)
	closeLog := func() {}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closeLog = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(logbus.NewBusHandler(handler, bus)), closeLog, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
