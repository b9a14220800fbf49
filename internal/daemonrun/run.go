// Package daemonrun owns the fringe daemon process lifecycle: logging setup,
// pid and log pointer files, the event bus and its archive, and the IPC
// socket. It wires the pieces together and blocks until the process is
// signalled.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fringe/internal/config"
	"fringe/internal/convert"
	"fringe/internal/daemon"
	"fringe/internal/events"
	"fringe/internal/ipc"
	"fringe/internal/logging"
	"fringe/internal/queue"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the fringe daemon runtime loop. It returns when the context is
// cancelled or the process receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("fringe-%s.log", runID))

	logger, err := logging.New(logging.Options{
		Level:            opts.LogLevel,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update fringe.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "fringe-*.log", Exclude: []string{logPath}},
	)

	logRuntimeSnapshot(logger, cfg)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}
	defer store.Close()

	bus := events.NewBus(2048)
	archive, err := events.OpenArchive(cfg.EventArchivePath())
	if err != nil {
		logger.Warn("event archive unavailable; history will not survive restarts",
			logging.Error(err),
			logging.String(logging.FieldEventType, "event_archive_unavailable"),
			logging.String(logging.FieldErrorHint, "check state_dir permissions"),
		)
		archive = nil
	} else {
		bus.AddSink(archive)
		defer archive.Close()
	}

	converter, err := convert.NewRunner(cfg, logger)
	if err != nil {
		return fmt.Errorf("init converter: %w", err)
	}

	d, err := daemon.New(cfg, store, bus, archive, converter, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Warn("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration and state database access"),
			logging.String(logging.FieldImpact, "the pipeline is idle; retry with: fringe start"),
		)
	}

	<-signalCtx.Done()
	logger.Info("fringe daemon shutting down")
	return nil
}

// ensureCurrentLogPointer keeps LogDir/fringe.log pointing at the active run
// log. Symlinks are preferred; filesystems without them get a hard link.
func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "fringe.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logRuntimeSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	tool := convert.CheckCommand(strings.TrimSpace(cfg.Converter.Command))
	logger.Info("runtime snapshot",
		logging.String(logging.FieldEventType, "runtime_snapshot"),
		logging.Bool("converter_available", tool.Available),
		logging.String("converter_command", tool.Command),
		logging.String("database_path", cfg.DatabasePath()),
		logging.String("socket_path", cfg.SocketPath()),
		logging.Bool("metrics_enabled", cfg.Metrics.Enabled),
		logging.Bool("webhook_configured", strings.TrimSpace(cfg.Notifications.WebhookURL) != ""),
	)
}
