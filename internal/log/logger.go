// Package log implements structured logging using slog.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/coreos/go-systemd/v22/journal"
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/magicreboot/internal/config"
)

var (
	current atomic.Pointer[slog.Logger]

	// journald is consulted only by Emergency; the hooks are swapped in tests.
	journaldOn     atomic.Bool
	journalEnabled = journal.Enabled
	journalSend    = journal.Send
)

// Init initializes the global logger based on configuration.
func Init(cfg config.LogConfig) error {
	return InitWriter(cfg, os.Stdout)
}

// InitWriter is Init with an explicit console writer.
func InitWriter(cfg config.LogConfig, console io.Writer) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	writers := []io.Writer{console}

	if cfg.Outputs.File.Enabled {
		w, err := createFileWriter(cfg.Outputs.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, w)
	}

	multiWriter := io.MultiWriter(writers...)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: levelName,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(multiWriter, opts)
	case "text":
		handler = slog.NewTextHandler(multiWriter, opts)
	default:
		return fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	logger := slog.New(handler).With("component", "magic-reboot")
	current.Store(logger)
	slog.SetDefault(logger)
	journaldOn.Store(cfg.Journald)

	return nil
}

// Get returns the logger installed by Init, or slog.Default before that.
func Get() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Emergency logs msg at LevelEmergency and, when journald output is on and the journal
// socket is reachable, also sends it to the journal at emergency priority so it reaches
// the consoles before the restart.
func Emergency(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		logger = Get()
	}
	logger.Log(context.Background(), LevelEmergency, msg, args...)

	if !journaldOn.Load() || !journalEnabled() {
		return
	}
	if err := journalSend(msg, journal.PriEmerg, journalFields(args)); err != nil {
		logger.Warn("journal emergency notice failed", "error", err)
	}
}

// journalFields turns slog key/value pairs into journal fields (uppercase keys).
func journalFields(args []any) map[string]string {
	r := slog.Record{}
	r.Add(args...)
	fields := map[string]string{"SYSLOG_IDENTIFIER": "magic-reboot"}
	r.Attrs(func(a slog.Attr) bool {
		key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(a.Key))
		fields["MAGIC_REBOOT_"+key] = a.Value.String()
		return true
	})
	return fields
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (io.Writer, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
