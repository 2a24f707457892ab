// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"

	"firestige.xyz/magicreboot/internal/config"
	"firestige.xyz/magicreboot/internal/hook"
	logpkg "firestige.xyz/magicreboot/internal/log"
	"firestige.xyz/magicreboot/internal/metrics"
	"firestige.xyz/magicreboot/internal/secret"
	"firestige.xyz/magicreboot/internal/source/afpacket"
	"firestige.xyz/magicreboot/internal/source/packet"
	"firestige.xyz/magicreboot/internal/trigger"
)

// Version is reported in the startup log.
var Version = "0.1.0"

// Daemon manages the listener process lifecycle.
type Daemon struct {
	config *config.Config

	// Core components
	secret        *secret.Secret
	action        *trigger.Action
	adapter       *hook.Adapter
	host          hook.Host
	registry      *hook.Registry
	coverage      hook.Coverage
	metricsServer *metrics.Server // nil if metrics disabled

	// Overrides, used by tests
	restarter    trigger.Restarter
	destinations hook.Destinations
	notify       func(state string) (bool, error)

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// Option customises a Daemon.
type Option func(*Daemon)

// WithHost replaces the packet source selected by capture.backend.
func WithHost(h hook.Host) Option {
	return func(d *Daemon) { d.host = h }
}

// WithRestarter replaces the restart primitive selected by trigger.method.
func WithRestarter(r trigger.Restarter) Option {
	return func(d *Daemon) { d.restarter = r }
}

// WithDestinations replaces the local routing table lookup that decides which
// destination addresses belong to this host.
func WithDestinations(dst hook.Destinations) Option {
	return func(d *Daemon) { d.destinations = dst }
}

// WithNotifier replaces the systemd readiness notifier.
func WithNotifier(fn func(state string) (bool, error)) Option {
	return func(d *Daemon) { d.notify = fn }
}

// New creates a new Daemon instance from a validated configuration.
func New(cfg *config.Config, opts ...Option) *Daemon {
	d := &Daemon{
		config:       cfg,
		shutdownChan: make(chan struct{}, 1),
		notify: func(state string) (bool, error) {
			return sddaemon.SdNotify(false, state)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start initializes all components and registers the hooks. On error everything
// already set up is released again.
func (d *Daemon) Start() (err error) {
	// 1. Initialize logging system
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logpkg.Get()

	defer func() {
		if err != nil {
			d.release()
		}
	}()

	// 2. Write PID file
	if err := writePIDFile(d.config.Control.PIDFile); err != nil {
		return err
	}

	// 3. Load the key before anything can deliver a packet
	d.secret, err = secret.Load(d.config.Key.Path, secret.WithStrictSize(d.config.Key.Strict))
	if err != nil {
		return fmt.Errorf("failed to load magic packet key: %w", err)
	}
	logger.Info("loaded magic packet key", "path", d.config.Key.Path, "fingerprint", d.secret.Fingerprint())

	// 4. Trigger and adapter
	restarter := d.restarter
	if restarter == nil {
		restarter, err = trigger.NewRestarter(d.config.Trigger.Method, d.config.Trigger.SysRqPath)
		if err != nil {
			return err
		}
	}
	d.action = trigger.New(d.config.Mode, restarter, logger)

	// Only datagrams delivered to this host count, as for a local-input hook
	if d.destinations == nil {
		table := hook.NewLocalTable(logger)
		if err := table.Refresh(); err != nil {
			return err
		}
		d.destinations = table
	}

	d.adapter = hook.NewAdapter(hook.AdapterConfig{
		Secret:       d.secret,
		Port:         uint16(d.config.Port),
		Verbose:      d.config.Verbose,
		Trigger:      d.action,
		Logger:       logger,
		Destinations: d.destinations,
	})

	// 5. Packet source and hooks
	if d.host == nil {
		d.host = newHost(d.config, logger)
	}
	d.registry = hook.NewRegistry(d.host, logger)
	d.coverage, err = d.registry.Activate(d.ctx, d.adapter)
	if err != nil {
		return err
	}

	// 6. Metrics server
	if d.config.Metrics.Enabled {
		d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
		if err := d.metricsServer.Start(d.ctx); err != nil {
			return err
		}
	}

	logger.Info("magic-reboot listening",
		"version", Version,
		"port", d.config.Port,
		"coverage", d.coverage.String(),
		"mode", d.config.Mode.String(),
		"backend", d.config.Capture.Backend,
		"trigger", restarter.Name(),
		"fingerprint", d.secret.Fingerprint(),
	)

	// 7. Tell systemd we are up
	if sent, err := d.notify(sddaemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify READY failed", "error", err)
	} else if sent {
		logger.Debug("sd_notify READY sent")
	}
	return nil
}

// Stop performs graceful shutdown. It is safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		slog.Info("initiating graceful shutdown")
		if _, err := d.notify(sddaemon.SdNotifyStopping); err != nil {
			slog.Debug("sd_notify STOPPING failed", "error", err)
		}
		d.release()
		slog.Info("daemon stopped gracefully")
	})
}

// release tears down in reverse start order. The key is wiped only after every hook
// is gone.
func (d *Daemon) release() {
	if d.registry != nil {
		if err := d.registry.Teardown(); err != nil {
			slog.Error("error unregistering hooks", "error", err)
		}
	}

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
		d.metricsServer = nil
	}

	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	d.secret.Wipe()

	if err := removePIDFile(d.config.Control.PIDFile); err != nil {
		slog.Error("error removing PID file", "error", err)
	}
}

// Run blocks until SIGTERM/SIGINT, TriggerShutdown or context cancellation. SIGHUP is
// acknowledged and ignored: neither the key nor the hooks change while running.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil
			case syscall.SIGHUP:
				slog.Warn("SIGHUP ignored: reload is not supported, restart the service to change the key or configuration")
			}

		case <-d.shutdownChan:
			slog.Info("shutdown requested")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// TriggerShutdown asks Run to stop.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// Coverage reports the families registered by Start.
func (d *Daemon) Coverage() hook.Coverage {
	return d.coverage
}

func newHost(cfg *config.Config, logger *slog.Logger) hook.Host {
	if cfg.Capture.Backend == config.BackendAFPacket {
		return afpacket.New(afpacket.Config{
			Interface:    cfg.Capture.Interface,
			Port:         uint16(cfg.Port),
			Workers:      cfg.Capture.Workers,
			PollTimeout:  cfg.Capture.PollTimeout,
			SnapLen:      cfg.Capture.SnapLen,
			BufferSizeMB: cfg.Capture.BufferSizeMB,
		}, logger)
	}
	return packet.New(packet.Config{
		Interface:   cfg.Capture.Interface,
		Port:        uint16(cfg.Port),
		Workers:     cfg.Capture.Workers,
		PollTimeout: cfg.Capture.PollTimeout,
	}, logger)
}
