// Package trigger turns a matched magic packet into a host restart.
package trigger

import (
	"log/slog"
	"net/netip"
	"sync/atomic"

	"firestige.xyz/magicreboot/internal/core"
	"firestige.xyz/magicreboot/internal/log"
	"firestige.xyz/magicreboot/internal/metrics"
)

// Action decides what a match does: log in dry-run mode, restart otherwise.
// Fire is safe to call from any number of hook goroutines.
type Action struct {
	mode      core.Mode
	restarter Restarter
	logger    *slog.Logger
	fired     atomic.Bool
}

// New builds an Action. A nil logger falls back to log.Get().
func New(mode core.Mode, restarter Restarter, logger *slog.Logger) *Action {
	if logger == nil {
		logger = log.Get()
	}
	return &Action{
		mode:      mode,
		restarter: restarter,
		logger:    logger,
	}
}

// Mode returns the configured mode.
func (a *Action) Mode() core.Mode {
	return a.mode
}

// Fire handles one matched packet from src.
func (a *Action) Fire(src netip.Addr) {
	if a.mode == core.ModeDryRun {
		metrics.TriggersTotal.WithLabelValues(core.ModeDryRun.String()).Inc()
		a.logger.Info("dry-run: restart suppressed", "src", src)
		return
	}

	if !a.fired.CompareAndSwap(false, true) {
		a.logger.Debug("restart already in progress", "src", src)
		return
	}

	metrics.TriggersTotal.WithLabelValues(core.ModeEnforce.String()).Inc()
	log.Emergency(a.logger, "triggering emergency restart", "src", src, "method", a.restarter.Name())

	if err := a.restarter.Restart(); err != nil {
		a.logger.Error("emergency restart failed", "method", a.restarter.Name(), "error", err)
		a.fired.Store(false)
	}
}

// Fired reports whether a restart has been started and not failed.
func (a *Action) Fired() bool {
	return a.fired.Load()
}
