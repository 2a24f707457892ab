// Package hook connects packet sources to the classifier, matcher and trigger.
package hook

import (
	"log/slog"
	"net/netip"

	"firestige.xyz/magicreboot/internal/core"
	"firestige.xyz/magicreboot/internal/core/decoder"
	"firestige.xyz/magicreboot/internal/log"
	"firestige.xyz/magicreboot/internal/metrics"
	"firestige.xyz/magicreboot/internal/secret"
)

// Trigger is what the adapter calls on a match. *trigger.Action implements it.
type Trigger interface {
	Fire(src netip.Addr)
}

// AdapterConfig holds the adapter's immutable inputs.
type AdapterConfig struct {
	Secret  *secret.Secret
	Port    uint16
	Verbose bool
	Trigger Trigger
	Logger  *slog.Logger

	// Destinations restricts matching to datagrams delivered to this host. Nil accepts
	// every destination.
	Destinations Destinations
}

// Adapter is the per-packet entry point. It keeps no mutable state of its own, so one
// Adapter serves every family and reader goroutine.
type Adapter struct {
	cfg    AdapterConfig
	logger *slog.Logger
}

// NewAdapter creates an adapter. A nil logger falls back to log.Get().
func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Get()
	}
	return &Adapter{cfg: cfg, logger: logger}
}

// Port returns the monitored destination port.
func (a *Adapter) Port() uint16 {
	return a.cfg.Port
}

// HookIPv4 is registered with the host for IPv4 frames.
func (a *Adapter) HookIPv4(pkt core.RawPacket) core.Verdict {
	pkt.Family = core.FamilyIPv4
	return a.OnPacket(pkt)
}

// HookIPv6 is registered with the host for IPv6 frames.
func (a *Adapter) HookIPv6(pkt core.RawPacket) core.Verdict {
	pkt.Family = core.FamilyIPv6
	return a.OnPacket(pkt)
}

// For returns the hook function for a family.
func (a *Adapter) For(f core.Family) core.HookFunc {
	if f == core.FamilyIPv6 {
		return a.HookIPv6
	}
	return a.HookIPv4
}

// OnPacket inspects one inbound frame. It always returns core.VerdictAccept.
func (a *Adapter) OnPacket(pkt core.RawPacket) (verdict core.Verdict) {
	verdict = core.VerdictAccept
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("hook panic recovered", "family", pkt.Family, "panic", r)
			verdict = core.VerdictAccept
		}
	}()

	if !a.cfg.Secret.Loaded() {
		return
	}

	family := pkt.Family.String()
	metrics.PacketsTotal.WithLabelValues(family).Inc()

	cp, err := decoder.Classify(pkt)
	if err != nil {
		reason := decoder.Reason(err)
		metrics.RejectedTotal.WithLabelValues(family, reason).Inc()
		if a.cfg.Verbose {
			a.logger.Debug("frame not applicable", "family", family, "reason", reason, "error", err)
		}
		return
	}

	if cp.DestinationPort != a.cfg.Port {
		return
	}
	if a.cfg.Destinations != nil && !a.cfg.Destinations.Local(cp.Destination) {
		metrics.RejectedTotal.WithLabelValues(family, metrics.ReasonNotLocal).Inc()
		if a.cfg.Verbose {
			a.logger.Debug("datagram not addressed to this host", "family", family, "src", cp.Source, "dst", cp.Destination)
		}
		return
	}
	metrics.PortHitsTotal.WithLabelValues(family).Inc()

	if a.cfg.Verbose {
		a.logger.Info("received UDP datagram on monitored port",
			"family", family, "src", cp.Source, "port", cp.DestinationPort, "len", len(cp.Payload))
	}

	if secret.Match(a.cfg.Secret, cp.Payload) == core.NotMatched {
		reason := metrics.ReasonContent
		if len(cp.Payload) != secret.Size {
			reason = metrics.ReasonWrongSize
		}
		metrics.MismatchesTotal.WithLabelValues(family, reason).Inc()
		if a.cfg.Verbose {
			if reason == metrics.ReasonWrongSize {
				a.logger.Info("wrong size", "expected", secret.Size, "got", len(cp.Payload))
			} else {
				a.logger.Info("packet content does not match magic key")
			}
		}
		return
	}

	metrics.MatchesTotal.WithLabelValues(family).Inc()
	log.Emergency(a.logger, "received valid magic packet", "src", cp.Source, "family", family)
	if a.cfg.Trigger != nil {
		a.cfg.Trigger.Fire(cp.Source)
	}
	return verdict
}
