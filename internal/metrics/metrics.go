// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts frames handed to the hook by family
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magic_reboot_packets_total",
			Help: "Total number of inbound frames seen by the hook",
		},
		[]string{"family"},
	)

	// RejectedTotal counts frames the classifier found not applicable
	RejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magic_reboot_rejected_total",
			Help: "Total number of frames that are not UDP datagrams the listener can inspect",
		},
		[]string{"family", "reason"},
	)

	// PortHitsTotal counts UDP datagrams addressed to the monitored port
	PortHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magic_reboot_port_hits_total",
			Help: "Total number of UDP datagrams addressed to the monitored port",
		},
		[]string{"family"},
	)

	// MatchesTotal counts magic packets
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magic_reboot_matches_total",
			Help: "Total number of datagrams whose payload matched the secret",
		},
		[]string{"family"},
	)

	// MismatchesTotal counts datagrams on the monitored port that did not match
	MismatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magic_reboot_mismatches_total",
			Help: "Total number of datagrams on the monitored port that did not match",
		},
		[]string{"family", "reason"},
	)

	// TriggersTotal counts restart decisions by mode
	TriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magic_reboot_triggers_total",
			Help: "Total number of restart decisions",
		},
		[]string{"mode"},
	)

	// HookRegistered reports which families currently have a hook (0 or 1)
	HookRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magic_reboot_hook_registered",
			Help: "Whether the hook is registered for the family (1=registered)",
		},
		[]string{"family"},
	)

	// CaptureDropsTotal counts frames the kernel dropped before the hook saw them. The
	// socket label is the family for per-family sockets, "ring" for a shared ring.
	CaptureDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magic_reboot_capture_drops_total",
			Help: "Total number of frames dropped by the capture socket",
		},
		[]string{"backend", "socket"},
	)
)

// Mismatch reasons.
const (
	ReasonWrongSize = "wrong_size"
	ReasonContent   = "content"
)

// ReasonNotLocal is the reject reason for datagrams addressed to another host.
const ReasonNotLocal = "not_local"
