// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"firestige.xyz/magicreboot/internal/config"
	"firestige.xyz/magicreboot/internal/core"
	"firestige.xyz/magicreboot/internal/core/decoder"
	"firestige.xyz/magicreboot/internal/hook"
	logpkg "firestige.xyz/magicreboot/internal/log"
	"firestige.xyz/magicreboot/internal/secret"
	"firestige.xyz/magicreboot/internal/source/file"
	"firestige.xyz/magicreboot/internal/trigger"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a capture file through the packet hooks",
	Long: `Read a pcap or pcapng capture and feed every IPv4/IPv6 frame through the same
hooks the daemon registers, always in dry-run mode. Prints how many packets were
classified, addressed to the monitored port and matched the key.

The host is never restarted by this command.

Examples:
  magic-reboot replay --pcap capture.pcap --key magic.key
  magic-reboot replay --pcap capture.pcapng -c /etc/magic-reboot/config.yml -v`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runReplay(ctx, replayPcap, cmd.Flags(), cmd.OutOrStdout())
	},
}

var replayPcap string

func init() {
	addReplayFlags(replayCmd.Flags())
	_ = replayCmd.MarkFlagRequired("pcap")
}

func addReplayFlags(f *pflag.FlagSet) {
	f.StringVar(&replayPcap, "pcap", "", "capture file to replay (pcap or pcapng)")
	f.IntP("port", "p", 999, "UDP destination port to monitor")
	f.StringP("key", "k", "", "path to the 64-byte magic key file")
	f.Bool("strict-key", false, "reject key files longer than 64 bytes")
	f.BoolP("verbose", "v", false, "log every datagram seen on the monitored port")
	f.String("log-level", "info", "log level: debug | info | warn | error")
}

// replaySummary counts what the hooks saw during one replay.
type replaySummary struct {
	file.Stats
	Classified int
	OnPort     int
	Matched    []netip.Addr
}

func (s *replaySummary) print(w io.Writer) {
	fmt.Fprintf(w, "packets:    %d\n", s.Packets)
	fmt.Fprintf(w, "ipv4:       %d\n", s.Dispatched[core.FamilyIPv4])
	fmt.Fprintf(w, "ipv6:       %d\n", s.Dispatched[core.FamilyIPv6])
	fmt.Fprintf(w, "skipped:    %d\n", s.Skipped)
	fmt.Fprintf(w, "classified: %d\n", s.Classified)
	fmt.Fprintf(w, "on port:    %d\n", s.OnPort)
	fmt.Fprintf(w, "matched:    %d\n", len(s.Matched))
	for _, src := range s.Matched {
		fmt.Fprintf(w, "  from %s\n", src)
	}
}

// countingHost observes each frame before the adapter sees it.
type countingHost struct {
	hook.Host
	port    uint16
	summary *replaySummary
}

func (h *countingHost) Register(ctx context.Context, family core.Family, fn core.HookFunc) error {
	return h.Host.Register(ctx, family, func(pkt core.RawPacket) core.Verdict {
		if cp, err := decoder.Classify(pkt); err == nil {
			h.summary.Classified++
			if cp.DestinationPort == h.port {
				h.summary.OnPort++
			}
		}
		return fn(pkt)
	})
}

// matchRecorder remembers match sources and forwards to the dry-run action.
type matchRecorder struct {
	action  *trigger.Action
	summary *replaySummary
}

func (m *matchRecorder) Fire(src netip.Addr) {
	m.summary.Matched = append(m.summary.Matched, src)
	m.action.Fire(src)
}

func runReplay(ctx context.Context, pcapPath string, flags *pflag.FlagSet, w io.Writer) error {
	cfg, err := config.Load(configFile, config.WithFlags(flags))
	if err != nil {
		return err
	}
	cfg.Mode = core.ModeDryRun
	cfg.Log.Journald = false

	if err := logpkg.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logpkg.Get().With("pcap", pcapPath)

	s, err := secret.Load(cfg.Key.Path, secret.WithStrictSize(cfg.Key.Strict))
	if err != nil {
		return err
	}
	defer s.Wipe()

	src, err := file.NewSource(pcapPath)
	if err != nil {
		return err
	}

	summary := &replaySummary{}
	// The restarter is never reached in dry-run.
	action := trigger.New(core.ModeDryRun, &trigger.Recorder{}, logger)
	adapter := hook.NewAdapter(hook.AdapterConfig{
		Secret:  s,
		Port:    uint16(cfg.Port),
		Verbose: cfg.Verbose,
		Trigger: &matchRecorder{action: action, summary: summary},
		Logger:  logger,
		// captures usually come from other machines; every destination counts
	})

	registry := hook.NewRegistry(&countingHost{Host: src, port: uint16(cfg.Port), summary: summary}, logger)
	if _, err := registry.Activate(ctx, adapter); err != nil {
		return err
	}
	defer registry.Teardown()

	summary.Stats, err = src.Run(ctx)
	if err != nil {
		return err
	}

	summary.print(w)
	return nil
}
