// Package afpacket implements a hook host on AF_PACKET TPACKET_V3 rings. One set of
// rings carries both families; frames are dispatched on their EtherType.
package afpacket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"golang.org/x/net/bpf"

	"firestige.xyz/magicreboot/internal/core"
	"firestige.xyz/magicreboot/internal/core/decoder"
	"firestige.xyz/magicreboot/internal/log"
	"firestige.xyz/magicreboot/internal/metrics"
	"firestige.xyz/magicreboot/internal/utils"
)

const (
	defaultSnapLen      = 2048
	defaultBufferSizeMB = 8
	defaultPollTimeout  = 100 * time.Millisecond
)

// Config configures the rings.
type Config struct {
	Interface    string // empty = all interfaces
	Port         uint16 // used for the kernel prefilter only
	Workers      int
	PollTimeout  time.Duration
	SnapLen      int
	BufferSizeMB int
}

// ring is the subset of *afpacket.TPacket the read loop uses.
type ring interface {
	ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	SocketStats() (afpacket.SocketStats, afpacket.SocketStatsV3, error)
	Close()
}

type openFunc func(cfg Config, fanoutID uint16, filter []bpf.RawInstruction) (ring, error)

type hookTable map[core.Family]core.HookFunc

// Host delivers inbound frames from the rings to registered hooks.
type Host struct {
	cfg    Config
	logger *slog.Logger
	open   openFunc

	hooks    atomic.Pointer[hookTable]
	inflight [2]atomic.Int32 // hook calls running, by familySlot

	mu     sync.Mutex
	rings  []ring
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a host. The rings are opened by the first Register.
func New(cfg Config, logger *slog.Logger) *Host {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = defaultSnapLen
	}
	if cfg.BufferSizeMB <= 0 {
		cfg.BufferSizeMB = defaultBufferSizeMB
	}
	if logger == nil {
		logger = log.Get()
	}
	h := &Host{
		cfg:    cfg,
		logger: logger.With("source", "afpacket"),
		open:   openTPacket,
	}
	h.hooks.Store(&hookTable{})
	return h
}

// Register installs fn for family and starts the rings if they are not running.
func (h *Host) Register(ctx context.Context, family core.Family, fn core.HookFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := *h.hooks.Load()
	if _, ok := current[family]; ok {
		return fmt.Errorf("%w: %s", core.ErrHookAlreadyRegistered, family)
	}

	if h.rings == nil {
		if err := h.start(ctx); err != nil {
			return err
		}
	}

	next := make(hookTable, len(current)+1)
	for f, hook := range current {
		next[f] = hook
	}
	next[family] = fn
	h.hooks.Store(&next)

	h.logger.Info("hook registered", "family", family, "interface", h.cfg.Interface)
	return nil
}

// Unregister removes the family's hook and returns once no call to it is running. The
// rings are closed with the last hook.
func (h *Host) Unregister(family core.Family) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := *h.hooks.Load()
	if _, ok := current[family]; !ok {
		return fmt.Errorf("%w: %s", core.ErrHookNotRegistered, family)
	}

	next := make(hookTable, len(current))
	for f, hook := range current {
		if f != family {
			next[f] = hook
		}
	}
	h.hooks.Store(&next)

	if len(next) == 0 {
		h.stop()
	} else {
		for h.inflight[familySlot(family)].Load() != 0 {
			time.Sleep(time.Millisecond)
		}
	}
	h.logger.Info("hook unregistered", "family", family)
	return nil
}

func (h *Host) start(ctx context.Context) error {
	filter, err := utils.CompileEthernetFilter(h.cfg.Port)
	if err != nil {
		return err
	}

	var fanoutID uint16
	if h.cfg.Workers > 1 {
		fanoutID = uint16(0x8000 | os.Getpid()&0x7fff)
	}

	rings := make([]ring, 0, h.cfg.Workers)
	for i := 0; i < h.cfg.Workers; i++ {
		r, err := h.open(h.cfg, fanoutID, filter)
		if err != nil {
			for _, opened := range rings {
				opened.Close()
			}
			return fmt.Errorf("open TPACKET_V3 ring on %q: %w", h.cfg.Interface, err)
		}
		rings = append(rings, r)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.rings = rings
	for i, r := range rings {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.readLoop(runCtx, i, r)
		}()
	}
	h.logger.Info("afpacket capture started", "interface", h.cfg.Interface, "workers", len(rings))
	return nil
}

// stop cancels the readers and closes each ring after its reader has returned; the
// ring memory must not be unmapped under a running ZeroCopyReadPacketData.
func (h *Host) stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	for _, r := range h.rings {
		r.Close()
	}
	h.rings = nil
	h.cancel = nil
	h.logger.Info("afpacket capture stopped", "interface", h.cfg.Interface)
}

func (h *Host) readLoop(ctx context.Context, worker int, r ring) {
	drops := metrics.CaptureDropsTotal.WithLabelValues("afpacket", "ring")
	var lastDrops uint

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, ci, err := r.ZeroCopyReadPacketData()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, afpacket.ErrTimeout) {
				if _, v3, err := r.SocketStats(); err == nil && v3.Drops() > lastDrops {
					drops.Add(float64(v3.Drops() - lastDrops))
					lastDrops = v3.Drops()
				}
				continue
			}
			h.logger.Debug("ring read failed", "worker", worker, "error", err)
			continue
		}

		etherType, payload, err := decoder.StripLinkLayer(data)
		if err != nil {
			continue
		}
		family, ok := decoder.FamilyOfEtherType(etherType)
		if !ok {
			continue
		}

		linkLen := len(data) - len(payload)
		h.dispatch(core.RawPacket{
			Family:         family,
			Data:           payload,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(len(payload)),
			OrigLen:        uint32(max(ci.Length-linkLen, len(payload))),
			InterfaceIndex: ci.InterfaceIndex,
		})
	}
}

// dispatch counts the call as in flight before looking up the hook, so an Unregister
// that swapped the table either sees the count or this call sees the new table.
func (h *Host) dispatch(pkt core.RawPacket) {
	slot := &h.inflight[familySlot(pkt.Family)]
	slot.Add(1)
	defer slot.Add(-1)

	if fn := (*h.hooks.Load())[pkt.Family]; fn != nil {
		fn(pkt)
	}
}

func familySlot(f core.Family) int {
	if f == core.FamilyIPv6 {
		return 1
	}
	return 0
}

// ringFanout spreads flows across workers without kernel defragmentation, so fragments
// reach the classifier as fragments.
const ringFanout = afpacket.FanoutHash

func openTPacket(cfg Config, fanoutID uint16, filter []bpf.RawInstruction) (ring, error) {
	frameSize, blockSize, numBlocks, err := recomputeSize(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}

	opts := []interface{}{
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(cfg.PollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	}
	if cfg.Interface != "" {
		opts = append(opts, afpacket.OptInterface(cfg.Interface))
	}

	tp, err := afpacket.NewTPacket(opts...)
	if err != nil {
		return nil, err
	}
	if err := tp.SetBPF(filter); err != nil {
		tp.Close()
		return nil, fmt.Errorf("failed to set BPF: %w", err)
	}
	if fanoutID > 0 {
		if err := tp.SetFanout(ringFanout, fanoutID); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to set fanout: %w", err)
		}
	}
	if err := tp.InitSocketStats(); err != nil {
		tp.Close()
		return nil, fmt.Errorf("failed to init socket stats: %w", err)
	}
	return tp, nil
}
