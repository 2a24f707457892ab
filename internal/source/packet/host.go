// Package packet implements the default hook host: one AF_PACKET SOCK_DGRAM socket per
// family and worker, delivering network-layer frames without the link-layer header.
package packet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/bpf"

	"firestige.xyz/magicreboot/internal/core"
	"firestige.xyz/magicreboot/internal/log"
	"firestige.xyz/magicreboot/internal/metrics"
	"firestige.xyz/magicreboot/internal/utils"
)

const (
	defaultWorkers     = 2
	defaultPollTimeout = 100 * time.Millisecond
	maxFrameLen        = 65535
)

// Config configures the host.
type Config struct {
	Interface   string // empty = all interfaces
	Port        uint16 // used for the kernel prefilter only
	Workers     int
	PollTimeout time.Duration
}

// conn is one receive socket.
type conn interface {
	// Recv blocks for at most the poll timeout. It returns errTimeout when nothing arrived.
	// pktType is the AF_PACKET packet type (utils.PacketHost etc).
	Recv(buf []byte) (n int, pktType uint8, ifindex int, err error)
	// Drops returns frames dropped since the previous call.
	Drops() (uint32, error)
	Close() error
}

type dialFunc func(family core.Family, ifindex, fanoutID int, filter []bpf.RawInstruction, timeout time.Duration) (conn, error)

var errTimeout = errors.New("receive timeout")

// Host delivers inbound frames to registered hooks.
type Host struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc

	mu     sync.Mutex
	active map[core.Family]*listener
}

type listener struct {
	conns  []conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a host. Sockets are opened by Register.
func New(cfg Config, logger *slog.Logger) *Host {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if logger == nil {
		logger = log.Get()
	}
	return &Host{
		cfg:    cfg,
		logger: logger.With("source", "packet"),
		dial:   dialSocket,
		active: make(map[core.Family]*listener),
	}
}

// Register opens the family's sockets and starts the reader goroutines.
func (h *Host) Register(ctx context.Context, family core.Family, fn core.HookFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.active[family]; ok {
		return fmt.Errorf("%w: %s", core.ErrHookAlreadyRegistered, family)
	}

	ifindex := 0
	if h.cfg.Interface != "" {
		iface, err := net.InterfaceByName(h.cfg.Interface)
		if err != nil {
			return fmt.Errorf("interface %s: %w", h.cfg.Interface, err)
		}
		ifindex = iface.Index
	}

	filter, err := utils.CompilePortFilter(family, h.cfg.Port, utils.LinkOffsetNone)
	if err != nil {
		return err
	}

	fanoutID := 0
	if h.cfg.Workers > 1 {
		fanoutID = fanoutGroup(family)
	}

	l := &listener{}
	for i := 0; i < h.cfg.Workers; i++ {
		c, err := h.dial(family, ifindex, fanoutID, filter, h.cfg.PollTimeout)
		if err != nil {
			for _, opened := range l.conns {
				_ = opened.Close()
			}
			return fmt.Errorf("open %s socket: %w", family, err)
		}
		l.conns = append(l.conns, c)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	for i, c := range l.conns {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			h.readLoop(runCtx, family, i, c, fn)
		}()
	}

	h.active[family] = l
	h.logger.Info("hook registered", "family", family, "interface", h.cfg.Interface, "workers", len(l.conns))
	return nil
}

// Unregister stops the family's readers, waits for in-flight hook calls and closes the
// sockets.
func (h *Host) Unregister(family core.Family) error {
	h.mu.Lock()
	l, ok := h.active[family]
	delete(h.active, family)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", core.ErrHookNotRegistered, family)
	}

	l.cancel()
	l.wg.Wait()

	var errs []error
	for _, c := range l.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.logger.Info("hook unregistered", "family", family)
	return errors.Join(errs...)
}

func (h *Host) readLoop(ctx context.Context, family core.Family, worker int, c conn, fn core.HookFunc) {
	buf := make([]byte, maxFrameLen)
	drops := metrics.CaptureDropsTotal.WithLabelValues("packet", family.String())

	for {
		if ctx.Err() != nil {
			return
		}

		n, pktType, ifindex, err := c.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errTimeout) {
				if d, err := c.Drops(); err == nil && d > 0 {
					drops.Add(float64(d))
				}
				continue
			}
			if errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Debug("receive failed", "family", family, "worker", worker, "error", err)
			continue
		}
		// The socket filter already drops these; a frame queued before the filter was
		// attached still gets here.
		if !utils.InboundPacketType(pktType) {
			continue
		}

		capLen := min(n, len(buf))
		fn(core.RawPacket{
			Family:         family,
			Data:           buf[:capLen],
			Timestamp:      time.Now(),
			CaptureLen:     uint32(capLen),
			OrigLen:        uint32(n),
			InterfaceIndex: ifindex,
		})
	}
}

// fanoutGroup derives a non-zero PACKET_FANOUT group id unique to this process and
// family.
func fanoutGroup(family core.Family) int {
	id := 0x8000 | (os.Getpid()&0x3fff)<<1
	if family == core.FamilyIPv6 {
		id |= 1
	}
	return id
}
