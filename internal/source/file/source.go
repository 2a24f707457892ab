// Package file implements a hook host that replays a pcap or pcapng capture.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/magicreboot/internal/core"
	"firestige.xyz/magicreboot/internal/core/decoder"
)

// Stats summarises one replay.
type Stats struct {
	Packets    int                 // records read
	Dispatched map[core.Family]int // handed to a hook
	Skipped    int                 // not IP, bad link header, or no hook for the family
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source replays a capture file into registered hooks.
type Source struct {
	path string

	mu    sync.Mutex
	hooks map[core.Family]core.HookFunc
}

// NewSource creates a replay source for path.
func NewSource(path string) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("pcap file path is required")
	}
	return &Source{path: path, hooks: make(map[core.Family]core.HookFunc)}, nil
}

// Register installs fn for family. Replay starts with Run.
func (s *Source) Register(_ context.Context, family core.Family, fn core.HookFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hooks[family]; ok {
		return fmt.Errorf("%w: %s", core.ErrHookAlreadyRegistered, family)
	}
	s.hooks[family] = fn
	return nil
}

// Unregister removes the family's hook.
func (s *Source) Unregister(family core.Family) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hooks[family]; !ok {
		return fmt.Errorf("%w: %s", core.ErrHookNotRegistered, family)
	}
	delete(s.hooks, family)
	return nil
}

// Run reads the whole file and dispatches every IP frame to its family's hook.
func (s *Source) Run(ctx context.Context) (Stats, error) {
	stats := Stats{Dispatched: make(map[core.Family]int)}

	f, err := os.Open(s.path)
	if err != nil {
		return stats, fmt.Errorf("failed to open pcap file %s: %w", s.path, err)
	}
	defer f.Close()

	r, err := openReader(f)
	if err != nil {
		return stats, fmt.Errorf("failed to read pcap file %s: %w", s.path, err)
	}
	strip, err := linkStripper(r.LinkType())
	if err != nil {
		return stats, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		family, payload, ok := strip(data)
		if !ok {
			stats.Skipped++
			continue
		}

		s.mu.Lock()
		fn := s.hooks[family]
		s.mu.Unlock()
		if fn == nil {
			stats.Skipped++
			continue
		}

		fn(core.RawPacket{
			Family:         family,
			Data:           payload,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(len(payload)),
			OrigLen:        uint32(max(ci.Length-(len(data)-len(payload)), len(payload))),
			InterfaceIndex: ci.InterfaceIndex,
		})
		stats.Dispatched[family]++
	}
}

// openReader accepts both classic pcap and pcapng.
func openReader(f *os.File) (packetReader, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	// pcapng section header block
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

type stripFunc func(data []byte) (core.Family, []byte, bool)

func linkStripper(lt layers.LinkType) (stripFunc, error) {
	byEtherType := func(strip func([]byte) (uint16, []byte, error)) stripFunc {
		return func(data []byte) (core.Family, []byte, bool) {
			et, payload, err := strip(data)
			if err != nil {
				return 0, nil, false
			}
			family, ok := decoder.FamilyOfEtherType(et)
			return family, payload, ok
		}
	}

	switch lt {
	case layers.LinkTypeEthernet:
		return byEtherType(decoder.StripLinkLayer), nil
	case layers.LinkTypeLinuxSLL:
		return byEtherType(decoder.StripLinuxSLL), nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return func(data []byte) (core.Family, []byte, bool) {
			family, ok := decoder.FamilyOf(data)
			return family, data, ok
		}, nil
	default:
		return nil, fmt.Errorf("unsupported link type %s", lt)
	}
}
