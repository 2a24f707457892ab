package hook

import (
	"bytes"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"firestige.xyz/magicreboot/internal/core"
	"firestige.xyz/magicreboot/internal/secret"
)

var magic = bytes.Repeat([]byte{0xAA}, secret.Size)

func udpPacket(t *testing.T, family core.Family, dstPort uint16, payload []byte) core.RawPacket {
	t.Helper()

	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
	var network gopacket.SerializableLayer
	switch family {
	case core.FamilyIPv4:
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.ParseIP("198.51.100.7"),
			DstIP:    net.ParseIP("198.51.100.1"),
		}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		network = ip
	default:
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.ParseIP("2001:db8::7"),
			DstIP:      net.ParseIP("2001:db8::1"),
		}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, network, udp, gopacket.Payload(payload)))

	data := buf.Bytes()
	return core.RawPacket{
		Family:     family,
		Data:       data,
		CaptureLen: uint32(len(data)),
		OrigLen:    uint32(len(data)),
	}
}

// recordingTrigger collects the sources passed to Fire.
type recordingTrigger struct {
	mu      sync.Mutex
	sources []netip.Addr
}

func (r *recordingTrigger) Fire(src netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, src)
}

func (r *recordingTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}

type panicTrigger struct{}

func (panicTrigger) Fire(netip.Addr) { panic("boom") }
