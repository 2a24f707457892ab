package utils

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"firestige.xyz/magicreboot/internal/core"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ipv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IPv4(192, 0, 2, 1),
		DstIP:    net.IPv4(192, 0, 2, 2),
	}
}

func ipv6(next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: next,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
}

func udp(t *testing.T, network gopacket.NetworkLayer, port uint16) *layers.UDP {
	u := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
	require.NoError(t, u.SetNetworkLayerForChecksum(network))
	return u
}

// run executes the family-specific part of the filter; the x/net/bpf VM does not
// implement the packet-type extension used by the prefix.
func run(t *testing.T, family core.Family, linkOffset uint32, frame []byte) bool {
	t.Helper()
	body, _, err := portFilter(family, 999, linkOffset)
	require.NoError(t, err)
	vm, err := bpf.NewVM(body)
	require.NoError(t, err)
	n, err := vm.Run(frame)
	require.NoError(t, err)
	return n > 0
}

func TestPortFilterIPv4(t *testing.T) {
	payload := gopacket.Payload(bytes.Repeat([]byte{0xAA}, 64))

	ip := ipv4(layers.IPProtocolUDP)
	assert.True(t, run(t, core.FamilyIPv4, LinkOffsetNone, serialize(t, ip, udp(t, ip, 999), payload)))

	ip = ipv4(layers.IPProtocolUDP)
	assert.False(t, run(t, core.FamilyIPv4, LinkOffsetNone, serialize(t, ip, udp(t, ip, 53), payload)))

	ip = ipv4(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 999}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	assert.False(t, run(t, core.FamilyIPv4, LinkOffsetNone, serialize(t, ip, tcp, payload)))

	ip = ipv4(layers.IPProtocolUDP)
	ip.Flags = layers.IPv4MoreFragments
	assert.False(t, run(t, core.FamilyIPv4, LinkOffsetNone, serialize(t, ip, udp(t, ip, 999), payload)))

	// options move the UDP header
	ip = ipv4(layers.IPProtocolUDP)
	ip.Options = []layers.IPv4Option{{OptionType: 0x94, OptionLength: 4, OptionData: []byte{0, 0}}}
	assert.True(t, run(t, core.FamilyIPv4, LinkOffsetNone, serialize(t, ip, udp(t, ip, 999), payload)))
}

func TestPortFilterIPv4Ethernet(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := ipv4(layers.IPProtocolUDP)
	frame := serialize(t, eth, ip, udp(t, ip, 999), gopacket.Payload([]byte("x")))

	assert.True(t, run(t, core.FamilyIPv4, LinkOffsetEthernet, frame))
	assert.False(t, run(t, core.FamilyIPv4, LinkOffsetNone, frame))
}

func TestPortFilterIPv6(t *testing.T) {
	payload := gopacket.Payload(bytes.Repeat([]byte{0xAA}, 64))

	ip := ipv6(layers.IPProtocolUDP)
	assert.True(t, run(t, core.FamilyIPv6, LinkOffsetNone, serialize(t, ip, udp(t, ip, 999), payload)))

	ip = ipv6(layers.IPProtocolUDP)
	assert.False(t, run(t, core.FamilyIPv6, LinkOffsetNone, serialize(t, ip, udp(t, ip, 1000), payload)))

	ip = ipv6(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 999}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	assert.False(t, run(t, core.FamilyIPv6, LinkOffsetNone, serialize(t, ip, tcp, payload)))

	// extension headers are left to userspace
	for _, next := range []byte{0, 43, 44, 51, 60} {
		frame := make([]byte, 48)
		frame[0] = 0x60
		frame[6] = next
		assert.True(t, run(t, core.FamilyIPv6, LinkOffsetNone, frame), "next header %d", next)
	}
}

func TestCompilePortFilter(t *testing.T) {
	for _, family := range core.Families {
		raw, err := CompilePortFilter(family, 999, LinkOffsetEthernet)
		require.NoError(t, err)
		require.NotEmpty(t, raw)

		// the packet-type check lands on the drop instruction
		prog, ok := bpf.Disassemble(raw)
		require.True(t, ok)
		assert.Equal(t, bpf.LoadExtension{Num: bpf.ExtType}, prog[0])
		jump := prog[1].(bpf.JumpIf)
		assert.Equal(t, bpf.RetConstant{Val: 0}, prog[2+int(jump.SkipTrue)])
	}

	_, err := CompilePortFilter(core.Family(9), 999, 0)
	assert.Error(t, err)
}

func TestCompileEthernetFilter(t *testing.T) {
	raw, err := CompileEthernetFilter(999)
	require.NoError(t, err)

	// skip the packet-type prefix, which the VM cannot run
	prog, ok := bpf.Disassemble(raw)
	require.True(t, ok)
	vm, err := bpf.NewVM(prog[2:])
	require.NoError(t, err)

	eth := func(et layers.EthernetType) *layers.Ethernet {
		return &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: et,
		}
	}
	payload := gopacket.Payload(bytes.Repeat([]byte{0xAA}, 64))

	v4 := ipv4(layers.IPProtocolUDP)
	v6 := ipv6(layers.IPProtocolUDP)
	v6other := ipv6(layers.IPProtocolUDP)
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
		SourceProtAddress: []byte{192, 0, 2, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{192, 0, 2, 2},
	}

	tests := []struct {
		name  string
		frame []byte
		want  bool
	}{
		{"ipv4", serialize(t, eth(layers.EthernetTypeIPv4), v4, udp(t, v4, 999), payload), true},
		{"ipv6", serialize(t, eth(layers.EthernetTypeIPv6), v6, udp(t, v6, 999), payload), true},
		{"ipv6 other port", serialize(t, eth(layers.EthernetTypeIPv6), v6other, udp(t, v6other, 53), payload), false},
		{"arp", serialize(t, eth(layers.EthernetTypeARP), arp), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := vm.Run(tt.frame)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n > 0)
		})
	}
}

func TestInboundPacketType(t *testing.T) {
	tests := []struct {
		pktType uint8
		want    bool
	}{
		{PacketHost, true},
		{PacketBroadcast, true},
		{PacketMulticast, true},
		{PacketOtherHost, false},
		{PacketOutgoing, false},
		{5, false}, // PACKET_LOOPBACK
		{6, false}, // PACKET_USER
		{7, false}, // PACKET_KERNEL
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InboundPacketType(tt.pktType), "packet type %d", tt.pktType)
	}
}

// withPacketType swaps the packet-type load for a constant so the whole program runs
// on the x/net/bpf VM.
func withPacketType(t *testing.T, raw []bpf.RawInstruction, pktType uint8) *bpf.VM {
	t.Helper()
	prog, ok := bpf.Disassemble(raw)
	require.True(t, ok)
	require.Equal(t, bpf.LoadExtension{Num: bpf.ExtType}, prog[0])
	prog[0] = bpf.LoadConstant{Dst: bpf.RegA, Val: uint32(pktType)}
	vm, err := bpf.NewVM(prog)
	require.NoError(t, err)
	return vm
}

func TestFiltersDropFramesForOtherHosts(t *testing.T) {
	payload := gopacket.Payload(bytes.Repeat([]byte{0xAA}, 64))
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := ipv4(layers.IPProtocolUDP)
	ethFrame := serialize(t, eth, ip, udp(t, ip, 999), payload)
	ip = ipv4(layers.IPProtocolUDP)
	ipFrame := serialize(t, ip, udp(t, ip, 999), payload)

	cooked, err := CompilePortFilter(core.FamilyIPv4, 999, LinkOffsetNone)
	require.NoError(t, err)
	ethernet, err := CompileEthernetFilter(999)
	require.NoError(t, err)

	for pktType := uint8(0); pktType <= 7; pktType++ {
		want := InboundPacketType(pktType)

		n, err := withPacketType(t, cooked, pktType).Run(ipFrame)
		require.NoError(t, err)
		assert.Equal(t, want, n > 0, "port filter, packet type %d", pktType)

		n, err = withPacketType(t, ethernet, pktType).Run(ethFrame)
		require.NoError(t, err)
		assert.Equal(t, want, n > 0, "ethernet filter, packet type %d", pktType)
	}
}
