package utils

import (
	"fmt"

	"golang.org/x/net/bpf"

	"firestige.xyz/magicreboot/internal/core"
)

// Link-layer offsets of the network header as seen by a socket filter.
const (
	LinkOffsetNone     = 0  // AF_PACKET SOCK_DGRAM
	LinkOffsetEthernet = 14 // AF_PACKET SOCK_RAW on Ethernet
)

// Packet types reported by AF_PACKET (sll_pkttype, the ExtType BPF extension).
const (
	PacketHost      = 0 // PACKET_HOST
	PacketBroadcast = 1 // PACKET_BROADCAST
	PacketMulticast = 2 // PACKET_MULTICAST
	PacketOtherHost = 3 // PACKET_OTHERHOST
	PacketOutgoing  = 4 // PACKET_OUTGOING
)

// InboundPacketType reports whether a frame of packet type t was received for this
// host. Frames seen in promiscuous mode or sent by this host are not.
func InboundPacketType(t uint8) bool {
	return t <= PacketMulticast
}

// inboundPrefix drops every frame whose packet type fails InboundPacketType. drop is
// the index of the drop instruction in the code that follows the prefix.
func inboundPrefix(drop int) []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadExtension{Num: bpf.ExtType},
		bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: PacketMulticast, SkipTrue: uint8(drop)},
	}
}

const (
	acceptLen     = 0x40000
	ipProtoUDP    = 17
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd
)

// CompilePortFilter assembles a classic BPF program that passes UDP datagrams received
// for this host to port for family and drops everything else. IPv6 frames carrying extension headers
// are passed through so the userspace walker can find the UDP header.
func CompilePortFilter(family core.Family, port uint16, linkOffset uint32) ([]bpf.RawInstruction, error) {
	body, drop, err := portFilter(family, port, linkOffset)
	if err != nil {
		return nil, err
	}

	prog := append(inboundPrefix(drop), body...)

	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble BPF filter: %w", err)
	}
	return raw, nil
}

// portFilter returns the family-specific part of the program and the index of its
// drop instruction.
func portFilter(family core.Family, port uint16, l uint32) ([]bpf.Instruction, int, error) {
	switch family {
	case core.FamilyIPv4:
		return []bpf.Instruction{
			bpf.LoadAbsolute{Off: l + 9, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: ipProtoUDP, SkipTrue: 5},
			// MF or fragment offset
			bpf.LoadAbsolute{Off: l + 6, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x3fff, SkipTrue: 3},
			bpf.LoadMemShift{Off: l},
			bpf.LoadIndirect{Off: l + 2, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(port), SkipTrue: 1},
			bpf.RetConstant{Val: 0},
			bpf.RetConstant{Val: acceptLen},
		}, 7, nil

	case core.FamilyIPv6:
		return []bpf.Instruction{
			bpf.LoadAbsolute{Off: l + 6, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: ipProtoUDP, SkipTrue: 2},
			bpf.LoadAbsolute{Off: l + 40 + 2, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(port), SkipTrue: 6, SkipFalse: 5},
			// hop-by-hop, routing, fragment, AH, destination options
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0, SkipTrue: 5},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: 43, SkipTrue: 4},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: 44, SkipTrue: 3},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: 51, SkipTrue: 2},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: 60, SkipTrue: 1},
			bpf.RetConstant{Val: 0},
			bpf.RetConstant{Val: acceptLen},
		}, 9, nil

	default:
		return nil, 0, fmt.Errorf("no BPF filter for family %s", family)
	}
}

// CompileEthernetFilter assembles the filter for a raw Ethernet socket that carries both
// families: it dispatches on the EtherType and runs the matching family's checks.
func CompileEthernetFilter(port uint16) ([]bpf.RawInstruction, error) {
	v4, _, err := portFilter(core.FamilyIPv4, port, LinkOffsetEthernet)
	if err != nil {
		return nil, err
	}
	v6, _, err := portFilter(core.FamilyIPv6, port, LinkOffsetEthernet)
	if err != nil {
		return nil, err
	}

	prog := append(inboundPrefix(3), []bpf.Instruction{
		bpf.LoadAbsolute{Off: LinkOffsetEthernet - 2, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipTrue: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipTrue: uint8(1 + len(v4))},
		bpf.RetConstant{Val: 0},
	}...)
	prog = append(prog, v4...)
	prog = append(prog, v6...)

	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble BPF filter: %w", err)
	}
	return raw, nil
}
