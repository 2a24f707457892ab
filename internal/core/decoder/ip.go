// Package decoder implements protocol decoding.
package decoder

import (
	"net/netip"

	"firestige.xyz/magicreboot/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40

	// IPv6 extension header types (RFC 8200 §4)
	nextHeaderHopByHop = 0
	nextHeaderRouting  = 43
	nextHeaderFragment = 44
	nextHeaderAuth     = 51
	nextHeaderNone     = 59
	nextHeaderDestOpts = 60

	ipv6ExtHeaderMinLen = 8
)

// ClassifyIPv4 walks an IPv4 frame down to its UDP payload.
func ClassifyIPv4(data []byte) (core.ClassifiedPayload, error) {
	f := frame{data: data}
	if !f.mayPull(ipv4HeaderMinLen) {
		return core.ClassifiedPayload{}, core.ErrPacketTooShort
	}

	if f.u8(0)>>4 != 4 {
		return core.ClassifiedPayload{}, core.ErrMalformedHeader
	}

	// Protocol (1 byte at offset 9)
	if f.u8(9) != protocolUDP {
		return core.ClassifiedPayload{}, core.ErrUnsupportedProto
	}

	// IHL is in 32-bit words
	headerLen := int(f.u8(0)&0x0F) * 4
	if headerLen < ipv4HeaderMinLen {
		return core.ClassifiedPayload{}, core.ErrMalformedHeader
	}

	if isIPFragment(f) {
		return core.ClassifiedPayload{}, core.ErrFragmented
	}

	// Total Length (2 bytes at offset 2) bounds the datagram; trailing link padding is ignored
	totalLen := int(f.u16(2))
	if totalLen < headerLen {
		return core.ClassifiedPayload{}, core.ErrMalformedHeader
	}

	if !f.mayPull(headerLen + udpHeaderLen) {
		return core.ClassifiedPayload{}, core.ErrPacketTooShort
	}

	// Source and destination IP (4 bytes each at offsets 12 and 16)
	src := netip.AddrFrom4([4]byte(data[12:16]))
	dst := netip.AddrFrom4([4]byte(data[16:20]))

	port, payload, err := decodeUDP(f, headerLen, totalLen)
	if err != nil {
		return core.ClassifiedPayload{}, err
	}
	return core.ClassifiedPayload{Source: src, Destination: dst, DestinationPort: port, Payload: payload}, nil
}

// ClassifyIPv6 walks an IPv6 frame, skipping extension headers, down to its UDP payload.
func ClassifyIPv6(data []byte) (core.ClassifiedPayload, error) {
	f := frame{data: data}
	if !f.mayPull(ipv6HeaderLen) {
		return core.ClassifiedPayload{}, core.ErrPacketTooShort
	}

	if f.u8(0)>>4 != 6 {
		return core.ClassifiedPayload{}, core.ErrMalformedHeader
	}

	// Payload Length (2 bytes at offset 4) excludes the fixed header
	limit := ipv6HeaderLen + int(f.u16(4))

	offset, next, err := skipExtHeaders(f, ipv6HeaderLen, f.u8(6), limit)
	if err != nil {
		return core.ClassifiedPayload{}, err
	}

	if next != protocolUDP {
		return core.ClassifiedPayload{}, core.ErrUnsupportedProto
	}

	if !f.mayPull(offset + udpHeaderLen) {
		return core.ClassifiedPayload{}, core.ErrPacketTooShort
	}

	// Source and destination IP (16 bytes each at offsets 8 and 24)
	src := netip.AddrFrom16([16]byte(data[8:24]))
	dst := netip.AddrFrom16([16]byte(data[24:40]))

	port, payload, err := decodeUDP(f, offset, limit)
	if err != nil {
		return core.ClassifiedPayload{}, err
	}
	return core.ClassifiedPayload{Source: src, Destination: dst, DestinationPort: port, Payload: payload}, nil
}

// skipExtHeaders follows the extension header chain starting at offset until an
// upper-layer protocol is reached. It returns the offset of that protocol's header.
func skipExtHeaders(f frame, offset int, next uint8, limit int) (int, uint8, error) {
	for isExtHeader(next) {
		if next == nextHeaderNone {
			return 0, 0, core.ErrExtHeaderChain
		}
		if offset+ipv6ExtHeaderMinLen > limit || !f.mayPull(offset+ipv6ExtHeaderMinLen) {
			return 0, 0, core.ErrExtHeaderChain
		}

		var hdrLen int
		switch next {
		case nextHeaderFragment:
			// Fragment offset (13 bits) | reserved (2 bits) | M flag
			fragField := f.u16(offset + 2)
			if fragField&0xFFF8 != 0 || fragField&0x0001 != 0 {
				return 0, 0, core.ErrFragmented
			}
			hdrLen = 8
		case nextHeaderAuth:
			hdrLen = (int(f.u8(offset+1)) + 2) * 4
		default:
			hdrLen = (int(f.u8(offset+1)) + 1) * 8
		}

		next = f.u8(offset)
		offset += hdrLen
		if offset > limit {
			return 0, 0, core.ErrExtHeaderChain
		}
	}
	return offset, next, nil
}

func isExtHeader(next uint8) bool {
	switch next {
	case nextHeaderHopByHop, nextHeaderRouting, nextHeaderFragment,
		nextHeaderAuth, nextHeaderNone, nextHeaderDestOpts:
		return true
	default:
		return false
	}
}

// isIPFragment checks if an IPv4 packet is a fragment. The caller has pulled the fixed header.
func isIPFragment(f frame) bool {
	// Flags and Fragment Offset (2 bytes at offset 6)
	flagsOffset := f.u16(6)
	moreFragments := (flagsOffset & 0x2000) != 0 // MF flag
	fragmentOffset := flagsOffset & 0x1FFF       // Fragment offset
	return moreFragments || fragmentOffset != 0
}
