package decoder

import "encoding/binary"

// extHeader is one raw IPv6 extension header. The first byte is overwritten with the
// next header value when the chain is assembled.
type extHeader struct {
	kind uint8
	data []byte
}

func hopByHop() extHeader {
	// Hdr Ext Len 0 (8 bytes), PadN option covering the rest
	return extHeader{kind: nextHeaderHopByHop, data: []byte{0, 0, 1, 4, 0, 0, 0, 0}}
}

func destOpts16() extHeader {
	// Hdr Ext Len 1 (16 bytes), PadN option covering the rest
	return extHeader{kind: nextHeaderDestOpts, data: []byte{0, 1, 1, 12, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}}
}

func routing() extHeader {
	// Segments Left 0, so it is ignored by receivers
	return extHeader{kind: nextHeaderRouting, data: []byte{0, 0, 4, 0, 0, 0, 0, 0}}
}

func authHeader() extHeader {
	// Payload Len 1 => (1+2)*4 = 12 bytes
	return extHeader{kind: nextHeaderAuth, data: []byte{0, 1, 0, 0, 0, 0, 0, 1, 0, 0, 0, 1}}
}

func fragment(offset uint16, more bool) extHeader {
	field := offset << 3
	if more {
		field |= 1
	}
	h := []byte{0, 0, 0, 0, 0xde, 0xad, 0xbe, 0xef}
	binary.BigEndian.PutUint16(h[2:4], field)
	return extHeader{kind: nextHeaderFragment, data: h}
}

// buildIPv4UDP assembles an IPv4/UDP datagram from 192.0.2.1 to 192.0.2.2.
func buildIPv4UDP(dstPort uint16, payload []byte) []byte {
	udpLen := udpHeaderLen + len(payload)
	total := ipv4HeaderMinLen + udpLen
	b := make([]byte, total)
	b[0] = 0x45                                          // Version 4, IHL 5
	binary.BigEndian.PutUint16(b[2:4], uint16(total))    // Total Length
	b[6] = 0x40                                          // DF
	b[8] = 64                                            // TTL
	b[9] = protocolUDP                                   // Protocol
	copy(b[12:16], []byte{192, 0, 2, 1})                 // Src IP
	copy(b[16:20], []byte{192, 0, 2, 2})                 // Dst IP
	binary.BigEndian.PutUint16(b[20:22], 40000)          // Src Port
	binary.BigEndian.PutUint16(b[22:24], dstPort)        // Dst Port
	binary.BigEndian.PutUint16(b[24:26], uint16(udpLen)) // Length
	copy(b[28:], payload)
	return b
}

// buildIPv6UDP assembles an IPv6/UDP datagram from 2001:db8::1 to 2001:db8::2 with
// the given extension headers in order.
func buildIPv6UDP(dstPort uint16, payload []byte, exts ...extHeader) []byte {
	extLen := 0
	for _, e := range exts {
		extLen += len(e.data)
	}
	udpLen := udpHeaderLen + len(payload)
	b := make([]byte, ipv6HeaderLen+extLen+udpLen)

	b[0] = 0x60 // Version 6
	binary.BigEndian.PutUint16(b[4:6], uint16(extLen+udpLen))
	b[7] = 64 // Hop Limit
	copy(b[8:24], []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01})
	copy(b[24:40], []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x02})

	next := uint8(protocolUDP)
	if len(exts) > 0 {
		next = exts[0].kind
	}
	b[6] = next

	offset := ipv6HeaderLen
	for i, e := range exts {
		copy(b[offset:], e.data)
		if i+1 < len(exts) {
			b[offset] = exts[i+1].kind
		} else {
			b[offset] = protocolUDP
		}
		offset += len(e.data)
	}

	binary.BigEndian.PutUint16(b[offset:offset+2], 40000)
	binary.BigEndian.PutUint16(b[offset+2:offset+4], dstPort)
	binary.BigEndian.PutUint16(b[offset+4:offset+6], uint16(udpLen))
	copy(b[offset+udpHeaderLen:], payload)
	return b
}

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
