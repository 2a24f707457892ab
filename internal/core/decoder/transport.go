// Package decoder implements protocol decoding.
package decoder

import (
	"firestige.xyz/magicreboot/internal/core"
)

const (
	udpHeaderLen = 8

	protocolUDP = 17
)

// decodeUDP reads the UDP header at offset and returns the destination port and the
// payload declared by the Length field. limit is the end of the datagram according to
// the network layer. The caller has pulled offset+udpHeaderLen bytes.
func decodeUDP(f frame, offset, limit int) (uint16, []byte, error) {
	// Destination Port (2 bytes at offset 2)
	port := f.u16(offset + 2)

	// Length (2 bytes at offset 4) includes the header. Widened to int so a value
	// below the header size is rejected instead of wrapping.
	udpLen := int(f.u16(offset + 4))
	if udpLen < udpHeaderLen {
		return 0, nil, core.ErrMalformedHeader
	}

	end := offset + udpLen
	if end > limit || !f.mayPull(end) {
		return 0, nil, core.ErrTruncated
	}

	return port, f.data[offset+udpHeaderLen : end], nil
}
