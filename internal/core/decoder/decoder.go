// Package decoder walks untrusted inbound frames down to their UDP payload.
//
// Every read is preceded by a length check against the bytes actually present. Header
// fields are read from offsets at the point of use; no header view outlives the check
// that made it valid.
package decoder

import (
	"encoding/binary"
	"errors"

	"firestige.xyz/magicreboot/internal/core"
)

// Classifier walks one family's headers and returns the UDP payload, or an error
// wrapping a core sentinel when the frame is not applicable.
type Classifier func(data []byte) (core.ClassifiedPayload, error)

// ForFamily returns the classifier for a network-layer family, nil if unsupported.
func ForFamily(f core.Family) Classifier {
	switch f {
	case core.FamilyIPv4:
		return ClassifyIPv4
	case core.FamilyIPv6:
		return ClassifyIPv6
	default:
		return nil
	}
}

// Classify dispatches on the family the source received the frame as.
func Classify(pkt core.RawPacket) (core.ClassifiedPayload, error) {
	classify := ForFamily(pkt.Family)
	if classify == nil {
		return core.ClassifiedPayload{}, core.ErrUnsupportedProto
	}
	return classify(pkt.Data)
}

var reasons = []struct {
	err   error
	label string
}{
	{core.ErrPacketTooShort, "too_short"},
	{core.ErrUnsupportedProto, "unsupported_proto"},
	{core.ErrMalformedHeader, "malformed"},
	{core.ErrFragmented, "fragmented"},
	{core.ErrExtHeaderChain, "ext_header_chain"},
	{core.ErrTruncated, "truncated"},
}

// Reason maps a classifier error to a short metric label.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "other"
}

// FamilyOf reads the IP version nibble of a bare network-layer frame.
func FamilyOf(data []byte) (core.Family, bool) {
	if len(data) < 1 {
		return 0, false
	}
	switch data[0] >> 4 {
	case 4:
		return core.FamilyIPv4, true
	case 6:
		return core.FamilyIPv6, true
	default:
		return 0, false
	}
}

// frame is a bounds-checked view over one inbound frame.
type frame struct {
	data []byte
}

// mayPull reports whether the first n bytes are present. Callers must not read at or
// beyond n without a further successful mayPull.
func (f frame) mayPull(n int) bool {
	return n >= 0 && n <= len(f.data)
}

func (f frame) u8(off int) uint8 {
	return f.data[off]
}

func (f frame) u16(off int) uint16 {
	return binary.BigEndian.Uint16(f.data[off : off+2])
}
