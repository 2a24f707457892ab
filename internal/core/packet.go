// Package core defines core data structures with zero external dependencies.
package core

import (
	"net/netip"
	"time"
)

// Family is the network-layer protocol family of an inbound frame.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

// Families lists the supported families in registration order. IPv4 is primary.
var Families = []Family{FamilyIPv4, FamilyIPv6}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	default:
		return "unknown"
	}
}

// RawPacket is an inbound network-layer frame handed to a hook, zero-copy reference
// to the source's receive buffer. It is only valid for the duration of the hook call.
type RawPacket struct {
	Family         Family    // Network-layer family the frame was received as
	Data           []byte    // Frame bytes starting at the IP header
	Timestamp      time.Time // Receive timestamp
	CaptureLen     uint32    // Bytes actually present in Data
	OrigLen        uint32    // Length on the wire, may exceed CaptureLen
	InterfaceIndex int       // Receiving interface index, 0 if unknown
}

// ClassifiedPayload is the result of walking a frame down to its UDP payload.
type ClassifiedPayload struct {
	Source          netip.Addr // Sender address, for logging only
	Destination     netip.Addr // Address the datagram was sent to
	DestinationPort uint16
	Payload         []byte // UDP payload, borrowed from RawPacket.Data
}

// HookFunc receives every inbound frame of one family. It runs on the source's reader
// goroutines, possibly concurrently, and must not retain pkt.Data.
type HookFunc func(pkt RawPacket) Verdict
