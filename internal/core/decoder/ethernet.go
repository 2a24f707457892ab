// Package decoder implements protocol decoding.
package decoder

import (
	"firestige.xyz/magicreboot/internal/core"
)

const (
	// Ethernet constants
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4
	maxVLANTags       = 2

	// Linux cooked capture (SLL) header
	linuxSLLHeaderLen = 16

	// EtherType values
	EtherTypeIPv4 = 0x0800
	EtherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// StripLinkLayer removes an Ethernet header and up to two VLAN tags.
// Returns the inner EtherType and the network-layer bytes.
func StripLinkLayer(data []byte) (uint16, []byte, error) {
	f := frame{data: data}
	if !f.mayPull(ethernetHeaderLen) {
		return 0, nil, core.ErrPacketTooShort
	}

	// EtherType (2 bytes at offset 12)
	etherType := f.u16(12)
	offset := ethernetHeaderLen

	// Handle VLAN tags (QinQ carries two)
	for tags := 0; etherType == etherTypeVLAN || etherType == etherTypeQinQ; tags++ {
		if tags == maxVLANTags {
			return 0, nil, core.ErrMalformedHeader
		}
		if !f.mayPull(offset + vlanHeaderLen) {
			return 0, nil, core.ErrPacketTooShort
		}
		// VLAN header: 2 bytes TCI + 2 bytes EtherType
		etherType = f.u16(offset + 2)
		offset += vlanHeaderLen
	}

	return etherType, data[offset:], nil
}

// StripLinuxSLL removes a Linux cooked-capture header as written by captures on "any".
func StripLinuxSLL(data []byte) (uint16, []byte, error) {
	f := frame{data: data}
	if !f.mayPull(linuxSLLHeaderLen) {
		return 0, nil, core.ErrPacketTooShort
	}
	// Protocol (2 bytes at offset 14)
	return f.u16(14), data[linuxSLLHeaderLen:], nil
}

// FamilyOfEtherType maps an EtherType to a network-layer family.
func FamilyOfEtherType(etherType uint16) (core.Family, bool) {
	switch etherType {
	case EtherTypeIPv4:
		return core.FamilyIPv4, true
	case EtherTypeIPv6:
		return core.FamilyIPv6, true
	default:
		return 0, false
	}
}
