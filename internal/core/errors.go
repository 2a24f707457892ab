// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Wrap with %w and compare with errors.Is.
var (
	// Key loading errors (fatal at startup)
	ErrKeyUnreadable   = errors.New("magic-reboot: key source unreadable")
	ErrKeySizeTooSmall = errors.New("magic-reboot: key too small")
	ErrKeySizeTooLarge = errors.New("magic-reboot: key too large")

	// Configuration errors
	ErrConfigInvalid = errors.New("magic-reboot: invalid configuration")

	// Hook registration errors
	ErrPrimaryHookRegistration   = errors.New("magic-reboot: primary hook registration failed")
	ErrSecondaryHookRegistration = errors.New("magic-reboot: secondary hook registration failed")
	ErrHookAlreadyRegistered     = errors.New("magic-reboot: hook already registered")
	ErrHookNotRegistered         = errors.New("magic-reboot: hook not registered")

	// Packet classification errors (per packet, never propagated to the host)
	ErrPacketTooShort   = errors.New("magic-reboot: packet too short")
	ErrUnsupportedProto = errors.New("magic-reboot: unsupported protocol")
	ErrMalformedHeader  = errors.New("magic-reboot: malformed header")
	ErrFragmented       = errors.New("magic-reboot: fragmented datagram")
	ErrExtHeaderChain   = errors.New("magic-reboot: invalid extension header chain")
	ErrTruncated        = errors.New("magic-reboot: truncated transport segment")
)
