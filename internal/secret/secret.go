// Package secret owns the magic-packet key and compares payloads against it.
package secret

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"firestige.xyz/magicreboot/internal/core"
)

// Size is the fixed key length and therefore the only payload length that can match.
const Size = 64

// Secret is the loaded key. It is built once before any hook is registered and then
// only read, so concurrent hooks share it without locking.
type Secret struct {
	key    [Size]byte
	wiped  atomic.Bool
	source string
}

type options struct {
	strict bool
}

// Option configures Load.
type Option func(*options)

// WithStrictSize rejects sources longer than Size instead of ignoring the excess.
func WithStrictSize(strict bool) Option {
	return func(o *options) {
		o.strict = strict
	}
}

// Load reads the key from path. At least Size bytes are required; by default bytes
// beyond Size are not inspected.
func Load(path string, opts ...Option) (*Secret, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", core.ErrKeyUnreadable, path, err)
	}
	defer f.Close()

	s, err := read(f, o.strict)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.source = path
	return s, nil
}

// FromBytes builds a key from an in-memory source. b is copied.
func FromBytes(b []byte, strict bool) (*Secret, error) {
	if len(b) < Size {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", core.ErrKeySizeTooSmall, Size, len(b))
	}
	if strict && len(b) > Size {
		return nil, fmt.Errorf("%w: need exactly %d bytes, got %d", core.ErrKeySizeTooLarge, Size, len(b))
	}
	s := &Secret{source: "memory"}
	copy(s.key[:], b)
	return s, nil
}

func read(r io.Reader, strict bool) (*Secret, error) {
	s := &Secret{}
	n, err := io.ReadFull(r, s.key[:])
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.Wipe()
		return nil, fmt.Errorf("%w: need %d bytes, got %d", core.ErrKeySizeTooSmall, Size, n)
	case err != nil:
		s.Wipe()
		return nil, fmt.Errorf("%w: %w", core.ErrKeyUnreadable, err)
	}

	if strict {
		var extra [1]byte
		m, err := r.Read(extra[:])
		if m > 0 {
			s.Wipe()
			return nil, fmt.Errorf("%w: need exactly %d bytes", core.ErrKeySizeTooLarge, Size)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			s.Wipe()
			return nil, fmt.Errorf("%w: %w", core.ErrKeyUnreadable, err)
		}
	}
	return s, nil
}

// Loaded reports whether the key is present and has not been wiped.
func (s *Secret) Loaded() bool {
	return s != nil && !s.wiped.Load()
}

// Source names where the key came from.
func (s *Secret) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Fingerprint identifies the key in logs without revealing it.
func (s *Secret) Fingerprint() string {
	if !s.Loaded() {
		return ""
	}
	sum := sha256.Sum256(s.key[:])
	return hex.EncodeToString(sum[:4])
}

// Wipe zeroes the key. Only call it after every hook has been unregistered.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	s.wiped.Store(true)
	clear(s.key[:])
}
