//go:build !linux

package packet

import (
	"errors"
	"time"

	"golang.org/x/net/bpf"

	"firestige.xyz/magicreboot/internal/core"
)

func dialSocket(core.Family, int, int, []bpf.RawInstruction, time.Duration) (conn, error) {
	return nil, errors.New("AF_PACKET sockets require linux")
}
