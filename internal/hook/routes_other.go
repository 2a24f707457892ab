//go:build !linux

package hook

import (
	"errors"
	"net/netip"
)

func localRoutes() ([]netip.Prefix, error) {
	return nil, errors.New("local routing table is only available on linux")
}
