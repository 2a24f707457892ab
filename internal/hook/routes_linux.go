package hook

import (
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// localRoutes lists the destinations of the local routing table that the kernel
// delivers to this host: its own addresses (RTN_LOCAL) and broadcast addresses.
func localRoutes() ([]netip.Prefix, error) {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL,
		&netlink.Route{Table: unix.RT_TABLE_LOCAL}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, err
	}

	prefixes := make([]netip.Prefix, 0, len(routes))
	for _, r := range routes {
		if r.Type != unix.RTN_LOCAL && r.Type != unix.RTN_BROADCAST {
			continue
		}
		if r.Dst == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(r.Dst.IP)
		if !ok {
			continue
		}
		bits, _ := r.Dst.Mask.Size()
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), bits).Masked())
	}
	return prefixes, nil
}
