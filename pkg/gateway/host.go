package gateway

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// hostDefaultGateway returns the ipv4 default route gateway and, when the
// neighbor table already resolved it, its mac
func hostDefaultGateway() (net.IP, net.HardwareAddr, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list routes: %v", err)
	}

	for _, r := range routes {
		if r.Gw == nil {
			continue
		}
		if r.Dst != nil {
			if ones, _ := r.Dst.Mask.Size(); ones != 0 {
				continue
			}
		}

		neighs, err := netlink.NeighList(r.LinkIndex, netlink.FAMILY_V4)
		if err != nil {
			return r.Gw, nil, nil
		}
		for _, n := range neighs {
			if n.IP.Equal(r.Gw) && len(n.HardwareAddr) > 0 {
				return r.Gw, n.HardwareAddr, nil
			}
		}
		return r.Gw, nil, nil
	}

	return nil, nil, fmt.Errorf("no default route")
}
