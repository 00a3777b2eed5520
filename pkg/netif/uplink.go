// Package netif prepares the uplink the dhcp engine captures on
package netif

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/infrastructure-io/mobilityd/pkg/log"
)

// Uplink describes the prepared interface
type Uplink struct {
	Name  string
	Index int
	MAC   net.HardwareAddr
	MTU   int
}

// PrepareUplink brings the base interface up and turns promiscuous mode on,
// since the replies are addressed to the per-subscriber macs
func PrepareUplink(name string) (*Uplink, error) {
	logger := log.Logger.Named("netif")

	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("base interface %s not found: %v", name, err)
	}
	attrs := link.Attrs()

	if attrs.Flags&net.FlagUp == 0 {
		logger.Infof("setting %s up", name)
		if err := netlink.LinkSetUp(link); err != nil {
			return nil, fmt.Errorf("failed to set %s up: %v", name, err)
		}
	}

	if attrs.Promisc == 0 {
		logger.Infof("enabling promiscuous mode on %s", name)
		if err := netlink.SetPromiscOn(link); err != nil {
			return nil, fmt.Errorf("failed to enable promiscuous mode on %s: %v", name, err)
		}
	}

	return &Uplink{
		Name:  attrs.Name,
		Index: attrs.Index,
		MAC:   attrs.HardwareAddr,
		MTU:   attrs.MTU,
	}, nil
}
