package dhcpclient

import (
	"net"
	"time"
)

type LeaseState string

const (
	StateDiscover LeaseState = "DISCOVER"
	StateOffer    LeaseState = "OFFER"
	StateRequest  LeaseState = "REQUEST"
	StateAck      LeaseState = "ACK"
	StateRelease  LeaseState = "RELEASE"
)

// Lease is one lease attempt or result of a device
type Lease struct {
	MAC      string     `json:"mac"`
	VlanID   int        `json:"vlanId"`
	IP       net.IP     `json:"ip,omitempty"`
	State    LeaseState `json:"state"`
	Subnet   string     `json:"subnet,omitempty"`
	ServerIP net.IP     `json:"serverIp,omitempty"`
	Router   net.IP     `json:"router,omitempty"`
	// granted by the server
	LeaseTime  time.Duration `json:"leaseTime"`
	LeaseStart time.Time     `json:"leaseStart"`
	Xid        uint32        `json:"xid"`
}

func (l *Lease) Key() string {
	return LeaseKey(l.HardwareAddr(), l.VlanID)
}

func (l *Lease) HardwareAddr() net.HardwareAddr {
	mac, _ := net.ParseMAC(l.MAC)
	return mac
}

// IPAllocated is true only while an address is offered or acknowledged
func (l *Lease) IPAllocated() bool {
	return (l.State == StateOffer || l.State == StateAck) && len(l.IP) > 0
}

// SubnetIPNet returns the leased address with the subnet mask the server sent
func (l *Lease) SubnetIPNet() *net.IPNet {
	_, n, err := net.ParseCIDR(l.Subnet)
	if err != nil {
		return nil
	}
	return n
}

func (l *Lease) ExpiresAt() time.Time {
	return l.LeaseStart.Add(l.LeaseTime)
}

// RenewAt is the point after which the next touch renews the lease
func (l *Lease) RenewAt(fraction float64) time.Time {
	return l.LeaseStart.Add(time.Duration(float64(l.LeaseTime) * fraction))
}

type leaseAction int

const (
	actionKeep leaseAction = iota
	actionRenew
	actionRediscover
)

func (l *Lease) action(now time.Time, fraction float64) leaseAction {
	if l.State != StateAck {
		return actionRediscover
	}
	if !now.Before(l.ExpiresAt()) {
		return actionRediscover
	}
	if !now.Before(l.RenewAt(fraction)) {
		return actionRenew
	}
	return actionKeep
}

func (l *Lease) copy() Lease {
	out := *l
	out.IP = append(net.IP(nil), l.IP...)
	out.ServerIP = append(net.IP(nil), l.ServerIP...)
	out.Router = append(net.IP(nil), l.Router...)
	return out
}
