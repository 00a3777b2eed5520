package gateway

import "net"

func (t *Tracker) SetHostLookup(fn func() (net.IP, net.HardwareAddr, error)) {
	t.lookupHost = fn
}
