// Package dhcpalloc allocates subscriber addresses by leasing them from an
// upstream DHCP server, one derived hardware address per subscriber and apn
package dhcpalloc

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/infrastructure-io/mobilityd/pkg/dhcpclient"
	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/log"
)

// Engine is the part of the DHCP client the allocator drives
type Engine interface {
	Allocate(ctx context.Context, mac net.HardwareAddr, vlan int) (dhcpclient.Lease, error)
	Release(ctx context.Context, mac net.HardwareAddr, vlan int) error
}

type Allocator struct {
	log    *zap.SugaredLogger
	engine Engine
	descs  *ipalloc.Descriptors
	vlan   int
}

var _ ipalloc.Allocator = &Allocator{}

// New returns an allocator leasing on vlan, 0 for untagged
func New(engine Engine, descs *ipalloc.Descriptors, vlan int) *Allocator {
	return &Allocator{
		log:    log.Logger.Named("dhcpalloc").With("vlan", vlan),
		engine: engine,
		descs:  descs,
		vlan:   vlan,
	}
}

func blockOf(l dhcpclient.Lease) ipalloc.IPBlock {
	if n := l.SubnetIPNet(); n != nil {
		return ipalloc.NewIPBlock(n)
	}
	return ipalloc.NewIPBlock(&net.IPNet{IP: l.IP.To4(), Mask: net.CIDRMask(32, 32)})
}

func (a *Allocator) AllocateIP(ctx context.Context, sid, apn string) (*ipalloc.IPDescriptor, error) {
	mac := dhcpclient.MACFromSession(sid, apn)
	lease, err := a.engine.Allocate(ctx, mac, a.vlan)
	if err != nil {
		if ipalloc.IsAllocationFailed(err) {
			return nil, err
		}
		return nil, errors.Wrapf(ipalloc.ErrAllocationFailed, "lease for %s: %v", sid, err)
	}

	desc := &ipalloc.IPDescriptor{
		IP:     lease.IP,
		Block:  blockOf(lease),
		State:  ipalloc.StateAllocated,
		SID:    sid,
		APN:    apn,
		Type:   ipalloc.TypeDHCP,
		VlanID: a.vlan,
	}
	if err := a.descs.Claim(ctx, desc); err != nil {
		if rerr := a.engine.Release(ctx, mac, a.vlan); rerr != nil {
			a.log.Warnf("lease of %s for %s not released: %v", lease.IP, sid, rerr)
		}
		return nil, err
	}
	a.log.Debugf("%s leased %s as %s", sid, lease.IP, mac)
	return desc, nil
}

// ReleaseIP marks the descriptor released and gives the lease back to the server
func (a *Allocator) ReleaseIP(ctx context.Context, desc *ipalloc.IPDescriptor) error {
	if _, err := a.descs.Release(ctx, desc.Key(), desc.SID); err != nil {
		return err
	}

	mac := dhcpclient.MACFromSession(desc.SID, desc.APN)
	if err := a.engine.Release(ctx, mac, desc.VlanID); err != nil {
		// the address is already out of use on our side
		a.log.Warnf("lease of %s for %s not released: %v", desc.IP, desc.SID, err)
	}
	return nil
}

// ListAddedBlocks returns the subnets of the addresses leased on the vlan
func (a *Allocator) ListAddedBlocks(ctx context.Context) ([]ipalloc.IPBlock, error) {
	all, err := a.descs.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var result []ipalloc.IPBlock
	for _, d := range all {
		if d.Type != ipalloc.TypeDHCP || d.VlanID != a.vlan || seen[d.Block.String()] {
			continue
		}
		seen[d.Block.String()] = true
		result = append(result, d.Block)
	}
	return result, nil
}
