// Package staticip pins subscribers that have a configured address and hands
// everyone else to the wrapped allocator
package staticip

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/log"
)

// SubscriberStore looks up the pinned address of a subscriber, nil when there is none
type SubscriberStore interface {
	GetStaticIP(ctx context.Context, sid, apn string) (net.IP, error)
}

type Allocator struct {
	log         *zap.SugaredLogger
	inner       ipalloc.Allocator
	subscribers SubscriberStore
	descs       *ipalloc.Descriptors
}

var _ ipalloc.Allocator = &Allocator{}

func New(inner ipalloc.Allocator, subscribers SubscriberStore, descs *ipalloc.Descriptors) *Allocator {
	return &Allocator{
		log:         log.Logger.Named("staticip"),
		inner:       inner,
		subscribers: subscribers,
		descs:       descs,
	}
}

func hostBlock(ip net.IP) ipalloc.IPBlock {
	if v4 := ip.To4(); v4 != nil {
		return ipalloc.NewIPBlock(&net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)})
	}
	return ipalloc.NewIPBlock(&net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
}

func (a *Allocator) AllocateIP(ctx context.Context, sid, apn string) (*ipalloc.IPDescriptor, error) {
	ip, err := a.subscribers.GetStaticIP(ctx, sid, apn)
	if err != nil {
		a.log.Warnf("static lookup of %s/%s failed, use the dynamic allocator: %v", sid, apn, err)
		return a.inner.AllocateIP(ctx, sid, apn)
	}
	if ip == nil {
		return a.inner.AllocateIP(ctx, sid, apn)
	}

	holders, err := a.descs.ActiveByIP(ctx, ip, 0)
	if err != nil {
		return nil, err
	}
	for _, h := range holders {
		if h.SID != sid {
			return nil, errors.Wrapf(ipalloc.ErrAllocationFailed, "static %s of %s is held by %s", ip, sid, h.SID)
		}
	}

	desc := &ipalloc.IPDescriptor{
		IP:    ip,
		Block: hostBlock(ip),
		State: ipalloc.StateReserved,
		SID:   sid,
		APN:   apn,
		Type:  ipalloc.TypeStatic,
	}
	if err := a.descs.Claim(ctx, desc); err != nil {
		return nil, err
	}
	a.log.Debugf("%s/%s pinned to %s", sid, apn, ip)
	return desc, nil
}

func (a *Allocator) ReleaseIP(ctx context.Context, desc *ipalloc.IPDescriptor) error {
	if desc.Type != ipalloc.TypeStatic {
		return a.inner.ReleaseIP(ctx, desc)
	}
	_, err := a.descs.Release(ctx, desc.Key(), desc.SID)
	return err
}

func (a *Allocator) ListAddedBlocks(ctx context.Context) ([]ipalloc.IPBlock, error) {
	return a.inner.ListAddedBlocks(ctx)
}
