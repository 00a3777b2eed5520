// Package ipmanager is the facade the subscriber-facing RPCs call: it owns one
// allocator chain per ip version and recycles released addresses
package ipmanager

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/log"
	"github.com/infrastructure-io/mobilityd/pkg/metrics"
)

const (
	IPv4 = 4
	IPv6 = 6
)

type Config struct {
	// GracePeriod keeps a released address away from other subscribers
	GracePeriod time.Duration
	// RecycleInterval is the period of the recycling pass
	RecycleInterval time.Duration
}

// BlockAdmin manages the blocks of a pool based allocator
type BlockAdmin interface {
	AddBlock(ctx context.Context, b ipalloc.IPBlock) error
	RemoveBlocks(ctx context.Context, blocks []ipalloc.IPBlock, force bool) ([]ipalloc.IPBlock, error)
	ListAllocatedIPs(ctx context.Context, b ipalloc.IPBlock) ([]net.IP, error)
	FreeCount(ctx context.Context, b ipalloc.IPBlock) (uint64, error)
}

type Option func(m *Manager)

// WithIPv6 serves ipv6 requests from a
func WithIPv6(a ipalloc.Allocator) Option {
	return func(m *Manager) {
		m.v6 = a
	}
}

// WithBlockAdmin enables block administration
func WithBlockAdmin(admin BlockAdmin) Option {
	return func(m *Manager) {
		m.admin = admin
	}
}

type Manager struct {
	log    *zap.SugaredLogger
	config Config
	descs  *ipalloc.Descriptors
	clock  clock.Clock
	v4     ipalloc.Allocator
	v6     ipalloc.Allocator
	admin  BlockAdmin
	// one allocation in flight per subscriber, apn and version
	inflight singleflight.Group
}

func New(config Config, descs *ipalloc.Descriptors, clk clock.Clock, v4 ipalloc.Allocator, opts ...Option) *Manager {
	if config.GracePeriod <= 0 {
		config.GracePeriod = 2 * time.Minute
	}
	if config.RecycleInterval <= 0 {
		config.RecycleInterval = 30 * time.Second
	}
	m := &Manager{
		log:    log.Logger.Named("ipmanager"),
		config: config,
		descs:  descs,
		clock:  clk,
		v4:     v4,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func versionOf(ip net.IP) int {
	if ip.To4() != nil {
		return IPv4
	}
	return IPv6
}

func (m *Manager) allocatorFor(version int) ipalloc.Allocator {
	switch version {
	case IPv4:
		return m.v4
	case IPv6:
		return m.v6
	}
	return nil
}

func allocType(d *ipalloc.IPDescriptor) string {
	if d == nil {
		return "none"
	}
	return string(d.Type)
}

// AllocIPAddress returns the address of (sid, apn), allocating one when the
// subscriber holds none of that version
func (m *Manager) AllocIPAddress(ctx context.Context, sid, apn string, version int) (*ipalloc.IPDescriptor, error) {
	a := m.allocatorFor(version)
	if a == nil {
		metrics.IPAllocations.WithLabelValues("none", "failed").Inc()
		return nil, errors.Wrapf(ipalloc.ErrAllocationFailed, "no allocator for ipv%d", version)
	}

	key := fmt.Sprintf("%s/%s/%d", sid, apn, version)
	v, err, _ := m.inflight.Do(key, func() (interface{}, error) {
		if d, err := m.findActive(ctx, sid, apn, version); err != nil || d != nil {
			return d, err
		}
		return a.AllocateIP(ctx, sid, apn)
	})
	if err != nil {
		metrics.IPAllocations.WithLabelValues("none", "failed").Inc()
		m.log.Warnf("allocation for %s/%s failed: %v", sid, apn, err)
		return nil, err
	}

	desc := v.(*ipalloc.IPDescriptor)
	metrics.IPAllocations.WithLabelValues(allocType(desc), "ok").Inc()
	m.log.Infof("%s/%s has %s", sid, apn, desc)
	out := *desc
	return &out, nil
}

func (m *Manager) findActive(ctx context.Context, sid, apn string, version int) (*ipalloc.IPDescriptor, error) {
	all, err := m.descs.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		d := &all[i]
		if d.SID == sid && d.APN == apn && d.State.Active() && versionOf(d.IP) == version {
			return d, nil
		}
	}
	return nil, nil
}

// ReleaseIPAddress gives back ip held by sid. An empty apn matches any apn.
func (m *Manager) ReleaseIPAddress(ctx context.Context, sid string, ip net.IP, apn string) error {
	all, err := m.descs.List(ctx)
	if err != nil {
		return err
	}

	var desc *ipalloc.IPDescriptor
	for i := range all {
		d := &all[i]
		if d.IP.Equal(ip) && d.SID == sid && d.State.Active() && (apn == "" || d.APN == apn) {
			desc = d
			break
		}
	}
	if desc == nil {
		metrics.IPReleases.WithLabelValues("not_found").Inc()
		return errors.Wrapf(ipalloc.ErrMappingNotFound, "%s is not allocated to %s", ip, sid)
	}

	a := m.allocatorFor(versionOf(ip))
	if a == nil {
		return errors.Wrapf(ipalloc.ErrMappingNotFound, "no allocator for %s", ip)
	}
	if err := a.ReleaseIP(ctx, desc); err != nil {
		metrics.IPReleases.WithLabelValues("failed").Inc()
		return err
	}
	metrics.IPReleases.WithLabelValues("ok").Inc()
	m.log.Infof("%s released %s", sid, ip)
	return nil
}

// ListAddedIPBlocks returns the blocks of both versions
func (m *Manager) ListAddedIPBlocks(ctx context.Context) ([]ipalloc.IPBlock, error) {
	var result []ipalloc.IPBlock
	for _, a := range []ipalloc.Allocator{m.v4, m.v6} {
		if a == nil {
			continue
		}
		blocks, err := a.ListAddedBlocks(ctx)
		if err != nil {
			return nil, err
		}
		result = append(result, blocks...)
	}
	return result, nil
}

// GetSubscriberIPTable returns every active descriptor
func (m *Manager) GetSubscriberIPTable(ctx context.Context) ([]ipalloc.IPDescriptor, error) {
	all, err := m.descs.List(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]ipalloc.IPDescriptor, 0, len(all))
	for _, d := range all {
		if d.State.Active() {
			result = append(result, d)
		}
	}
	return result, nil
}

// GetIPForSubscriber returns the active descriptor of (sid, apn)
func (m *Manager) GetIPForSubscriber(ctx context.Context, sid, apn string) (*ipalloc.IPDescriptor, error) {
	d, err := m.descs.FindActive(ctx, sid, apn)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.Wrapf(ipalloc.ErrMappingNotFound, "%s/%s has no address", sid, apn)
	}
	return d, nil
}

var errNoBlockAdmin = errors.New("allocator does not manage blocks")

func (m *Manager) AddIPBlock(ctx context.Context, b ipalloc.IPBlock) error {
	if m.admin == nil {
		return errNoBlockAdmin
	}
	return m.admin.AddBlock(ctx, b)
}

// RemoveIPBlocks removes the blocks without active addresses, or all of them when forced
func (m *Manager) RemoveIPBlocks(ctx context.Context, blocks []ipalloc.IPBlock, force bool) ([]ipalloc.IPBlock, error) {
	if m.admin == nil {
		return nil, errNoBlockAdmin
	}
	return m.admin.RemoveBlocks(ctx, blocks, force)
}

func (m *Manager) ListAllocatedIPs(ctx context.Context, b ipalloc.IPBlock) ([]net.IP, error) {
	if m.admin == nil {
		return nil, errNoBlockAdmin
	}
	return m.admin.ListAllocatedIPs(ctx, b)
}

func (m *Manager) FreeCount(ctx context.Context, b ipalloc.IPBlock) (uint64, error) {
	if m.admin == nil {
		return 0, errNoBlockAdmin
	}
	return m.admin.FreeCount(ctx, b)
}

// RecycleReleased reaps the addresses released longer than the grace period ago
func (m *Manager) RecycleReleased(ctx context.Context) ([]ipalloc.IPDescriptor, error) {
	all, err := m.descs.List(ctx)
	if err != nil {
		return nil, err
	}

	deadline := m.clock.Now().Add(-m.config.GracePeriod)
	var reaped []ipalloc.IPDescriptor
	var errs error
	for _, d := range all {
		if d.State != ipalloc.StateReleased || !d.ReleasedAt.Before(deadline) {
			continue
		}
		r, err := m.descs.Reap(ctx, d.Key(), deadline)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to reap %s: %v", d.IP, err))
			continue
		}
		if r == nil {
			// taken back meanwhile
			continue
		}
		metrics.IPReaped.Inc()
		m.log.Infof("reaped %s of %s, released at %s", r.IP, r.SID, r.ReleasedAt.Format(time.RFC3339))
		reaped = append(reaped, *r)
	}
	return reaped, errs
}

// Run starts the periodic recycling pass, it ends with ctx
func (m *Manager) Run(ctx context.Context) {
	go wait.UntilWithContext(ctx, func(ctx context.Context) {
		if _, err := m.RecycleReleased(ctx); err != nil {
			m.log.Warnf("recycling pass failed: %v", err)
		}
	}, m.config.RecycleInterval)
	m.log.Infof("recycling released addresses every %s after %s", m.config.RecycleInterval, m.config.GracePeriod)
}
