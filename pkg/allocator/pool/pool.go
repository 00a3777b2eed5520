// Package pool carves subscriber addresses out of configured CIDR blocks
package pool

import (
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/lock"
	"github.com/infrastructure-io/mobilityd/pkg/log"
	"github.com/infrastructure-io/mobilityd/pkg/metrics"
	"github.com/infrastructure-io/mobilityd/pkg/store"
	"github.com/infrastructure-io/mobilityd/pkg/tools"
)

// Allocator hands out the lowest free address of its blocks. Addresses are free
// when no descriptor exists for them, so a released address stays taken until
// it is reaped.
type Allocator struct {
	log    *zap.SugaredLogger
	name   string
	lock   lock.Mutex
	blocks *store.Table[ipalloc.IPBlock]
	descs  *ipalloc.Descriptors
}

var _ ipalloc.Allocator = &Allocator{}

// New returns the pool called name. Pools sharing a provider keep separate blocks.
func New(name string, p store.Provider, descs *ipalloc.Descriptors) *Allocator {
	return &Allocator{
		log:    log.Logger.Named("pool").With("pool", name),
		name:   name,
		blocks: store.NewTable[ipalloc.IPBlock](p, store.TableIPBlocks),
		descs:  descs,
	}
}

func (a *Allocator) Name() string {
	return a.name
}

func (a *Allocator) blockKey(b ipalloc.IPBlock) string {
	return a.name + "/" + b.String()
}

// usableRange skips the network and broadcast addresses of ipv4 blocks
func usableRange(b ipalloc.IPBlock) (net.IP, net.IP) {
	first, last := cidr.AddressRange(b.IPNet())
	if b.Version == 4 && b.Prefix < 31 {
		first = cidr.Inc(first)
		last = cidr.Dec(last)
	}
	return first, last
}

func usableCount(b ipalloc.IPBlock) uint64 {
	bits := 32
	if b.Version == 6 {
		bits = 128
	}
	if bits-b.Prefix >= 64 {
		return math.MaxUint64
	}
	n := cidr.AddressCount(b.IPNet())
	if b.Version == 4 && b.Prefix < 31 {
		n -= 2
	}
	return n
}

// AddBlock starts serving addresses out of b
func (a *Allocator) AddBlock(ctx context.Context, b ipalloc.IPBlock) error {
	existing, err := a.ListAddedBlocks(ctx)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Contains(b.Network) || b.Contains(e.Network) {
			return fmt.Errorf("block %s overlaps block %s of pool %s", b, e, a.name)
		}
	}

	if _, err := a.blocks.Put(ctx, a.blockKey(b), b, 0); err != nil {
		if store.IsConflict(err) {
			return fmt.Errorf("block %s already added to pool %s", b, a.name)
		}
		return fmt.Errorf("failed to add block %s: %v", b, err)
	}
	a.log.Infof("added block %s", b)
	return nil
}

func (a *Allocator) ListAddedBlocks(ctx context.Context) ([]ipalloc.IPBlock, error) {
	all, err := a.blocks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %v", err)
	}
	prefix := a.name + "/"
	result := make([]ipalloc.IPBlock, 0, len(all))
	for k, v := range all {
		if strings.HasPrefix(k, prefix) {
			result = append(result, v.Value)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].String() < result[j].String() })
	return result, nil
}

func blockOf(blocks []ipalloc.IPBlock, ip net.IP) (ipalloc.IPBlock, bool) {
	for _, b := range blocks {
		if b.Contains(ip) {
			return b, true
		}
	}
	return ipalloc.IPBlock{}, false
}

func (a *Allocator) AllocateIP(ctx context.Context, sid, apn string) (*ipalloc.IPDescriptor, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	blocks, err := a.ListAddedBlocks(ctx)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, errors.Wrapf(ipalloc.ErrAllocationFailed, "pool %s has no block", a.name)
	}
	all, err := a.descs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %v", err)
	}

	used := make(map[string]bool, len(all))
	var released *ipalloc.IPDescriptor
	for i := range all {
		d := &all[i]
		if _, ok := blockOf(blocks, d.IP); !ok || d.VlanID != 0 {
			continue
		}
		used[d.IP.String()] = true
		if d.SID != sid || d.APN != apn || d.Type != ipalloc.TypeIPPool {
			continue
		}
		if d.State.Active() {
			return d, nil
		}
		if d.State == ipalloc.StateReleased {
			released = d
		}
	}

	if released != nil {
		d, err := a.descs.Reactivate(ctx, released.Key(), sid, apn)
		if err == nil {
			a.log.Debugf("%s takes back %s", sid, d.IP)
			return d, nil
		}
		if !ipalloc.IsMappingNotFound(err) {
			return nil, err
		}
	}

	for _, b := range blocks {
		first, last := usableRange(b)
		for ip := first; b.Contains(ip) && tools.CompareIP(ip, last) <= 0; ip = cidr.Inc(ip) {
			if used[ip.String()] {
				continue
			}
			d := &ipalloc.IPDescriptor{
				IP:    ip,
				Block: b,
				State: ipalloc.StateAllocated,
				SID:   sid,
				APN:   apn,
				Type:  ipalloc.TypeIPPool,
			}
			err := a.descs.Create(ctx, d)
			if store.IsConflict(err) {
				// another process took it meanwhile
				used[ip.String()] = true
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to record %s: %v", ip, err)
			}
			used[ip.String()] = true
			a.setFreeGauge(b, used)
			a.log.Debugf("allocated %s to %s", ip, sid)
			return d, nil
		}
	}

	return nil, errors.Wrapf(ipalloc.ErrAllocationFailed, "pool %s exhausted", a.name)
}

func (a *Allocator) setFreeGauge(b ipalloc.IPBlock, used map[string]bool) {
	n := uint64(0)
	for ip := range used {
		if b.Contains(net.ParseIP(ip)) {
			n++
		}
	}
	metrics.PoolFree.WithLabelValues(a.name, b.String()).Set(float64(usableCount(b) - n))
}

// ReleaseIP marks the address released, it becomes free once reaped
func (a *Allocator) ReleaseIP(ctx context.Context, desc *ipalloc.IPDescriptor) error {
	blocks, err := a.ListAddedBlocks(ctx)
	if err != nil {
		return err
	}
	if _, ok := blockOf(blocks, desc.IP); !ok {
		return errors.Wrapf(ipalloc.ErrMappingNotFound, "%s is not in pool %s", desc.IP, a.name)
	}
	if _, err := a.descs.Release(ctx, desc.Key(), desc.SID); err != nil {
		return err
	}
	a.log.Debugf("released %s of %s", desc.IP, desc.SID)
	return nil
}

// inBlock returns the descriptors of b
func (a *Allocator) inBlock(ctx context.Context, b ipalloc.IPBlock) ([]ipalloc.IPDescriptor, error) {
	all, err := a.descs.List(ctx)
	if err != nil {
		return nil, err
	}
	var result []ipalloc.IPDescriptor
	for _, d := range all {
		if d.VlanID == 0 && b.Contains(d.IP) {
			result = append(result, d)
		}
	}
	return result, nil
}

// FreeCount returns the number of addresses of b without a descriptor
func (a *Allocator) FreeCount(ctx context.Context, b ipalloc.IPBlock) (uint64, error) {
	descs, err := a.inBlock(ctx, b)
	if err != nil {
		return 0, err
	}
	first, last := usableRange(b)
	n := uint64(0)
	for _, d := range descs {
		if tools.CompareIP(d.IP, first) >= 0 && tools.CompareIP(d.IP, last) <= 0 {
			n++
		}
	}
	free := usableCount(b) - n
	metrics.PoolFree.WithLabelValues(a.name, b.String()).Set(float64(free))
	return free, nil
}

// ListAllocatedIPs returns the active addresses of b
func (a *Allocator) ListAllocatedIPs(ctx context.Context, b ipalloc.IPBlock) ([]net.IP, error) {
	descs, err := a.inBlock(ctx, b)
	if err != nil {
		return nil, err
	}
	var result []net.IP
	for _, d := range descs {
		if d.State.Active() {
			result = append(result, d.IP)
		}
	}
	return result, nil
}

// RemoveBlocks stops serving the given blocks. A block with active addresses is
// kept unless force is set, in which case its descriptors are dropped as well.
// The blocks actually removed are returned.
func (a *Allocator) RemoveBlocks(ctx context.Context, blocks []ipalloc.IPBlock, force bool) ([]ipalloc.IPBlock, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	added, err := a.ListAddedBlocks(ctx)
	if err != nil {
		return nil, err
	}

	var removed []ipalloc.IPBlock
	var errs error
	for _, b := range blocks {
		known := false
		for _, e := range added {
			if e.Equal(b) {
				known = true
				break
			}
		}
		if !known {
			a.log.Debugf("block %s is not part of the pool", b)
			continue
		}

		descs, err := a.inBlock(ctx, b)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		active := 0
		for _, d := range descs {
			if d.State.Active() {
				active++
			}
		}
		if active > 0 && !force {
			a.log.Infof("keep block %s, %d addresses in use", b, active)
			continue
		}

		for _, d := range descs {
			if err := a.descs.Delete(ctx, d.Key()); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("failed to drop %s: %v", d.IP, err))
			}
		}
		got, err := a.blocks.Get(ctx, a.blockKey(b))
		if err == nil {
			err = a.blocks.Delete(ctx, a.blockKey(b), got.Version)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to remove block %s: %v", b, err))
			continue
		}
		metrics.PoolFree.DeleteLabelValues(a.name, b.String())
		a.log.Infof("removed block %s, %d descriptors dropped", b, len(descs))
		removed = append(removed, b)
	}
	return removed, errs
}
