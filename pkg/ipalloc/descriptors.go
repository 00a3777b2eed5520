package ipalloc

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/infrastructure-io/mobilityd/pkg/store"
	"github.com/infrastructure-io/mobilityd/pkg/tools"
)

// Descriptors is the persistent table of IP descriptors shared by the allocators.
// Every state change is a versioned read-modify-write.
type Descriptors struct {
	table *store.Table[IPDescriptor]
	clock clock.Clock
}

func NewDescriptors(p store.Provider, clk clock.Clock) *Descriptors {
	return &Descriptors{
		table: store.NewTable[IPDescriptor](p, store.TableIPDescriptors),
		clock: clk,
	}
}

// List returns every descriptor ordered by address
func (d *Descriptors) List(ctx context.Context) ([]IPDescriptor, error) {
	all, err := d.table.List(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]IPDescriptor, 0, len(all))
	for _, v := range all {
		result = append(result, v.Value)
	}
	sort.Slice(result, func(i, j int) bool {
		if c := tools.CompareIP(result[i].IP, result[j].IP); c != 0 {
			return c < 0
		}
		return result[i].VlanID < result[j].VlanID
	})
	return result, nil
}

// FindActive returns the active descriptor of (sid, apn), nil when there is none
func (d *Descriptors) FindActive(ctx context.Context, sid, apn string) (*IPDescriptor, error) {
	all, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].SID == sid && all[i].APN == apn && all[i].State.Active() {
			return &all[i], nil
		}
	}
	return nil, nil
}

// Create stores a new descriptor, store.ErrVersionConflict when its key is taken
func (d *Descriptors) Create(ctx context.Context, desc *IPDescriptor) error {
	_, err := d.table.Put(ctx, desc.Key(), *desc, 0)
	return err
}

// Reactivate hands a released descriptor back to the subscriber that released it
func (d *Descriptors) Reactivate(ctx context.Context, key, sid, apn string) (*IPDescriptor, error) {
	var out IPDescriptor
	err := d.table.Update(ctx, key, func(cur *IPDescriptor) (*IPDescriptor, error) {
		if cur == nil || cur.State != StateReleased || cur.SID != sid || cur.APN != apn {
			return nil, errors.Wrapf(ErrMappingNotFound, "no released %s for %s", key, sid)
		}
		next := *cur
		next.State = StateAllocated
		next.ReleasedAt = time.Time{}
		out = next
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveByIP returns the active descriptors of ip on vlan
func (d *Descriptors) ActiveByIP(ctx context.Context, ip net.IP, vlan int) ([]IPDescriptor, error) {
	all, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	var result []IPDescriptor
	for _, desc := range all {
		if desc.IP.Equal(ip) && desc.VlanID == vlan && desc.State.Active() {
			result = append(result, desc)
		}
	}
	return result, nil
}

// Claim records desc as active. It fails while another (sid, apn) holds the
// record; released or absent records are overwritten.
func (d *Descriptors) Claim(ctx context.Context, desc *IPDescriptor) error {
	return d.table.Update(ctx, desc.Key(), func(cur *IPDescriptor) (*IPDescriptor, error) {
		if cur != nil && cur.State.Active() && (cur.SID != desc.SID || cur.APN != desc.APN) {
			return nil, errors.Wrapf(ErrAllocationFailed, "%s is held by %s/%s", desc.IP, cur.SID, cur.APN)
		}
		next := *desc
		return &next, nil
	})
}

// Release marks the active descriptor of key held by sid as released
func (d *Descriptors) Release(ctx context.Context, key, sid string) (*IPDescriptor, error) {
	var out IPDescriptor
	err := d.table.Update(ctx, key, func(cur *IPDescriptor) (*IPDescriptor, error) {
		if cur == nil || cur.SID != sid || !cur.State.Active() {
			return nil, errors.Wrapf(ErrMappingNotFound, "%s is not allocated to %s", key, sid)
		}
		next := *cur
		next.State = StateReleased
		next.ReleasedAt = d.clock.Now()
		out = next
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Reap removes the descriptor of key when it was released before deadline. The
// reaped descriptor is returned, nil when nothing was removed.
func (d *Descriptors) Reap(ctx context.Context, key string, deadline time.Time) (*IPDescriptor, error) {
	var out *IPDescriptor
	err := d.table.Update(ctx, key, func(cur *IPDescriptor) (*IPDescriptor, error) {
		out = nil
		if cur == nil || cur.State != StateReleased || !cur.ReleasedAt.Before(deadline) {
			return cur, nil
		}
		reaped := *cur
		reaped.State = StateReaped
		out = &reaped
		return nil, nil
	})
	return out, err
}

// Delete drops the descriptor of key whatever its state
func (d *Descriptors) Delete(ctx context.Context, key string) error {
	return d.table.Update(ctx, key, func(_ *IPDescriptor) (*IPDescriptor, error) {
		return nil, nil
	})
}
