// Package multiapn gives every access point name its own allocator
package multiapn

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/log"
)

type Allocator struct {
	log      *zap.SugaredLogger
	routes   map[string]ipalloc.Allocator
	fallback ipalloc.Allocator
}

var _ ipalloc.Allocator = &Allocator{}

// New routes requests by apn, case insensitive. Unlisted apns go to fallback,
// which may be nil.
func New(routes map[string]ipalloc.Allocator, fallback ipalloc.Allocator) *Allocator {
	r := make(map[string]ipalloc.Allocator, len(routes))
	for apn, a := range routes {
		r[strings.ToLower(apn)] = a
	}
	return &Allocator{
		log:      log.Logger.Named("multiapn"),
		routes:   r,
		fallback: fallback,
	}
}

func (a *Allocator) pick(apn string) ipalloc.Allocator {
	if r, ok := a.routes[strings.ToLower(apn)]; ok {
		return r
	}
	return a.fallback
}

func (a *Allocator) AllocateIP(ctx context.Context, sid, apn string) (*ipalloc.IPDescriptor, error) {
	r := a.pick(apn)
	if r == nil {
		return nil, errors.Wrapf(ipalloc.ErrAllocationFailed, "no allocator for apn %q", apn)
	}
	return r.AllocateIP(ctx, sid, apn)
}

func (a *Allocator) ReleaseIP(ctx context.Context, desc *ipalloc.IPDescriptor) error {
	r := a.pick(desc.APN)
	if r == nil {
		return errors.Wrapf(ipalloc.ErrMappingNotFound, "no allocator for apn %q", desc.APN)
	}
	return r.ReleaseIP(ctx, desc)
}

// ListAddedBlocks returns the blocks of every backing allocator once
func (a *Allocator) ListAddedBlocks(ctx context.Context) ([]ipalloc.IPBlock, error) {
	all := make([]ipalloc.Allocator, 0, len(a.routes)+1)
	for _, r := range a.routes {
		all = append(all, r)
	}
	if a.fallback != nil {
		all = append(all, a.fallback)
	}

	seen := map[string]bool{}
	var result []ipalloc.IPBlock
	for _, r := range all {
		blocks, err := r.ListAddedBlocks(ctx)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			if !seen[b.String()] {
				seen[b.String()] = true
				result = append(result, b)
			}
		}
	}
	return result, nil
}
