package main

import (
	"context"
	"fmt"

	"github.com/infrastructure-io/mobilityd/pkg/allocator/dhcpalloc"
	"github.com/infrastructure-io/mobilityd/pkg/allocator/multiapn"
	"github.com/infrastructure-io/mobilityd/pkg/allocator/pool"
	"github.com/infrastructure-io/mobilityd/pkg/allocator/staticip"
	"github.com/infrastructure-io/mobilityd/pkg/config"
	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/log"
	"github.com/infrastructure-io/mobilityd/pkg/store"
)

// chain is the assembled allocator front end
type chain struct {
	v4 ipalloc.Allocator
	v6 ipalloc.Allocator
	// pool of the default ipv4 allocator, nil when it is dhcp
	admin *pool.Allocator
}

type chainDeps struct {
	provider store.Provider
	descs    *ipalloc.Descriptors
	// nil without a dhcp allocator in the configuration
	engine dhcpalloc.Engine
	// nil without static addresses
	subscribers staticip.SubscriberStore
}

// ensureBlocks adds the configured blocks the pool does not serve yet
func ensureBlocks(ctx context.Context, p *pool.Allocator, blocks []ipalloc.IPBlock) error {
	added, err := p.ListAddedBlocks(ctx)
	if err != nil {
		return err
	}
next:
	for _, b := range blocks {
		for _, a := range added {
			if a.Equal(b) {
				continue next
			}
		}
		if err := p.AddBlock(ctx, b); err != nil {
			return fmt.Errorf("failed to add block %s to pool %s: %v", b, p.Name(), err)
		}
		log.Logger.Infof("added block %s to pool %s", b, p.Name())
	}
	return nil
}

func buildAllocator(ctx context.Context, deps chainDeps, name string, spec config.AllocatorSpec, version int) (ipalloc.Allocator, *pool.Allocator, error) {
	switch spec.Type {
	case config.AllocatorPool:
		p := pool.New(name, deps.provider, deps.descs)
		if err := ensureBlocks(ctx, p, spec.ParsedBlocks(version)); err != nil {
			return nil, nil, err
		}
		return p, p, nil
	case config.AllocatorDhcp:
		if deps.engine == nil {
			return nil, nil, fmt.Errorf("%s needs the dhcp engine", name)
		}
		return dhcpalloc.New(deps.engine, deps.descs, spec.Vlan), nil, nil
	}
	return nil, nil, fmt.Errorf("%s: unknown allocator type %q", name, spec.Type)
}

func buildChain(ctx context.Context, c *config.AllocationConfig, deps chainDeps) (*chain, error) {
	result := &chain{}

	base, admin, err := buildAllocator(ctx, deps, "ipv4", c.IPv4, 4)
	if err != nil {
		return nil, err
	}
	result.admin = admin
	result.v4 = base

	if len(c.APNs) > 0 {
		routes := make(map[string]ipalloc.Allocator, len(c.APNs))
		for apn, spec := range c.APNs {
			a, _, err := buildAllocator(ctx, deps, "apn-"+apn, spec, 4)
			if err != nil {
				return nil, err
			}
			routes[apn] = a
		}
		result.v4 = multiapn.New(routes, base)
	}

	if deps.subscribers != nil {
		result.v4 = staticip.New(result.v4, deps.subscribers, deps.descs)
	}

	if c.IPv6 != nil {
		v6, _, err := buildAllocator(ctx, deps, "ipv6", *c.IPv6, 6)
		if err != nil {
			return nil, err
		}
		result.v6 = v6
	}

	return result, nil
}
