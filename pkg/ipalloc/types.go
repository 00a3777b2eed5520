// Package ipalloc holds the types shared by every allocation strategy
package ipalloc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrAllocationFailed means no address could be obtained for the request
	ErrAllocationFailed = errors.New("ip allocation failed")
	// ErrMappingNotFound means the (subscriber, ip) pair is not tracked
	ErrMappingNotFound = errors.New("ip mapping not found")
)

type IPState string

const (
	StateFree      IPState = "FREE"
	StateAllocated IPState = "ALLOCATED"
	StateReleased  IPState = "RELEASED"
	StateReaped    IPState = "REAPED"
	StateReserved  IPState = "RESERVED"
)

// Active reports whether the address is held by its subscriber
func (s IPState) Active() bool {
	return s == StateAllocated || s == StateReserved
}

type IPType string

const (
	TypeStatic IPType = "STATIC"
	TypeIPPool IPType = "IP_POOL"
	TypeDHCP   IPType = "DHCP"
)

// IPBlock is a CIDR served by an allocator. It is stored in its "10.0.0.0/24" form.
type IPBlock struct {
	Network net.IP
	Prefix  int
	Version int
}

func NewIPBlock(n *net.IPNet) IPBlock {
	ones, _ := n.Mask.Size()
	version := 6
	if n.IP.To4() != nil {
		version = 4
	}
	return IPBlock{Network: n.IP.Mask(n.Mask), Prefix: ones, Version: version}
}

// ParseIPBlock parses "10.0.0.0/24"
func ParseIPBlock(cidr string) (IPBlock, error) {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		return IPBlock{}, fmt.Errorf("invalid block %q: %v", cidr, err)
	}
	return NewIPBlock(n), nil
}

// ParseIPBlocks parses CIDRs of the given ip version and rejects overlaps
func ParseIPBlocks(cidrs []string, version int) ([]IPBlock, error) {
	result := make([]IPBlock, 0, len(cidrs))
	for _, c := range cidrs {
		b, err := ParseIPBlock(c)
		if err != nil {
			return nil, err
		}
		if b.Version != version {
			return nil, fmt.Errorf("block %s is not ipv%d", c, version)
		}
		for _, o := range result {
			if o.Contains(b.Network) || b.Contains(o.Network) {
				return nil, fmt.Errorf("block %s overlaps %s", b, o)
			}
		}
		result = append(result, b)
	}
	return result, nil
}

func (b IPBlock) IPNet() *net.IPNet {
	if b.Version == 6 {
		return &net.IPNet{IP: b.Network.To16(), Mask: net.CIDRMask(b.Prefix, 128)}
	}
	return &net.IPNet{IP: b.Network.To4(), Mask: net.CIDRMask(b.Prefix, 32)}
}

func (b IPBlock) String() string {
	return b.IPNet().String()
}

func (b IPBlock) MarshalText() ([]byte, error) {
	if b.Network == nil {
		return []byte{}, nil
	}
	return []byte(b.String()), nil
}

func (b *IPBlock) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*b = IPBlock{}
		return nil
	}
	parsed, err := ParseIPBlock(string(data))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b IPBlock) Contains(ip net.IP) bool {
	return b.IPNet().Contains(ip)
}

func (b IPBlock) Equal(o IPBlock) bool {
	return b.Prefix == o.Prefix && b.Network.Equal(o.Network)
}

// IPDescriptor is the allocation record of one address
type IPDescriptor struct {
	IP         net.IP    `json:"ip"`
	Block      IPBlock   `json:"block"`
	State      IPState   `json:"state"`
	SID        string    `json:"sid"`
	APN        string    `json:"apn,omitempty"`
	Type       IPType    `json:"type"`
	VlanID     int       `json:"vlanId,omitempty"`
	ReleasedAt time.Time `json:"releasedAt,omitempty"`
}

// Key identifies the descriptor in the persistent table. The same address may
// be leased on two VLANs so the VLAN is part of the key. A static address is
// shared by every apn of its subscriber and is keyed per apn.
func (d *IPDescriptor) Key() string {
	key := DescriptorKey(d.IP, d.VlanID)
	if d.Type == TypeStatic && d.APN != "" {
		key += "#" + d.APN
	}
	return key
}

func DescriptorKey(ip net.IP, vlan int) string {
	if vlan == 0 {
		return ip.String()
	}
	return fmt.Sprintf("%s@%d", ip, vlan)
}

func (d *IPDescriptor) String() string {
	return fmt.Sprintf("%s(%s sid=%s apn=%s type=%s vlan=%d)", d.IP, d.State, d.SID, d.APN, d.Type, d.VlanID)
}

// Allocator is one allocation strategy. Implementations are safe for concurrent use.
type Allocator interface {
	// AllocateIP returns an active descriptor for the subscriber, or ErrAllocationFailed
	AllocateIP(ctx context.Context, sid, apn string) (*IPDescriptor, error)
	// ReleaseIP gives back an address handed out by AllocateIP
	ReleaseIP(ctx context.Context, desc *IPDescriptor) error
	// ListAddedBlocks returns the blocks the allocator serves from
	ListAddedBlocks(ctx context.Context) ([]IPBlock, error)
}

// IsAllocationFailed reports whether err is an allocation failure
func IsAllocationFailed(err error) bool {
	return errors.Is(err, ErrAllocationFailed)
}

func IsMappingNotFound(err error) bool {
	return errors.Is(err, ErrMappingNotFound)
}
