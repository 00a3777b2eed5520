// Package store is the durable state layer. Every record carries a version and
// every write names the version it was based on, so two processes sharing the
// same backend never silently overwrite each other.
package store

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a key has no record
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when the stored version differs from the
	// version the write was based on. Callers re-read and retry.
	ErrVersionConflict = errors.New("record version conflict")
)

// Record is a serialized value and its version. Version 0 means "absent".
type Record struct {
	Value   []byte
	Version uint64
}

// KV is one versioned table
type KV interface {
	// Get returns the record of key or ErrNotFound
	Get(ctx context.Context, key string) (Record, error)
	// Put writes value if the current version equals expected, and returns the new version.
	// expected 0 requires the key to be absent.
	Put(ctx context.Context, key string, value []byte, expected uint64) (uint64, error)
	// Delete removes key if the current version equals expected
	Delete(ctx context.Context, key string, expected uint64) error
	// List returns every record of the table
	List(ctx context.Context) (map[string]Record, error)
}

// Provider hands out the KV of a named table
type Provider interface {
	KV(table string) KV
}

const (
	TableIPDescriptors = "ip_descriptors"
	TableIPBlocks      = "ip_blocks"
	TableDhcpLeases    = "dhcp_leases"
	TableGatewayInfo   = "gateway_info"
)

// IsConflict reports whether err is a version conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound reports whether err is a missing record
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
