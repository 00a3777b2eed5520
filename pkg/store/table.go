package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

// ConflictBackoff bounds the read-modify-write retries of Table.Update
var ConflictBackoff = wait.Backoff{
	Duration: 5 * time.Millisecond,
	Factor:   2,
	Jitter:   0.2,
	Steps:    8,
}

// Versioned is a decoded record
type Versioned[T any] struct {
	Value   T
	Version uint64
}

// Table stores values of T as json on top of a KV
type Table[T any] struct {
	kv KV
}

// NewTable returns the typed view of a table
func NewTable[T any](p Provider, name string) *Table[T] {
	return &Table[T]{kv: p.KV(name)}
}

func (t *Table[T]) Get(ctx context.Context, key string) (Versioned[T], error) {
	var out Versioned[T]
	r, err := t.kv.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(r.Value, &out.Value); err != nil {
		return out, fmt.Errorf("failed to decode %s: %v", key, err)
	}
	out.Version = r.Version
	return out, nil
}

// Put writes value based on version, 0 to create
func (t *Table[T]) Put(ctx context.Context, key string, value T, version uint64) (uint64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s: %v", key, err)
	}
	return t.kv.Put(ctx, key, data, version)
}

func (t *Table[T]) Delete(ctx context.Context, key string, version uint64) error {
	return t.kv.Delete(ctx, key, version)
}

func (t *Table[T]) List(ctx context.Context) (map[string]Versioned[T], error) {
	records, err := t.kv.List(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]Versioned[T], len(records))
	for k, r := range records {
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %v", k, err)
		}
		result[k] = Versioned[T]{Value: v, Version: r.Version}
	}
	return result, nil
}

// UpdateFunc receives the current value (nil when absent) and returns the value to
// store, or nil to delete the record. Returning cur itself leaves the record untouched.
type UpdateFunc[T any] func(cur *T) (*T, error)

// Update runs a read-modify-write cycle and retries it while another writer wins the race
func (t *Table[T]) Update(ctx context.Context, key string, fn UpdateFunc[T]) error {
	return retry.OnError(ConflictBackoff, IsConflict, func() error {
		var cur *T
		var version uint64

		existing, err := t.Get(ctx, key)
		switch {
		case err == nil:
			cur = &existing.Value
			version = existing.Version
		case IsNotFound(err):
		default:
			return err
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}

		if next == cur {
			return nil
		}
		if next == nil {
			return t.Delete(ctx, key, version)
		}
		_, err = t.Put(ctx, key, *next, version)
		return err
	})
}
