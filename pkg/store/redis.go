package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	fieldValue   = "value"
	fieldVersion = "version"
)

type redisProvider struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisProvider stores every record as a hash "<prefix>:<table>:<key>" holding the
// value and its version, plus a set "<prefix>:<table>" indexing the keys
func NewRedisProvider(client redis.UniversalClient, prefix string) Provider {
	return &redisProvider{
		client: client,
		prefix: prefix,
	}
}

func (p *redisProvider) KV(table string) KV {
	return &redisKV{
		client: p.client,
		index:  fmt.Sprintf("%s:%s", p.prefix, table),
	}
}

type redisKV struct {
	client redis.UniversalClient
	index  string
}

func (r *redisKV) recordKey(key string) string {
	return r.index + ":" + key
}

func parseRecord(fields map[string]string) (Record, error) {
	version, err := strconv.ParseUint(fields[fieldVersion], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid version %q: %v", fields[fieldVersion], err)
	}
	return Record{Value: []byte(fields[fieldValue]), Version: version}, nil
}

func (r *redisKV) Get(ctx context.Context, key string) (Record, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(key)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("failed to read %s: %v", key, err)
	}
	if len(fields) == 0 {
		return Record{}, errors.Wrapf(ErrNotFound, "key %s", key)
	}
	return parseRecord(fields)
}

func currentVersion(ctx context.Context, tx *redis.Tx, rk string) (uint64, error) {
	v, err := tx.HGet(ctx, rk, fieldVersion).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (r *redisKV) Put(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	rk := r.recordKey(key)
	var next uint64

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := currentVersion(ctx, tx, rk)
		if err != nil {
			return err
		}
		if cur != expected {
			return errors.Wrapf(ErrVersionConflict, "key %s at version %d, write based on %d", key, cur, expected)
		}
		next = cur + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rk, fieldValue, value, fieldVersion, next)
			pipe.SAdd(ctx, r.index, key)
			return nil
		})
		return err
	}, rk)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, redis.TxFailedErr):
		// the watched record moved between our read and the commit
		return 0, errors.Wrapf(ErrVersionConflict, "key %s changed concurrently", key)
	case IsConflict(err):
		return 0, err
	default:
		return 0, fmt.Errorf("failed to write %s: %v", key, err)
	}
}

func (r *redisKV) Delete(ctx context.Context, key string, expected uint64) error {
	rk := r.recordKey(key)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := currentVersion(ctx, tx, rk)
		if err != nil {
			return err
		}
		if cur == 0 {
			return errors.Wrapf(ErrNotFound, "key %s", key)
		}
		if cur != expected {
			return errors.Wrapf(ErrVersionConflict, "key %s at version %d, delete based on %d", key, cur, expected)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rk)
			pipe.SRem(ctx, r.index, key)
			return nil
		})
		return err
	}, rk)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return errors.Wrapf(ErrVersionConflict, "key %s changed concurrently", key)
	case IsConflict(err), IsNotFound(err):
		return err
	default:
		return fmt.Errorf("failed to delete %s: %v", key, err)
	}
}

func (r *redisKV) List(ctx context.Context) (map[string]Record, error) {
	keys, err := r.client.SMembers(ctx, r.index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %v", r.index, err)
	}

	cmds := make(map[string]*redis.MapStringStringCmd, len(keys))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			cmds[k] = pipe.HGetAll(ctx, r.recordKey(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read records of %s: %v", r.index, err)
	}

	result := make(map[string]Record, len(keys))
	for k, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// deleted after SMEMBERS
			continue
		}
		record, err := parseRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("corrupted record %s: %v", k, err)
		}
		result[k] = record
	}
	return result, nil
}
