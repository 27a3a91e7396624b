package configstore

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/go-redis/redis/v8"

	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// DefaultRedisKey holds the active pointer when no key is configured.
const DefaultRedisKey = "storagehub:active"

// RedisPointer stores the active pointer as JSON under one redis key.
type RedisPointer struct {
	client *redis.Client
	key    string
}

var _ Pointer = (*RedisPointer)(nil)

// NewRedisPointer returns a pointer store on client.
func NewRedisPointer(client *redis.Client, key string) *RedisPointer {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisPointer{client: client, key: key}
}

func (p *RedisPointer) GetActive(ctx context.Context) (*types.ActivePointer, error) {
	data, err := p.client.Get(ctx, p.key).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "failed to read active backend from redis")
	}
	var ptr types.ActivePointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "active backend pointer is corrupt")
	}
	return &ptr, nil
}

func (p *RedisPointer) SetActive(ctx context.Context, ptr types.ActivePointer) error {
	data, err := json.Marshal(ptr)
	if err != nil {
		return err
	}
	if err := p.client.Set(ctx, p.key, data, 0).Err(); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "failed to write active backend to redis")
	}
	return nil
}

func (p *RedisPointer) ClearActive(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "failed to clear active backend in redis")
	}
	return nil
}

// Close closes the redis client.
func (p *RedisPointer) Close() error {
	return p.client.Close()
}
