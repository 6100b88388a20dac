package projection

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/teamgraph/modules/hierarchy/services"
)

// RedisStore shares one snapshot across processes. Swap writes the payload
// to a staging key and renames it over the live key, so a reader sees either
// the previous snapshot or the new one, never a torn write.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

var _ services.ProjectionStore = (*RedisStore)(nil)

func (s *RedisStore) Load(ctx context.Context) (*services.Projection, error) {
	payload, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, services.ErrNoProjection
		}
		return nil, err
	}

	var p services.Projection
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	p.Reindex()
	return &p, nil
}

func (s *RedisStore) Swap(ctx context.Context, p *services.Projection) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}

	staging := s.key + ":staging"
	if err := s.client.Set(ctx, staging, payload, 0).Err(); err != nil {
		return err
	}
	return s.client.Rename(ctx, staging, s.key).Err()
}
