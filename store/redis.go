// Copyright 2025 The NLP Odyssey Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

// RedisStore keeps turn records as JSON payloads in Redis: one hash
// entry per turn and a per-conversation list holding the turn order.
type RedisStore struct {
	client     redis.UniversalClient
	ownsClient bool
	keyPrefix  string
	ttl        time.Duration
	mu         sync.Mutex
}

type RedisStoreParams struct {
	// Existing Redis client. When provided, this store does not close the client.
	Client redis.UniversalClient

	// Redis URL used to create a dedicated client when Client is nil.
	// Example: redis://localhost:6379/0
	URL string

	// Optional key prefix for all store keys. Defaults to "pygpt:ctx".
	KeyPrefix string

	// Optional TTL for conversation keys. Zero means no expiration.
	TTL time.Duration
}

// NewRedisStore initializes a Redis turn store.
func NewRedisStore(ctx context.Context, params RedisStoreParams) (*RedisStore, error) {
	client := params.Client
	ownsClient := false
	if client == nil {
		if params.URL == "" {
			return nil, fmt.Errorf("redis client or url is required")
		}
		opts, err := redis.ParseURL(params.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
		ownsClient = true
	}

	s := &RedisStore{
		client:     client,
		ownsClient: ownsClient,
		keyPrefix:  cmp.Or(params.KeyPrefix, "pygpt:ctx"),
		ttl:        params.TTL,
	}

	if !s.Ping(ctx) {
		_ = s.Close()
		return nil, fmt.Errorf("redis is not reachable")
	}
	return s, nil
}

func (s *RedisStore) itemsKey(metaID string) string {
	return fmt.Sprintf("%s:%s:items", s.keyPrefix, metaID)
}

func (s *RedisStore) orderKey(metaID string) string {
	return fmt.Sprintf("%s:%s:order", s.keyPrefix, metaID)
}

func (s *RedisStore) UpdateItem(c *item.CtxItem) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.UpdateItemContext(ctx, c)
}

func (s *RedisStore) UpdateItemContext(ctx context.Context, c *item.CtxItem) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("turn record has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal turn record: %w", err)
	}

	itemsKey := s.itemsKey(c.MetaID)
	orderKey := s.orderKey(c.MetaID)

	known, err := s.client.HExists(ctx, itemsKey, c.ID).Result()
	if err != nil {
		return fmt.Errorf("check redis turn record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, itemsKey, c.ID, string(payload))
	if !known {
		pipe.RPush(ctx, orderKey, c.ID)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, itemsKey, s.ttl)
		pipe.Expire(ctx, orderKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store redis turn record: %w", err)
	}
	return nil
}

func (s *RedisStore) GetItems(ctx context.Context, metaID string, limit int) ([]*item.CtxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		ids []string
		err error
	)
	if limit <= 0 {
		ids, err = s.client.LRange(ctx, s.orderKey(metaID), 0, -1).Result()
	} else {
		ids, err = s.client.LRange(ctx, s.orderKey(metaID), -int64(limit), -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("get redis turn order: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := s.client.HMGet(ctx, s.itemsKey(metaID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("get redis turn records: %w", err)
	}

	items := make([]*item.CtxItem, 0, len(raw))
	for _, payload := range raw {
		str, ok := payload.(string)
		if !ok {
			continue
		}
		var c item.CtxItem
		if err := json.Unmarshal([]byte(str), &c); err != nil {
			continue
		}
		items = append(items, &c)
	}
	return items, nil
}

func (s *RedisStore) Retrieve(ctx context.Context, metaID, query string, limit int) ([]*item.CtxItem, error) {
	items, err := s.GetItems(ctx, metaID, 0)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	needle := strings.ToLower(query)
	matched := make([]*item.CtxItem, 0, limit)
	for _, c := range items {
		if needle == "" ||
			strings.Contains(strings.ToLower(c.Input), needle) ||
			strings.Contains(strings.ToLower(c.Output), needle) {
			matched = append(matched, c)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (s *RedisStore) Clear(ctx context.Context, metaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.Del(ctx, s.itemsKey(metaID), s.orderKey(metaID)).Err()
	if err != nil {
		return fmt.Errorf("clear redis conversation: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Close closes the Redis client if this store owns it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
