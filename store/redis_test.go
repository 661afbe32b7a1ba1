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
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewRedisStore(t.Context(), RedisStoreParams{
		Client:    client,
		KeyPrefix: "test:pygpt:ctx",
	})
	require.NoError(t, err)
	return s
}

func TestRedisUpsertAndGet(t *testing.T) {
	s := newMiniRedisStore(t)

	c := turn("meta-1", 1, "hello", "hi there")
	c.Cmds = []map[string]any{{"cmd": "read_file"}}
	require.NoError(t, s.UpdateItem(c))

	items, err := s.GetItems(t.Context(), "meta-1", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, c.ID, items[0].ID)
	assert.Equal(t, "hi there", items[0].Output)
	assert.Equal(t, c.Cmds, items[0].Cmds)
}

func TestRedisUpsertKeepsOrderStable(t *testing.T) {
	s := newMiniRedisStore(t)

	first := turn("meta-1", 1, "q1", "")
	second := turn("meta-1", 2, "q2", "")
	require.NoError(t, s.UpdateItem(first))
	require.NoError(t, s.UpdateItem(second))

	// Re-persisting an existing turn must not move it to the tail.
	first.Output = "a1"
	require.NoError(t, s.UpdateItem(first))

	items, err := s.GetItems(t.Context(), "meta-1", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "q1", items[0].Input)
	assert.Equal(t, "a1", items[0].Output)
	assert.Equal(t, "q2", items[1].Input)
}

func TestRedisGetItemsLimit(t *testing.T) {
	s := newMiniRedisStore(t)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.UpdateItem(turn("meta-1", i, fmt.Sprintf("q%d", i), "")))
	}

	items, err := s.GetItems(t.Context(), "meta-1", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "q4", items[0].Input)
	assert.Equal(t, "q5", items[1].Input)
}

func TestRedisRetrieve(t *testing.T) {
	s := newMiniRedisStore(t)

	require.NoError(t, s.UpdateItem(turn("meta-1", 1, "tell me about whales", "whales are mammals")))
	require.NoError(t, s.UpdateItem(turn("meta-1", 2, "and dolphins?", "dolphins too")))

	items, err := s.Retrieve(t.Context(), "meta-1", "WHALES", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].PID)
}

func TestRedisClear(t *testing.T) {
	s := newMiniRedisStore(t)

	require.NoError(t, s.UpdateItem(turn("meta-1", 1, "a", "")))
	require.NoError(t, s.Clear(t.Context(), "meta-1"))

	items, err := s.GetItems(t.Context(), "meta-1", 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestNewRedisStoreRequiresClientOrURL(t *testing.T) {
	_, err := NewRedisStore(t.Context(), RedisStoreParams{})
	require.Error(t, err)
}
