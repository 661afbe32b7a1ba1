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

// Package store persists conversation turns. Two backends are
// available: SQLite for the local single-user case and Redis for
// shared deployments. Both satisfy the kernel's persister and the
// retrieval interface used by the index backend.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

// opTimeout bounds store operations issued from the kernel's dispatch
// loop, which carries no caller context.
const opTimeout = 5 * time.Second

// Store is the full turn-storage surface.
type Store interface {
	// UpdateItem upserts a turn record.
	UpdateItem(c *item.CtxItem) error

	// GetItems returns the most recent turns of a conversation in
	// chronological order. limit <= 0 returns all of them.
	GetItems(ctx context.Context, metaID string, limit int) ([]*item.CtxItem, error)

	// Retrieve returns turns of a conversation whose input or output
	// matches the query, most relevant last.
	Retrieve(ctx context.Context, metaID, query string, limit int) ([]*item.CtxItem, error)

	// Clear removes every turn of a conversation.
	Clear(ctx context.Context, metaID string) error

	Close() error
}

// Open creates a store for the configured driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(ctx, SQLiteStoreParams{DBDataSourceName: dsn})
	case "redis":
		return NewRedisStore(ctx, RedisStoreParams{URL: dsn})
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
