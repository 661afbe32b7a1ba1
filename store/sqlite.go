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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

// SQLiteStore keeps turn records in a single SQLite table. Tool-call
// requests, results and the extra map are stored as JSON columns.
type SQLiteStore struct {
	dbDSN string
	table string
	db    *sql.DB
	mu    sync.Mutex
}

type SQLiteStoreParams struct {
	// Optional database data source name. Defaults to `file::memory:?cache=shared`.
	DBDataSourceName string

	// Optional name of the table to store turn records.
	Table string
}

// NewSQLiteStore initializes the SQLite turn store.
func NewSQLiteStore(ctx context.Context, params SQLiteStoreParams) (_ *SQLiteStore, err error) {
	s := &SQLiteStore{
		dbDSN: cmp.Or(params.DBDataSourceName, "file::memory:?cache=shared"),
		table: cmp.Or(params.Table, "ctx_item"),
	}

	defer func() {
		if err != nil {
			if e := s.Close(); e != nil {
				err = errors.Join(err, e)
			}
		}
	}()

	s.db, err = sql.Open("sqlite3", s.dbDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`)
	if err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if err := s.initDB(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// UpdateItem upserts a turn record. It satisfies the kernel's
// persister, which carries no context, so the operation runs under the
// store's own timeout.
func (s *SQLiteStore) UpdateItem(c *item.CtxItem) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.UpdateItemContext(ctx, c)
}

func (s *SQLiteStore) UpdateItemContext(ctx context.Context, c *item.CtxItem) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("turn record has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cmds, err := marshalJSONColumn(c.Cmds)
	if err != nil {
		return fmt.Errorf("marshal cmds: %w", err)
	}
	results, err := marshalJSONColumn(c.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	extra, err := marshalJSONColumn(c.Extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO "%s" (
			id, meta_id, pid, input, output,
			cmds_json, results_json, extra_json, extra_ctx,
			reply, agent_call, internal,
			input_tokens, output_tokens, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			meta_id = excluded.meta_id,
			pid = excluded.pid,
			input = excluded.input,
			output = excluded.output,
			cmds_json = excluded.cmds_json,
			results_json = excluded.results_json,
			extra_json = excluded.extra_json,
			extra_ctx = excluded.extra_ctx,
			reply = excluded.reply,
			agent_call = excluded.agent_call,
			internal = excluded.internal,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			updated_at = CURRENT_TIMESTAMP
	`, s.table),
		c.ID, c.MetaID, c.PID, c.Input, c.Output,
		cmds, results, extra, c.ExtraCtx,
		c.Reply, c.AgentCall, c.Internal,
		c.InputTokens, c.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("error upserting turn record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetItems(ctx context.Context, metaID string, limit int) (_ []*item.CtxItem, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows *sql.Rows
	if limit <= 0 {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM "%s"
			WHERE meta_id = ?
			ORDER BY pid ASC, rowid ASC
		`, itemColumns, s.table), metaID)
	} else {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM "%s"
			WHERE meta_id = ?
			ORDER BY pid DESC, rowid DESC
			LIMIT ?
		`, itemColumns, s.table), metaID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying turn records: %w", err)
	}
	defer func() {
		if e := rows.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("error closing sql.Rows: %w", e))
		}
	}()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		slices.Reverse(items)
	}
	return items, nil
}

func (s *SQLiteStore) Retrieve(ctx context.Context, metaID, query string, limit int) (_ []*item.CtxItem, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM "%s"
		WHERE meta_id = ? AND (input LIKE ? OR output LIKE ?)
		ORDER BY pid DESC, rowid DESC
		LIMIT ?
	`, itemColumns, s.table), metaID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying turn records: %w", err)
	}
	defer func() {
		if e := rows.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("error closing sql.Rows: %w", e))
		}
	}()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(items)
	return items, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, metaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM "%s" WHERE meta_id = ?`, s.table,
	), metaID)
	return err
}

// Close the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

const itemColumns = `id, meta_id, pid, input, output,
	cmds_json, results_json, extra_json, extra_ctx,
	reply, agent_call, internal, input_tokens, output_tokens`

func scanItems(rows *sql.Rows) ([]*item.CtxItem, error) {
	var items []*item.CtxItem
	for rows.Next() {
		var (
			c                   item.CtxItem
			cmds, results, extr string
		)
		err := rows.Scan(
			&c.ID, &c.MetaID, &c.PID, &c.Input, &c.Output,
			&cmds, &results, &extr, &c.ExtraCtx,
			&c.Reply, &c.AgentCall, &c.Internal,
			&c.InputTokens, &c.OutputTokens,
		)
		if err != nil {
			return nil, fmt.Errorf("sql rows scan error: %w", err)
		}
		if err := unmarshalJSONColumn(cmds, &c.Cmds); err != nil {
			continue
		}
		if err := unmarshalJSONColumn(results, &c.Results); err != nil {
			continue
		}
		if err := unmarshalJSONColumn(extr, &c.Extra); err != nil {
			continue
		}
		items = append(items, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sql rows scan error: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) initDB(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS "%s" (
			id TEXT PRIMARY KEY,
			meta_id TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			cmds_json TEXT NOT NULL DEFAULT 'null',
			results_json TEXT NOT NULL DEFAULT 'null',
			extra_json TEXT NOT NULL DEFAULT 'null',
			extra_ctx TEXT NOT NULL DEFAULT '',
			reply BOOLEAN NOT NULL DEFAULT FALSE,
			agent_call BOOLEAN NOT NULL DEFAULT FALSE,
			internal BOOLEAN NOT NULL DEFAULT FALSE,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`, s.table,
	))
	if err != nil {
		return fmt.Errorf("error creating turn table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS "idx_%s_meta_id" ON "%s" (meta_id, pid)`,
		s.table, s.table,
	))
	if err != nil {
		return fmt.Errorf("error creating index: %w", err)
	}

	return nil
}

func marshalJSONColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSONColumn[T any](data string, out *T) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), out)
}

var _ Store = (*SQLiteStore)(nil)
