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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.Context(), SQLiteStoreParams{
		DBDataSourceName: filepath.Join(t.TempDir(), "ctx.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func turn(metaID string, pid int, input, output string) *item.CtxItem {
	c := item.NewCtxItem(metaID)
	c.PID = pid
	c.Input = input
	c.Output = output
	return c
}

func TestSQLiteUpsertAndGet(t *testing.T) {
	s := newTestStore(t)

	c := turn("meta-1", 1, "hello", "hi there")
	c.Cmds = []map[string]any{{"cmd": "read_file"}}
	c.Results = []map[string]any{{"result": "contents"}}
	c.Extra["foo"] = "bar"
	c.Reply = true
	c.InputTokens = 3
	c.OutputTokens = 7
	require.NoError(t, s.UpdateItem(c))

	items, err := s.GetItems(t.Context(), "meta-1", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0]
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "hello", got.Input)
	assert.Equal(t, "hi there", got.Output)
	assert.Equal(t, c.Cmds, got.Cmds)
	assert.Equal(t, c.Results, got.Results)
	assert.Equal(t, "bar", got.Extra["foo"])
	assert.True(t, got.Reply)
	assert.Equal(t, 10, got.TotalTokens())
}

func TestSQLiteUpsertIsIdempotentPerID(t *testing.T) {
	s := newTestStore(t)

	c := turn("meta-1", 1, "hello", "")
	require.NoError(t, s.UpdateItem(c))

	c.Output = "finished answer"
	c.Internal = true
	require.NoError(t, s.UpdateItem(c))

	items, err := s.GetItems(t.Context(), "meta-1", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "finished answer", items[0].Output)
	assert.True(t, items[0].Internal)
}

func TestSQLiteGetItemsLimitReturnsMostRecent(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.UpdateItem(turn("meta-1", i, fmt.Sprintf("q%d", i), "")))
	}

	items, err := s.GetItems(t.Context(), "meta-1", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	// Chronological order, most recent window.
	assert.Equal(t, "q4", items[0].Input)
	assert.Equal(t, "q5", items[1].Input)
}

func TestSQLiteRetrieveMatchesInputAndOutput(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpdateItem(turn("meta-1", 1, "tell me about whales", "whales are mammals")))
	require.NoError(t, s.UpdateItem(turn("meta-1", 2, "and dolphins?", "dolphins too")))
	require.NoError(t, s.UpdateItem(turn("meta-2", 1, "whales again", "different conversation")))

	items, err := s.Retrieve(t.Context(), "meta-1", "whales", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].PID)
}

func TestSQLiteClearRemovesConversation(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpdateItem(turn("meta-1", 1, "a", "")))
	require.NoError(t, s.UpdateItem(turn("meta-2", 1, "b", "")))
	require.NoError(t, s.Clear(t.Context(), "meta-1"))

	items, err := s.GetItems(t.Context(), "meta-1", 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = s.GetItems(t.Context(), "meta-2", 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSQLiteRejectsRecordWithoutID(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateItem(&item.CtxItem{})
	require.Error(t, err)
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(t.Context(), "sqlite", filepath.Join(t.TempDir(), "ctx.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(t.Context(), "mysql", "dsn")
	require.Error(t, err)
}
