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

package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

const defaultRetrieveLimit = 5

// Retriever fetches previously stored turns relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, metaID, query string, limit int) ([]*item.CtxItem, error)
}

// IndexParams configures the retrieval-augmented backend.
type IndexParams struct {
	Retriever Retriever
	Chat      bridge.Backend
	Limit     int
}

// IndexBackend answers chat queries with stored conversation turns
// stuffed into the system prompt. It does not stream.
type IndexBackend struct {
	retriever Retriever
	chat      bridge.Backend
	limit     int
}

// NewIndexBackend creates the retrieval-augmented backend.
func NewIndexBackend(params IndexParams) *IndexBackend {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultRetrieveLimit
	}
	return &IndexBackend{
		retriever: params.Retriever,
		chat:      params.Chat,
		limit:     limit,
	}
}

// Call implements bridge.Backend.
func (b *IndexBackend) Call(ctx context.Context, bc *bridge.Context, sink bridge.Sink) (bool, error) {
	if b.retriever != nil {
		metaID := ""
		if bc.Ctx != nil {
			metaID = bc.Ctx.MetaID
		}
		turns, err := b.retriever.Retrieve(ctx, metaID, bc.Prompt, b.limit)
		if err != nil {
			return false, fmt.Errorf("index retrieval: %w", err)
		}
		if len(turns) > 0 {
			bc.SystemPrompt = augmentSystemPrompt(bc.SystemPrompt, turns)
		}
	}
	bc.Stream = false
	return b.chat.Call(ctx, bc, sink)
}

func augmentSystemPrompt(base string, turns []*item.CtxItem) string {
	var sb strings.Builder
	if base != "" {
		sb.WriteString(base)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Relevant prior conversation:\n")
	for _, t := range turns {
		if t.Input != "" {
			fmt.Fprintf(&sb, "User: %s\n", t.Input)
		}
		if t.Output != "" {
			fmt.Fprintf(&sb, "Assistant: %s\n", t.Output)
		}
	}
	return sb.String()
}
