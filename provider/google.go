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
	"sync"

	"google.golang.org/genai"

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
)

// GoogleParams configures the Google backend.
type GoogleParams struct {
	APIKey string
}

// GoogleBackend serves gemini models through the genai SDK. The client
// is created lazily on first use so construction never needs a context.
type GoogleBackend struct {
	apiKey string

	mu     sync.Mutex
	client *genai.Client
}

// NewGoogleBackend creates the backend.
func NewGoogleBackend(params GoogleParams) *GoogleBackend {
	return &GoogleBackend{apiKey: params.APIKey}
}

// ensureClient is safe for concurrent use: the backend is shared by
// every worker goroutine dispatching a gemini model.
func (b *GoogleBackend) ensureClient(ctx context.Context) (*genai.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  b.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	b.client = client
	return client, nil
}

// Call implements bridge.Backend.
func (b *GoogleBackend) Call(ctx context.Context, bc *bridge.Context, sink bridge.Sink) (bool, error) {
	if bc.Model == nil {
		return false, errNoModel("google")
	}
	client, err := b.ensureClient(ctx)
	if err != nil {
		return false, err
	}

	contents := buildGoogleContents(bc)
	cfg := &genai.GenerateContentConfig{}
	if bc.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(bc.SystemPrompt, genai.RoleUser)
	}
	if bc.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(bc.Temperature))
	}
	if bc.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(bc.MaxTokens)
	}

	if !bc.Stream {
		result, err := client.Models.GenerateContent(ctx, bc.Model.ID, contents, cfg)
		if err != nil {
			return false, fmt.Errorf("genai generate: %w", err)
		}
		applyOutput(bc, result.Text())
		if result.UsageMetadata != nil {
			applyTokens(bc, int(result.UsageMetadata.PromptTokenCount), int(result.UsageMetadata.CandidatesTokenCount))
		}
		return true, nil
	}

	var out strings.Builder
	sink.Begin(bc)
	for resp, err := range client.Models.GenerateContentStream(ctx, bc.Model.ID, contents, cfg) {
		if err != nil {
			sink.End(bc)
			return false, fmt.Errorf("genai stream: %w", err)
		}
		if chunk := resp.Text(); chunk != "" {
			out.WriteString(chunk)
			sink.Append(bc, chunk)
		}
	}
	sink.End(bc)
	applyOutput(bc, out.String())
	return true, nil
}

func buildGoogleContents(bc *bridge.Context) []*genai.Content {
	contents := make([]*genai.Content, 0, 2*len(bc.History)+1)
	for _, turn := range bc.History {
		if turn == nil {
			continue
		}
		if turn.Input != "" {
			contents = append(contents, genai.NewContentFromText(turn.Input, genai.RoleUser))
		}
		if turn.Output != "" {
			contents = append(contents, genai.NewContentFromText(turn.Output, genai.RoleModel))
		}
	}
	contents = append(contents, genai.NewContentFromText(bc.Prompt, genai.RoleUser))
	return contents
}
