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

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
)

const defaultXAIBaseURL = "https://api.x.ai/v1"

// XAIParams configures the xAI backend.
type XAIParams struct {
	APIKey  string
	BaseURL string
}

// XAIBackend serves grok models through the OpenAI-compatible xAI
// endpoint. The wire protocol is chat completions; only the base URL
// and key differ.
type XAIBackend struct {
	inner *OpenAIBackend
}

// NewXAIBackend creates the backend.
func NewXAIBackend(params XAIParams) *XAIBackend {
	baseURL := params.BaseURL
	if baseURL == "" {
		baseURL = defaultXAIBaseURL
	}
	return &XAIBackend{
		inner: NewOpenAIBackend(OpenAIParams{APIKey: params.APIKey, BaseURL: baseURL}),
	}
}

// Call implements bridge.Backend.
func (b *XAIBackend) Call(ctx context.Context, bc *bridge.Context, sink bridge.Sink) (bool, error) {
	if bc.Model == nil {
		return false, errNoModel("xai")
	}
	return b.inner.callChat(ctx, bc, sink)
}
