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

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicParams configures the Anthropic backend.
type AnthropicParams struct {
	APIKey string
}

// AnthropicBackend serves claude models through the Messages API.
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend creates the backend.
func NewAnthropicBackend(params AnthropicParams) *AnthropicBackend {
	return &AnthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(params.APIKey)),
	}
}

// Call implements bridge.Backend.
func (b *AnthropicBackend) Call(ctx context.Context, bc *bridge.Context, sink bridge.Sink) (bool, error) {
	if bc.Model == nil {
		return false, errNoModel("anthropic")
	}

	maxTokens := bc.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(bc.Model.ID),
		MaxTokens: int64(maxTokens),
		Messages:  buildAnthropicMessages(bc),
	}
	if bc.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: bc.SystemPrompt}}
	}
	if bc.Temperature > 0 {
		params.Temperature = anthropic.Float(bc.Temperature)
	}

	if !bc.Stream {
		message, err := b.client.Messages.New(ctx, params)
		if err != nil {
			return false, fmt.Errorf("anthropic message: %w", err)
		}
		applyOutput(bc, anthropicText(message))
		applyTokens(bc, int(message.Usage.InputTokens), int(message.Usage.OutputTokens))
		return true, nil
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	sink.Begin(bc)
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			sink.End(bc)
			return false, fmt.Errorf("anthropic stream accumulate: %w", err)
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if deltaVariant.Text != "" {
					sink.Append(bc, deltaVariant.Text)
				}
			}
		}
	}
	sink.End(bc)
	if err := stream.Err(); err != nil {
		return false, fmt.Errorf("anthropic stream: %w", err)
	}
	applyOutput(bc, anthropicText(&message))
	applyTokens(bc, int(message.Usage.InputTokens), int(message.Usage.OutputTokens))
	return true, nil
}

func buildAnthropicMessages(bc *bridge.Context) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, 2*len(bc.History)+1)
	for _, turn := range bc.History {
		if turn == nil {
			continue
		}
		if turn.Input != "" {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Input)))
		}
		if turn.Output != "" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Output)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(bc.Prompt)))
	return messages
}

func anthropicText(message *anthropic.Message) string {
	var out string
	for _, block := range message.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}
