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

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
)

// OpenAIParams configures the OpenAI backend.
type OpenAIParams struct {
	APIKey  string
	BaseURL string
}

// OpenAIBackend serves direct SDK calls against OpenAI. Models flagged
// with the responses API variant go through the Responses endpoint;
// everything else uses chat completions.
type OpenAIBackend struct {
	client openai.Client
}

// NewOpenAIBackend creates the backend.
func NewOpenAIBackend(params OpenAIParams) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(params.APIKey)}
	if strings.TrimSpace(params.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(params.BaseURL))
	}
	return &OpenAIBackend{client: openai.NewClient(opts...)}
}

// Call implements bridge.Backend.
func (b *OpenAIBackend) Call(ctx context.Context, bc *bridge.Context, sink bridge.Sink) (bool, error) {
	if bc.Model == nil {
		return false, fmt.Errorf("openai backend requires a model")
	}
	if bc.Model.ResponsesAPI {
		return b.callResponses(ctx, bc, sink)
	}
	return b.callChat(ctx, bc, sink)
}

func (b *OpenAIBackend) callChat(ctx context.Context, bc *bridge.Context, sink bridge.Sink) (bool, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(bc.Model.ID),
		Messages: buildChatMessages(bc),
	}
	if bc.Temperature > 0 {
		params.Temperature = openai.Float(bc.Temperature)
	}
	if bc.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(bc.MaxTokens))
	}

	if !bc.Stream {
		completion, err := b.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return false, fmt.Errorf("chat completion: %w", err)
		}
		if len(completion.Choices) == 0 {
			return false, nil
		}
		applyOutput(bc, completion.Choices[0].Message.Content)
		applyTokens(bc, int(completion.Usage.PromptTokens), int(completion.Usage.CompletionTokens))
		return true, nil
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	sink.Begin(bc)
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				sink.Append(bc, delta)
			}
		}
	}
	sink.End(bc)
	if err := stream.Err(); err != nil {
		return false, fmt.Errorf("chat completion stream: %w", err)
	}
	if len(acc.Choices) == 0 {
		return false, nil
	}
	applyOutput(bc, acc.Choices[0].Message.Content)
	applyTokens(bc, int(acc.Usage.PromptTokens), int(acc.Usage.CompletionTokens))
	return true, nil
}

func (b *OpenAIBackend) callResponses(ctx context.Context, bc *bridge.Context, sink bridge.Sink) (bool, error) {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(bc.Model.ID),
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(buildResponsesInput(bc))},
	}
	if bc.SystemPrompt != "" {
		params.Instructions = openai.String(bc.SystemPrompt)
	}
	if bc.Temperature > 0 {
		params.Temperature = openai.Float(bc.Temperature)
	}
	if bc.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(bc.MaxTokens))
	}

	if !bc.Stream {
		resp, err := b.client.Responses.New(ctx, params)
		if err != nil {
			return false, fmt.Errorf("responses call: %w", err)
		}
		applyOutput(bc, resp.OutputText())
		applyTokens(bc, int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens))
		return true, nil
	}

	stream := b.client.Responses.NewStreaming(ctx, params)
	var out strings.Builder
	sink.Begin(bc)
	for stream.Next() {
		event := stream.Current()
		if event.Type == "response.output_text.delta" && event.Delta != "" {
			out.WriteString(event.Delta)
			sink.Append(bc, event.Delta)
		}
	}
	sink.End(bc)
	if err := stream.Err(); err != nil {
		return false, fmt.Errorf("responses stream: %w", err)
	}
	applyOutput(bc, out.String())
	return true, nil
}

// buildChatMessages maps the request onto the chat wire format: system
// prompt first, then prior turns in order, then the current prompt.
func buildChatMessages(bc *bridge.Context) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2*len(bc.History)+2)
	if bc.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(bc.SystemPrompt))
	}
	for _, turn := range bc.History {
		if turn == nil {
			continue
		}
		if turn.Input != "" {
			messages = append(messages, openai.UserMessage(turn.Input))
		}
		if turn.Output != "" {
			messages = append(messages, openai.AssistantMessage(turn.Output))
		}
	}
	messages = append(messages, openai.UserMessage(bc.Prompt))
	return messages
}

// buildResponsesInput flattens history into a single input for the
// responses endpoint; server-side conversation state carries the rest.
func buildResponsesInput(bc *bridge.Context) string {
	if len(bc.History) == 0 {
		return bc.Prompt
	}
	var sb strings.Builder
	for _, turn := range bc.History {
		if turn == nil {
			continue
		}
		if turn.Input != "" {
			sb.WriteString("User: ")
			sb.WriteString(turn.Input)
			sb.WriteString("\n")
		}
		if turn.Output != "" {
			sb.WriteString("Assistant: ")
			sb.WriteString(turn.Output)
			sb.WriteString("\n")
		}
	}
	sb.WriteString(bc.Prompt)
	return sb.String()
}

func applyOutput(bc *bridge.Context, text string) {
	if bc.Ctx != nil {
		bc.Ctx.Output = text
	}
}

func applyTokens(bc *bridge.Context, in, out int) {
	if bc.Ctx != nil {
		bc.Ctx.InputTokens = in
		bc.Ctx.OutputTokens = out
	}
}
