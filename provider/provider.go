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

// Package provider implements the bridge backends over the vendor
// SDKs: OpenAI and xAI through openai-go, Anthropic through the
// Anthropic SDK, Google through genai, plus the agent runner and the
// retrieval backend.
package provider

import (
	"fmt"
	"os"
	"strings"

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

// RegistryParams configures NewRegistry. Empty API keys fall back to
// the conventional environment variables.
type RegistryParams struct {
	OpenAIKey    string
	AnthropicKey string
	GoogleKey    string
	XAIKey       string

	// Retriever backs the retrieval mode; nil leaves the index
	// backend unregistered.
	Retriever Retriever

	// AgentEvents receives the agent runner's self-managed terminal
	// notifications.
	AgentEvents bridge.Events

	// AgentMaxSteps bounds the agent loop; zero means the default.
	AgentMaxSteps int
}

// NewRegistry wires every available backend into a bridge registry.
// Backends whose API key cannot be resolved are skipped.
func NewRegistry(params RegistryParams) *bridge.Registry {
	registry := bridge.NewRegistry()

	var openAI *OpenAIBackend
	if key := keyOr(params.OpenAIKey, "OPENAI_API_KEY"); key != "" {
		openAI = NewOpenAIBackend(OpenAIParams{APIKey: key})
		registry.RegisterChat(item.ProviderOpenAI, openAI)
	}
	if key := keyOr(params.XAIKey, "XAI_API_KEY"); key != "" {
		registry.RegisterChat(item.ProviderXAI, NewXAIBackend(XAIParams{APIKey: key}))
	}
	if key := keyOr(params.AnthropicKey, "ANTHROPIC_API_KEY"); key != "" {
		registry.RegisterChat(item.ProviderAnthropic, NewAnthropicBackend(AnthropicParams{APIKey: key}))
	}
	if key := keyOr(params.GoogleKey, "GOOGLE_API_KEY"); key != "" {
		registry.RegisterChat(item.ProviderGoogle, NewGoogleBackend(GoogleParams{APIKey: key}))
	}

	if params.Retriever != nil && openAI != nil {
		registry.RegisterIndex(NewIndexBackend(IndexParams{
			Retriever: params.Retriever,
			Chat:      openAI,
		}))
	}

	if params.AgentEvents != nil && openAI != nil {
		runner := NewAgentBackend(AgentParams{
			Chat:     openAI,
			Events:   params.AgentEvents,
			MaxSteps: params.AgentMaxSteps,
		})
		registry.RegisterAgent(item.ModeAgentOpenAI, runner)
		registry.RegisterAgent(item.ModeAgentLlama, runner)
		registry.RegisterAgent(item.ModeAgent, runner)
	}
	return registry
}

func keyOr(key, envName string) string {
	if strings.TrimSpace(key) != "" {
		return key
	}
	return os.Getenv(envName)
}

func errNoModel(backend string) error {
	return fmt.Errorf("%s backend requires a model", backend)
}
