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

// Package item defines the conversation-turn record and the model
// descriptor shared by the bridge, kernel and provider layers.
package item

import (
	"time"

	"github.com/google/uuid"
)

// Mode identifies how a request is executed.
type Mode string

const (
	ModeChat        Mode = "chat"
	ModeCompletion  Mode = "completion"
	ModeVision      Mode = "vision"
	ModeAudio       Mode = "audio"
	ModeAssistant   Mode = "assistant"
	ModeAgent       Mode = "agent"
	ModeAgentLlama  Mode = "agent_llama"
	ModeAgentOpenAI Mode = "agent_openai"
	ModeExpert      Mode = "expert"
	ModeLlamaIndex  Mode = "llama_index"
	ModeResearch    Mode = "research"
)

// Virtual reports whether the mode has no backend of its own and must be
// resolved to a concrete execution mode before dispatch.
func (m Mode) Virtual() bool {
	return m == ModeAgent || m == ModeExpert
}

// Sequential reports whether the mode's backend is stateful and must run
// on the calling goroutine rather than on the worker pool.
func (m Mode) Sequential() bool {
	return m == ModeAssistant || m == ModeExpert
}

// AgentLike reports whether the mode runs its own multi-step loop and
// therefore manages its own continuation instead of the reply stack.
func (m Mode) AgentLike() bool {
	switch m {
	case ModeAgent, ModeAgentLlama, ModeAgentOpenAI:
		return true
	}
	return false
}

// Provider identifies a vendor backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderAnthropic Provider = "anthropic"
	ProviderXAI       Provider = "x_ai"
	ProviderLocal     Provider = "local_ai"
)

// Model describes one selectable model: its wire identifier, the vendor
// that serves it and the modes it can handle.
type Model struct {
	ID       string
	Name     string
	Provider Provider
	Modes    []Mode

	// Streaming is false for models whose backend cannot emit
	// incremental output.
	Streaming bool

	// ResponsesAPI selects the OpenAI responses API variant instead of
	// chat completions.
	ResponsesAPI bool

	// Multimodal is true when the model accepts image or audio input.
	Multimodal bool

	CtxTokens int
}

// Supports reports whether the model can run in the given mode.
func (m *Model) Supports(mode Mode) bool {
	if m == nil {
		return false
	}
	for _, supported := range m.Modes {
		if supported == mode {
			return true
		}
	}
	return false
}

// CtxItem is one user/assistant exchange: the input, the produced
// output, any parsed tool-call requests and their results, plus the
// bookkeeping flags the kernel and reply stack act on.
type CtxItem struct {
	ID     string
	MetaID string

	// PID is the turn sequence number within the conversation. The
	// reply stack uses it to reject turns that were already flushed.
	PID int

	Input  string
	Output string

	// Cmds holds tool-call requests parsed from the model output.
	// Results holds the outputs produced by executing them; the reply
	// stack takes ownership of Results on append.
	Cmds    []map[string]any
	Results []map[string]any

	// Reply marks a turn whose results must be sent back to the model.
	// AgentCall marks a turn that originated inside an autonomous agent
	// loop; such turns bypass the reply stack entirely.
	Reply     bool
	AgentCall bool

	// Internal suppresses prompt augmentations applied to user turns.
	Internal bool

	ExtraCtx string
	Extra    map[string]any

	Urls   []string
	Images []string
	Files  []string

	InputTokens  int
	OutputTokens int

	InputTimestamp  time.Time
	OutputTimestamp time.Time
}

// NewCtxItem creates a turn record bound to a conversation.
func NewCtxItem(metaID string) *CtxItem {
	return &CtxItem{
		ID:     uuid.NewString(),
		MetaID: metaID,
		Extra:  map[string]any{},
	}
}

// HasCmds reports whether the turn produced tool-call requests.
func (c *CtxItem) HasCmds() bool {
	return c != nil && len(c.Cmds) > 0
}

// TotalTokens returns the combined input and output token count.
func (c *CtxItem) TotalTokens() int {
	if c == nil {
		return 0
	}
	return c.InputTokens + c.OutputTokens
}
