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

package kernel

import (
	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

// InputSender builds a bridge context from raw user or system input and
// feeds it back into the pipeline. It is the chat-input collaborator.
type InputSender interface {
	Send(bc *bridge.Context, extra map[string]any) (any, error)
}

// Renderer is the chat-response collaborator: it receives terminal
// outcomes, streaming chunks and the realtime transcript.
type Renderer interface {
	Handle(bc *bridge.Context, extra map[string]any, ok bool)
	Failed(bc *bridge.Context, extra map[string]any)
	Begin(bc *bridge.Context, extra map[string]any)
	Append(bc *bridge.Context, chunk string)
	End(bc *bridge.Context, extra map[string]any)
	LiveAppend(bc *bridge.Context, extra map[string]any)
	LiveClear(bc *bridge.Context, extra map[string]any)
	ToolOutputUpdated(c *item.CtxItem)
}

// StatusSink reflects kernel state on the status indicator and the
// status bar.
type StatusSink interface {
	OnState(state State, busy bool)
	Update(status string)
}

// Persister stores a turn record after every mutation that must survive
// a restart. No transactional rollback is assumed.
type Persister interface {
	UpdateItem(c *item.CtxItem) error
}

// AgentLoop is notified when a reply flush occurs so loop and iteration
// counters advance.
type AgentLoop interface {
	OnReply(c *item.CtxItem)
}

// Stoppable is anything with in-flight work a stop request must reach:
// audio playback, the legacy chat loop.
type Stoppable interface {
	Stop()
}

// NopRenderer ignores everything. Useful for headless runs and tests.
type NopRenderer struct{}

func (NopRenderer) Handle(*bridge.Context, map[string]any, bool) {}
func (NopRenderer) Failed(*bridge.Context, map[string]any)       {}
func (NopRenderer) Begin(*bridge.Context, map[string]any)        {}
func (NopRenderer) Append(*bridge.Context, string)               {}
func (NopRenderer) End(*bridge.Context, map[string]any)          {}
func (NopRenderer) LiveAppend(*bridge.Context, map[string]any)   {}
func (NopRenderer) LiveClear(*bridge.Context, map[string]any)    {}
func (NopRenderer) ToolOutputUpdated(*item.CtxItem)              {}
