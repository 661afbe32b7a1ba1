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
	"log/slog"

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
)

const defaultAgentMaxSteps = 10

// AgentParams configures the agent runner.
type AgentParams struct {
	Chat     bridge.Backend
	Events   bridge.Events
	MaxSteps int
	Logger   *slog.Logger
}

// AgentBackend is the autonomous runner: it drives the underlying chat
// backend step by step until the model stops producing tool-call
// requests or the step budget runs out.
//
// The runner manages its own event stream. On success it reports its
// terminal outcome itself, so the dispatching worker stays silent; on
// dispatch failure it returns the error and lets the worker report.
type AgentBackend struct {
	chat     bridge.Backend
	events   bridge.Events
	maxSteps int
	logger   *slog.Logger
}

// NewAgentBackend creates the runner.
func NewAgentBackend(params AgentParams) *AgentBackend {
	maxSteps := params.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultAgentMaxSteps
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentBackend{
		chat:     params.Chat,
		events:   params.Events,
		maxSteps: maxSteps,
		logger:   logger,
	}
}

// Call implements bridge.Backend.
func (b *AgentBackend) Call(ctx context.Context, bc *bridge.Context, sink bridge.Sink) (bool, error) {
	if bc.Ctx == nil {
		return false, fmt.Errorf("agent runner requires a turn record")
	}
	bc.Ctx.AgentCall = true

	for step := 0; step < b.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		ok, err := b.chat.Call(ctx, bc, sink)
		if err != nil {
			return false, fmt.Errorf("agent step %d: %w", step+1, err)
		}
		if !ok {
			return false, nil
		}

		b.logger.Debug("agent step completed",
			slog.Int("step", step+1),
			slog.String("ctx", bc.Ctx.ID))

		if !bc.Ctx.HasCmds() {
			break
		}
		// Tool-call requests remain: fold them into the next step's
		// prompt and continue the loop.
		bc.History = append(bc.History, bc.Ctx)
		bc.Prompt = "continue"
	}

	b.events.Completed(&bridge.Result{
		BC:     bc,
		Extra:  map[string]any{"agent": true},
		Status: bridge.StatusOK,
	})
	return true, nil
}
