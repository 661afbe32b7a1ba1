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

// Package bridgetesting provides fake collaborators used by the bridge,
// kernel and reply-stack tests.
package bridgetesting

import (
	"context"
	"sync"

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
)

// FakeBackendTurnOutput scripts one backend call.
type FakeBackendTurnOutput struct {
	Output string
	OK     bool
	Error  error

	// Chunks are streamed through the sink before the output is set.
	Chunks []string
}

// FakeBackend is a scripted bridge backend. Each call consumes the next
// scripted turn output; with no script it succeeds with empty output.
type FakeBackend struct {
	mu          sync.Mutex
	turnOutputs []FakeBackendTurnOutput
	calls       []*bridge.Context
	blockOn     chan struct{}
}

func NewFakeBackend(initialOutput *FakeBackendTurnOutput) *FakeBackend {
	b := &FakeBackend{}
	if initialOutput != nil {
		b.turnOutputs = []FakeBackendTurnOutput{*initialOutput}
	}
	return b
}

// SetNextOutput appends a scripted turn output.
func (b *FakeBackend) SetNextOutput(output FakeBackendTurnOutput) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turnOutputs = append(b.turnOutputs, output)
}

// BlockOn makes every call wait on ch before returning.
func (b *FakeBackend) BlockOn(ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockOn = ch
}

// Calls returns the request contexts seen so far.
func (b *FakeBackend) Calls() []*bridge.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*bridge.Context, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *FakeBackend) nextOutput() FakeBackendTurnOutput {
	if len(b.turnOutputs) == 0 {
		return FakeBackendTurnOutput{OK: true}
	}
	v := b.turnOutputs[0]
	b.turnOutputs = b.turnOutputs[1:]
	return v
}

func (b *FakeBackend) Call(ctx context.Context, bc *bridge.Context, sink bridge.Sink) (bool, error) {
	b.mu.Lock()
	b.calls = append(b.calls, bc)
	output := b.nextOutput()
	blockOn := b.blockOn
	b.mu.Unlock()

	if blockOn != nil {
		select {
		case <-blockOn:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	if output.Error != nil {
		return false, output.Error
	}
	if len(output.Chunks) > 0 && sink != nil {
		sink.Begin(bc)
		for _, chunk := range output.Chunks {
			sink.Append(bc, chunk)
		}
		sink.End(bc)
	}
	if bc.Ctx != nil && output.Output != "" {
		bc.Ctx.Output = output.Output
	}
	return output.OK, nil
}
