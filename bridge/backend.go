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

package bridge

import (
	"context"
	"fmt"

	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

// Backend performs one model call. Implementations write the produced
// output onto bc.Ctx and stream incremental chunks into the sink when
// bc.Stream is set. The returned bool is the backend's own success
// signal; an error is reserved for dispatch failures.
type Backend interface {
	Call(ctx context.Context, bc *Context, sink Sink) (bool, error)
}

// Sink receives streaming output while a backend call is in flight.
type Sink interface {
	Begin(bc *Context)
	Append(bc *Context, chunk string)
	End(bc *Context)
}

// NopSink discards streamed output. Used by quick calls, which are
// always non-streaming.
type NopSink struct{}

func (NopSink) Begin(*Context)          {}
func (NopSink) Append(*Context, string) {}
func (NopSink) End(*Context)            {}

// Registry resolves the concrete backend for a (mode, model) pair.
//
// Agent backends run their own multi-step loop and manage their own
// event stream, so the worker emits no terminal event on their behalf.
type Registry struct {
	chat   map[item.Provider]Backend
	agents map[item.Mode]Backend
	index  Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		chat:   make(map[item.Provider]Backend),
		agents: make(map[item.Mode]Backend),
	}
}

// RegisterChat binds a direct SDK backend to a provider.
func (r *Registry) RegisterChat(provider item.Provider, backend Backend) {
	r.chat[provider] = backend
}

// RegisterAgent binds an agent-runner backend to an agent mode.
func (r *Registry) RegisterAgent(mode item.Mode, backend Backend) {
	r.agents[mode] = backend
}

// RegisterIndex binds the retrieval backend serving llama_index and
// research modes.
func (r *Registry) RegisterIndex(backend Backend) {
	r.index = backend
}

// Index returns the retrieval backend, or nil when none is registered.
func (r *Registry) Index() Backend {
	return r.index
}

// HasIndex reports whether a retrieval backend is registered.
func (r *Registry) HasIndex() bool {
	return r.index != nil
}

// Resolve selects the backend for the given mode and model. The second
// result reports whether the backend manages its own terminal eventing.
func (r *Registry) Resolve(mode item.Mode, model *item.Model) (Backend, bool, error) {
	switch {
	case mode == item.ModeLlamaIndex || mode == item.ModeResearch:
		if r.index == nil {
			return nil, false, fmt.Errorf("no retrieval backend registered for mode %q", mode)
		}
		return r.index, false, nil

	case mode.AgentLike():
		if backend, ok := r.agents[mode]; ok {
			return backend, true, nil
		}
		return nil, false, fmt.Errorf("no agent backend registered for mode %q", mode)

	default:
		if model == nil {
			return nil, false, fmt.Errorf("cannot resolve backend for mode %q without a model", mode)
		}
		if backend, ok := r.chat[model.Provider]; ok {
			return backend, false, nil
		}
		return nil, false, fmt.Errorf("no backend registered for provider %q", model.Provider)
	}
}
