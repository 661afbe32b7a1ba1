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

package bridge_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
	"github.com/szczyglis-dev/py-gpt-sub010/bridgetesting"
	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

func chatModel() *item.Model {
	return &item.Model{
		ID:        "gpt-4o",
		Provider:  item.ProviderOpenAI,
		Modes:     []item.Mode{item.ModeChat},
		Streaming: true,
	}
}

func newBridge(t *testing.T, backend bridge.Backend, params bridge.Params) (*bridge.Bridge, *bridgetesting.RecordingEvents) {
	t.Helper()
	registry := bridge.NewRegistry()
	registry.RegisterChat(item.ProviderOpenAI, backend)
	params.Registry = registry
	if params.Events == nil {
		params.Events = bridgetesting.NewRecordingEvents()
	}
	events := params.Events.(*bridgetesting.RecordingEvents)
	b, err := bridge.New(params)
	require.NoError(t, err)
	return b, events
}

func newChatContext(t *testing.T) *bridge.Context {
	t.Helper()
	bc, err := bridge.NewContext(bridge.ContextParams{
		Ctx:    item.NewCtxItem("meta-1"),
		Model:  chatModel(),
		Prompt: "hello",
		Mode:   item.ModeChat,
	})
	require.NoError(t, err)
	return bc
}

func TestRequestBlockedWhileHalted(t *testing.T) {
	backend := bridgetesting.NewFakeBackend(nil)
	b, events := newBridge(t, backend, bridge.Params{
		Halted: func() bool { return true },
	})

	started, err := b.Request(t.Context(), newChatContext(t), nil)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, 0, events.BusyCalls())
	assert.Empty(t, backend.Calls())
}

func TestRequestForceBypassesHalt(t *testing.T) {
	backend := bridgetesting.NewFakeBackend(&bridgetesting.FakeBackendTurnOutput{OK: true})
	b, events := newBridge(t, backend, bridge.Params{
		Halted: func() bool { return true },
	})

	bc := newChatContext(t)
	bc.Force = true
	bc.ForceSync = true

	started, err := b.Request(t.Context(), bc, nil)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, 1, events.BusyCalls())
	require.Len(t, events.CompletedResults(), 1)
}

func TestRequestSequentialModeRunsInline(t *testing.T) {
	backend := bridgetesting.NewFakeBackend(&bridgetesting.FakeBackendTurnOutput{OK: true, Output: "done"})
	registry := bridge.NewRegistry()
	registry.RegisterChat(item.ProviderOpenAI, backend)
	events := bridgetesting.NewRecordingEvents()
	b, err := bridge.New(bridge.Params{Registry: registry, Events: events})
	require.NoError(t, err)

	bc, err := bridge.NewContext(bridge.ContextParams{
		Ctx:   item.NewCtxItem("meta-1"),
		Model: &item.Model{ID: "gpt-4o", Provider: item.ProviderOpenAI, Modes: []item.Mode{item.ModeAssistant}},
		Mode:  item.ModeAssistant,
	})
	require.NoError(t, err)

	started, err := b.Request(t.Context(), bc, nil)
	require.NoError(t, err)
	assert.True(t, started)

	// Sequential modes complete before Request returns.
	results := events.CompletedResults()
	require.Len(t, results, 1)
	assert.Equal(t, bridge.StatusOK, results[0].Status)
	assert.Equal(t, "done", bc.Ctx.Output)
}

func TestRequestAsyncDispatch(t *testing.T) {
	backend := bridgetesting.NewFakeBackend(&bridgetesting.FakeBackendTurnOutput{OK: true})
	b, events := newBridge(t, backend, bridge.Params{})

	started, err := b.Request(t.Context(), newChatContext(t), nil)
	require.NoError(t, err)
	assert.True(t, started)

	select {
	case result := <-events.Done():
		assert.Equal(t, bridge.StatusOK, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal notification never arrived")
	}
}

func TestRequestNextTagsLoopContinuation(t *testing.T) {
	backend := bridgetesting.NewFakeBackend(&bridgetesting.FakeBackendTurnOutput{OK: true})
	b, events := newBridge(t, backend, bridge.Params{})

	started, err := b.RequestNext(t.Context(), newChatContext(t), nil)
	require.NoError(t, err)
	assert.True(t, started)

	select {
	case result := <-events.Done():
		assert.True(t, result.LoopNext)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal notification never arrived")
	}
}

func TestPrepareRemapsUnsupportedModeToRetrieval(t *testing.T) {
	chatBackend := bridgetesting.NewFakeBackend(nil)
	indexBackend := bridgetesting.NewFakeBackend(&bridgetesting.FakeBackendTurnOutput{OK: true})

	registry := bridge.NewRegistry()
	registry.RegisterChat(item.ProviderOpenAI, chatBackend)
	registry.RegisterIndex(indexBackend)
	events := bridgetesting.NewRecordingEvents()
	b, err := bridge.New(bridge.Params{Registry: registry, Events: events})
	require.NoError(t, err)

	bc, err := bridge.NewContext(bridge.ContextParams{
		Ctx:    item.NewCtxItem("meta-1"),
		Model:  &item.Model{ID: "local-emb", Provider: item.ProviderLocal, Modes: []item.Mode{item.ModeLlamaIndex}, Streaming: true},
		Mode:   item.ModeChat,
		Stream: true,
	})
	require.NoError(t, err)
	bc.ForceSync = true

	started, err := b.Request(t.Context(), bc, nil)
	require.NoError(t, err)
	assert.True(t, started)

	assert.Equal(t, item.ModeLlamaIndex, bc.Mode)
	assert.Equal(t, item.ModeChat, bc.ParentMode)
	assert.False(t, bc.Stream, "retrieval backend does not stream")
	assert.Empty(t, chatBackend.Calls())
	assert.Len(t, indexBackend.Calls(), 1)
}

type fixedResolver struct {
	sub item.Mode
}

func (r fixedResolver) SubMode(item.Mode) item.Mode { return r.sub }

func TestPrepareResolvesVirtualMode(t *testing.T) {
	agentBackend := bridgetesting.NewFakeBackend(&bridgetesting.FakeBackendTurnOutput{OK: true})

	registry := bridge.NewRegistry()
	registry.RegisterAgent(item.ModeAgentOpenAI, agentBackend)
	events := bridgetesting.NewRecordingEvents()
	b, err := bridge.New(bridge.Params{
		Registry: registry,
		Events:   events,
		Resolver: fixedResolver{sub: item.ModeAgentOpenAI},
	})
	require.NoError(t, err)

	bc, err := bridge.NewContext(bridge.ContextParams{
		Ctx:  item.NewCtxItem("meta-1"),
		Mode: item.ModeAgent,
	})
	require.NoError(t, err)
	bc.ForceSync = true

	started, err := b.Request(t.Context(), bc, nil)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, item.ModeAgentOpenAI, bc.Mode)
	assert.Equal(t, item.ModeAgent, bc.ParentMode)
	assert.Len(t, agentBackend.Calls(), 1)
}

func TestThrottleEnforcesRequestInterval(t *testing.T) {
	backend := bridgetesting.NewFakeBackend(nil)
	backend.SetNextOutput(bridgetesting.FakeBackendTurnOutput{OK: true})
	backend.SetNextOutput(bridgetesting.FakeBackendTurnOutput{OK: true})

	b, _ := newBridge(t, backend, bridge.Params{
		Config: bridgetesting.MapConfig{"bridge.requests_per_minute": 600},
	})

	first := newChatContext(t)
	first.ForceSync = true
	second := newChatContext(t)
	second.ForceSync = true

	start := time.Now()
	_, err := b.Request(t.Context(), first, nil)
	require.NoError(t, err)
	_, err = b.Request(t.Context(), second, nil)
	require.NoError(t, err)

	// 600 rpm means one call per 100ms; the second call must wait out
	// the remainder of the interval.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestThrottleDisabledByDefault(t *testing.T) {
	backend := bridgetesting.NewFakeBackend(nil)
	backend.SetNextOutput(bridgetesting.FakeBackendTurnOutput{OK: true})
	backend.SetNextOutput(bridgetesting.FakeBackendTurnOutput{OK: true})

	b, _ := newBridge(t, backend, bridge.Params{})

	start := time.Now()
	for range 2 {
		bc := newChatContext(t)
		bc.ForceSync = true
		_, err := b.Request(t.Context(), bc, nil)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallReturnsOutput(t *testing.T) {
	backend := bridgetesting.NewFakeBackend(&bridgetesting.FakeBackendTurnOutput{OK: true, Output: "summary"})
	b, _ := newBridge(t, backend, bridge.Params{})

	bc, err := bridge.NewContext(bridge.ContextParams{Model: chatModel(), Prompt: "summarize"})
	require.NoError(t, err)

	out, err := b.Call(t.Context(), bc, nil)
	require.NoError(t, err)
	assert.Equal(t, "summary", out)
	require.NotNil(t, bc.Ctx, "quick calls synthesize a turn record")
	assert.False(t, bc.Stream)
}

func TestCallWhileHalted(t *testing.T) {
	backend := bridgetesting.NewFakeBackend(nil)
	b, _ := newBridge(t, backend, bridge.Params{
		Halted: func() bool { return true },
	})

	bc, err := bridge.NewContext(bridge.ContextParams{Model: chatModel()})
	require.NoError(t, err)

	_, err = b.Call(t.Context(), bc, nil)
	require.ErrorIs(t, err, bridge.ErrHalted)
}

func TestCallTextSwallowsErrors(t *testing.T) {
	backend := bridgetesting.NewFakeBackend(&bridgetesting.FakeBackendTurnOutput{Error: errors.New("boom")})
	b, _ := newBridge(t, backend, bridge.Params{})

	bc, err := bridge.NewContext(bridge.ContextParams{Model: chatModel()})
	require.NoError(t, err)

	assert.Equal(t, "", b.CallText(t.Context(), bc, nil))
}

func TestCallRoutesUnsupportedModelThroughRetrieval(t *testing.T) {
	indexBackend := bridgetesting.NewFakeBackend(&bridgetesting.FakeBackendTurnOutput{OK: true, Output: "retrieved"})

	registry := bridge.NewRegistry()
	registry.RegisterIndex(indexBackend)
	events := bridgetesting.NewRecordingEvents()
	b, err := bridge.New(bridge.Params{Registry: registry, Events: events})
	require.NoError(t, err)

	bc, err := bridge.NewContext(bridge.ContextParams{
		Model: &item.Model{ID: "local-emb", Provider: item.ProviderLocal, Modes: []item.Mode{item.ModeLlamaIndex}},
	})
	require.NoError(t, err)

	out, err := b.Call(t.Context(), bc, nil)
	require.NoError(t, err)
	assert.Equal(t, "retrieved", out)
	assert.Len(t, indexBackend.Calls(), 1)
}

func TestNewRequiresRegistryAndEvents(t *testing.T) {
	_, err := bridge.New(bridge.Params{Events: bridgetesting.NewRecordingEvents()})
	require.Error(t, err)

	_, err = bridge.New(bridge.Params{Registry: bridge.NewRegistry()})
	require.Error(t, err)
}
