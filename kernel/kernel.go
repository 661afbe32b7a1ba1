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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

// State is the global kernel state.
type State int

const (
	StateIdle State = iota
	StateBusy
	StateError
)

func (s State) String() string {
	switch s {
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

const (
	defaultQueueSize = 256
	defaultUISize    = 64
)

// Params configures a Kernel.
type Params struct {
	Input     InputSender
	Renderer  Renderer
	Status    StatusSink
	Persister Persister
	AgentLoop AgentLoop
	Config    bridge.Config
	Logger    *slog.Logger

	// QueueSize bounds the dispatch queue; zero means the default.
	QueueSize int
}

// Kernel routes every control event, owns the busy/idle/error state
// machine and the halt flag, and hosts the reply stack.
//
// One instance exists per application window. Events produced on worker
// goroutines must go through Dispatch, which funnels them onto a single
// handling goroutine; Handle itself assumes single-threaded use.
type Kernel struct {
	input     InputSender
	renderer  Renderer
	status    StatusSink
	persister Persister
	config    bridge.Config
	logger    *slog.Logger

	bridge *bridge.Bridge
	reply  *Reply

	mu            sync.Mutex
	state         State
	busy          bool
	halt          bool
	agentEngaged  bool
	expertEngaged bool
	stoppables    []Stoppable

	queue   chan *Event
	ui      chan func()
	quit    chan struct{}
	running atomic.Bool

	baseCtx context.Context
}

// New creates a Kernel in the idle state.
func New(params Params) *Kernel {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	renderer := params.Renderer
	if renderer == nil {
		renderer = NopRenderer{}
	}
	queueSize := params.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	k := &Kernel{
		input:     params.Input,
		renderer:  renderer,
		status:    params.Status,
		persister: params.Persister,
		config:    params.Config,
		logger:    logger,
		queue:     make(chan *Event, queueSize),
		ui:        make(chan func(), defaultUISize),
		quit:      make(chan struct{}),
		baseCtx:   context.Background(),
	}
	k.reply = newReply(k, params.AgentLoop)
	return k
}

// AttachBridge binds the bridge the kernel routes requests to. Must be
// called once before the first request event.
func (k *Kernel) AttachBridge(b *bridge.Bridge) {
	k.bridge = b
}

// Reply exposes the reply stack aggregator.
func (k *Kernel) Reply() *Reply {
	return k.reply
}

// BridgeEvents returns the adapter the bridge reports through. Both
// methods marshal onto the kernel dispatch queue, so worker completions
// never touch kernel or reply state concurrently.
func (k *Kernel) BridgeEvents() bridge.Events {
	return bridgeEvents{k: k}
}

// Sink returns the streaming sink workers write into. Chunks are
// routed as append events, so the halt allow-list applies to them
// uniformly.
func (k *Kernel) Sink() bridge.Sink {
	return rendererSink{k: k}
}

// Start runs the dispatch loop until ctx is done or Terminate is
// called. Without Start, Dispatch degrades to synchronous handling.
func (k *Kernel) Start(ctx context.Context) {
	if !k.running.CompareAndSwap(false, true) {
		return
	}
	k.baseCtx = ctx
	go func() {
		defer k.running.Store(false)
		for {
			select {
			case ev := <-k.queue:
				if err := k.Handle(ev); err != nil {
					k.logger.Error("event handling failed",
						slog.String("event", string(ev.Name)),
						slog.String("error", err.Error()))
				}
			case <-ctx.Done():
				return
			case <-k.quit:
				return
			}
		}
	}()
}

// Dispatch hands an event to the kernel. When the dispatch loop is
// running the event is queued and handled on the kernel goroutine;
// otherwise it is handled inline on the caller.
func (k *Kernel) Dispatch(ev *Event) {
	if ev == nil {
		return
	}
	if k.running.Load() {
		select {
		case k.queue <- ev:
		case <-k.quit:
		}
		return
	}
	if err := k.Handle(ev); err != nil {
		k.logger.Error("event handling failed",
			slog.String("event", string(ev.Name)),
			slog.String("error", err.Error()))
	}
}

// Handle routes one event. While halted, events outside the allow-list
// are dropped silently with no side effects. Unrecognized event names
// are no-ops. The routed handler's return value is written into
// ev.Response before Handle returns.
func (k *Kernel) Handle(ev *Event) error {
	if ev == nil {
		return nil
	}
	if k.Stopped() && !ev.Name.allowedWhenHalted() {
		k.logger.Debug("event dropped while halted", slog.String("event", string(ev.Name)))
		return nil
	}

	switch ev.Name.bucket() {
	case bucketInput:
		return k.handleInput(ev)
	case bucketQueue:
		return k.handleQueue(ev)
	case bucketReply:
		return k.handleReply(ev)
	case bucketState:
		k.handleState(ev)
	case bucketStatus:
		if k.status != nil {
			if status, ok := ev.Extra["status"].(string); ok {
				k.status.Update(status)
			}
		}
	}
	return nil
}

func (k *Kernel) handleInput(ev *Event) error {
	if k.input == nil {
		return nil
	}
	resp, err := k.input.Send(ev.BC, ev.Extra)
	if err != nil {
		return fmt.Errorf("chat input send: %w", err)
	}
	ev.Response = resp
	return nil
}

func (k *Kernel) handleQueue(ev *Event) error {
	switch ev.Name {
	case EventRequest:
		return k.routeRequest(ev, false)
	case EventRequestNext:
		return k.routeRequest(ev, true)

	case EventCall, EventForceCall:
		if k.bridge == nil {
			return nil
		}
		if ev.Name == EventForceCall && ev.BC != nil {
			ev.BC.Force = true
		}
		out, err := k.bridge.Call(k.baseCtx, ev.BC, ev.Extra)
		if err != nil {
			return err
		}
		ev.Response = out

	case EventResponseOK:
		k.renderer.Handle(ev.BC, ev.Extra, true)
		k.setState(StateIdle, false)
	case EventResponseError:
		k.renderer.Handle(ev.BC, ev.Extra, false)
		k.setState(StateIdle, false)
	case EventResponseFailed:
		k.renderer.Failed(ev.BC, ev.Extra)
		k.setState(StateIdle, false)

	case EventAppendBegin:
		k.renderer.Begin(ev.BC, ev.Extra)
	case EventAppendData:
		if chunk, ok := ev.Extra["chunk"].(string); ok {
			k.renderer.Append(ev.BC, chunk)
		}
	case EventAppendEnd:
		k.renderer.End(ev.BC, ev.Extra)

	case EventLiveAppend:
		k.renderer.LiveAppend(ev.BC, ev.Extra)
	case EventLiveClear:
		k.renderer.LiveClear(ev.BC, ev.Extra)

	case EventToolCall, EventAgentContinue, EventAgentCall:
		// A tool finished; its results are stacked against the turn
		// that spawned it, not executed. The model's turn decides when
		// the batch is flushed.
		if ev.BC == nil || ev.BC.ReplyContext == nil {
			return nil
		}
		batch, err := k.reply.Add(ev.BC, ev.BC.ReplyContext, ev.Extra)
		if err != nil {
			return err
		}
		ev.Response = batch
	}
	return nil
}

func (k *Kernel) routeRequest(ev *Event, next bool) error {
	if k.bridge == nil || ev.BC == nil {
		return nil
	}
	var started bool
	var err error
	if next {
		started, err = k.bridge.RequestNext(k.baseCtx, ev.BC, ev.Extra)
	} else {
		started, err = k.bridge.Request(k.baseCtx, ev.BC, ev.Extra)
	}
	if err != nil {
		return fmt.Errorf("bridge request: %w", err)
	}
	ev.Response = started
	return nil
}

func (k *Kernel) handleReply(ev *Event) error {
	switch ev.Name {
	case EventReplyAdd:
		if ev.BC == nil || ev.BC.Ctx == nil {
			return nil
		}
		batch, err := k.reply.Add(ev.BC, ev.BC.Ctx, ev.Extra)
		if err != nil {
			return err
		}
		ev.Response = batch

	case EventReplyReturn:
		// The aggregated follow-up re-enters the pipeline as system
		// input, restarting the cycle.
		sub := NewEvent(EventInputSystem, ev.BC, ev.Extra)
		if err := k.Handle(sub); err != nil {
			return err
		}
		ev.Response = sub.Response
	}
	return nil
}

func (k *Kernel) handleState(ev *Event) {
	switch ev.Name {
	case EventStateBusy:
		k.setState(StateBusy, true)
	case EventStateIdle:
		k.setState(StateIdle, false)
	case EventStateError:
		k.setState(StateError, false)
	}
	if msg, ok := ev.Extra["msg"].(string); ok && k.status != nil {
		k.status.Update(msg)
	}
}

// setState records the new state and posts the indicator update onto
// the UI queue. Transitions are not coalesced: the latest always wins,
// and a full queue drops the oldest pending update rather than block.
func (k *Kernel) setState(state State, busy bool) {
	k.mu.Lock()
	k.state = state
	k.busy = busy
	k.mu.Unlock()

	if k.status == nil {
		return
	}
	update := func() { k.status.OnState(state, busy) }
	select {
	case k.ui <- update:
	default:
		select {
		case <-k.ui:
		default:
		}
		select {
		case k.ui <- update:
		default:
		}
	}
}

// UIQueue exposes pending UI-thread updates. The owner thread drains it
// instead of the kernel calling UI code from worker goroutines.
func (k *Kernel) UIQueue() <-chan func() {
	return k.ui
}

// DrainUI runs all pending UI updates on the calling goroutine.
func (k *Kernel) DrainUI() {
	for {
		select {
		case fn := <-k.ui:
			fn()
		default:
			return
		}
	}
}

// State returns the current state and busy flag.
func (k *Kernel) State() (State, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state, k.busy
}

// Stopped reports the halt flag.
func (k *Kernel) Stopped() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.halt
}

// RegisterStoppable adds a collaborator that must observe stop
// requests (audio playback, the legacy chat loop).
func (k *Kernel) RegisterStoppable(s Stoppable) {
	if s == nil {
		return
	}
	k.mu.Lock()
	k.stoppables = append(k.stoppables, s)
	k.mu.Unlock()
}

// Stop sets the halt flag and signals collaborators to stop at their
// next checkpoint. Registered Stoppables are the stop-notification
// path; nothing is force-killed, so a worker blocked inside a vendor
// SDK call runs to completion and its late terminal event is dropped
// by the halted kernel.
//
// Unless exit is set, the state returns to idle with a stopped status
// message.
func (k *Kernel) Stop(exit bool) {
	k.mu.Lock()
	k.halt = true
	stoppables := make([]Stoppable, len(k.stoppables))
	copy(stoppables, k.stoppables)
	k.mu.Unlock()

	for _, s := range stoppables {
		s.Stop()
	}

	if exit {
		return
	}
	k.setState(StateIdle, false)
	if k.status != nil {
		k.status.Update("Stopped.")
	}
}

// Resume clears the halt flag.
func (k *Kernel) Resume() {
	k.mu.Lock()
	k.halt = false
	k.mu.Unlock()
}

// Restart resets the kernel to a clean idle state: halt cleared, reply
// stack emptied.
func (k *Kernel) Restart() {
	k.mu.Lock()
	k.halt = false
	k.agentEngaged = false
	k.expertEngaged = false
	k.mu.Unlock()
	k.reply.Clear()
	k.setState(StateIdle, false)
}

// Terminate stops the dispatch loop for good. Used on window teardown.
func (k *Kernel) Terminate() {
	k.Stop(true)
	select {
	case <-k.quit:
	default:
		close(k.quit)
	}
}

// SetAgentEngaged records that the legacy agent loop is active.
func (k *Kernel) SetAgentEngaged(engaged bool) {
	k.mu.Lock()
	k.agentEngaged = engaged
	k.mu.Unlock()
}

// SetExpertEngaged records that expert mode is active.
func (k *Kernel) SetExpertEngaged(engaged bool) {
	k.mu.Lock()
	k.expertEngaged = engaged
	k.mu.Unlock()
}

// AsyncAllowed reports whether fire-and-forget tool replies are safe
// for the given mode and turn. Stateful, sequential modes and
// agent-driven turns require strict ordering and are excluded.
func (k *Kernel) AsyncAllowed(mode item.Mode, c *item.CtxItem) bool {
	switch mode {
	case item.ModeAssistant, item.ModeAgent, item.ModeExpert,
		item.ModeAgentLlama, item.ModeAgentOpenAI, item.ModeLlamaIndex:
		return false
	}
	if c != nil && c.AgentCall {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.agentEngaged && !k.expertEngaged
}

type bridgeEvents struct {
	k *Kernel
}

func (e bridgeEvents) Busy() {
	e.k.Dispatch(NewEvent(EventStateBusy, nil, nil))
}

func (e bridgeEvents) Completed(res *bridge.Result) {
	if res == nil {
		return
	}
	var name EventName
	switch res.Status {
	case bridge.StatusOK:
		name = EventResponseOK
	case bridge.StatusError:
		name = EventResponseError
	default:
		name = EventResponseFailed
	}
	extra := res.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	if res.LoopNext {
		extra["loop_next"] = true
	}
	e.k.Dispatch(NewEvent(name, res.BC, extra))
}

type rendererSink struct {
	k *Kernel
}

func (s rendererSink) Begin(bc *bridge.Context) {
	s.k.Dispatch(NewEvent(EventAppendBegin, bc, nil))
}

func (s rendererSink) Append(bc *bridge.Context, chunk string) {
	s.k.Dispatch(NewEvent(EventAppendData, bc, map[string]any{"chunk": chunk}))
}

func (s rendererSink) End(bc *bridge.Context) {
	s.k.Dispatch(NewEvent(EventAppendEnd, bc, nil))
}
