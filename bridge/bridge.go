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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

// ErrHalted is returned when an entry point is invoked while the kernel
// halt flag is set. It marks a normal, expected outcome.
var ErrHalted = errors.New("kernel is halted")

const defaultMaxWorkers = 8

// Status is the terminal outcome of one worker run.
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "failed"
	}
}

// Result is the single terminal notification a worker produces.
type Result struct {
	BC    *Context
	Extra map[string]any
	Status Status

	// LoopNext marks a continuation request dispatched by RequestNext;
	// agent-loop logic consumes it downstream.
	LoopNext bool
}

// Events is the bridge's view of the kernel pipeline. Implementations
// must be safe to call from worker goroutines; the kernel funnels both
// methods through its dispatch queue.
type Events interface {
	Busy()
	Completed(res *Result)
}

// Config is the synchronous, non-blocking flag reader the bridge and
// worker consult per request.
type Config interface {
	Get(key string, def any) any
}

// ModeResolver maps a virtual mode (agent, expert) to the concrete
// sub-mode currently selected for it.
type ModeResolver interface {
	SubMode(mode item.Mode) item.Mode
}

// Attachments supplies attachment-derived context text pending
// injection for a conversation, and records when it was consumed.
type Attachments interface {
	Text(metaID string) string
	Consume(metaID string)
}

// PromptHook may rewrite the system prompt just before dispatch. Hooks
// run on the worker goroutine and must return promptly.
type PromptHook func(ctx context.Context, bc *Context) string

// SwitchHook may substitute mode or model inline just before dispatch
// (vision mode swapping in a multimodal model, for example).
type SwitchHook func(bc *Context)

// Params configures a Bridge.
type Params struct {
	Registry *Registry
	Events   Events
	Config   Config
	Sink     Sink

	// Halted reports the kernel halt flag; nil means never halted.
	Halted func() bool

	Resolver    ModeResolver
	Switch      SwitchHook
	Attachments Attachments

	// PostPromptAsync and PostPromptEnd run in order before every
	// backend dispatch.
	PostPromptAsync PromptHook
	PostPromptEnd   PromptHook

	MaxWorkers int64
	Logger     *slog.Logger
}

// Bridge decides how to execute a request: which backend, sync or
// async, and when, under the global requests-per-minute throttle.
type Bridge struct {
	registry    *Registry
	events      Events
	config      Config
	sink        Sink
	halted      func() bool
	resolver    ModeResolver
	switchHook  SwitchHook
	attachments Attachments
	hookAsync   PromptHook
	hookEnd     PromptHook
	pool        *semaphore.Weighted
	logger      *slog.Logger

	mu         sync.Mutex
	limiter    *rate.Limiter
	limiterRPM int
}

// New creates a Bridge. Registry and Events are required.
func New(params Params) (*Bridge, error) {
	if params.Registry == nil {
		return nil, errors.New("backend registry is required")
	}
	if params.Events == nil {
		return nil, errors.New("event pipeline is required")
	}
	maxWorkers := params.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := params.Sink
	if sink == nil {
		sink = NopSink{}
	}
	return &Bridge{
		registry:    params.Registry,
		events:      params.Events,
		config:      params.Config,
		sink:        sink,
		halted:      params.Halted,
		resolver:    params.Resolver,
		switchHook:  params.Switch,
		attachments: params.Attachments,
		hookAsync:   params.PostPromptAsync,
		hookEnd:     params.PostPromptEnd,
		pool:        semaphore.NewWeighted(maxWorkers),
		logger:      logger,
	}, nil
}

// Request resolves the execution mode for bc and starts a worker.
//
// It returns (false, nil) when blocked by the halt flag, with no side
// effects. Sequential modes (assistant, expert) run to completion on
// the calling goroutine; everything else is dispatched to the worker
// pool. The busy transition is emitted before dispatch; the idle
// transition is the worker's responsibility on completion.
//
// Callers must expect latency to include the throttle wait.
func (b *Bridge) Request(ctx context.Context, bc *Context, extra map[string]any) (bool, error) {
	if b.isHalted() && !bc.Force {
		return false, nil
	}
	b.prepare(bc)
	if err := b.throttle(ctx); err != nil {
		return false, err
	}

	b.events.Busy()
	worker := b.newWorker(bc, extra, false)

	if bc.Mode.Sequential() || bc.ForceSync {
		worker.Run(ctx)
		return true, nil
	}
	b.dispatch(ctx, worker)
	return true, nil
}

// RequestNext behaves like Request but is always asynchronous and tags
// the worker run as a loop continuation.
func (b *Bridge) RequestNext(ctx context.Context, bc *Context, extra map[string]any) (bool, error) {
	if b.isHalted() && !bc.Force {
		return false, nil
	}
	b.prepare(bc)
	if err := b.throttle(ctx); err != nil {
		return false, err
	}

	b.events.Busy()
	b.dispatch(ctx, b.newWorker(bc, extra, true))
	return true, nil
}

// Call performs a synchronous, blocking quick call and returns the
// produced text. Used for utility sub-tasks such as summarization.
//
// When the selected model cannot serve direct chat but supports the
// retrieval backend, the call is routed through it with streaming
// forced off.
func (b *Bridge) Call(ctx context.Context, bc *Context, extra map[string]any) (string, error) {
	if b.isHalted() && !bc.Force {
		return "", ErrHalted
	}
	if bc.Ctx == nil {
		bc.Ctx = item.NewCtxItem("")
	}
	bc.Stream = false

	mode := bc.Mode
	if mode == "" {
		mode = item.ModeChat
	}
	if bc.Model != nil && !bc.Model.Supports(mode) && bc.Model.Supports(item.ModeLlamaIndex) && b.registry.HasIndex() {
		mode = item.ModeLlamaIndex
	}

	backend, _, err := b.registry.Resolve(mode, bc.Model)
	if err != nil {
		return "", err
	}
	ok, err := backend.Call(ctx, bc, NopSink{})
	if err != nil {
		return "", fmt.Errorf("quick call dispatch: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("quick call rejected by backend for mode %q", mode)
	}
	return bc.Ctx.Output, nil
}

// CallText is Call with the legacy contract: errors are logged and
// swallowed, and the empty string stands for "no usable answer".
func (b *Bridge) CallText(ctx context.Context, bc *Context, extra map[string]any) string {
	out, err := b.Call(ctx, bc, extra)
	if err != nil {
		b.logger.Error("quick call failed", slog.String("error", err.Error()))
		return ""
	}
	return out
}

func (b *Bridge) isHalted() bool {
	return b.halted != nil && b.halted()
}

// prepare resolves virtual modes, remaps unsupported modes to the
// retrieval backend and applies the inline switch hook. It mutates bc
// in place; each request owns its context so this is safe.
func (b *Bridge) prepare(bc *Context) {
	bc.ParentMode = bc.Mode

	if bc.Mode.Virtual() && b.resolver != nil {
		if sub := b.resolver.SubMode(bc.Mode); sub != "" {
			bc.Mode = sub
		}
	}

	if bc.Model != nil && !bc.Model.Supports(bc.Mode) {
		if bc.Model.Supports(item.ModeLlamaIndex) && b.registry.HasIndex() {
			b.logger.Debug("mode not supported by model, remapping to retrieval",
				slog.String("mode", string(bc.Mode)),
				slog.String("model", bc.Model.ID))
			bc.Mode = item.ModeLlamaIndex
			// The retrieval backend does not stream.
			bc.Stream = false
		}
	}
	if bc.Model != nil && !bc.Model.Streaming {
		bc.Stream = false
	}

	if b.switchHook != nil {
		b.switchHook(bc)
	}
}

// throttle enforces the global requests-per-minute limit by blocking
// the calling goroutine for the remainder of the inter-call interval.
func (b *Bridge) throttle(ctx context.Context) error {
	rpm := b.configInt("bridge.requests_per_minute", 0)
	if rpm <= 0 {
		return nil
	}

	b.mu.Lock()
	if b.limiter == nil || b.limiterRPM != rpm {
		b.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
		b.limiterRPM = rpm
	}
	limiter := b.limiter
	b.mu.Unlock()

	return limiter.Wait(ctx)
}

func (b *Bridge) dispatch(ctx context.Context, worker *Worker) {
	go func() {
		if err := b.pool.Acquire(ctx, 1); err != nil {
			worker.fail(err)
			return
		}
		defer b.pool.Release(1)
		worker.Run(ctx)
	}()
}

func (b *Bridge) configInt(key string, def int) int {
	if b.config == nil {
		return def
	}
	switch v := b.config.Get(key, def).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (b *Bridge) configBool(key string, def bool) bool {
	if b.config == nil {
		return def
	}
	if v, ok := b.config.Get(key, def).(bool); ok {
		return v
	}
	return def
}

func (b *Bridge) configStrings(key string) []string {
	if b.config == nil {
		return nil
	}
	switch v := b.config.Get(key, nil).(type) {
	case []string:
		return v
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
