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
	"log/slog"
	"strings"
	"sync"

	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

// Worker executes exactly one backend call off the caller's goroutine
// and produces exactly one terminal notification, whatever path it
// exits through. Agent-runner backends are the single exception: they
// stream their own step events, so a successful agent run emits no
// terminal event here.
type Worker struct {
	bridge   *Bridge
	bc       *Context
	extra    map[string]any
	loopNext bool

	notifyOnce sync.Once
}

func (b *Bridge) newWorker(bc *Context, extra map[string]any, loopNext bool) *Worker {
	if extra == nil {
		extra = map[string]any{}
	}
	return &Worker{
		bridge:   b,
		bc:       bc,
		extra:    extra,
		loopNext: loopNext,
	}
}

// Run performs the backend call. It never panics and never leaks an
// unnotified request: every exit path funnels through notify exactly
// once (or zero times for self-managed agent runs).
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.fail(fmt.Errorf("backend dispatch panic: %v", r))
		}
	}()

	w.runPromptHooks(ctx)

	if w.bc.Mode != item.ModeAssistant {
		w.appendAttachmentContext()
	}

	backend, selfManaged, err := w.bridge.registry.Resolve(w.bc.Mode, w.bc.Model)
	if err != nil {
		w.fail(err)
		return
	}

	ok, err := backend.Call(ctx, w.bc, w.bridge.sink)
	if err != nil {
		w.fail(err)
		return
	}

	if selfManaged && ok {
		// The agent runner already reported its outcome through its
		// own event stream.
		return
	}

	status := StatusOK
	if !ok {
		status = StatusError
	}
	w.notify(status)
}

// runPromptHooks runs the two pre-request hooks in order, letting
// collaborators rewrite the system prompt. Hooks run on the worker
// goroutine and must not block unboundedly.
func (w *Worker) runPromptHooks(ctx context.Context) {
	if hook := w.bridge.hookAsync; hook != nil {
		if prompt := hook(ctx, w.bc); prompt != "" {
			w.bc.SystemPrompt = prompt
		}
	}
	if hook := w.bridge.hookEnd; hook != nil {
		if prompt := hook(ctx, w.bc); prompt != "" {
			w.bc.SystemPrompt = prompt
		}
	}
}

// appendAttachmentContext injects pending attachment-derived text into
// the prompt, at most once per turn. Under the single-append policy the
// text is consumed so it is injected at most once per conversation:
// backends that keep server-side conversation state would otherwise
// receive the same context again on every loop iteration.
func (w *Worker) appendAttachmentContext() {
	attachments := w.bridge.attachments
	if attachments == nil || w.bc.Ctx == nil {
		return
	}
	text := attachments.Text(w.bc.Ctx.MetaID)
	if text == "" {
		return
	}
	if w.bc.Prompt != "" {
		w.bc.Prompt += "\n\n"
	}
	w.bc.Prompt += text
	if w.allowedSingleAppend() {
		attachments.Consume(w.bc.Ctx.MetaID)
	}
}

// allowedSingleAppend decides whether attachment context must be sent
// once per conversation rather than once per turn. The provider rules
// are configuration data; the built-in default matches backends known
// to keep server-side conversation state.
func (w *Worker) allowedSingleAppend() bool {
	if w.bridge.configBool("bridge.append_once", false) {
		return true
	}
	if !w.bridge.configBool("bridge.auto_detect", true) {
		return false
	}
	if w.bc.Model == nil {
		return false
	}

	if rules := w.bridge.configStrings("bridge.single_append_providers"); rules != nil {
		for _, rule := range rules {
			if item.Provider(rule) == w.bc.Model.Provider {
				return true
			}
		}
		return false
	}

	switch w.bc.Model.Provider {
	case item.ProviderOpenAI:
		return w.bc.Model.ResponsesAPI
	case item.ProviderXAI:
		return !strings.HasPrefix(w.bc.Model.ID, "grok-3")
	}
	return false
}

func (w *Worker) fail(err error) {
	w.extra["error"] = err
	w.bridge.logger.Error("worker dispatch failed",
		slog.String("mode", string(w.bc.Mode)),
		slog.String("error", err.Error()))
	w.notify(StatusFailed)
}

// notify releases the terminal notification. Idempotent: racing exit
// paths cannot double-report.
func (w *Worker) notify(status Status) {
	w.notifyOnce.Do(func() {
		w.bridge.events.Completed(&Result{
			BC:       w.bc,
			Extra:    w.extra,
			Status:   status,
			LoopNext: w.loopNext,
		})
	})
}
