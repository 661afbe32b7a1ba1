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
	"encoding/json"
	"log/slog"

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

// Reply batches tool-call results produced during one model turn and
// flushes them as a single follow-up request, at most once per turn.
//
// Reply holds no locks of its own: all mutation happens on whichever
// goroutine dispatches events into the kernel, which is the kernel
// dispatch loop once Start has been called.
type Reply struct {
	kernel    *Kernel
	agentLoop AgentLoop

	// postResponse runs before anything else on every Add, whatever
	// happens next (UI refreshes hang off it).
	postResponse func(c *item.CtxItem)

	stack     [][]map[string]any
	replyCtx  *item.CtxItem
	replyBC   *bridge.Context
	replyMode item.Mode

	// replyIdx is the sequence number of the last flushed turn. Turns
	// at or below it are rejected, guarding against a turn being
	// processed twice after an async completion race.
	replyIdx int

	prevCtx *item.CtxItem
}

func newReply(k *Kernel, agentLoop AgentLoop) *Reply {
	return &Reply{
		kernel:    k,
		agentLoop: agentLoop,
		replyIdx:  -1,
	}
}

// SetPostResponse installs the hook run at the top of every Add.
func (r *Reply) SetPostResponse(hook func(c *item.CtxItem)) {
	r.postResponse = hook
}

// Add offers a turn's results to the stack.
//
// Agent-driven turns pass through untouched: the agent loop manages its
// own continuation. Turns not flagged for reply, and turns whose
// sequence number was already flushed, are rejected with an empty
// result. An accepted turn is appended; the flush is triggered
// immediately when requested via extra or when async replies are safe
// for the turn's mode.
func (r *Reply) Add(bc *bridge.Context, c *item.CtxItem, extra map[string]any) ([]map[string]any, error) {
	if c == nil {
		return nil, nil
	}
	if r.postResponse != nil {
		r.postResponse(c)
	}

	if c.AgentCall {
		return c.Results, nil
	}
	if !c.Reply {
		return nil, nil
	}
	if c.PID <= r.replyIdx {
		r.kernel.logger.Debug("stale turn rejected by reply stack",
			slog.Int("pid", c.PID), slog.Int("reply_idx", r.replyIdx))
		return nil, nil
	}
	if r.replyCtx != nil && r.replyCtx.PID != c.PID {
		// At most one reply context is live at a time. Results for a
		// different turn are rejected, not queued.
		r.kernel.logger.Debug("reply context already active, rejecting turn",
			slog.Int("pid", c.PID), slog.Int("active_pid", r.replyCtx.PID))
		return nil, nil
	}

	batch := r.Append(bc, c)

	flush, _ := extra["flush"].(bool)
	var mode item.Mode
	if bc != nil {
		mode = bc.Mode
	}
	if flush || r.kernel.AsyncAllowed(mode, c) {
		if err := r.Flush(); err != nil {
			return batch, err
		}
	}
	return batch, nil
}

// Append moves the turn's results onto the stack as one batch and
// records the turn as the active reply context. Ownership transfers:
// c.Results is cleared in place and must not be read afterwards.
func (r *Reply) Append(bc *bridge.Context, c *item.CtxItem) []map[string]any {
	batch := make([]map[string]any, len(c.Results))
	copy(batch, c.Results)
	r.stack = append(r.stack, batch)
	r.replyCtx = c
	r.replyBC = bc
	if bc != nil {
		r.replyMode = bc.Mode
	}
	c.Results = []map[string]any{}
	return batch
}

// Flush drains the stack into one aggregated follow-up request.
//
// The stack is cleared before the follow-up is dispatched, not after,
// so a synchronous re-entry into Add sees a clean slate. When the
// retrieval mode runs its own react loop, the flush stops after
// persisting: that backend manages its own continuation.
func (r *Reply) Flush() error {
	if r.replyCtx == nil || len(r.stack) == 0 {
		r.Clear()
		return nil
	}

	var flat []map[string]any
	for _, batch := range r.stack {
		flat = append(flat, batch...)
	}

	snapshot := r.replyCtx
	if r.agentLoop != nil {
		r.agentLoop.OnReply(snapshot)
	}

	payload, err := r.buildPayload(flat, snapshot)
	if err != nil {
		r.Clear()
		return err
	}

	r.replyIdx = snapshot.PID
	snapshot.Internal = true
	if len(snapshot.Cmds) > 0 {
		// Keep the tool-call metadata reachable for downstream
		// rendering after Results moved to the stack. Records loaded
		// from a store may carry a nil Extra.
		if snapshot.Extra == nil {
			snapshot.Extra = map[string]any{}
		}
		snapshot.Extra["tool_calls"] = snapshot.Cmds
	}
	r.prevCtx = snapshot

	if r.kernel.persister != nil {
		if err := r.kernel.persister.UpdateItem(snapshot); err != nil {
			r.kernel.logger.Error("persisting flushed turn failed",
				slog.String("id", snapshot.ID),
				slog.String("error", err.Error()))
		}
	}
	r.kernel.renderer.ToolOutputUpdated(snapshot)

	mode := r.replyMode
	prevBC := r.replyBC
	r.Clear()

	if mode == item.ModeLlamaIndex && r.configBool("kernel.llama_react", false) {
		return nil
	}

	follow := &bridge.Context{
		Ctx:          snapshot,
		Prompt:       payload,
		Mode:         mode,
		Force:        true,
		ReplyContext: snapshot,
	}
	if prevBC != nil {
		follow.Model = prevBC.Model
		follow.History = prevBC.History
		follow.SystemPrompt = prevBC.SystemPrompt
		follow.Stream = prevBC.Stream
		follow.Temperature = prevBC.Temperature
		follow.MaxTokens = prevBC.MaxTokens
		follow.Idx = prevBC.Idx
		follow.IdxMode = prevBC.IdxMode
		follow.ParentMode = prevBC.ParentMode
	}
	snapshot.Reply = true

	r.kernel.Dispatch(NewEvent(EventReplyReturn, follow, map[string]any{
		"reply":    true,
		"internal": true,
	}))
	return nil
}

// buildPayload encodes the flattened results as JSON. A single batch
// carrying rich extra-context text may bypass the JSON wrapping when
// the config flag enables it.
func (r *Reply) buildPayload(flat []map[string]any, snapshot *item.CtxItem) (string, error) {
	if len(r.stack) == 1 && snapshot.ExtraCtx != "" && r.configBool("kernel.reply_extra_context", false) {
		return snapshot.ExtraCtx, nil
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Clear empties the stack atomically from the handling goroutine's
// point of view. The last-flushed index survives clearing.
func (r *Reply) Clear() {
	r.stack = nil
	r.replyCtx = nil
	r.replyBC = nil
	r.replyMode = ""
}

// HasActive reports whether a reply context is pending flush.
func (r *Reply) HasActive() bool {
	return r.replyCtx != nil
}

// PrevCtx returns the snapshot archived by the last flush.
func (r *Reply) PrevCtx() *item.CtxItem {
	return r.prevCtx
}

// LastFlushedPID returns the sequence number of the last flushed turn.
func (r *Reply) LastFlushedPID() int {
	return r.replyIdx
}

func (r *Reply) configBool(key string, def bool) bool {
	if r.kernel.config == nil {
		return def
	}
	if v, ok := r.kernel.config.Get(key, def).(bool); ok {
		return v
	}
	return def
}
