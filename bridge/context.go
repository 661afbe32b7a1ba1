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

// Package bridge routes one inference request to the backend that can
// serve it: it resolves virtual modes, applies the global request
// throttle and hands the request to a worker that performs exactly one
// backend call and reports exactly one terminal outcome.
package bridge

import (
	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

// MultimodalContext describes the audio side channels of a request.
type MultimodalContext struct {
	// AudioData is raw input audio attached to the prompt.
	AudioData []byte

	AudioFormat string

	// AudioRead enables audio input, AudioOutput requests spoken output.
	AudioRead   bool
	AudioOutput bool
}

// Context carries the full parameter set of one inference request. It
// is created fresh per request and mutated only by the bridge (mode and
// index switching) before dispatch; it is never shared for concurrent
// mutation.
type Context struct {
	Ctx   *item.CtxItem
	Model *item.Model

	Prompt     string
	Mode       item.Mode
	ParentMode item.Mode
	Stream     bool
	History    []*item.CtxItem

	// SystemPrompt is the resolved instruction text the backends send;
	// SystemPromptRaw keeps the pre-template original for collaborators
	// that re-render it (expert routing, prompt editors).
	SystemPrompt    string
	SystemPromptRaw string

	Temperature float64
	MaxTokens   int

	// Idx and IdxMode select the vector index for retrieval-augmented
	// modes; they pass through untouched to the index collaborator.
	Idx     string
	IdxMode string

	// ReplyContext back-references the turn this request answers, when
	// the request is itself a reply to a prior tool call.
	ReplyContext *item.CtxItem

	// MultimodalCtx carries the audio side channels for voice-capable
	// collaborators; chat backends ignore it.
	MultimodalCtx *MultimodalContext

	// Force bypasses the halt check, ForceSync bypasses async dispatch.
	Force     bool
	ForceSync bool

	// IsExpertCall marks a request fanned out by the expert router so
	// downstream collaborators can suppress re-routing.
	IsExpertCall bool

	// Attachments carries attachment-derived text pending injection
	// into the prompt, subject to the single-append policy.
	Attachments string
}

// ContextParams are the inputs accepted by NewContext. Ctx and Model
// may be nil; any other invalid combination fails validation.
type ContextParams struct {
	Ctx             *item.CtxItem
	Model           *item.Model
	Prompt          string
	Mode            item.Mode
	Stream          bool
	History         []*item.CtxItem
	SystemPrompt    string
	SystemPromptRaw string
	Temperature     float64
	MaxTokens       int
	Idx             string
	IdxMode         string
	ReplyContext    *item.CtxItem
	MultimodalCtx   *MultimodalContext
	Force           bool
	ForceSync       bool
	IsExpertCall    bool
	Attachments     string
}

// NewContext validates the params and builds a request context.
//
// A nil Ctx or Model is legal (utility calls have no turn record); a
// non-nil Ctx without an ID, or a non-nil Model without a wire ID, is a
// programming error and fails with a ValidationError.
func NewContext(params ContextParams) (*Context, error) {
	if params.Ctx != nil && params.Ctx.ID == "" {
		return nil, item.NewValidationError("ctx", "turn record has no id")
	}
	if params.Model != nil && params.Model.ID == "" {
		return nil, item.NewValidationError("model", "model descriptor has no id")
	}
	bc := &Context{
		Ctx:             params.Ctx,
		Model:           params.Model,
		Prompt:          params.Prompt,
		Mode:            params.Mode,
		ParentMode:      params.Mode,
		Stream:          params.Stream,
		History:         params.History,
		SystemPrompt:    params.SystemPrompt,
		SystemPromptRaw: params.SystemPromptRaw,
		Temperature:     params.Temperature,
		MaxTokens:       params.MaxTokens,
		Idx:             params.Idx,
		IdxMode:         params.IdxMode,
		ReplyContext:    params.ReplyContext,
		MultimodalCtx:   params.MultimodalCtx,
		Force:           params.Force,
		ForceSync:       params.ForceSync,
		IsExpertCall:    params.IsExpertCall,
		Attachments:     params.Attachments,
	}
	if bc.Mode == "" {
		bc.Mode = item.ModeChat
		bc.ParentMode = item.ModeChat
	}
	return bc, nil
}
