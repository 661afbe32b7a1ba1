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

// Package kernel is the single entry point for all control events: it
// owns the global busy/idle/error state machine, the cooperative halt
// flag and the reply stack that batches tool-call results into one
// follow-up request per turn.
package kernel

import (
	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
)

// EventName is the closed set of event kinds the kernel routes.
type EventName string

const (
	EventInputUser   EventName = "input.user"
	EventInputSystem EventName = "input.system"

	EventRequest     EventName = "request"
	EventRequestNext EventName = "request.next"
	EventCall        EventName = "call"
	EventForceCall   EventName = "force.call"

	EventResponseOK     EventName = "response.ok"
	EventResponseError  EventName = "response.error"
	EventResponseFailed EventName = "response.failed"

	EventAppendBegin EventName = "append.begin"
	EventAppendData  EventName = "append.data"
	EventAppendEnd   EventName = "append.end"
	EventLiveAppend  EventName = "live.append"
	EventLiveClear   EventName = "live.clear"

	EventToolCall      EventName = "tool.call"
	EventAgentContinue EventName = "agent.continue"
	EventAgentCall     EventName = "agent.call"
	EventReplyAdd      EventName = "reply.add"
	EventReplyReturn   EventName = "reply.return"

	EventStateBusy  EventName = "state.busy"
	EventStateIdle  EventName = "state.idle"
	EventStateError EventName = "state.error"

	EventStatus EventName = "status"
	EventStop   EventName = "stop"
)

// bucket classifies an event for routing.
type bucket int

const (
	bucketUnknown bucket = iota
	bucketInput
	bucketQueue
	bucketReply
	bucketState
	bucketStatus
)

func (n EventName) bucket() bucket {
	switch n {
	case EventInputUser, EventInputSystem:
		return bucketInput
	case EventRequest, EventRequestNext, EventCall, EventForceCall,
		EventResponseOK, EventResponseError, EventResponseFailed,
		EventAppendBegin, EventAppendData, EventAppendEnd,
		EventLiveAppend, EventLiveClear,
		EventToolCall, EventAgentContinue, EventAgentCall:
		return bucketQueue
	case EventReplyAdd, EventReplyReturn:
		return bucketReply
	case EventStateBusy, EventStateIdle, EventStateError:
		return bucketState
	case EventStatus:
		return bucketStatus
	}
	return bucketUnknown
}

// allowedWhenHalted is the small set of events still routed after a
// stop: fresh user input, in-flight streaming chunks, forced utility
// calls and status updates. Everything else is dropped so a halted
// kernel produces no side effects.
func (n EventName) allowedWhenHalted() bool {
	switch n {
	case EventInputUser, EventAppendData, EventForceCall, EventStatus:
		return true
	}
	return false
}

// Event is one routed control message. Handle fills Response for
// dispatch-and-read-back callers instead of relying on shared mutable
// payload aliasing.
type Event struct {
	Name  EventName
	BC    *bridge.Context
	Extra map[string]any

	// Response carries the routed handler's return value back to the
	// dispatcher.
	Response any
}

// NewEvent builds an event with a non-nil extra map.
func NewEvent(name EventName, bc *bridge.Context, extra map[string]any) *Event {
	if extra == nil {
		extra = map[string]any{}
	}
	return &Event{Name: name, BC: bc, Extra: extra}
}
