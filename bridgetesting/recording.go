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

package bridgetesting

import (
	"sync"

	"github.com/szczyglis-dev/py-gpt-sub010/bridge"
)

// RecordingEvents captures the bridge's event notifications.
type RecordingEvents struct {
	mu        sync.Mutex
	busyCalls int
	completed []*bridge.Result
	done      chan *bridge.Result
}

func NewRecordingEvents() *RecordingEvents {
	return &RecordingEvents{done: make(chan *bridge.Result, 16)}
}

func (e *RecordingEvents) Busy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busyCalls++
}

func (e *RecordingEvents) Completed(result *bridge.Result) {
	e.mu.Lock()
	e.completed = append(e.completed, result)
	e.mu.Unlock()
	select {
	case e.done <- result:
	default:
	}
}

// BusyCalls returns how many times the bridge signalled busy.
func (e *RecordingEvents) BusyCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busyCalls
}

// Completed returns the terminal results recorded so far.
func (e *RecordingEvents) CompletedResults() []*bridge.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*bridge.Result, len(e.completed))
	copy(out, e.completed)
	return out
}

// Done exposes a channel that receives each terminal result, for tests
// that wait on asynchronous dispatch.
func (e *RecordingEvents) Done() <-chan *bridge.Result {
	return e.done
}

// MapConfig is a flat-key config backed by a map.
type MapConfig map[string]any

func (c MapConfig) Get(key string, def any) any {
	if v, ok := c[key]; ok {
		return v
	}
	return def
}
