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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 0, cfg.Bridge.RequestsPerMinute)
	assert.True(t, cfg.Bridge.AutoDetect)
	assert.Equal(t, 8, cfg.Bridge.MaxWorkers)
	assert.True(t, cfg.Kernel.ReplyExtraContext)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 100, cfg.Realtime.MinAudioMS)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[bridge]
requests_per_minute = 30
single_append_providers = ["openai", "x_ai"]

[kernel]
llama_react = true

[store]
driver = "redis"
dsn = "redis://localhost:6379/0"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Bridge.RequestsPerMinute)
	assert.Equal(t, []string{"openai", "x_ai"}, cfg.Bridge.SingleAppendProviders)
	assert.True(t, cfg.Kernel.LlamaReact)
	assert.Equal(t, "redis", cfg.Store.Driver)
	// Untouched sections keep their defaults.
	assert.True(t, cfg.Bridge.AutoDetect)
	assert.Equal(t, "alloy", cfg.Realtime.Voice)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[bridge`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestProviderFlatKeyView(t *testing.T) {
	cfg := Default()
	cfg.Bridge.RequestsPerMinute = 60
	cfg.Bridge.SingleAppendProviders = []string{"openai"}
	p := NewProvider(cfg)

	assert.Equal(t, 60, p.Get("bridge.requests_per_minute", 0))
	assert.Equal(t, true, p.Get("bridge.auto_detect", false))
	assert.Equal(t, []string{"openai"}, p.Get("bridge.single_append_providers", nil))
	assert.Equal(t, "sqlite", p.Get("store.driver", ""))
	assert.Equal(t, "fallback", p.Get("no.such.key", "fallback"))
}

func TestProviderEmptyProviderListFallsBack(t *testing.T) {
	p := NewProvider(Default())
	assert.Nil(t, p.Get("bridge.single_append_providers", nil))
}

func TestProviderSwap(t *testing.T) {
	p := NewProvider(Default())
	next := Default()
	next.Bridge.RequestsPerMinute = 120
	p.Swap(next)
	assert.Equal(t, 120, p.Get("bridge.requests_per_minute", 0))

	// nil swap keeps the current revision.
	p.Swap(nil)
	assert.Equal(t, 120, p.Get("bridge.requests_per_minute", 0))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[bridge]\nrequests_per_minute = 10\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	p := NewProvider(cfg)
	require.NoError(t, p.Watch(t.Context(), path, nil))

	require.NoError(t, os.WriteFile(path, []byte("[bridge]\nrequests_per_minute = 99\n"), 0o600))

	require.Eventually(t, func() bool {
		return p.Get("bridge.requests_per_minute", 0) == 99
	}, 5*time.Second, 20*time.Millisecond)
}
