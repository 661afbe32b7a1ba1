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

// Package config loads the TOML configuration of the orchestration
// core and exposes it both as typed sections and as the flat key view
// the kernel and bridge read their flags through.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/BurntSushi/toml"
)

// Config is the full configuration tree.
type Config struct {
	Bridge   BridgeConfig   `toml:"bridge"`
	Kernel   KernelConfig   `toml:"kernel"`
	Realtime RealtimeConfig `toml:"realtime"`
	Store    StoreConfig    `toml:"store"`
	Log      LogConfig      `toml:"log"`
}

// BridgeConfig tunes request dispatch.
type BridgeConfig struct {
	// RequestsPerMinute caps the global call rate; zero disables the
	// throttle.
	RequestsPerMinute int `toml:"requests_per_minute"`

	// AppendOnce forces the single-append policy for attachment
	// context; AutoDetect infers it from the provider rules.
	AppendOnce bool `toml:"append_once"`
	AutoDetect bool `toml:"auto_detect"`

	// SingleAppendProviders overrides the built-in provider detection.
	SingleAppendProviders []string `toml:"single_append_providers"`

	MaxWorkers int `toml:"max_workers"`
}

// KernelConfig tunes event routing and the reply stack.
type KernelConfig struct {
	// ReplyExtraContext lets a single tool batch's extra-context text
	// replace the JSON payload on flush.
	ReplyExtraContext bool `toml:"reply_extra_context"`

	// LlamaReact stops the flush without a follow-up when the
	// retrieval backend runs its own react loop.
	LlamaReact bool `toml:"llama_react"`
}

// RealtimeConfig tunes the voice session.
type RealtimeConfig struct {
	URL           string `toml:"url"`
	Model         string `toml:"model"`
	Voice         string `toml:"voice"`
	MinAudioMS    int    `toml:"min_audio_ms"`
	ReadTimeoutMS int    `toml:"read_timeout_ms"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "redis".
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			RequestsPerMinute: 0,
			AutoDetect:        true,
			MaxWorkers:        8,
		},
		Kernel: KernelConfig{
			ReplyExtraContext: true,
		},
		Realtime: RealtimeConfig{
			URL:           "wss://api.openai.com/v1/realtime",
			Model:         "gpt-4o-realtime-preview",
			Voice:         "alloy",
			MinAudioMS:    100,
			ReadTimeoutMS: 500,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "ctx.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is
// not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Provider wraps a Config behind an atomic pointer so flag reads stay
// synchronous and non-blocking while the watcher swaps new revisions
// in. It satisfies the bridge.Config contract.
type Provider struct {
	current atomic.Pointer[Config]
}

// NewProvider creates a provider serving cfg; nil means defaults.
func NewProvider(cfg *Config) *Provider {
	if cfg == nil {
		cfg = Default()
	}
	p := &Provider{}
	p.current.Store(cfg)
	return p
}

// Config returns the current revision.
func (p *Provider) Config() *Config {
	return p.current.Load()
}

// Swap atomically replaces the current revision.
func (p *Provider) Swap(cfg *Config) {
	if cfg == nil {
		return
	}
	p.current.Store(cfg)
}

// Get serves the flat key view used by the kernel and bridge.
// Unknown keys return the caller's default.
func (p *Provider) Get(key string, def any) any {
	c := p.current.Load()
	switch key {
	case "bridge.requests_per_minute":
		return c.Bridge.RequestsPerMinute
	case "bridge.append_once":
		return c.Bridge.AppendOnce
	case "bridge.auto_detect":
		return c.Bridge.AutoDetect
	case "bridge.single_append_providers":
		if len(c.Bridge.SingleAppendProviders) == 0 {
			return def
		}
		return c.Bridge.SingleAppendProviders
	case "bridge.max_workers":
		return c.Bridge.MaxWorkers
	case "kernel.reply_extra_context":
		return c.Kernel.ReplyExtraContext
	case "kernel.llama_react":
		return c.Kernel.LlamaReact
	case "realtime.url":
		return c.Realtime.URL
	case "realtime.model":
		return c.Realtime.Model
	case "realtime.voice":
		return c.Realtime.Voice
	case "realtime.min_audio_ms":
		return c.Realtime.MinAudioMS
	case "realtime.read_timeout_ms":
		return c.Realtime.ReadTimeoutMS
	case "store.driver":
		return c.Store.Driver
	case "store.dsn":
		return c.Store.DSN
	case "log.level":
		return c.Log.Level
	}
	return def
}
