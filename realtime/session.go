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

// Package realtime runs the voice conversation over a persistent
// websocket. The protocol is manual turn control: the client appends
// text and audio, commits the input buffer and explicitly asks for a
// response. There is no server-side turn detection.
package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/szczyglis-dev/py-gpt-sub010/item"
)

const (
	defaultModel       = "gpt-realtime"
	defaultVoice       = "alloy"
	defaultURL         = "wss://api.openai.com/v1/realtime"
	defaultReadTimeout = 500 * time.Millisecond
	defaultMinAudioMS  = 100

	// pcm16, 24 kHz, mono.
	audioBytesPerMS = 48
	audioChunkSize  = 32 * 1024
)

// WSConn is the minimal websocket contract used by the session.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a websocket connection.
type Dialer func(ctx context.Context, rawURL string, headers map[string]string) (WSConn, error)

// Sink receives streamed output from the remote.
type Sink interface {
	OnText(delta string)
	OnAudio(pcm []byte)
}

// Persister stores the finished turn's transcript.
type Persister interface {
	UpdateItem(c *item.CtxItem) error
}

// Turn is one client turn: optional text, optional audio, and the turn
// record the transcript is written into.
type Turn struct {
	Text  string
	Audio []byte
	Ctx   *item.CtxItem
}

// SessionParams configures a voice session.
type SessionParams struct {
	URL    string
	Model  string
	Voice  string
	APIKey string

	// MinAudioMS is the minimum audio duration per turn; shorter input
	// is zero-padded so the remote decoder is not starved.
	MinAudioMS int

	// ReadTimeout bounds each transport read so the receive loop can
	// observe stop requests and poll the barge-in predicate.
	ReadTimeout time.Duration

	// BargeIn is polled by the receive loop; when it reports true while
	// a response is active, the response is cancelled without tearing
	// the session down.
	BargeIn func() bool

	Sink      Sink
	Persister Persister
	Dialer    Dialer
	Logger    *slog.Logger
}

// Session is a single persistent voice conversation. At most one
// transport connection is open at a time, and at most one response is
// active at a time.
type Session struct {
	url         string
	model       string
	voice       string
	apiKey      string
	minAudioMS  int
	readTimeout time.Duration
	bargeIn     func() bool
	sink        Sink
	persister   Persister
	dialer      Dialer
	logger      *slog.Logger

	// sendMu serializes every client event so interleaved turns cannot
	// corrupt the protocol framing.
	sendMu sync.Mutex

	mu             sync.Mutex
	conn           WSConn
	open           bool
	stopping       bool
	recvDone       chan struct{}
	responseActive bool
	done           chan struct{}
	doneOnce       *sync.Once
	current        *item.CtxItem
	transcript     strings.Builder
}

// NewSession creates a voice session. It does not connect.
func NewSession(params SessionParams) (*Session, error) {
	if params.Sink == nil {
		return nil, errors.New("realtime session requires a sink")
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readTimeout := params.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	minAudioMS := params.MinAudioMS
	if minAudioMS <= 0 {
		minAudioMS = defaultMinAudioMS
	}
	s := &Session{
		url:         params.URL,
		model:       params.Model,
		voice:       params.Voice,
		apiKey:      params.APIKey,
		minAudioMS:  minAudioMS,
		readTimeout: readTimeout,
		bargeIn:     params.BargeIn,
		sink:        params.Sink,
		persister:   params.Persister,
		dialer:      params.Dialer,
		logger:      logger,
	}
	if s.url == "" {
		s.url = defaultURL
	}
	if s.model == "" {
		s.model = defaultModel
	}
	if s.voice == "" {
		s.voice = defaultVoice
	}
	if s.dialer == nil {
		s.dialer = defaultDialer
	}
	return s, nil
}

// Open connects the transport and starts the receive loop. Opening an
// already-open session is a no-op.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	headers := map[string]string{
		"Authorization": "Bearer " + s.apiKey,
		"OpenAI-Beta":   "realtime=v1",
	}
	url := s.url
	if !strings.Contains(url, "model=") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url = url + sep + "model=" + s.model
	}
	conn, err := s.dialer(ctx, url, headers)
	if err != nil {
		return fmt.Errorf("failed to connect websocket transport: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.open = true
	s.stopping = false
	s.responseActive = false
	s.done = nil
	s.doneOnce = nil
	s.recvDone = make(chan struct{})
	s.mu.Unlock()

	if err := s.send(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"voice":               s.voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection":      nil,
		},
	}); err != nil {
		_ = conn.Close()
		s.mu.Lock()
		s.open = false
		close(s.recvDone)
		s.mu.Unlock()
		return err
	}

	go s.receiveLoop(conn, s.recvDone)
	return nil
}

// SendTurn sends one full client turn: text append, chunked audio
// append padded to the minimum duration, a commit, and the response
// trigger. If a response is still active, it blocks until the previous
// response's done signal fires.
func (s *Session) SendTurn(ctx context.Context, turn Turn) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return errors.New("realtime session is not open")
	}
	prevDone := s.done
	active := s.responseActive
	s.mu.Unlock()

	if active && prevDone != nil {
		select {
		case <-prevDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if turn.Text != "" {
		err := s.send(map[string]any{
			"type":     "conversation.item.create",
			"event_id": uuid.NewString(),
			"item": map[string]any{
				"type": "message",
				"role": "user",
				"content": []map[string]any{
					{"type": "input_text", "text": turn.Text},
				},
			},
		})
		if err != nil {
			return err
		}
	}

	if len(turn.Audio) > 0 {
		audio := padAudio(turn.Audio, s.minAudioMS)
		for off := 0; off < len(audio); off += audioChunkSize {
			end := min(off+audioChunkSize, len(audio))
			err := s.send(map[string]any{
				"type":  "input_audio_buffer.append",
				"audio": base64.StdEncoding.EncodeToString(audio[off:end]),
			})
			if err != nil {
				return err
			}
		}
		if err := s.send(map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
			return err
		}
	}

	// Clear the done slot before triggering so the next turn waits on
	// this response, then ask for the response explicitly. The active
	// flag is raised here rather than on the server ack: a second turn
	// arriving before response.created must already block.
	s.mu.Lock()
	s.done = make(chan struct{})
	s.doneOnce = &sync.Once{}
	s.current = turn.Ctx
	s.transcript.Reset()
	s.responseActive = true
	s.mu.Unlock()

	return s.send(map[string]any{
		"type":     "response.create",
		"event_id": uuid.NewString(),
	})
}

// Reset closes the transport, waits for the receive loop to exit and
// reopens fresh, discarding the remote conversation state.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.Close(); err != nil {
		s.logger.Warn("closing realtime transport for reset", slog.String("err", err.Error()))
	}
	return s.Open(ctx)
}

// Close stops the receive loop and closes the transport. The in-flight
// done slot is signalled so no caller stays blocked.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	conn := s.conn
	recvDone := s.recvDone
	s.mu.Unlock()

	err := conn.Close()
	if recvDone != nil {
		<-recvDone
	}

	s.mu.Lock()
	s.open = false
	s.conn = nil
	s.responseActive = false
	s.mu.Unlock()
	s.signalDone()
	return err
}

// Active reports whether a response is currently in flight.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responseActive
}

func (s *Session) send(payload map[string]any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("realtime transport is not connected")
	}
	return conn.WriteJSON(payload)
}

func (s *Session) receiveLoop(conn WSConn, done chan struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			return
		}

		s.pollBargeIn()

		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.mu.Lock()
			stopping = s.stopping
			s.mu.Unlock()
			if !stopping {
				s.logger.Error("websocket error in message listener", slog.String("err", err.Error()))
				s.signalDone()
			}
			return
		}

		s.handleMessage(payload)
	}
}

func (s *Session) pollBargeIn() {
	if s.bargeIn == nil || !s.bargeIn() {
		return
	}
	s.mu.Lock()
	active := s.responseActive
	s.mu.Unlock()
	if !active {
		return
	}
	// Abandon the in-flight response only; the session stays up.
	if err := s.send(map[string]any{"type": "response.cancel"}); err != nil {
		s.logger.Warn("cancelling realtime response", slog.String("err", err.Error()))
	}
}

func (s *Session) handleMessage(payload []byte) {
	event, err := decodeEvent(payload)
	if err != nil {
		s.logger.Warn("undecodable realtime server event", slog.String("err", err.Error()))
		return
	}

	switch event.Type {
	case "response.created":
		s.mu.Lock()
		s.responseActive = true
		s.mu.Unlock()

	case "response.text.delta", "response.output_text.delta", "response.audio_transcript.delta":
		s.mu.Lock()
		s.transcript.WriteString(event.Delta)
		s.mu.Unlock()
		s.sink.OnText(event.Delta)

	case "response.audio.delta", "response.output_audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(event.Delta)
		if err != nil {
			s.logger.Warn("undecodable realtime audio delta", slog.String("err", err.Error()))
			return
		}
		s.sink.OnAudio(pcm)

	case "response.done":
		s.finishResponse()

	case "error":
		if benignResponseRace(event) {
			return
		}
		s.logger.Error("realtime server error",
			slog.String("code", event.Error.Code),
			slog.String("message", event.Error.Message))
		// The response is not coming; still release any waiting caller.
		s.mu.Lock()
		s.responseActive = false
		s.mu.Unlock()
		s.signalDone()
	}
}

func (s *Session) finishResponse() {
	s.mu.Lock()
	s.responseActive = false
	current := s.current
	transcript := s.transcript.String()
	s.mu.Unlock()

	if current != nil {
		current.Output = transcript
		current.OutputTimestamp = time.Now()
		if s.persister != nil {
			if err := s.persister.UpdateItem(current); err != nil {
				s.logger.Error("persisting voice transcript failed",
					slog.String("id", current.ID),
					slog.String("err", err.Error()))
			}
		}
	}
	s.signalDone()
}

func (s *Session) signalDone() {
	s.mu.Lock()
	once := s.doneOnce
	done := s.done
	s.mu.Unlock()
	if once == nil || done == nil {
		return
	}
	once.Do(func() { close(done) })
}

func padAudio(pcm []byte, minMS int) []byte {
	minBytes := minMS * audioBytesPerMS
	if len(pcm) >= minBytes {
		return pcm
	}
	padded := make([]byte, minBytes)
	copy(padded, pcm)
	return padded
}

func benignResponseRace(event *serverEvent) bool {
	msg := strings.ToLower(event.Error.Message)
	return strings.Contains(msg, "already has an active response") ||
		event.Error.Code == "conversation_already_has_active_response"
}

func defaultDialer(ctx context.Context, rawURL string, headers map[string]string) (WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	httpHeaders := make(http.Header, len(headers))
	for key, value := range headers {
		httpHeaders.Set(key, value)
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, httpHeaders)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
