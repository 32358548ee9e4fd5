/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package session drives the dictation lifecycle: idle, recording,
// transcribing, and back to idle. One session is active at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/engine"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/logging"
)

// Phase is the session lifecycle state
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseRecording    Phase = "recording"
	PhaseTranscribing Phase = "transcribing"
)

// Sentinel errors for lifecycle violations
var (
	ErrAlreadyRecording        = errors.New("recording already in progress")
	ErrNotRecording            = errors.New("no recording in progress")
	ErrTranscriptionInProgress = errors.New("transcription in progress")
)

// EventStore persists completed transcription events
type EventStore interface {
	SaveTranscription(event *events.TranscriptionEvent) error
}

// EventPublisher broadcasts completed transcription events
type EventPublisher interface {
	PublishTranscription(event *events.TranscriptionEvent) error
}

// StartRequest configures one dictation session
type StartRequest struct {
	ModelSize   string `json:"model_size"`
	Device      string `json:"device"`
	Language    string `json:"language"`
	DeviceIndex *int   `json:"device_index"`
}

// Status is a snapshot of the session state
type Status struct {
	Phase        Phase  `json:"phase"`
	Recording    bool   `json:"recording"`
	ModelSize    string `json:"model_size,omitempty"`
	Device       string `json:"device,omitempty"`
	QueuedChunks int    `json:"queued_chunks"`
}

// Options configures manager construction
type Options struct {
	Capture         *audio.Capture
	LevelGain       float64
	DefaultLanguage string

	// NewEngine constructs an engine for a session configuration
	NewEngine func(cfg engine.Config) *engine.Engine

	// Store and Publisher are optional; failures there never fail a session
	Store     EventStore
	Publisher EventPublisher
}

// Manager owns the single active dictation session. The engine is cached
// across sessions and rebuilt only when the requested configuration changes,
// so back-to-back sessions skip the model load.
type Manager struct {
	mu sync.Mutex

	capture         *audio.Capture
	levelGain       float64
	defaultLanguage string
	newEngine       func(cfg engine.Config) *engine.Engine
	store           EventStore
	publisher       EventPublisher

	phase    Phase
	engine   *engine.Engine
	language string
}

// NewManager creates an idle session manager
func NewManager(opts Options) *Manager {
	newEngine := opts.NewEngine
	if newEngine == nil {
		newEngine = func(cfg engine.Config) *engine.Engine {
			return engine.New(cfg, engine.Options{})
		}
	}

	levelGain := opts.LevelGain
	if levelGain <= 0 {
		levelGain = 1.0
	}

	return &Manager{
		capture:         opts.Capture,
		levelGain:       levelGain,
		defaultLanguage: opts.DefaultLanguage,
		newEngine:       newEngine,
		store:           opts.Store,
		publisher:       opts.Publisher,
		phase:           PhaseIdle,
	}
}

// Start begins a recording session. Fails without side effects when a
// session is already underway or the request is invalid.
func (m *Manager) Start(req StartRequest) error {
	modelSize, err := engine.ParseModelSize(req.ModelSize)
	if err != nil {
		return err
	}

	device, err := engine.ParseDevice(req.Device)
	if err != nil {
		return err
	}

	m.mu.Lock()
	switch m.phase {
	case PhaseRecording:
		m.mu.Unlock()
		return ErrAlreadyRecording
	case PhaseTranscribing:
		m.mu.Unlock()
		return ErrTranscriptionInProgress
	}

	cfg := engine.Config{ModelSize: modelSize, RequestedDevice: device}
	if m.engine == nil || m.engine.Config() != cfg {
		if m.engine != nil {
			if err := m.engine.Close(); err != nil {
				logging.LogWarn("Failed to release previous model", zap.Error(err))
			}
		}
		m.engine = m.newEngine(cfg)
	}

	language := req.Language
	if language == "" {
		language = m.defaultLanguage
	}
	m.language = language

	// Stale chunks from a cancelled session must not leak into this one
	m.capture.ClearQueue()

	if err := m.capture.StartRecording(req.DeviceIndex); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to start recording: %w", err)
	}

	m.phase = PhaseRecording
	m.mu.Unlock()

	logging.LogSessionTransition(string(PhaseIdle), string(PhaseRecording),
		zap.String("model_size", string(modelSize)),
		zap.String("device", string(device)),
		zap.String("language", language))
	return nil
}

// Stop ends the recording and transcribes whatever was captured. The
// manager stays in the transcribing phase for the duration; a stop with no
// captured audio succeeds with empty text and never touches the model.
func (m *Manager) Stop(ctx context.Context) (*events.TranscriptionEvent, error) {
	m.mu.Lock()
	if m.phase != PhaseRecording {
		phase := m.phase
		m.mu.Unlock()
		if phase == PhaseTranscribing {
			return nil, ErrTranscriptionInProgress
		}
		return nil, ErrNotRecording
	}
	m.phase = PhaseTranscribing
	eng := m.engine
	language := m.language
	m.mu.Unlock()

	logging.LogSessionTransition(string(PhaseRecording), string(PhaseTranscribing))

	// Transcription can take a while; the phase guard above keeps
	// concurrent starts out, so the long work runs unlocked.
	defer func() {
		m.mu.Lock()
		m.phase = PhaseIdle
		m.mu.Unlock()
		logging.LogSessionTransition(string(PhaseTranscribing), string(PhaseIdle))
	}()

	cfg := eng.Config()
	event := events.NewTranscriptionEvent(string(cfg.ModelSize), string(cfg.RequestedDevice))
	event.Language = language

	samples := m.capture.StopRecording()
	if samples == nil {
		event.ResolvedDevice = string(eng.ResolvedDevice())
		event.SampleRate = m.capture.SampleRate()
		logging.LogAudioCapture("empty", zap.String("uuid", event.UUID))
		return event, nil
	}

	event.SetAudioMetadata(samples, m.capture.SampleRate())

	if err := ctx.Err(); err != nil {
		event.SetError(err)
		return event, nil
	}

	result := eng.Transcribe(samples, m.capture.SampleRate(), language)
	event.SetResult(result, string(eng.ResolvedDevice()))

	m.record(event)
	return event, nil
}

// Cancel discards the active recording without transcribing. The capture
// teardown completes before the phase returns to idle, so a concurrent
// Start cannot open a stream that this cancel would then wipe.
func (m *Manager) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseRecording {
		if m.phase == PhaseTranscribing {
			return ErrTranscriptionInProgress
		}
		return ErrNotRecording
	}

	m.capture.StopRecording()
	m.capture.ClearQueue()
	m.phase = PhaseIdle

	logging.LogSessionTransition(string(PhaseRecording), string(PhaseIdle),
		zap.String("reason", "cancelled"))
	return nil
}

// AudioLevel returns the live input level in [0, 1], computed as gained RMS
// over the most recent captured chunks. Zero outside a recording.
func (m *Manager) AudioLevel() float64 {
	m.mu.Lock()
	recording := m.phase == PhaseRecording
	m.mu.Unlock()

	if !recording {
		return 0
	}

	chunks := m.capture.PeekRecent(5)
	if len(chunks) == 0 {
		return 0
	}

	var sum float64
	var count int
	for _, chunk := range chunks {
		for _, sample := range chunk {
			sum += float64(sample) * float64(sample)
			count++
		}
	}
	if count == 0 {
		return 0
	}

	level := math.Sqrt(sum/float64(count)) * m.levelGain
	if level > 1 {
		level = 1
	}
	return level
}

// Status returns a snapshot of the session state
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		Phase:        m.phase,
		Recording:    m.phase == PhaseRecording,
		QueuedChunks: m.capture.QueueLen(),
	}
	if m.engine != nil {
		cfg := m.engine.Config()
		status.ModelSize = string(cfg.ModelSize)
		status.Device = string(m.engine.ResolvedDevice())
	}
	return status
}

// record persists and publishes a completed event. Both are best effort:
// the transcript was already produced and must reach the caller regardless.
func (m *Manager) record(event *events.TranscriptionEvent) {
	if m.store != nil {
		if err := m.store.SaveTranscription(event); err != nil {
			logging.LogError(err, "Failed to save transcription",
				zap.String("uuid", event.UUID))
		}
	}

	if m.publisher != nil {
		if err := m.publisher.PublishTranscription(event); err != nil {
			logging.LogWarn("Failed to publish transcription",
				zap.String("uuid", event.UUID),
				zap.Error(err))
		}
	}
}
