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

// Package engine adapts the whisper speech recognition backend: device
// resolution, lazy model loading with GPU to CPU fallback, and the
// transcribe call itself.
package engine

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-dictate/internal/logging"
)

// Segment is one timed span of the transcript
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the structured outcome of a transcription call. Engine-internal
// failures never propagate as errors; callers check Success.
type Result struct {
	Success             bool      `json:"success"`
	Text                string    `json:"text"`
	Segments            []Segment `json:"segments,omitempty"`
	Language            string    `json:"language,omitempty"`
	LanguageProbability float64   `json:"language_probability,omitempty"`
	Duration            float64   `json:"duration"`
	Error               string    `json:"error,omitempty"`
}

// ModelOutput is what a loaded model produces for one audio buffer
type ModelOutput struct {
	Segments            []Segment
	Language            string
	LanguageProbability float64
}

// Model is a loaded recognition model handle
type Model interface {
	Transcribe(samples []float32, language string) (*ModelOutput, error)
	Close() error
}

// LoadRequest carries everything a ModelLoader needs
type LoadRequest struct {
	ModelSize   ModelSize
	Device      Device
	ComputeType ComputeType
	ModelsDir   string
}

// ModelLoader constructs a model handle for a load request
type ModelLoader func(req LoadRequest) (Model, error)

// Options configures engine construction
type Options struct {
	ModelsDir string
	// Loader defaults to the whisper backend
	Loader ModelLoader
	// DetectAccelerator is consulted when the requested device is auto.
	// nil means "no accelerator".
	DetectAccelerator func() bool
}

// Engine owns one configured model. Construction is cheap; weights load
// lazily on the first transcription. Once a GPU load fails the engine is
// permanently demoted to CPU.
//
// LoadModel and Transcribe are serialized by the caller (the session
// manager runs one session at a time). State accessors are safe from any
// goroutine and never wait on a load or an inference in progress.
type Engine struct {
	// mu guards the fields below. It is never held across a loader or
	// model call, so state reads stay responsive during long work.
	mu sync.Mutex

	cfg       Config
	modelsDir string
	loader    ModelLoader

	resolvedDevice Device
	computeType    ComputeType

	model  Model
	loaded bool
}

// New constructs an engine and resolves the requested device. An auto
// request probes for accelerator hardware; the resolution is tentative
// until the first load confirms the device actually works.
func New(cfg Config, opts Options) *Engine {
	loader := opts.Loader
	if loader == nil {
		loader = LoadWhisperModel
	}

	resolved := cfg.RequestedDevice
	if resolved == DeviceAuto {
		resolved = DeviceCPU
		if opts.DetectAccelerator != nil && opts.DetectAccelerator() {
			resolved = DeviceCUDA
		}
	}

	e := &Engine{
		cfg:            cfg,
		modelsDir:      opts.ModelsDir,
		loader:         loader,
		resolvedDevice: resolved,
		computeType:    computeTypeFor(resolved),
	}

	logging.LogEngineOperation("configure", string(cfg.ModelSize), string(resolved),
		zap.String("requested_device", string(cfg.RequestedDevice)),
		zap.String("compute_type", string(e.computeType)))

	return e
}

// Config returns the identity this engine was constructed for
func (e *Engine) Config() Config {
	return e.cfg
}

// ResolvedDevice returns the device in use after detection and fallback
func (e *Engine) ResolvedDevice() Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolvedDevice
}

// IsLoaded reports whether the model weights are in memory
func (e *Engine) IsLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Close releases the loaded model weights. The engine can be reloaded by a
// later Transcribe or LoadModel call.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model == nil {
		return nil
	}

	err := e.model.Close()
	e.model = nil
	e.loaded = false
	return err
}

// LoadModel loads the model weights. Idempotent. A GPU failure demotes the
// engine to CPU and retries once; a CPU failure is fatal and propagates.
func (e *Engine) LoadModel() error {
	e.mu.Lock()
	if e.loaded {
		e.mu.Unlock()
		return nil
	}
	req := LoadRequest{
		ModelSize:   e.cfg.ModelSize,
		Device:      e.resolvedDevice,
		ComputeType: e.computeType,
		ModelsDir:   e.modelsDir,
	}
	e.mu.Unlock()

	model, err := e.loader(req)
	if err != nil && req.Device == DeviceCUDA {
		logging.LogWarn("GPU model load failed, falling back to CPU",
			zap.String("model_size", string(e.cfg.ModelSize)),
			zap.Error(err))

		req.Device = DeviceCPU
		req.ComputeType = computeTypeFor(DeviceCPU)

		e.mu.Lock()
		e.resolvedDevice = req.Device
		e.computeType = req.ComputeType
		e.mu.Unlock()

		model, err = e.loader(req)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s model on %s: %w", e.cfg.ModelSize, req.Device, err)
	}

	e.mu.Lock()
	e.model = model
	e.loaded = true
	e.mu.Unlock()

	logging.LogEngineOperation("load", string(e.cfg.ModelSize), string(req.Device),
		zap.String("compute_type", string(req.ComputeType)))
	return nil
}

// Transcribe runs the full buffer through the model, loading it first if
// needed. Audio must be mono float32 at the given sample rate. Decoding is
// greedy and segments are decoded independently; output is deterministic.
func (e *Engine) Transcribe(samples []float32, sampleRate int, language string) *Result {
	duration := float64(len(samples)) / float64(sampleRate)

	if err := e.LoadModel(); err != nil {
		logging.LogError(err, "Transcription aborted: model load failed")
		return &Result{Success: false, Error: err.Error(), Duration: duration}
	}

	e.mu.Lock()
	model := e.model
	device := e.resolvedDevice
	e.mu.Unlock()

	// Inference runs unlocked; status and level queries must not wait on it
	out, err := model.Transcribe(samples, language)
	if err != nil {
		logging.LogError(err, "Transcription failed",
			zap.String("model_size", string(e.cfg.ModelSize)),
			zap.String("device", string(device)))
		return &Result{Success: false, Error: err.Error(), Duration: duration}
	}

	var text strings.Builder
	for _, seg := range out.Segments {
		if text.Len() > 0 && seg.Text != "" {
			text.WriteString(" ")
		}
		text.WriteString(seg.Text)
	}

	lang := out.Language
	if lang == "" {
		lang = language
	}

	logging.LogEngineOperation("transcribe", string(e.cfg.ModelSize), string(e.resolvedDevice),
		zap.Float64("duration", duration),
		zap.Int("segments", len(out.Segments)),
		zap.String("language", lang))

	return &Result{
		Success:             true,
		Text:                strings.TrimSpace(text.String()),
		Segments:            out.Segments,
		Language:            lang,
		LanguageProbability: out.LanguageProbability,
		Duration:            duration,
	}
}
