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

package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-dictate/internal/engine"
)

// TranscriptionEvent records one completed record-and-transcribe cycle
type TranscriptionEvent struct {
	// Core identification
	UUID      string    `json:"uuid" db:"uuid"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	// Session configuration
	ModelSize       string `json:"model_size" db:"model_size"`
	RequestedDevice string `json:"requested_device" db:"requested_device"`
	ResolvedDevice  string `json:"resolved_device" db:"resolved_device"`

	// Audio metadata
	AudioHash     string  `json:"audio_hash" db:"audio_hash"`
	AudioDuration float64 `json:"audio_duration" db:"audio_duration"`
	SampleRate    int     `json:"sample_rate" db:"sample_rate"`

	// Transcription results
	Text                string           `json:"text" db:"text"`
	Segments            []engine.Segment `json:"segments,omitempty" db:"-"`
	Language            string           `json:"language" db:"language"`
	LanguageProbability float64          `json:"language_probability" db:"language_probability"`

	// Outcome
	TranscriptionTime int64  `json:"transcription_time_ms" db:"transcription_time_ms"`
	Success           bool   `json:"success" db:"success"`
	ErrorMessage      string `json:"error_message,omitempty" db:"error_message"`
}

// NewTranscriptionEvent creates an event with a generated UUID and the
// current timestamp
func NewTranscriptionEvent(modelSize, requestedDevice string) *TranscriptionEvent {
	return &TranscriptionEvent{
		UUID:            uuid.NewString(),
		Timestamp:       time.Now(),
		ModelSize:       modelSize,
		RequestedDevice: requestedDevice,
		Success:         true,
	}
}

// SetAudioMetadata records audio properties and a duplicate-detection hash
func (te *TranscriptionEvent) SetAudioMetadata(samples []float32, sampleRate int) {
	te.AudioHash = hashAudio(samples)
	te.AudioDuration = float64(len(samples)) / float64(sampleRate)
	te.SampleRate = sampleRate
}

// SetResult copies a transcription result into the event
func (te *TranscriptionEvent) SetResult(result *engine.Result, resolvedDevice string) {
	te.ResolvedDevice = resolvedDevice
	te.Success = result.Success
	te.Text = result.Text
	te.Segments = result.Segments
	te.Language = result.Language
	te.LanguageProbability = result.LanguageProbability
	te.ErrorMessage = result.Error
	te.TranscriptionTime = time.Since(te.Timestamp).Milliseconds()
}

// SetError marks the event as failed
func (te *TranscriptionEvent) SetError(err error) {
	te.Success = false
	te.ErrorMessage = err.Error()
	te.TranscriptionTime = time.Since(te.Timestamp).Milliseconds()
}

// hashAudio generates a SHA-256 hash of the audio data
func hashAudio(samples []float32) string {
	hasher := sha256.New()
	for _, sample := range samples {
		bytes := (*[4]byte)(unsafe.Pointer(&sample))[:]
		hasher.Write(bytes)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// SegmentsJSON returns segments as a JSON string for database storage
func (te *TranscriptionEvent) SegmentsJSON() (string, error) {
	if len(te.Segments) == 0 {
		return "[]", nil
	}

	data, err := json.Marshal(te.Segments)
	if err != nil {
		return "", fmt.Errorf("failed to marshal segments: %w", err)
	}
	return string(data), nil
}

// SetSegmentsFromJSON parses a JSON string into segments
func (te *TranscriptionEvent) SetSegmentsFromJSON(jsonStr string) error {
	if jsonStr == "" || jsonStr == "[]" {
		te.Segments = nil
		return nil
	}

	var segments []engine.Segment
	if err := json.Unmarshal([]byte(jsonStr), &segments); err != nil {
		return fmt.Errorf("failed to unmarshal segments JSON: %w", err)
	}
	te.Segments = segments
	return nil
}

// IsValid performs basic validation on the event
func (te *TranscriptionEvent) IsValid() error {
	if te.UUID == "" {
		return fmt.Errorf("UUID is required")
	}

	if te.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if te.ModelSize == "" {
		return fmt.Errorf("model size is required")
	}

	if te.LanguageProbability < 0 || te.LanguageProbability > 1 {
		return fmt.Errorf("language probability must be between 0 and 1")
	}

	return nil
}

// String returns a human-readable representation of the event
func (te *TranscriptionEvent) String() string {
	return fmt.Sprintf("TranscriptionEvent{UUID: %s, Model: %s, Device: %s, Text: %q, Success: %t}",
		te.UUID, te.ModelSize, te.ResolvedDevice, te.Text, te.Success)
}
