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

package audio

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-dictate/internal/logging"
)

// Stream is a live microphone stream. Stopping it halts chunk delivery.
type Stream interface {
	Stop() error
}

// StreamOpener opens a capture stream against the given input device
// (nil selects the system default) and delivers mono float32 chunks of
// chunkFrames samples to onChunk until the stream is stopped.
type StreamOpener func(deviceIndex *int, sampleRate, chunkFrames int, onChunk func([]float32)) (Stream, error)

// Device describes an audio input device
type Device struct {
	Index      int    `json:"id"`
	Name       string `json:"name"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	IsDefault  bool   `json:"is_default"`
}

// Capture buffers microphone audio into an unbounded chunk queue.
// Producers (the stream callback) and consumers (stop/peek) synchronize
// on a single mutex; chunks are never dropped.
type Capture struct {
	mu          sync.Mutex
	opener      StreamOpener
	sampleRate  int
	chunkFrames int
	stream      Stream
	chunks      [][]float32
	recording   bool
}

// NewCapture creates a capture buffer backed by the given stream opener
func NewCapture(sampleRate, chunkFrames int, opener StreamOpener) *Capture {
	return &Capture{
		opener:      opener,
		sampleRate:  sampleRate,
		chunkFrames: chunkFrames,
	}
}

// SampleRate returns the configured capture sample rate
func (c *Capture) SampleRate() int {
	return c.sampleRate
}

// IsRecording reports whether a stream is currently active
func (c *Capture) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// QueueLen returns the number of queued chunks
func (c *Capture) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

// StartRecording opens the stream and begins queueing chunks
func (c *Capture) StartRecording(deviceIndex *int) error {
	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return fmt.Errorf("already capturing")
	}
	c.mu.Unlock()

	stream, err := c.opener(deviceIndex, c.sampleRate, c.chunkFrames, c.enqueue)
	if err != nil {
		return fmt.Errorf("failed to open capture stream: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.recording = true
	c.mu.Unlock()

	logging.LogAudioCapture("start", zap.Int("sample_rate", c.sampleRate))
	return nil
}

// enqueue appends a copy of the chunk to the queue. Chunks arriving after
// the stream was stopped are ignored.
func (c *Capture) enqueue(chunk []float32) {
	buf := make([]float32, len(chunk))
	copy(buf, chunk)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return
	}
	c.chunks = append(c.chunks, buf)
}

// StopRecording halts the stream and returns the concatenated buffer.
// Returns nil when nothing was captured. Very short recordings are padded
// with trailing silence: whisper rejects buffers under ~200ms.
func (c *Capture) StopRecording() []float32 {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return nil
	}
	c.recording = false
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Stop(); err != nil {
			logging.LogWarn("Failed to stop capture stream", zap.Error(err))
		}
	}

	c.mu.Lock()
	chunks := c.chunks
	c.chunks = nil
	c.mu.Unlock()

	if len(chunks) == 0 {
		logging.LogAudioCapture("stop", zap.Float64("seconds", 0))
		return nil
	}

	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
	}

	samples := make([]float32, 0, total)
	for _, chunk := range chunks {
		samples = append(samples, chunk...)
	}

	if min := c.minSamples(); len(samples) < min {
		samples = append(samples, make([]float32, min-len(samples))...)
	}

	logging.LogAudioCapture("stop",
		zap.Float64("seconds", float64(total)/float64(c.sampleRate)))
	return samples
}

// ClearQueue discards all buffered chunks without touching the stream
func (c *Capture) ClearQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = nil
}

// PeekRecent returns copies of up to n most recently queued chunks without
// consuming them. Used by the live level meter; never perturbs the buffer
// StopRecording will return.
func (c *Capture) PeekRecent(n int) [][]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.chunks) == 0 || n <= 0 {
		return nil
	}

	start := len(c.chunks) - n
	if start < 0 {
		start = 0
	}

	recent := make([][]float32, 0, len(c.chunks)-start)
	for _, chunk := range c.chunks[start:] {
		buf := make([]float32, len(chunk))
		copy(buf, chunk)
		recent = append(recent, buf)
	}
	return recent
}

// minSamples is the silence-padding floor (200ms at the capture rate)
func (c *Capture) minSamples() int {
	return c.sampleRate / 5
}
