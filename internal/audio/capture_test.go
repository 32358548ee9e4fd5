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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream lets tests drive chunk delivery by hand
type fakeStream struct {
	stopped bool
}

func (s *fakeStream) Stop() error {
	s.stopped = true
	return nil
}

func newTestCapture(t *testing.T) (*Capture, *fakeStream) {
	t.Helper()
	stream := &fakeStream{}
	c := NewCapture(16000, 4, func(deviceIndex *int, sampleRate, chunkFrames int, onChunk func([]float32)) (Stream, error) {
		return stream, nil
	})
	return c, stream
}

func TestCapture_StartStopConcatenates(t *testing.T) {
	c, stream := newTestCapture(t)

	require.NoError(t, c.StartRecording(nil))
	assert.True(t, c.IsRecording())

	c.enqueue([]float32{1, 2})
	c.enqueue([]float32{3, 4})
	c.enqueue([]float32{5})

	samples := c.StopRecording()
	require.NotNil(t, samples)
	assert.True(t, stream.stopped)
	assert.False(t, c.IsRecording())

	// First five samples are the queued chunks in order
	assert.Equal(t, []float32{1, 2, 3, 4, 5}, samples[:5])
}

func TestCapture_ShortRecordingPaddedWithSilence(t *testing.T) {
	c, _ := newTestCapture(t)

	require.NoError(t, c.StartRecording(nil))
	c.enqueue([]float32{0.5, 0.5})

	samples := c.StopRecording()
	require.NotNil(t, samples)

	// Padded to the 200ms floor (16000/5 = 3200 samples)
	assert.Len(t, samples, 3200)
	assert.Equal(t, float32(0.5), samples[0])
	assert.Equal(t, float32(0), samples[2])
}

func TestCapture_StopWithoutStartReturnsNil(t *testing.T) {
	c, _ := newTestCapture(t)
	assert.Nil(t, c.StopRecording())
}

func TestCapture_StopWithNoAudioReturnsNil(t *testing.T) {
	c, _ := newTestCapture(t)
	require.NoError(t, c.StartRecording(nil))
	assert.Nil(t, c.StopRecording())
}

func TestCapture_StartWhileRecordingFails(t *testing.T) {
	c, _ := newTestCapture(t)
	require.NoError(t, c.StartRecording(nil))
	assert.Error(t, c.StartRecording(nil))
	c.StopRecording()
}

func TestCapture_OpenerFailurePropagates(t *testing.T) {
	c := NewCapture(16000, 4, func(deviceIndex *int, sampleRate, chunkFrames int, onChunk func([]float32)) (Stream, error) {
		return nil, fmt.Errorf("no such device")
	})

	err := c.StartRecording(nil)
	require.Error(t, err)
	assert.False(t, c.IsRecording())
}

func TestCapture_PeekRecentIsNonDestructive(t *testing.T) {
	c, _ := newTestCapture(t)
	require.NoError(t, c.StartRecording(nil))

	for i := 0; i < 8; i++ {
		c.enqueue([]float32{float32(i)})
	}

	recent := c.PeekRecent(5)
	require.Len(t, recent, 5)
	assert.Equal(t, float32(3), recent[0][0])
	assert.Equal(t, float32(7), recent[4][0])

	// Queue is untouched: stop still returns every chunk in order
	assert.Equal(t, 8, c.QueueLen())
	samples := c.StopRecording()
	require.NotNil(t, samples)
	for i := 0; i < 8; i++ {
		assert.Equal(t, float32(i), samples[i])
	}
}

func TestCapture_PeekRecentEmptyQueue(t *testing.T) {
	c, _ := newTestCapture(t)
	assert.Nil(t, c.PeekRecent(5))
}

func TestCapture_ClearQueue(t *testing.T) {
	c, _ := newTestCapture(t)
	require.NoError(t, c.StartRecording(nil))

	c.enqueue([]float32{1})
	c.enqueue([]float32{2})
	c.ClearQueue()

	assert.Equal(t, 0, c.QueueLen())
	assert.Nil(t, c.StopRecording())
}

func TestCapture_EnqueueAfterStopIgnored(t *testing.T) {
	c, _ := newTestCapture(t)
	require.NoError(t, c.StartRecording(nil))
	c.StopRecording()

	c.enqueue([]float32{1})
	assert.Equal(t, 0, c.QueueLen())
}
