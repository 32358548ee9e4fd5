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

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel returns canned segments
type fakeModel struct {
	output *ModelOutput
	err    error
	calls  int
}

func (m *fakeModel) Transcribe(samples []float32, language string) (*ModelOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

func (m *fakeModel) Close() error { return nil }

// recordingLoader counts load attempts per device
type recordingLoader struct {
	requests []LoadRequest
	failOn   map[Device]error
	model    Model
}

func (l *recordingLoader) load(req LoadRequest) (Model, error) {
	l.requests = append(l.requests, req)
	if err, ok := l.failOn[req.Device]; ok && err != nil {
		return nil, err
	}
	if l.model != nil {
		return l.model, nil
	}
	return &fakeModel{output: &ModelOutput{}}, nil
}

func TestNew_DeviceResolution(t *testing.T) {
	tests := []struct {
		name        string
		requested   Device
		detector    func() bool
		wantDevice  Device
		wantCompute ComputeType
	}{
		{
			name:        "cpu stays cpu",
			requested:   DeviceCPU,
			wantDevice:  DeviceCPU,
			wantCompute: ComputeInt8,
		},
		{
			name:        "cuda stays cuda",
			requested:   DeviceCUDA,
			wantDevice:  DeviceCUDA,
			wantCompute: ComputeFloat16,
		},
		{
			name:        "auto with accelerator resolves cuda",
			requested:   DeviceAuto,
			detector:    func() bool { return true },
			wantDevice:  DeviceCUDA,
			wantCompute: ComputeFloat16,
		},
		{
			name:        "auto without accelerator resolves cpu",
			requested:   DeviceAuto,
			detector:    func() bool { return false },
			wantDevice:  DeviceCPU,
			wantCompute: ComputeInt8,
		},
		{
			name:        "auto with nil detector resolves cpu",
			requested:   DeviceAuto,
			wantDevice:  DeviceCPU,
			wantCompute: ComputeInt8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &recordingLoader{}
			e := New(Config{ModelSize: ModelBase, RequestedDevice: tt.requested}, Options{
				Loader:            loader.load,
				DetectAccelerator: tt.detector,
			})

			assert.Equal(t, tt.wantDevice, e.ResolvedDevice())
			assert.Equal(t, tt.wantCompute, e.computeType)
		})
	}
}

func TestLoadModel_Idempotent(t *testing.T) {
	loader := &recordingLoader{}
	e := New(Config{ModelSize: ModelBase, RequestedDevice: DeviceCPU}, Options{Loader: loader.load})

	require.NoError(t, e.LoadModel())
	require.NoError(t, e.LoadModel())

	assert.Len(t, loader.requests, 1)
	assert.True(t, e.IsLoaded())
}

func TestLoadModel_GPUFallsBackToCPU(t *testing.T) {
	loader := &recordingLoader{failOn: map[Device]error{DeviceCUDA: fmt.Errorf("no CUDA libraries")}}
	e := New(Config{ModelSize: ModelSmall, RequestedDevice: DeviceCUDA}, Options{Loader: loader.load})

	require.NoError(t, e.LoadModel())

	require.Len(t, loader.requests, 2)
	assert.Equal(t, DeviceCUDA, loader.requests[0].Device)
	assert.Equal(t, ComputeFloat16, loader.requests[0].ComputeType)
	assert.Equal(t, DeviceCPU, loader.requests[1].Device)
	assert.Equal(t, ComputeInt8, loader.requests[1].ComputeType)

	// Demotion is permanent for this instance
	assert.Equal(t, DeviceCPU, e.ResolvedDevice())
}

func TestLoadModel_CPUFailureIsFatal(t *testing.T) {
	loader := &recordingLoader{failOn: map[Device]error{DeviceCPU: fmt.Errorf("corrupt weights")}}
	e := New(Config{ModelSize: ModelBase, RequestedDevice: DeviceCPU}, Options{Loader: loader.load})

	err := e.LoadModel()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt weights")
	assert.False(t, e.IsLoaded())
	assert.Len(t, loader.requests, 1, "no further fallback tier after CPU")
}

func TestLoadModel_BothDevicesFailing(t *testing.T) {
	loader := &recordingLoader{failOn: map[Device]error{
		DeviceCUDA: fmt.Errorf("no CUDA"),
		DeviceCPU:  fmt.Errorf("no memory"),
	}}
	e := New(Config{ModelSize: ModelBase, RequestedDevice: DeviceCUDA}, Options{Loader: loader.load})

	err := e.LoadModel()
	require.Error(t, err)
	assert.Len(t, loader.requests, 2)
	assert.False(t, e.IsLoaded())
}

func TestTranscribe_LazyLoads(t *testing.T) {
	model := &fakeModel{output: &ModelOutput{
		Segments: []Segment{
			{Start: 0, End: 1.5, Text: "hello"},
			{Start: 1.5, End: 3, Text: "world"},
		},
		Language:            "en",
		LanguageProbability: 0.97,
	}}
	loader := &recordingLoader{model: model}
	e := New(Config{ModelSize: ModelBase, RequestedDevice: DeviceCPU}, Options{Loader: loader.load})

	samples := make([]float32, 48000)
	result := e.Transcribe(samples, 16000, "en")

	require.True(t, result.Success)
	assert.Equal(t, "hello world", result.Text)
	assert.Len(t, result.Segments, 2)
	assert.Equal(t, "en", result.Language)
	assert.InDelta(t, 0.97, result.LanguageProbability, 1e-9)
	assert.InDelta(t, 3.0, result.Duration, 1e-9)
	assert.True(t, e.IsLoaded(), "transcribe should have loaded the model")
	assert.Equal(t, 1, model.calls)
}

func TestTranscribe_LoadFailureReturnsStructuredResult(t *testing.T) {
	loader := &recordingLoader{failOn: map[Device]error{DeviceCPU: fmt.Errorf("weights missing")}}
	e := New(Config{ModelSize: ModelBase, RequestedDevice: DeviceCPU}, Options{Loader: loader.load})

	result := e.Transcribe(make([]float32, 16000), 16000, "")

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "weights missing")
	assert.Empty(t, result.Text)
	assert.InDelta(t, 1.0, result.Duration, 1e-9)
}

func TestTranscribe_ModelFailureReturnsStructuredResult(t *testing.T) {
	model := &fakeModel{err: fmt.Errorf("inference blew up")}
	loader := &recordingLoader{model: model}
	e := New(Config{ModelSize: ModelBase, RequestedDevice: DeviceCPU}, Options{Loader: loader.load})

	result := e.Transcribe(make([]float32, 16000), 16000, "en")

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "inference blew up")
}

func TestTranscribe_AfterGPUFallbackDoesNotRetryGPU(t *testing.T) {
	loader := &recordingLoader{failOn: map[Device]error{DeviceCUDA: fmt.Errorf("no CUDA")}}
	e := New(Config{ModelSize: ModelBase, RequestedDevice: DeviceCUDA}, Options{Loader: loader.load})

	first := e.Transcribe(make([]float32, 16000), 16000, "en")
	require.True(t, first.Success)
	require.Equal(t, DeviceCPU, e.ResolvedDevice())

	attempts := len(loader.requests)
	second := e.Transcribe(make([]float32, 16000), 16000, "en")
	require.True(t, second.Success)
	assert.Len(t, loader.requests, attempts, "loaded engine must not attempt any further loads")
}

// gateModel parks Transcribe until released
type gateModel struct {
	entered chan struct{}
	release chan struct{}
}

func (m *gateModel) Transcribe(samples []float32, language string) (*ModelOutput, error) {
	close(m.entered)
	<-m.release
	return &ModelOutput{Segments: []Segment{{Start: 0, End: 1, Text: "ok"}}}, nil
}

func (m *gateModel) Close() error { return nil }

func TestStateAccessors_DoNotBlockDuringTranscribe(t *testing.T) {
	model := &gateModel{entered: make(chan struct{}), release: make(chan struct{})}
	loader := &recordingLoader{model: model}
	e := New(Config{ModelSize: ModelBase, RequestedDevice: DeviceCPU}, Options{Loader: loader.load})

	done := make(chan *Result, 1)
	go func() { done <- e.Transcribe(make([]float32, 16000), 16000, "en") }()

	select {
	case <-model.entered:
	case <-time.After(time.Second):
		t.Fatal("transcription never started")
	}

	reads := make(chan struct{})
	go func() {
		defer close(reads)
		assert.Equal(t, DeviceCPU, e.ResolvedDevice())
		assert.True(t, e.IsLoaded())
	}()

	select {
	case <-reads:
	case <-time.After(time.Second):
		t.Fatal("state accessors blocked behind an in-flight transcription")
	}

	close(model.release)
	result := <-done
	assert.True(t, result.Success)
}

func TestParseModelSize(t *testing.T) {
	for _, valid := range []string{"tiny", "base", "small", "medium", "large-v3", "large-v3-turbo"} {
		size, err := ParseModelSize(valid)
		require.NoError(t, err, valid)
		assert.Equal(t, ModelSize(valid), size)
	}

	for _, invalid := range []string{"", "huge", "large", "Base"} {
		_, err := ParseModelSize(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestParseDevice(t *testing.T) {
	for _, valid := range []string{"auto", "cpu", "cuda"} {
		device, err := ParseDevice(valid)
		require.NoError(t, err, valid)
		assert.Equal(t, Device(valid), device)
	}

	for _, invalid := range []string{"", "gpu", "metal"} {
		_, err := ParseDevice(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestIsModelDownloaded(t *testing.T) {
	modelsDir := t.TempDir()

	assert.False(t, IsModelDownloaded(modelsDir, ModelBase))

	// Empty file does not count
	path := ModelPath(modelsDir, ModelBase)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, nil, 0640))
	assert.False(t, IsModelDownloaded(modelsDir, ModelBase))

	require.NoError(t, os.WriteFile(path, []byte("weights"), 0640))
	assert.True(t, IsModelDownloaded(modelsDir, ModelBase))
}
