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

//go:build portaudio

package audio

import (
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudioOpener returns a StreamOpener backed by the host microphone
func PortAudioOpener() StreamOpener {
	return openPortAudioStream
}

func openPortAudioStream(deviceIndex *int, sampleRate, chunkFrames int, onChunk func([]float32)) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	info, err := resolveInputDevice(deviceIndex)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = chunkFrames

	buf := make([]float32, chunkFrames)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}

	s := &paStream{
		stream:  stream,
		buf:     buf,
		onChunk: onChunk,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop()

	return s, nil
}

func resolveInputDevice(deviceIndex *int) (*portaudio.DeviceInfo, error) {
	if deviceIndex == nil {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", err)
		}
		return info, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	if *deviceIndex < 0 || *deviceIndex >= len(devices) {
		return nil, fmt.Errorf("input device index %d out of range", *deviceIndex)
	}
	info := devices[*deviceIndex]
	if info.MaxInputChannels < 1 {
		return nil, fmt.Errorf("device %q has no input channels", info.Name)
	}
	return info, nil
}

type paStream struct {
	stream  *portaudio.Stream
	buf     []float32
	onChunk func([]float32)
	stop    chan struct{}
	done    chan struct{}
}

func (s *paStream) readLoop() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			// Transient overflow or a stream being torn down; back off
			// briefly and let Stop win the race.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.onChunk(s.buf)
	}
}

func (s *paStream) Stop() error {
	close(s.stop)

	select {
	case <-s.done:
	case <-time.After(200 * time.Millisecond):
	}

	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	_ = portaudio.Terminate()
	return err
}

// ListDevices enumerates input devices for the /devices endpoint
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	defer func() { _ = portaudio.Terminate() }()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	defaultInput, _ := portaudio.DefaultInputDevice()

	var inputs []Device
	for idx, info := range devices {
		if info.MaxInputChannels < 1 {
			continue
		}
		inputs = append(inputs, Device{
			Index:      idx,
			Name:       info.Name,
			Channels:   info.MaxInputChannels,
			SampleRate: int(info.DefaultSampleRate),
			IsDefault:  defaultInput != nil && info.Name == defaultInput.Name,
		})
	}
	return inputs, nil
}
