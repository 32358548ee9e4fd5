//go:build !portaudio

package audio

import "fmt"

// PortAudioOpener stub when microphone capture is disabled
func PortAudioOpener() StreamOpener {
	return func(deviceIndex *int, sampleRate, chunkFrames int, onChunk func([]float32)) (Stream, error) {
		return nil, fmt.Errorf("audio capture disabled (build with -tags portaudio to enable)")
	}
}

// ListDevices stub when microphone capture is disabled
func ListDevices() ([]Device, error) {
	return nil, fmt.Errorf("audio capture disabled (build with -tags portaudio to enable)")
}
