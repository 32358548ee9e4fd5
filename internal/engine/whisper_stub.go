//go:build !whisper

package engine

import "fmt"

// LoadWhisperModel stub when the whisper backend is disabled
func LoadWhisperModel(req LoadRequest) (Model, error) {
	return nil, fmt.Errorf("whisper transcription disabled (build with -tags whisper to enable)")
}
