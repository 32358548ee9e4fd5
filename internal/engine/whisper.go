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

//go:build whisper

package engine

import (
	"fmt"
	"os"
	"strings"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// LoadWhisperModel loads a whisper.cpp model from the models cache.
// Device and compute type selection happen at whisper.cpp build time; the
// request's device is honored by the surrounding fallback logic, not here.
func LoadWhisperModel(req LoadRequest) (Model, error) {
	path := ModelPath(req.ModelsDir, req.ModelSize)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("whisper model not found at %s", path)
	}

	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load whisper model: %w", err)
	}

	return &whisperModel{model: model}, nil
}

type whisperModel struct {
	model whisper.Model
}

// Transcribe runs greedy decoding over the whole buffer. Speech-activity
// filtering stays off (it was found to erase genuine speech) and segments
// are decoded without cross-segment conditioning.
func (m *whisperModel) Transcribe(samples []float32, language string) (*ModelOutput, error) {
	ctx, err := m.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("failed to create whisper context: %w", err)
	}

	if language != "" {
		if err := ctx.SetLanguage(language); err != nil {
			return nil, fmt.Errorf("unsupported language %q: %w", language, err)
		}
	}

	if err := ctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to process audio: %w", err)
	}

	out := &ModelOutput{Language: ctx.Language()}
	for {
		segment, err := ctx.NextSegment()
		if err != nil {
			break
		}
		out.Segments = append(out.Segments, Segment{
			Start: segment.Start.Seconds(),
			End:   segment.End.Seconds(),
			Text:  strings.TrimSpace(segment.Text),
		})
	}

	return out, nil
}

func (m *whisperModel) Close() error {
	if m.model != nil {
		m.model.Close()
	}
	return nil
}
