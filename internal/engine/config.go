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
)

// ModelSize identifies one of the supported whisper model sizes
type ModelSize string

const (
	ModelTiny         ModelSize = "tiny"
	ModelBase         ModelSize = "base"
	ModelSmall        ModelSize = "small"
	ModelMedium       ModelSize = "medium"
	ModelLargeV3      ModelSize = "large-v3"
	ModelLargeV3Turbo ModelSize = "large-v3-turbo"
)

var modelSizes = map[ModelSize]bool{
	ModelTiny:         true,
	ModelBase:         true,
	ModelSmall:        true,
	ModelMedium:       true,
	ModelLargeV3:      true,
	ModelLargeV3Turbo: true,
}

// ParseModelSize validates a model size string
func ParseModelSize(s string) (ModelSize, error) {
	size := ModelSize(s)
	if !modelSizes[size] {
		return "", fmt.Errorf("unknown model size: %q", s)
	}
	return size, nil
}

// Device is a compute device selector
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// ParseDevice validates a device string
func ParseDevice(s string) (Device, error) {
	switch Device(s) {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
		return Device(s), nil
	}
	return "", fmt.Errorf("unknown device: %q (want auto, cpu or cuda)", s)
}

// ComputeType is the numeric precision used for inference
type ComputeType string

const (
	ComputeFloat16 ComputeType = "float16" // GPU throughput
	ComputeInt8    ComputeType = "int8"    // CPU efficiency
)

// computeTypeFor derives the precision from a resolved device
func computeTypeFor(device Device) ComputeType {
	if device == DeviceCUDA {
		return ComputeFloat16
	}
	return ComputeInt8
}

// Config identifies an engine instance. Value equality of the pair decides
// whether an existing engine can be reused across sessions.
type Config struct {
	ModelSize       ModelSize `json:"model_size"`
	RequestedDevice Device    `json:"requested_device"`
}

// ModelPath returns the on-disk location of a model's weights
func ModelPath(modelsDir string, size ModelSize) string {
	return filepath.Join(modelsDir, fmt.Sprintf("ggml-%s.bin", size))
}

// IsModelDownloaded reports whether a model's weights are present in the
// cache without attempting a load. Gives callers an early signal before
// committing to a multi-second load.
func IsModelDownloaded(modelsDir string, size ModelSize) bool {
	stat, err := os.Stat(ModelPath(modelsDir, size))
	if err != nil {
		return false
	}
	return stat.Size() > 0
}
