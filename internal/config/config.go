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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the dictation service
type Config struct {
	Server  ServerConfig
	Audio   AudioConfig
	Engine  EngineConfig
	GPU     GPUConfig
	Storage StorageConfig
	Logging LoggingConfig
	NATS    NATSConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AudioConfig holds microphone capture configuration
type AudioConfig struct {
	SampleRate  int     // Whisper expects 16 kHz
	Channels    int     // mono
	ChunkFrames int     // samples per queued chunk
	LevelGain   float64 // scale factor for the live level meter
}

// EngineConfig holds speech recognition engine defaults
type EngineConfig struct {
	ModelSize string // tiny, base, small, medium, large-v3, large-v3-turbo
	Device    string // auto, cpu, cuda
	Language  string
	ModelsDir string
}

// GPUConfig holds CUDA library provisioning configuration
type GPUConfig struct {
	LibsDir         string
	DownloadBaseURL string
	DownloadTimeout time.Duration
}

// StorageConfig holds transcription history storage configuration
type StorageConfig struct {
	DBPath string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// NATSConfig holds NATS messaging configuration
type NATSConfig struct {
	Enabled       bool
	URL           string
	Subject       string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	dataDir := getEnvString("LOQA_DATA_DIR", defaultDataDir())

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("LOQA_HOST", "127.0.0.1"),
			Port:         getEnvInt("LOQA_PORT", 8000),
			ReadTimeout:  getEnvDuration("LOQA_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("LOQA_WRITE_TIMEOUT", 10*time.Minute),
		},
		Audio: AudioConfig{
			SampleRate:  getEnvInt("AUDIO_SAMPLE_RATE", 16000),
			Channels:    getEnvInt("AUDIO_CHANNELS", 1),
			ChunkFrames: getEnvInt("AUDIO_CHUNK_FRAMES", 1024),
			LevelGain:   getEnvFloat64("AUDIO_LEVEL_GAIN", 5.0),
		},
		Engine: EngineConfig{
			ModelSize: getEnvString("WHISPER_MODEL_SIZE", "base"),
			Device:    getEnvString("WHISPER_DEVICE", "auto"),
			Language:  getEnvString("WHISPER_LANGUAGE", "en"),
			ModelsDir: getEnvString("WHISPER_MODELS_DIR", filepath.Join(dataDir, "models")),
		},
		GPU: GPUConfig{
			LibsDir:         getEnvString("GPU_LIBS_DIR", filepath.Join(dataDir, "gpu_libs")),
			DownloadBaseURL: getEnvString("GPU_DOWNLOAD_BASE_URL", "https://developer.download.nvidia.com/compute/cuda/redist"),
			DownloadTimeout: getEnvDuration("GPU_DOWNLOAD_TIMEOUT", 10*time.Minute),
		},
		Storage: StorageConfig{
			DBPath: getEnvString("DB_PATH", filepath.Join(dataDir, "loqa-dictate.db")),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "console"),
		},
		NATS: NATSConfig{
			Enabled:       getEnvBool("NATS_ENABLED", false),
			URL:           getEnvString("NATS_URL", "nats://localhost:4222"),
			Subject:       getEnvString("NATS_SUBJECT", "loqa.dictate.transcriptions"),
			MaxReconnect:  getEnvInt("NATS_MAX_RECONNECT", 10),
			ReconnectWait: getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// defaultDataDir resolves the per-user application data directory, falling
// back to the working directory when the platform location is unavailable
// (e.g. running from source in a stripped-down container).
func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(base, "loqa-dictate")
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio sample rate must be positive: %d", c.Audio.SampleRate)
	}

	if c.Audio.Channels != 1 {
		return fmt.Errorf("only mono capture is supported, got %d channels", c.Audio.Channels)
	}

	if c.Audio.ChunkFrames <= 0 {
		return fmt.Errorf("audio chunk frames must be positive: %d", c.Audio.ChunkFrames)
	}

	if c.Audio.LevelGain <= 0 {
		return fmt.Errorf("audio level gain must be positive: %f", c.Audio.LevelGain)
	}

	if c.Engine.ModelSize == "" {
		return fmt.Errorf("whisper model size must be provided")
	}

	if c.GPU.LibsDir == "" {
		return fmt.Errorf("GPU libs directory must be provided")
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
