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

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/engine"
	"github.com/loqalabs/loqa-dictate/internal/gpu"
	"github.com/loqalabs/loqa-dictate/internal/logging"
	"github.com/loqalabs/loqa-dictate/internal/messaging"
	"github.com/loqalabs/loqa-dictate/internal/server"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/storage"
)

func main() {
	// Initialize structured logging
	if err := logging.Initialize(); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	cfg, err := config.Load()
	if err != nil {
		logging.LogError(err, "Invalid configuration")
		log.Fatalf("Invalid configuration: %v", err)
	}

	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Storage.DBPath})
	if err != nil {
		logging.LogError(err, "Failed to open database")
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	store := storage.NewTranscriptionsStore(db)

	provisioner := gpu.NewProvisioner(cfg.GPU.LibsDir, cfg.GPU.DownloadBaseURL, cfg.GPU.DownloadTimeout)

	var publisher session.EventPublisher
	if cfg.NATS.Enabled {
		nats := messaging.NewNATSService(messaging.Options{
			URL:           cfg.NATS.URL,
			Subject:       cfg.NATS.Subject,
			MaxReconnects: cfg.NATS.MaxReconnect,
			ReconnectWait: cfg.NATS.ReconnectWait,
		})
		if err := nats.Connect(); err != nil {
			// Publishing is best effort; the service runs fine without it
			logging.LogWarn("NATS unavailable, transcription publishing disabled")
		} else {
			defer nats.Close()
			publisher = nats
		}
	}

	capture := audio.NewCapture(cfg.Audio.SampleRate, cfg.Audio.ChunkFrames, audio.PortAudioOpener())

	sessions := session.NewManager(session.Options{
		Capture:         capture,
		LevelGain:       cfg.Audio.LevelGain,
		DefaultLanguage: cfg.Engine.Language,
		NewEngine: func(ecfg engine.Config) *engine.Engine {
			return engine.New(ecfg, engine.Options{
				ModelsDir:         cfg.Engine.ModelsDir,
				DetectAccelerator: provisioner.DetectAccelerator,
			})
		},
		Store:     store,
		Publisher: publisher,
	})

	srv := server.New(cfg, server.Options{
		Sessions:    sessions,
		Provisioner: provisioner,
		Store:       store,
	})

	// Release the microphone and flush state on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Sugar.Infow("Received shutdown signal", "signal", sig.String())

		if err := sessions.Cancel(); err == nil {
			logging.Sugar.Infow("Active recording discarded")
		}

		if err := srv.Stop(); err != nil {
			logging.LogError(err, "Shutdown failed")
		}
	}()

	logging.Sugar.Infow("🚀 loqa-dictate starting",
		"addr", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model_size", cfg.Engine.ModelSize,
		"device", cfg.Engine.Device,
		"db_path", cfg.Storage.DBPath,
	)

	if err := srv.Start(); err != nil {
		logging.LogError(err, "Failed to start server")
		log.Fatalf("Failed to start server: %v", err)
	}
}
