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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/gpu"
	"github.com/loqalabs/loqa-dictate/internal/logging"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/storage"
)

// Server exposes the dictation lifecycle over a local HTTP API
type Server struct {
	cfg    *config.Config
	mux    *http.ServeMux
	server *http.Server

	sessions    *session.Manager
	provisioner *gpu.Provisioner
	store       *storage.TranscriptionsStore
	listDevices func() ([]audio.Device, error)

	// installMu makes GPU bundle installs single flight
	installMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// Options wires the server to its collaborators. Store and ListDevices
// are optional.
type Options struct {
	Sessions    *session.Manager
	Provisioner *gpu.Provisioner
	Store       *storage.TranscriptionsStore
	ListDevices func() ([]audio.Device, error)
}

// New creates a dictation server bound to the configured address
func New(cfg *config.Config, opts Options) *Server {
	mux := http.NewServeMux()
	ctx, cancel := context.WithCancel(context.Background())

	listDevices := opts.ListDevices
	if listDevices == nil {
		listDevices = audio.ListDevices
	}

	s := &Server{
		cfg:         cfg,
		mux:         mux,
		sessions:    opts.Sessions,
		provisioner: opts.Provisioner,
		store:       opts.Store,
		listDevices: listDevices,
		ctx:         ctx,
		cancel:      cancel,
	}

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      s.mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.routes()
	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logging.Sugar.Infow("🚀 Loqa Dictate starting",
		"addr", s.server.Addr,
		"model_size", s.cfg.Engine.ModelSize,
		"device", s.cfg.Engine.Device)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	logging.Sugar.Infow("🛑 Shutting down Loqa Dictate")

	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logging.Sugar.Infow("✅ Loqa Dictate shut down successfully")
	return nil
}

// Handler returns the route multiplexer, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// routes sets up HTTP routing
func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	// Session lifecycle
	s.mux.HandleFunc("/start", s.handleStart)
	s.mux.HandleFunc("/stop", s.handleStop)
	s.mux.HandleFunc("/cancel", s.handleCancel)
	s.mux.HandleFunc("/audio_level", s.handleAudioLevel)
	s.mux.HandleFunc("/devices", s.handleDevices)

	// GPU bundle management
	s.mux.HandleFunc("/gpu/info", s.handleGPUInfo)
	s.mux.HandleFunc("/gpu/install", s.handleGPUInstall)
	s.mux.HandleFunc("/gpu/uninstall", s.handleGPUUninstall)

	// Transcription history
	s.mux.HandleFunc("/transcriptions", s.handleTranscriptions)

	logging.Sugar.Infow("🌐 HTTP routes configured",
		"session_endpoints", "/start /stop /cancel /audio_level",
		"gpu_endpoints", "/gpu/info /gpu/install /gpu/uninstall")
}

// handleHealth provides service health information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.sessions.Status()

	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
		"phase":     status.Phase,
		"recording": status.Recording,
	}
	if status.ModelSize != "" {
		health["model_size"] = status.ModelSize
		health["device"] = status.Device
	}

	writeData(w, http.StatusOK, health)
}

// handleStart begins a recording session. Omitted request fields fall back
// to the configured defaults.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := session.StartRequest{
		ModelSize: s.cfg.Engine.ModelSize,
		Device:    s.cfg.Engine.Device,
		Language:  s.cfg.Engine.Language,
	}
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if req.ModelSize == "" {
			req.ModelSize = s.cfg.Engine.ModelSize
		}
		if req.Device == "" {
			req.Device = s.cfg.Engine.Device
		}
		if req.Language == "" {
			req.Language = s.cfg.Engine.Language
		}
	}

	if err := s.sessions.Start(req); err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyRecording),
			errors.Is(err, session.ErrTranscriptionInProgress):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"status":     "recording",
		"model_size": req.ModelSize,
		"device":     req.Device,
	})
}

// handleStop ends the recording and returns the transcription. Engine
// failures still produce a 200 with success=false in the body; only
// lifecycle violations are HTTP errors.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	event, err := s.sessions.Stop(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeData(w, http.StatusOK, event)
}

// handleCancel discards the active recording
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.sessions.Cancel(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "cancelled",
	})
}

// handleAudioLevel returns the live input level for UI meters
func (s *Server) handleAudioLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"level": s.sessions.AudioLevel(),
	})
}

// handleDevices lists available audio input devices
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	devices, err := s.listDevices()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if devices == nil {
		devices = []audio.Device{}
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

// handleGPUInfo returns accelerator and bundle state
func (s *Server) handleGPUInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeData(w, http.StatusOK, s.provisioner.GetInfo())
}

// handleGPUInstall downloads and verifies the CUDA library bundle. The
// install runs synchronously; a concurrent request gets a conflict rather
// than a second download.
func (s *Server) handleGPUInstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.installMu.TryLock() {
		writeError(w, http.StatusConflict, "installation already in progress")
		return
	}
	defer s.installMu.Unlock()

	if s.provisioner.IsBundleInstalled() {
		writeData(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "GPU libraries already installed",
		})
		return
	}

	err := s.provisioner.Install(r.Context(), func(percent int, message string) {
		logging.Sugar.Infow("📦 GPU install progress",
			"percent", percent,
			"message", message)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "GPU libraries installed",
	})
}

// handleGPUUninstall removes the CUDA library bundle
func (s *Server) handleGPUUninstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	removed := s.provisioner.Uninstall()
	writeData(w, http.StatusOK, map[string]interface{}{
		"success": removed,
		"message": uninstallMessage(removed),
	})
}

func uninstallMessage(removed bool) string {
	if removed {
		return "GPU libraries removed"
	}
	return "GPU libraries were not installed"
}

// handleTranscriptions returns stored transcription history
func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "transcription history not available")
		return
	}

	options := storage.ListOptions{Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			options.Limit = limit
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil && offset > 0 {
			options.Offset = offset
		}
	}
	if v := r.URL.Query().Get("success"); v != "" {
		if success, err := strconv.ParseBool(v); err == nil {
			options.Success = &success
		}
	}

	transcriptions, err := s.store.List(options)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if transcriptions == nil {
		transcriptions = []*events.TranscriptionEvent{}
	}

	count, err := s.store.Count(options)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"transcriptions": transcriptions,
		"count":          len(transcriptions),
		"total":          count,
		"limit":          options.Limit,
		"offset":         options.Offset,
	})
}

// Helper functions

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := writeJSON(w, data); err != nil {
		logging.Sugar.Errorw("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeData(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

func writeJSON(w http.ResponseWriter, data interface{}) error {
	return json.NewEncoder(w).Encode(data)
}

func readJSON(r *http.Request, data interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	defer func() { _ = r.Body.Close() }()

	return json.Unmarshal(body, data)
}
