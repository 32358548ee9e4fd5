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

// Package gpu provisions the optional CUDA runtime libraries the
// recognition engine needs for GPU execution. The bundle lives in its own
// directory; a marker file written only after structural verification is
// the sole source of truth for "GPU acceleration is usable".
package gpu

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-dictate/internal/logging"
)

// markerFile flags a verified install. Its absence, or missing critical
// libraries despite its presence, both mean "not installed".
const markerFile = ".installed"

// scratchDir is the staging area inside the libs dir during install
const scratchDir = "temp"

// estimatedDownloadBytes is informational only (~600MB for the CUDA 12 set)
const estimatedDownloadBytes = 600 * 1024 * 1024

// cudaPackages are the six library archives the engine needs on GPU.
// Each unpacks into the shared nvidia/ tree.
var cudaPackages = []string{
	"nvidia-cublas-cu12",
	"nvidia-cudnn-cu12",
	"nvidia-cufft-cu12",
	"nvidia-curand-cu12",
	"nvidia-cusolver-cu12",
	"nvidia-cusparse-cu12",
}

// criticalLibs must all be present on disk for the bundle to count as
// installed. cublas and cudnn are the two whisper actually dlopens first;
// a bundle missing either fails deep inside inference otherwise.
var criticalLibs = map[string][]string{
	"cublas": {
		"nvidia/cublas/bin/cublas64*.dll",
		"nvidia/cublas/lib/libcublas.so*",
	},
	"cudnn": {
		"nvidia/cudnn/bin/cudnn_ops64*.dll",
		"nvidia/cudnn/lib/libcudnn_ops.so*",
	},
}

// ProgressFunc reports install progress as (percent 0-100, message)
type ProgressFunc func(percent int, message string)

// Info summarizes accelerator and bundle state for the HTTP surface
type Info struct {
	GPUAvailable            bool   `json:"gpu_available"`
	LibsInstalled           bool   `json:"libs_installed"`
	LibsDir                 string `json:"libs_dir"`
	EstimatedDownloadSizeMB int64  `json:"estimated_download_size_mb"`
}

// Provisioner downloads, verifies and removes the CUDA library bundle
type Provisioner struct {
	libsDir string
	baseURL string
	client  *http.Client

	// probe is swappable in tests; defaults to an nvidia-smi query
	probe func(ctx context.Context) bool
}

// NewProvisioner creates a provisioner rooted at libsDir, downloading
// package archives from baseURL
func NewProvisioner(libsDir, baseURL string, downloadTimeout time.Duration) *Provisioner {
	p := &Provisioner{
		libsDir: libsDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: downloadTimeout},
	}
	p.probe = p.probeNvidiaSMI
	return p
}

// LibsDir returns the bundle directory
func (p *Provisioner) LibsDir() string {
	return p.libsDir
}

// DetectAccelerator is a best-effort hardware probe. It never fails hard:
// any probe error means "no accelerator".
func (p *Provisioner) DetectAccelerator() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.probe(ctx)
}

func (p *Provisioner) probeNvidiaSMI(ctx context.Context) bool {
	out, err := exec.CommandContext(ctx, "nvidia-smi", "-L").Output()
	if err != nil {
		logging.LogProvisioning("probe", zap.Bool("gpu_available", false), zap.Error(err))
		return false
	}
	found := strings.Contains(strings.ToLower(string(out)), "gpu")
	logging.LogProvisioning("probe", zap.Bool("gpu_available", found))
	return found
}

// IsBundleInstalled returns true only if the marker file exists AND every
// critical library is found on disk. A marker without the libraries is
// treated as not installed, which makes a failed or corrupted install
// self-healing on retry.
func (p *Provisioner) IsBundleInstalled() bool {
	if _, err := os.Stat(filepath.Join(p.libsDir, markerFile)); err != nil {
		return false
	}

	if _, err := os.Stat(filepath.Join(p.libsDir, "nvidia")); err != nil {
		logging.LogWarn("GPU bundle marker present but nvidia directory missing",
			zap.String("libs_dir", p.libsDir))
		return false
	}

	for name, patterns := range criticalLibs {
		if !p.anyMatch(patterns) {
			logging.LogWarn("GPU bundle missing critical library",
				zap.String("library", name))
			return false
		}
	}
	return true
}

func (p *Provisioner) anyMatch(patterns []string) bool {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(p.libsDir, pattern))
		if err == nil && len(matches) > 0 {
			return true
		}
	}
	return false
}

// EstimateDownloadSize returns the approximate bundle download size in bytes
func (p *Provisioner) EstimateDownloadSize() int64 {
	return estimatedDownloadBytes
}

// GetInfo returns an accelerator and bundle state snapshot for /gpu/info
func (p *Provisioner) GetInfo() Info {
	return Info{
		GPUAvailable:            p.DetectAccelerator(),
		LibsInstalled:           p.IsBundleInstalled(),
		LibsDir:                 p.libsDir,
		EstimatedDownloadSizeMB: estimatedDownloadBytes / (1024 * 1024),
	}
}

// Install downloads all packages into a scratch directory, relocates the
// nvidia tree atomically (remove-then-move), verifies, and only then writes
// the marker. Any package failure aborts with nothing marked installed; the
// scratch directory is always removed, so a failed attempt retries cleanly.
func (p *Provisioner) Install(ctx context.Context, progress ProgressFunc) error {
	report := func(percent int, message string) {
		if progress != nil {
			progress(percent, message)
		}
	}

	logging.LogProvisioning("install_start", zap.String("libs_dir", p.libsDir))
	report(5, "Preparing installation...")

	if err := os.MkdirAll(p.libsDir, 0750); err != nil {
		return fmt.Errorf("failed to create libs directory: %w", err)
	}

	scratch := filepath.Join(p.libsDir, scratchDir)
	if err := os.MkdirAll(scratch, 0750); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logging.LogWarn("Failed to remove scratch directory", zap.Error(err))
		}
	}()

	for idx, pkg := range cudaPackages {
		report(10+idx*80/len(cudaPackages), fmt.Sprintf("Downloading %s...", pkg))

		if err := p.downloadPackage(ctx, pkg, scratch); err != nil {
			logging.LogError(err, "GPU package download failed", zap.String("package", pkg))
			return fmt.Errorf("failed to download %s: %w", pkg, err)
		}
		logging.LogProvisioning("package_done", zap.String("package", pkg))
	}

	report(90, "Organizing libraries...")

	scratchNvidia := filepath.Join(scratch, "nvidia")
	if _, err := os.Stat(scratchNvidia); err != nil {
		return fmt.Errorf("downloaded packages produced no nvidia tree: %w", err)
	}

	targetNvidia := filepath.Join(p.libsDir, "nvidia")
	if err := os.RemoveAll(targetNvidia); err != nil {
		return fmt.Errorf("failed to remove previous nvidia tree: %w", err)
	}
	if err := os.Rename(scratchNvidia, targetNvidia); err != nil {
		return fmt.Errorf("failed to move nvidia tree into place: %w", err)
	}

	report(95, "Verifying installation...")

	// Remove any stale marker so verification judges only this install
	_ = os.Remove(filepath.Join(p.libsDir, markerFile))

	if !p.IsBundleInstalled() {
		return fmt.Errorf("installation verification failed: critical libraries missing after download")
	}

	if err := os.WriteFile(filepath.Join(p.libsDir, markerFile), nil, 0640); err != nil {
		return fmt.Errorf("failed to write install marker: %w", err)
	}

	report(100, "Installation complete!")
	logging.LogProvisioning("install_done", zap.String("libs_dir", p.libsDir))
	return nil
}

func (p *Provisioner) downloadPackage(ctx context.Context, pkg, scratch string) error {
	url := fmt.Sprintf("%s/%s.zip", p.baseURL, pkg)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status: %s", resp.Status)
	}

	archive, err := os.CreateTemp(scratch, pkg+"-*.zip")
	if err != nil {
		return err
	}
	archivePath := archive.Name()
	defer func() { _ = os.Remove(archivePath) }()

	if err := copyWithContext(ctx, archive, resp.Body); err != nil {
		_ = archive.Close()
		return err
	}
	if err := archive.Close(); err != nil {
		return err
	}

	return unzip(archivePath, scratch)
}

// copyWithContext streams body to dst, honoring cancellation between reads
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func unzip(src, destDir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		// Reject entries escaping the destination
		name := filepath.Clean(f.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry escapes destination: %q", f.Name)
		}
		fpath := filepath.Join(destDir, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0750); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), 0750); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			_ = outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc) //nolint:gosec // G110: bundle archives come from a pinned vendor URL
		_ = outFile.Close()
		_ = rc.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

// Uninstall removes the entire bundle directory tree. Returns false when
// there was nothing to delete. Safe to call when not installed.
func (p *Provisioner) Uninstall() bool {
	if _, err := os.Stat(p.libsDir); err != nil {
		return false
	}

	if err := os.RemoveAll(p.libsDir); err != nil {
		logging.LogError(err, "Failed to remove GPU bundle", zap.String("libs_dir", p.libsDir))
		return false
	}

	logging.LogProvisioning("uninstall", zap.String("libs_dir", p.libsDir))
	return true
}
