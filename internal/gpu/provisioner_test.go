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

package gpu

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// packageContents maps package name to the files its archive carries
var testPackageContents = map[string][]string{
	"nvidia-cublas-cu12":   {"nvidia/cublas/bin/cublas64_12.dll"},
	"nvidia-cudnn-cu12":    {"nvidia/cudnn/bin/cudnn_ops64_9.dll"},
	"nvidia-cufft-cu12":    {"nvidia/cufft/bin/cufft64_11.dll"},
	"nvidia-curand-cu12":   {"nvidia/curand/bin/curand64_10.dll"},
	"nvidia-cusolver-cu12": {"nvidia/cusolver/bin/cusolver64_11.dll"},
	"nvidia-cusparse-cu12": {"nvidia/cusparse/bin/cusparse64_12.dll"},
}

func buildZip(t *testing.T, files []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte("binary"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// newPackageServer serves the test package archives; failPkg (if non-empty)
// returns 404 to simulate a broken download
func newPackageServer(t *testing.T, failPkg string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".zip")
		if name == failPkg {
			http.NotFound(w, r)
			return
		}
		files, ok := testPackageContents[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(buildZip(t, files))
	}))
}

func newTestProvisioner(t *testing.T, serverURL string) *Provisioner {
	t.Helper()
	p := NewProvisioner(filepath.Join(t.TempDir(), "gpu_libs"), serverURL, 30*time.Second)
	p.probe = func(ctx context.Context) bool { return false }
	return p
}

func TestInstall_Success(t *testing.T) {
	server := newPackageServer(t, "")
	defer server.Close()

	p := newTestProvisioner(t, server.URL)

	var messages []string
	var percents []int
	err := p.Install(context.Background(), func(percent int, message string) {
		percents = append(percents, percent)
		messages = append(messages, message)
	})
	require.NoError(t, err)

	assert.True(t, p.IsBundleInstalled())

	// Marker written, scratch removed
	_, err = os.Stat(filepath.Join(p.LibsDir(), markerFile))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(p.LibsDir(), scratchDir))
	assert.True(t, os.IsNotExist(err))

	// Progress is monotonic and ends at 100
	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100, percents[len(percents)-1])
	assert.Contains(t, messages[0], "Preparing")
}

func TestInstall_PackageFailureLeavesNothingMarked(t *testing.T) {
	server := newPackageServer(t, "nvidia-cudnn-cu12")
	defer server.Close()

	p := newTestProvisioner(t, server.URL)

	err := p.Install(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nvidia-cudnn-cu12")

	assert.False(t, p.IsBundleInstalled())
	_, statErr := os.Stat(filepath.Join(p.LibsDir(), markerFile))
	assert.True(t, os.IsNotExist(statErr))

	// Scratch is cleaned up even on failure
	_, statErr = os.Stat(filepath.Join(p.LibsDir(), scratchDir))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInstall_RetryAfterFailureSucceeds(t *testing.T) {
	failing := newPackageServer(t, "nvidia-cublas-cu12")
	p := newTestProvisioner(t, failing.URL)

	require.Error(t, p.Install(context.Background(), nil))
	failing.Close()

	working := newPackageServer(t, "")
	defer working.Close()
	p.baseURL = working.URL

	require.NoError(t, p.Install(context.Background(), nil))
	assert.True(t, p.IsBundleInstalled())
}

func TestInstall_Cancelled(t *testing.T) {
	server := newPackageServer(t, "")
	defer server.Close()

	p := newTestProvisioner(t, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Install(ctx, nil)
	require.Error(t, err)
	assert.False(t, p.IsBundleInstalled())
}

func TestIsBundleInstalled_MarkerAloneIsNotTrusted(t *testing.T) {
	p := newTestProvisioner(t, "http://unused")

	require.NoError(t, os.MkdirAll(p.LibsDir(), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(p.LibsDir(), markerFile), nil, 0640))

	assert.False(t, p.IsBundleInstalled())
}

func TestIsBundleInstalled_MissingCriticalLibraryAfterInstall(t *testing.T) {
	server := newPackageServer(t, "")
	defer server.Close()

	p := newTestProvisioner(t, server.URL)
	require.NoError(t, p.Install(context.Background(), nil))
	require.True(t, p.IsBundleInstalled())

	// Delete one critical sub-library; the stale marker must not win
	require.NoError(t, os.RemoveAll(filepath.Join(p.LibsDir(), "nvidia", "cudnn")))
	assert.False(t, p.IsBundleInstalled())

	_, err := os.Stat(filepath.Join(p.LibsDir(), markerFile))
	assert.NoError(t, err, "marker file should still exist")
}

func TestUninstall_RoundTrip(t *testing.T) {
	server := newPackageServer(t, "")
	defer server.Close()

	p := newTestProvisioner(t, server.URL)
	require.NoError(t, p.Install(context.Background(), nil))
	require.True(t, p.IsBundleInstalled())

	assert.True(t, p.Uninstall())
	assert.False(t, p.IsBundleInstalled())
}

func TestUninstall_NothingToDelete(t *testing.T) {
	p := newTestProvisioner(t, "http://unused")
	assert.False(t, p.Uninstall())
}

func TestDetectAccelerator_ProbeFailureMeansNoGPU(t *testing.T) {
	p := NewProvisioner(t.TempDir(), "http://unused", time.Second)
	p.probe = func(ctx context.Context) bool { return false }
	assert.False(t, p.DetectAccelerator())
}

func TestEstimateDownloadSize(t *testing.T) {
	p := newTestProvisioner(t, "http://unused")
	assert.Equal(t, int64(600*1024*1024), p.EstimateDownloadSize())
}

func TestGetInfo(t *testing.T) {
	p := newTestProvisioner(t, "http://unused")
	info := p.GetInfo()
	assert.False(t, info.GPUAvailable)
	assert.False(t, info.LibsInstalled)
	assert.Equal(t, p.LibsDir(), info.LibsDir)
	assert.Equal(t, int64(600), info.EstimatedDownloadSizeMB)
}
