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

package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-dictate/internal/engine"
	"github.com/loqalabs/loqa-dictate/internal/events"
)

func newTestStore(t *testing.T) *TranscriptionsStore {
	t.Helper()

	db, err := NewDatabase(DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewTranscriptionsStore(db)
}

func sampleEvent(text string) *events.TranscriptionEvent {
	event := events.NewTranscriptionEvent("base", "auto")
	event.ResolvedDevice = "cpu"
	event.Text = text
	event.Segments = []engine.Segment{{Start: 0, End: 1.2, Text: text}}
	event.Language = "en"
	event.LanguageProbability = 0.95
	event.AudioHash = "abc123"
	event.AudioDuration = 1.2
	event.SampleRate = 16000
	event.TranscriptionTime = 340
	return event
}

func TestSaveAndGetTranscription(t *testing.T) {
	store := newTestStore(t)

	event := sampleEvent("hello world")
	require.NoError(t, store.SaveTranscription(event))

	got, err := store.GetByUUID(event.UUID)
	require.NoError(t, err)

	assert.Equal(t, event.UUID, got.UUID)
	assert.Equal(t, "hello world", got.Text)
	assert.Equal(t, "base", got.ModelSize)
	assert.Equal(t, "auto", got.RequestedDevice)
	assert.Equal(t, "cpu", got.ResolvedDevice)
	assert.Equal(t, 16000, got.SampleRate)
	assert.InDelta(t, 0.95, got.LanguageProbability, 1e-9)
	assert.True(t, got.Success)
	require.Len(t, got.Segments, 1)
	assert.Equal(t, "hello world", got.Segments[0].Text)
}

func TestSaveTranscription_RejectsInvalid(t *testing.T) {
	store := newTestStore(t)

	event := sampleEvent("x")
	event.UUID = ""
	assert.Error(t, store.SaveTranscription(event))
}

func TestSaveTranscription_DuplicateUUID(t *testing.T) {
	store := newTestStore(t)

	event := sampleEvent("once")
	require.NoError(t, store.SaveTranscription(event))
	assert.Error(t, store.SaveTranscription(event))
}

func TestGetByUUID_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetByUUID("nope")
	assert.Error(t, err)
}

func TestList_FilterAndPaginate(t *testing.T) {
	store := newTestStore(t)

	for i, text := range []string{"one", "two", "three"} {
		event := sampleEvent(text)
		event.Timestamp = time.Now().Add(time.Duration(i) * time.Minute)
		if text == "two" {
			event.Success = false
			event.ErrorMessage = "model load failed"
		}
		require.NoError(t, store.SaveTranscription(event))
	}

	all, err := store.List(ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Default sort is newest first
	assert.Equal(t, "three", all[0].Text)

	failed := false
	failures, err := store.List(ListOptions{Success: &failed})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "model load failed", failures[0].ErrorMessage)

	page, err := store.List(ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "two", page[0].Text)

	count, err := store.Count(ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestCheckpointPersistsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	db, err := NewDatabase(DatabaseConfig{Path: path})
	require.NoError(t, err)

	event := sampleEvent("keep me")
	require.NoError(t, NewTranscriptionsStore(db).SaveTranscription(event))
	require.NoError(t, db.Checkpoint())
	require.NoError(t, db.Close())

	// Reopening the same file must find the row in the main database
	reopened, err := NewDatabase(DatabaseConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, err := NewTranscriptionsStore(reopened).GetByUUID(event.UUID)
	require.NoError(t, err)
	assert.Equal(t, "keep me", got.Text)
}

func TestGetByAudioHash(t *testing.T) {
	store := newTestStore(t)

	first := sampleEvent("take one")
	second := sampleEvent("take two")
	second.AudioHash = "different"
	require.NoError(t, store.SaveTranscription(first))
	require.NoError(t, store.SaveTranscription(second))

	matches, err := store.GetByAudioHash("abc123")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "take one", matches[0].Text)
}

func TestDeleteTranscription(t *testing.T) {
	store := newTestStore(t)

	event := sampleEvent("gone soon")
	require.NoError(t, store.SaveTranscription(event))
	require.NoError(t, store.Delete(event.UUID))

	_, err := store.GetByUUID(event.UUID)
	assert.Error(t, err)

	assert.Error(t, store.Delete(event.UUID), "double delete reports not found")
}
