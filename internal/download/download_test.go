// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/opta-lmx/internal/events"
)

type fakeRepoInfo struct {
	size int64
	err  error
}

func (f fakeRepoInfo) EstimateSize(context.Context, Request) (int64, error) {
	return f.size, f.err
}

type blockingDownloader struct {
	release chan struct{}
	err     error
}

func (d *blockingDownloader) Download(ctx context.Context, req Request, report ProgressFunc) error {
	report(0, 10)
	select {
	case <-d.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	report(10, 10)
	return d.err
}

func fixedFree(bytes int64) DiskChecker {
	return func(string) (int64, error) { return bytes, nil }
}

func TestStartDownload_RejectsWhenBelowHardFloor(t *testing.T) {
	c := New(Config{DiskFree: fixedFree(1024), RepoInfo: fakeRepoInfo{size: 0}})
	_, err := c.StartDownload(context.Background(), Request{RepoID: "org/model"})
	require.Error(t, err)
}

func TestStartDownload_RejectsWhenEstimatedSizeExceedsFreeWithMargin(t *testing.T) {
	free := MinFreeDiskBytes + 1024
	c := New(Config{DiskFree: fixedFree(free), RepoInfo: fakeRepoInfo{size: free}})
	_, err := c.StartDownload(context.Background(), Request{RepoID: "org/model"})
	require.Error(t, err)
}

func TestStartDownload_DedupesConcurrentIdenticalRequests(t *testing.T) {
	d := &blockingDownloader{release: make(chan struct{})}
	defer close(d.release)
	c := New(Config{DiskFree: fixedFree(100 * MinFreeDiskBytes), RepoInfo: fakeRepoInfo{size: 0}, Downloader: d})

	req := Request{RepoID: "org/model", AllowPatterns: []string{"*.safetensors"}}
	first, err := c.StartDownload(context.Background(), req)
	require.NoError(t, err)

	// Patterns in a different order must still hash to the same dedupe key.
	reordered := Request{RepoID: "org/model", AllowPatterns: []string{"*.safetensors"}}
	second, err := c.StartDownload(context.Background(), reordered)
	require.NoError(t, err)
	require.Equal(t, first.DownloadID, second.DownloadID)
}

func TestStartDownload_CompletesAndPublishesStatusChange(t *testing.T) {
	d := &blockingDownloader{release: make(chan struct{})}
	bus := events.New(nil)
	var mu sync.Mutex
	var gotStatus Status
	unsub := bus.Subscribe(EventDownloadStatusChanged, func(ev events.Event) {
		mu.Lock()
		gotStatus = ev.Data.(StatusChangedPayload).Status
		mu.Unlock()
	})
	defer unsub()

	c := New(Config{DiskFree: fixedFree(100 * MinFreeDiskBytes), RepoInfo: fakeRepoInfo{size: 0}, Downloader: d, Bus: bus})
	task, err := c.StartDownload(context.Background(), Request{RepoID: "org/model"})
	require.NoError(t, err)
	close(d.release)

	require.Eventually(t, func() bool {
		got, ok := c.GetTask(task.DownloadID)
		return ok && got.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotStatus == StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestStartDownload_FailedDownloaderMarksTaskFailed(t *testing.T) {
	d := &blockingDownloader{release: make(chan struct{}), err: context.DeadlineExceeded}
	close(d.release)
	c := New(Config{DiskFree: fixedFree(100 * MinFreeDiskBytes), RepoInfo: fakeRepoInfo{size: 0}, Downloader: d})

	task, err := c.StartDownload(context.Background(), Request{RepoID: "org/model"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := c.GetTask(task.DownloadID)
		return ok && got.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestCancel_StopsBlockingDownload(t *testing.T) {
	d := &blockingDownloader{release: make(chan struct{})}
	c := New(Config{DiskFree: fixedFree(100 * MinFreeDiskBytes), RepoInfo: fakeRepoInfo{size: 0}, Downloader: d})
	task, err := c.StartDownload(context.Background(), Request{RepoID: "org/model"})
	require.NoError(t, err)

	require.NoError(t, c.Cancel(task.DownloadID))

	require.Eventually(t, func() bool {
		got, ok := c.GetTask(task.DownloadID)
		return ok && got.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestCancel_UnknownDownloadReturnsError(t *testing.T) {
	c := New(Config{})
	require.Error(t, c.Cancel("nonexistent"))
}

func TestPruneLocked_RemovesTerminalTasksPastRetention(t *testing.T) {
	c := New(Config{})
	old := time.Now().Add(-Retention - time.Minute)
	c.tasks["dl-old"] = &Task{DownloadID: "dl-old", Status: StatusCompleted, StartedAt: old, CompletedAt: &old}
	recent := time.Now()
	c.tasks["dl-recent"] = &Task{DownloadID: "dl-recent", Status: StatusCompleted, StartedAt: recent, CompletedAt: &recent}

	c.pruneLocked()

	_, oldExists := c.GetTask("dl-old")
	_, recentExists := c.GetTask("dl-recent")
	require.False(t, oldExists)
	require.True(t, recentExists)
}

func TestValidateSnapshotFiles_NoIndexIsComplete(t *testing.T) {
	dir := t.TempDir()
	ok, _ := validateSnapshotFiles(dir)
	require.True(t, ok)
}

func TestValidateSnapshotFiles_MissingWeightFileIsIncomplete(t *testing.T) {
	dir := t.TempDir()
	index := safetensorsIndex{WeightMap: map[string]string{
		"layer.0": "model-00001-of-00002.safetensors",
		"layer.1": "model-00002-of-00002.safetensors",
	}}
	raw, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, safetensorsIndexName), raw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model-00001-of-00002.safetensors"), []byte("x"), 0o644))

	ok, reason := validateSnapshotFiles(dir)
	require.False(t, ok)
	require.Contains(t, reason, "missing_weight_files:1")
}

func TestValidateSnapshotFiles_AllShardsPresentIsComplete(t *testing.T) {
	dir := t.TempDir()
	index := safetensorsIndex{WeightMap: map[string]string{"layer.0": "model.safetensors"}}
	raw, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, safetensorsIndexName), raw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors"), []byte("x"), 0o644))

	ok, _ := validateSnapshotFiles(dir)
	require.True(t, ok)
}

func TestIsLocalSnapshotComplete_LocalFilesystemPathShortCircuits(t *testing.T) {
	dir := t.TempDir()
	require.True(t, IsLocalSnapshotComplete("", dir))
}

func TestMatchesFilters_IgnoreWinsOverAllow(t *testing.T) {
	require.False(t, matchesFilters("model.bin", []string{"*.bin"}, []string{"*.bin"}))
	require.True(t, matchesFilters("model.safetensors", []string{"*.safetensors"}, nil))
	require.False(t, matchesFilters("readme.md", []string{"*.safetensors"}, nil))
}
