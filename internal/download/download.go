// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package download implements the HuggingFace-style model download
// coordinator: dedupe of concurrent identical requests, a two-stage
// free-disk guard, background progress tracking, and reaping of terminal
// tasks 15 minutes after they finish.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opta-lmx/opta-lmx/internal/apierrors"
	"github.com/opta-lmx/opta-lmx/internal/events"
)

// EventDownloadStatusChanged is published whenever a task transitions
// status (downloading -> completed/failed), and once more when a reused
// download is handed back in place of starting a new one.
const EventDownloadStatusChanged = "model_download_status_changed"

// StatusChangedPayload is the events.Event.Data for EventDownloadStatusChanged.
type StatusChangedPayload struct {
	DownloadID string
	RepoID     string
	Status     Status
}

// Status is a DownloadTask's lifecycle state.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// MinFreeDiskBytes is the hard disk floor enforced before any download,
// and before any remote size estimate is even attempted.
const MinFreeDiskBytes int64 = 5 * 1024 * 1024 * 1024

// Retention is how long a terminal task is kept around (and reported by
// GetTask/ListTasks) after it completes or fails.
const Retention = 15 * time.Minute

// sizeEstimateMargin is the safety margin applied to an estimated download
// size for the second disk check, matching the original's 10% cushion.
const sizeEstimateMargin = 1.1

// Task is the coordinator's view of one in-flight or recently finished
// download, matching spec.md's DownloadTask record.
type Task struct {
	DownloadID      string
	RepoID          string
	Revision        string
	AllowPatterns   []string
	IgnorePatterns  []string
	Status          Status
	DownloadedBytes int64
	TotalBytes      int64
	StartedAt       time.Time
	CompletedAt     *time.Time
	Error           string
}

// ProgressPercent reports 0-100; 0 when TotalBytes is unknown.
func (t *Task) ProgressPercent() float64 {
	if t.TotalBytes <= 0 {
		return 0
	}
	pct := float64(t.DownloadedBytes) / float64(t.TotalBytes) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (t *Task) snapshot() Task {
	cp := *t
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	return cp
}

// Request describes a download to start or join.
type Request struct {
	RepoID         string
	Revision       string
	AllowPatterns  []string
	IgnorePatterns []string
}

func (r Request) dedupeKey() dedupeKey {
	return dedupeKey{
		repoID:   r.RepoID,
		revision: r.Revision,
		allow:    sortedCopy(r.AllowPatterns),
		ignore:   sortedCopy(r.IgnorePatterns),
	}
}

type dedupeKey struct {
	repoID   string
	revision string
	allow    string
	ignore   string
}

func sortedCopy(patterns []string) string {
	if len(patterns) == 0 {
		return ""
	}
	cp := append([]string(nil), patterns...)
	sort.Strings(cp)
	return strings.Join(cp, "\x00")
}

// RepoInfoProvider estimates the total byte size of the files a download
// would fetch, for the pre-download disk check. Best-effort: callers treat
// a returned size of 0 as "unknown" rather than failing the estimate.
type RepoInfoProvider interface {
	EstimateSize(ctx context.Context, req Request) (int64, error)
}

// ProgressFunc reports bytes downloaded so far against the known total
// (0 if unknown).
type ProgressFunc func(downloadedBytes, totalBytes int64)

// Downloader performs the actual file transfer for req, invoking report as
// bytes land and returning once the full snapshot is on disk.
type Downloader interface {
	Download(ctx context.Context, req Request, report ProgressFunc) error
}

// DiskChecker reports free bytes available at path.
type DiskChecker func(path string) (int64, error)

// Config configures a Coordinator.
type Config struct {
	CacheDir         string
	MinFreeDiskBytes int64
	RepoInfo         RepoInfoProvider
	Downloader       Downloader
	DiskFree         DiskChecker
	Bus              *events.Bus
	Logger           *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MinFreeDiskBytes <= 0 {
		c.MinFreeDiskBytes = MinFreeDiskBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Coordinator owns every DownloadTask's lifecycle: dedupe, disk guard,
// background execution, and reaping.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	tasks   map[string]*Task
	byKey   map[dedupeKey]string
	cancels map[string]context.CancelFunc
}

// New constructs a Coordinator. cfg.RepoInfo/cfg.Downloader/cfg.DiskFree may
// be nil only in tests that never call StartDownload.
func New(cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:     cfg,
		tasks:   make(map[string]*Task),
		byKey:   make(map[dedupeKey]string),
		cancels: make(map[string]context.CancelFunc),
	}
}

// StartDownload begins (or joins) a download for req. Returns the existing
// task, unmodified, if an identical request is already downloading.
func (c *Coordinator) StartDownload(ctx context.Context, req Request) (*Task, error) {
	c.pruneLocked()

	key := req.dedupeKey()

	c.mu.Lock()
	if id, ok := c.byKey[key]; ok {
		if t, ok := c.tasks[id]; ok && t.Status == StatusDownloading {
			c.mu.Unlock()
			snap := t.snapshot()
			return &snap, nil
		}
	}
	c.mu.Unlock()

	free, err := c.freeDiskBytes()
	if err != nil {
		return nil, apierrors.Internal(fmt.Errorf("download: checking free disk: %w", err))
	}
	if free < c.cfg.MinFreeDiskBytes {
		return nil, apierrors.InsufficientDisk(c.cfg.MinFreeDiskBytes, free)
	}

	estimatedSize := int64(0)
	if c.cfg.RepoInfo != nil {
		if size, err := c.cfg.RepoInfo.EstimateSize(ctx, req); err == nil {
			estimatedSize = size
		}
	}
	if estimatedSize > 0 {
		required := int64(float64(estimatedSize) * sizeEstimateMargin)
		free, err = c.freeDiskBytes()
		if err != nil {
			return nil, apierrors.Internal(fmt.Errorf("download: checking free disk: %w", err))
		}
		if free < required {
			return nil, apierrors.InsufficientDisk(required, free)
		}
	}

	task := &Task{
		DownloadID:     "dl-" + uuid.NewString(),
		RepoID:         req.RepoID,
		Revision:       req.Revision,
		AllowPatterns:  req.AllowPatterns,
		IgnorePatterns: req.IgnorePatterns,
		Status:         StatusDownloading,
		TotalBytes:     estimatedSize,
		StartedAt:      time.Now(),
	}

	downloadCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.tasks[task.DownloadID] = task
	c.byKey[key] = task.DownloadID
	c.cancels[task.DownloadID] = cancel
	c.mu.Unlock()

	go c.run(downloadCtx, task, req, key)

	snap := task.snapshot()
	return &snap, nil
}

func (c *Coordinator) run(ctx context.Context, task *Task, req Request, key dedupeKey) {
	var runErr error
	if c.cfg.Downloader != nil {
		runErr = c.cfg.Downloader.Download(ctx, req, func(downloaded, total int64) {
			c.mu.Lock()
			task.DownloadedBytes = downloaded
			if total > 0 {
				task.TotalBytes = total
			}
			c.mu.Unlock()
		})
	} else {
		runErr = fmt.Errorf("download: no downloader configured")
	}

	now := time.Now()
	c.mu.Lock()
	task.CompletedAt = &now
	if runErr != nil {
		task.Status = StatusFailed
		task.Error = runErr.Error()
	} else {
		task.Status = StatusCompleted
	}
	if c.byKey[key] == task.DownloadID {
		delete(c.byKey, key)
	}
	delete(c.cancels, task.DownloadID)
	c.mu.Unlock()

	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(events.Event{
			Name: EventDownloadStatusChanged,
			Data: StatusChangedPayload{DownloadID: task.DownloadID, RepoID: task.RepoID, Status: task.Status},
		})
	}

	c.pruneLocked()
}

// GetTask returns a snapshot of the task identified by downloadID.
func (c *Coordinator) GetTask(downloadID string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[downloadID]
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// ListTasks returns every retained task, most recently started first.
func (c *Coordinator) ListTasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel stops the named download's in-flight transfer. The task is left
// in place so callers can observe its failed status.
func (c *Coordinator) Cancel(downloadID string) error {
	c.mu.Lock()
	cancel, ok := c.cancels[downloadID]
	c.mu.Unlock()
	if !ok {
		if _, exists := c.GetTask(downloadID); !exists {
			return apierrors.New(apierrors.CodeInvalidRequest, "download %q not found", downloadID)
		}
		return nil
	}
	cancel()
	return nil
}

// Close cancels every active download. Call once at process shutdown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// pruneLocked removes terminal tasks older than Retention, and any dedupe
// mapping whose target is gone, finished, or already downloading under a
// newer id.
func (c *Coordinator) pruneLocked() {
	now := time.Now()
	c.mu.Lock()
	for id, t := range c.tasks {
		if t.Status == StatusDownloading {
			continue
		}
		completedAt := t.StartedAt
		if t.CompletedAt != nil {
			completedAt = *t.CompletedAt
		}
		if now.Sub(completedAt) > Retention {
			delete(c.tasks, id)
		}
	}
	for key, id := range c.byKey {
		t, ok := c.tasks[id]
		if !ok || t.Status != StatusDownloading {
			delete(c.byKey, key)
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) freeDiskBytes() (int64, error) {
	if c.cfg.DiskFree == nil {
		return c.cfg.MinFreeDiskBytes, nil
	}
	return c.cfg.DiskFree(c.cfg.CacheDir)
}
