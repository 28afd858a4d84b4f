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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const safetensorsIndexName = "model.safetensors.index.json"

type safetensorsIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// IsLocalSnapshotComplete reports whether modelID resolves to a local path
// that already exists, or a cached snapshot under cacheDir whose shard
// files (per its safetensors index, if any) are all present.
func IsLocalSnapshotComplete(cacheDir, modelID string) bool {
	if info, err := os.Stat(modelID); err == nil && info.IsDir() {
		return true
	}
	snapshotPath := SnapshotPath(cacheDir, modelID)
	if snapshotPath == "" {
		return false
	}
	ok, _ := validateSnapshotFiles(snapshotPath)
	return ok
}

// SnapshotPath returns the on-disk directory a HuggingFace-style cache
// would store modelID's snapshot under, or "" if cacheDir is unset.
func SnapshotPath(cacheDir, modelID string) string {
	if cacheDir == "" {
		return ""
	}
	return filepath.Join(cacheDir, "models--"+strings.ReplaceAll(modelID, "/", "--"), "snapshots", "main")
}

// validateSnapshotFiles checks every shard named in the snapshot's
// safetensors index actually exists on disk. A snapshot with no index file
// has nothing to validate and is treated as complete.
func validateSnapshotFiles(snapshotPath string) (bool, string) {
	indexPath := filepath.Join(snapshotPath, safetensorsIndexName)
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, ""
		}
		return false, err.Error()
	}

	var idx safetensorsIndex
	if err := json.Unmarshal(raw, &idx); err != nil || idx.WeightMap == nil {
		return true, ""
	}

	missing := map[string]struct{}{}
	for _, filename := range idx.WeightMap {
		if filename == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(snapshotPath, filename)); err != nil {
			missing[filename] = struct{}{}
		}
	}
	if len(missing) == 0 {
		return true, ""
	}

	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	preview := names
	if len(preview) > 5 {
		preview = preview[:5]
	}
	return false, fmt.Sprintf("missing_weight_files:%d:%s", len(missing), strings.Join(preview, ","))
}

// LocalConfig implements lifecycle.ModelStore: it reports the resolved
// snapshot directory for a completed local download, so the lifecycle
// manager never has to know about HuggingFace cache layout itself.
func (c *Coordinator) LocalConfig(modelID string) (map[string]any, bool) {
	if !IsLocalSnapshotComplete(c.cfg.CacheDir, modelID) {
		return nil, false
	}
	path := modelID
	if info, err := os.Stat(modelID); err != nil || !info.IsDir() {
		path = SnapshotPath(c.cfg.CacheDir, modelID)
	}
	return map[string]any{"local_path": path}, true
}
