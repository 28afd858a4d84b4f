// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memmonitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeMeminfo(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meminfo")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestStat_UsesMemAvailable(t *testing.T) {
	path := writeMeminfo(t, "MemTotal:       16777216 kB\nMemFree:         1048576 kB\nMemAvailable:    8388608 kB\nBuffers:          102400 kB\nCached:          1048576 kB\n")
	stats, err := NewWithPath(path).Stat()
	require.NoError(t, err)
	require.InDelta(t, 16.0, stats.TotalGB, 0.01)
	require.InDelta(t, 8.0, stats.AvailableGB, 0.01)
	require.InDelta(t, 8.0, stats.UsedGB, 0.01)
	require.InDelta(t, 50.0, stats.UsagePercent, 0.5)
}

func TestStat_FallsBackWithoutMemAvailable(t *testing.T) {
	path := writeMeminfo(t, "MemTotal:       16777216 kB\nMemFree:         4194304 kB\nBuffers:         1048576 kB\nCached:          3145728 kB\n")
	stats, err := NewWithPath(path).Stat()
	require.NoError(t, err)
	require.InDelta(t, 16.0, stats.TotalGB, 0.01)
	require.InDelta(t, 8.0, stats.AvailableGB, 0.01)
}

func TestStat_MissingTotalErrors(t *testing.T) {
	path := writeMeminfo(t, "MemFree: 100 kB\n")
	_, err := NewWithPath(path).Stat()
	require.Error(t, err)
}

func TestGBToPercentAndBack(t *testing.T) {
	require.InDelta(t, 50.0, GBToPercent(8, 16), 0.001)
	require.InDelta(t, 8.0, PercentToGB(50, 16), 0.001)
	require.Equal(t, 0.0, GBToPercent(8, 0))
}
