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
	"fmt"

	"golang.org/x/sys/unix"
)

// StatfsFree reports the free bytes available to an unprivileged user at
// path, via statfs(2). Suitable for use as a Config.DiskFree.
func StatfsFree(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("download: statfs %q: %w", path, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
