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
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/opta-lmx/opta-lmx/internal/secretstore"
)

const (
	defaultHFBaseURL    = "https://huggingface.co"
	hfRequestTimeout    = 30 * time.Second
	downloadChunkReport = 4 * 1024 * 1024
)

type hfSibling struct {
	RFilename string `json:"rfilename"`
	Size      int64  `json:"size"`
}

type hfRepoInfo struct {
	ID       string      `json:"id"`
	Siblings []hfSibling `json:"siblings"`
}

// HFClient is a minimal HuggingFace Hub client covering the two calls the
// download coordinator needs: repo metadata (for size estimation) and raw
// file fetches (for the actual transfer).
type HFClient struct {
	BaseURL    string
	Token      *secretstore.Token
	HTTPClient *http.Client
	CacheDir   string
}

// NewHFClient builds a client against the public Hub, optionally
// authenticated with token (nil or empty for anonymous access).
func NewHFClient(cacheDir string, token *secretstore.Token) *HFClient {
	return &HFClient{
		BaseURL:    defaultHFBaseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: hfRequestTimeout},
		CacheDir:   cacheDir,
	}
}

func (c *HFClient) authHeader(req *http.Request) {
	if c.Token == nil || c.Token.Empty() {
		return
	}
	_ = c.Token.Reveal(func(plaintext string) error {
		req.Header.Set("Authorization", "Bearer "+plaintext)
		return nil
	})
}

// EstimateSize implements RepoInfoProvider: it sums the sibling file sizes
// reported by the Hub's repo-info endpoint, after glob-filtering by the
// request's allow/ignore patterns. Best-effort: any failure yields (0,
// nil) rather than propagating, matching the original's estimate_size.
func (c *HFClient) EstimateSize(ctx context.Context, req Request) (int64, error) {
	url := fmt.Sprintf("%s/api/models/%s", c.BaseURL, req.RepoID)
	if req.Revision != "" {
		url += "/revision/" + req.Revision
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil
	}
	c.authHeader(httpReq)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, nil
	}

	var info hfRepoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return 0, nil
	}

	var total int64
	for _, sibling := range info.Siblings {
		if !matchesFilters(sibling.RFilename, req.AllowPatterns, req.IgnorePatterns) {
			continue
		}
		total += sibling.Size
	}
	return total, nil
}

func matchesFilters(name string, allow, ignore []string) bool {
	for _, pattern := range ignore {
		if ok, _ := filepath.Match(pattern, name); ok {
			return false
		}
	}
	if len(allow) == 0 {
		return true
	}
	for _, pattern := range allow {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Download implements Downloader: it fetches every sibling file matching
// req's filters into CacheDir's snapshot layout, reporting progress as
// bytes land.
func (c *HFClient) Download(ctx context.Context, req Request, report ProgressFunc) error {
	url := fmt.Sprintf("%s/api/models/%s", c.BaseURL, req.RepoID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.authHeader(httpReq)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("download: fetching repo info: %w", err)
	}
	var info hfRepoInfo
	decodeErr := json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: repo info request returned %s", resp.Status)
	}
	if decodeErr != nil {
		return fmt.Errorf("download: decoding repo info: %w", decodeErr)
	}

	snapshotDir := SnapshotPath(c.CacheDir, req.RepoID)
	if snapshotDir == "" {
		return fmt.Errorf("download: no cache directory configured")
	}
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return fmt.Errorf("download: creating snapshot dir: %w", err)
	}

	var total, downloaded int64
	for _, sibling := range info.Siblings {
		if matchesFilters(sibling.RFilename, req.AllowPatterns, req.IgnorePatterns) {
			total += sibling.Size
		}
	}

	for _, sibling := range info.Siblings {
		if !matchesFilters(sibling.RFilename, req.AllowPatterns, req.IgnorePatterns) {
			continue
		}
		n, err := c.downloadFile(ctx, req, sibling, snapshotDir, func(fileDownloaded int64) {
			report(downloaded+fileDownloaded, total)
		})
		if err != nil {
			return err
		}
		downloaded += n
	}
	report(downloaded, total)
	return nil
}

func (c *HFClient) downloadFile(ctx context.Context, req Request, sibling hfSibling, snapshotDir string, report func(downloaded int64)) (int64, error) {
	revision := req.Revision
	if revision == "" {
		revision = "main"
	}
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", c.BaseURL, req.RepoID, revision, sibling.RFilename)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	c.authHeader(httpReq)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("download: fetching %s: %w", sibling.RFilename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download: fetching %s returned %s", sibling.RFilename, resp.Status)
	}

	destPath := filepath.Join(snapshotDir, sibling.RFilename)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("download: creating parent dir for %s: %w", sibling.RFilename, err)
	}
	dest, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("download: creating %s: %w", sibling.RFilename, err)
	}
	defer dest.Close()

	var written int64
	buf := make([]byte, downloadChunkReport)
	for {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := dest.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("download: writing %s: %w", sibling.RFilename, werr)
			}
			written += int64(n)
			report(written)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, fmt.Errorf("download: reading %s: %w", sibling.RFilename, readErr)
		}
	}
	return written, nil
}
