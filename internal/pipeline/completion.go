package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"vodforge/internal/catalog"
	"vodforge/internal/media"
	"vodforge/internal/storage"
)

// CompletionConfig wires a CompletionHook.
type CompletionConfig struct {
	Store   storage.Client
	Catalog catalog.Repository
	// KeyPrefix namespaces uploaded objects, e.g. "videos" yields keys
	// under videos/<videoId>/.
	KeyPrefix string
	// RemoveLocal deletes the packaged tree after a successful upload.
	// Ignored when the store is disabled, since local files are then the
	// only playable copy.
	RemoveLocal bool
	Logger      *slog.Logger
}

// CompletionHook runs after packaging succeeds: it measures the packaged
// tree, uploads it, and writes playback pointers and the ready status back
// to the catalog. Measurement happens strictly before upload and cleanup so
// the recorded metrics always describe the tree that was shipped.
type CompletionHook struct {
	store       storage.Client
	catalog     catalog.Repository
	keyPrefix   string
	removeLocal bool
	logger      *slog.Logger
}

// NewCompletionHook builds a hook. Catalog may be nil, in which case only
// the upload happens.
func NewCompletionHook(cfg CompletionConfig) *CompletionHook {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionHook{
		store:       cfg.Store,
		catalog:     cfg.Catalog,
		keyPrefix:   strings.Trim(strings.TrimSpace(cfg.KeyPrefix), "/"),
		removeLocal: cfg.RemoveLocal,
		logger:      logger,
	}
}

// Complete finalizes one packaged video. Upload and write-back failures are
// upstream-write failures: the caller logs them, the job is never retried.
func (h *CompletionHook) Complete(ctx context.Context, videoID, hlsDir string, renditions []string) error {
	metrics, err := collectMetrics(hlsDir, renditions)
	if err != nil {
		return err
	}

	keyPrefix := videoID
	if h.keyPrefix != "" {
		keyPrefix = h.keyPrefix + "/" + videoID
	}
	baseURL, err := storage.UploadTree(ctx, h.store, hlsDir, keyPrefix)
	if err != nil {
		return &UpstreamWriteError{Target: "object storage", Err: err}
	}

	playback := catalog.Playback{
		MasterURL:   joinURL(baseURL, "master.m3u8"),
		Resolutions: make(map[string]catalog.RenditionPlayback, len(metrics)),
	}
	for name, m := range metrics {
		playback.Resolutions[name] = catalog.RenditionPlayback{
			PlaylistURL:  joinURL(baseURL, name+"/index.m3u8"),
			SegmentCount: m.segments,
			TotalBytes:   m.bytes,
		}
	}

	if h.catalog != nil {
		if err := h.catalog.SetPlayback(ctx, videoID, playback); err != nil {
			return &UpstreamWriteError{Target: "catalog playback", Err: err}
		}
		if err := h.catalog.UpdateStatus(ctx, videoID, catalog.StatusReady); err != nil {
			return &UpstreamWriteError{Target: "catalog status", Err: err}
		}
	}

	if h.removeLocal && h.store != nil && h.store.Enabled() {
		if err := os.RemoveAll(hlsDir); err != nil {
			h.logger.Warn("local cleanup failed", "dir", hlsDir, "error", err)
		}
	}
	return nil
}

type renditionMetrics struct {
	segments int
	bytes    int64
}

// collectMetrics measures each rendition directory in ladder order:
// segment count plus total bytes across segments and playlist.
func collectMetrics(hlsDir string, renditions []string) (map[string]renditionMetrics, error) {
	packaged := make(map[string]struct{}, len(renditions))
	for _, name := range renditions {
		packaged[name] = struct{}{}
	}
	metrics := make(map[string]renditionMetrics, len(renditions))
	for _, name := range media.LadderOrder() {
		if _, ok := packaged[name]; !ok {
			continue
		}
		dir := filepath.Join(hlsDir, name)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, &FilesystemError{Op: "readdir", Path: dir, Err: err}
		}
		var m renditionMetrics
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, &FilesystemError{Op: "stat", Path: filepath.Join(dir, entry.Name()), Err: err}
			}
			m.bytes += info.Size()
			if strings.HasSuffix(entry.Name(), ".ts") {
				m.segments++
			}
		}
		metrics[name] = m
	}
	if len(metrics) != len(renditions) {
		return nil, fmt.Errorf("metrics cover %d of %d renditions", len(metrics), len(renditions))
	}
	return metrics, nil
}

func joinURL(base, suffix string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(suffix, "/")
}
