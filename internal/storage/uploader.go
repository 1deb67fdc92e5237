package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// contentTypeFor maps packaging output extensions to their media types.
// Unknown extensions fall through to octet-stream.
func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// UploadTree walks localDir and uploads every regular file under keyPrefix,
// preserving the relative layout. It returns the public base URL of the
// uploaded prefix. A disabled client uploads nothing and returns localDir so
// playback URLs stay resolvable on local disk.
func UploadTree(ctx context.Context, client Client, localDir, keyPrefix string) (string, error) {
	if client == nil || !client.Enabled() {
		return localDir, nil
	}
	keyPrefix = strings.Trim(strings.TrimSpace(keyPrefix), "/")
	err := filepath.WalkDir(localDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		relative, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		key := filepath.ToSlash(relative)
		if keyPrefix != "" {
			key = keyPrefix + "/" + key
		}
		if _, err := client.Upload(ctx, key, contentTypeFor(path), body); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("upload tree %s: %w", localDir, err)
	}
	base := client.PublicURL(keyPrefix)
	if base == "" {
		base = localDir
	}
	return base, nil
}
