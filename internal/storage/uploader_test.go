package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func seedTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"master.m3u8":     "#EXTM3U",
		"360p/index.m3u8": "#EXTM3U",
		"360p/index0.ts":  "segment",
	}
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestUploadTreePreservesLayout(t *testing.T) {
	dir := seedTree(t)
	server := newMemoryS3Server()
	server.addBucket("vod")
	client := newTestClient(t, server, nil)

	base, err := UploadTree(context.Background(), client, dir, "videos/v1")
	if err != nil {
		t.Fatalf("upload tree: %v", err)
	}
	if base != "https://cdn.example.com/videos/v1" {
		t.Fatalf("base url = %s", base)
	}
	for _, key := range []string{
		"videos/v1/master.m3u8",
		"videos/v1/360p/index.m3u8",
		"videos/v1/360p/index0.ts",
	} {
		if _, ok := server.getObject("vod", key); !ok {
			t.Fatalf("missing object %s", key)
		}
	}
}

func TestUploadTreeDisabledClientReturnsLocalDir(t *testing.T) {
	dir := seedTree(t)
	base, err := UploadTree(context.Background(), NewClient(Config{}), dir, "videos/v1")
	if err != nil {
		t.Fatalf("upload tree: %v", err)
	}
	if base != dir {
		t.Fatalf("base = %s, want %s", base, dir)
	}
}

func TestUploadTreeNilClientReturnsLocalDir(t *testing.T) {
	dir := seedTree(t)
	base, err := UploadTree(context.Background(), nil, dir, "videos/v1")
	if err != nil || base != dir {
		t.Fatalf("base = %s err = %v", base, err)
	}
}

func TestUploadTreeMissingDir(t *testing.T) {
	server := newMemoryS3Server()
	server.addBucket("vod")
	client := newTestClient(t, server, nil)
	if _, err := UploadTree(context.Background(), client, filepath.Join(t.TempDir(), "absent"), "videos/v1"); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
