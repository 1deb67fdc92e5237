package catalog

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRepositoryLookup(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Put(Video{ID: "v1", Title: "launch recap", Status: StatusPending})

	ctx := context.Background()
	video, ok, err := repo.Video(ctx, "v1")
	if err != nil || !ok {
		t.Fatalf("video: %v ok=%v", err, ok)
	}
	if video.Title != "launch recap" || video.Status != StatusPending {
		t.Fatalf("video = %+v", video)
	}
	if video.UpdatedAt.IsZero() {
		t.Fatal("expected UpdatedAt to be stamped")
	}

	if _, ok, err := repo.Video(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing lookup: %v ok=%v", err, ok)
	}
	// IDs are trimmed on lookup.
	if _, ok, _ := repo.Video(ctx, "  v1  "); !ok {
		t.Fatal("trimmed lookup failed")
	}
}

func TestMemoryRepositoryUpdateStatus(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Put(Video{ID: "v1", Status: StatusPending})

	ctx := context.Background()
	if err := repo.UpdateStatus(ctx, "v1", StatusProcessing); err != nil {
		t.Fatalf("update: %v", err)
	}
	video, _, _ := repo.Video(ctx, "v1")
	if video.Status != StatusProcessing {
		t.Fatalf("status = %s", video.Status)
	}

	if err := repo.UpdateStatus(ctx, "missing", StatusReady); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryRepositorySetPlayback(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Put(Video{ID: "v1", Status: StatusProcessing})

	ctx := context.Background()
	playback := Playback{
		MasterURL: "https://cdn.example.com/v1/master.m3u8",
		Resolutions: map[string]RenditionPlayback{
			"720p": {PlaylistURL: "https://cdn.example.com/v1/720p/index.m3u8", SegmentCount: 12, TotalBytes: 9000},
		},
	}
	if err := repo.SetPlayback(ctx, "v1", playback); err != nil {
		t.Fatalf("set playback: %v", err)
	}

	// Mutating the caller's map must not leak into the stored record.
	playback.Resolutions["720p"] = RenditionPlayback{PlaylistURL: "tampered"}

	video, _, _ := repo.Video(ctx, "v1")
	if video.Playback == nil {
		t.Fatal("playback not stored")
	}
	if got := video.Playback.Resolutions["720p"].PlaylistURL; got != "https://cdn.example.com/v1/720p/index.m3u8" {
		t.Fatalf("stored playback aliased caller map: %s", got)
	}

	if err := repo.SetPlayback(ctx, "missing", playback); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
