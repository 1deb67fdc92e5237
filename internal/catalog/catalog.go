// Package catalog is the media-record store consulted by the pipeline. The
// pipeline performs exactly two write-backs against it: the coarse encoding
// status field and the playback manifest URLs written by the completion
// hook. Both paths are unsynchronized last-write-wins by design.
package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound reports an operation against an unknown record ID.
var ErrNotFound = errors.New("catalog: video not found")

// Status is the coarse encoding state of a video record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// RenditionPlayback describes one packaged rendition of a video.
type RenditionPlayback struct {
	PlaylistURL  string `json:"playlistUrl"`
	SegmentCount int    `json:"count"`
	TotalBytes   int64  `json:"size"`
}

// Playback is the adaptive-streaming pointer set written once packaging and
// upload complete.
type Playback struct {
	MasterURL   string                       `json:"masterUrl"`
	Resolutions map[string]RenditionPlayback `json:"resolutions"`
}

// Video is the stored media record, reduced to the fields the pipeline
// reads and writes.
type Video struct {
	ID        string
	Title     string
	Status    Status
	Playback  *Playback
	UpdatedAt time.Time
}

// Repository exposes the record operations the pipeline requires.
// Implementations must be safe for concurrent use.
type Repository interface {
	Video(ctx context.Context, id string) (Video, bool, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	SetPlayback(ctx context.Context, id string, playback Playback) error
}

// NewMemoryRepository initialises an in-memory record store for tests and
// single-node deployments.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{videos: make(map[string]Video)}
}

// MemoryRepository is a mutex-guarded map implementation of Repository.
type MemoryRepository struct {
	mu     sync.RWMutex
	videos map[string]Video
}

// Put inserts or replaces a record.
func (r *MemoryRepository) Put(video Video) {
	r.mu.Lock()
	defer r.mu.Unlock()
	video.UpdatedAt = time.Now().UTC()
	r.videos[video.ID] = video
}

func (r *MemoryRepository) Video(ctx context.Context, id string) (Video, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	video, ok := r.videos[strings.TrimSpace(id)]
	return video, ok, nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	video, ok := r.videos[id]
	if !ok {
		return ErrNotFound
	}
	video.Status = status
	video.UpdatedAt = time.Now().UTC()
	r.videos[id] = video
	return nil
}

func (r *MemoryRepository) SetPlayback(ctx context.Context, id string, playback Playback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	video, ok := r.videos[id]
	if !ok {
		return ErrNotFound
	}
	copied := playback
	copied.Resolutions = make(map[string]RenditionPlayback, len(playback.Resolutions))
	for name, entry := range playback.Resolutions {
		copied.Resolutions[name] = entry
	}
	video.Playback = &copied
	video.UpdatedAt = time.Now().UTC()
	r.videos[id] = video
	return nil
}
