package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"vodforge/internal/catalog"
)

// StatusWriter receives the coarse status write-backs tied to stage
// transitions. catalog.Repository satisfies it.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, id string, status catalog.Status) error
}

// PublisherConfig wires a Publisher to its transport and record store.
type PublisherConfig struct {
	Bus     Bus
	Records StatusWriter
	Logger  *slog.Logger
}

// Publisher emits stage events on per-item channels. Percent values
// delivered for an item never decrease while it moves forward; the terminal
// error stage overrides the gate and resets it so a retried item starts
// from a clean slate.
type Publisher struct {
	bus     Bus
	records StatusWriter
	logger  *slog.Logger

	mu        sync.Mutex
	highWater map[string]int
}

// NewPublisher builds a Publisher. Records may be nil when no status
// write-back is wanted.
func NewPublisher(cfg PublisherConfig) *Publisher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		bus:       cfg.Bus,
		records:   cfg.Records,
		logger:    logger,
		highWater: make(map[string]int),
	}
}

// Stage publishes the entry event for a stage. Unknown stages are logged
// and dropped rather than surfaced to callers.
func (p *Publisher) Stage(ctx context.Context, itemID string, stage Stage) {
	info, ok := stage.info()
	if !ok {
		p.logger.Warn("unknown progress stage", "item", itemID, "stage", string(stage))
		return
	}
	p.emit(ctx, itemID, stage, info.percent, info.message)
	p.writeStatus(ctx, itemID, stage)
}

// Advance publishes in-stage progress, mapping fraction in [0,1] into the
// stage's percent band so the observed sequence stays non-decreasing.
func (p *Publisher) Advance(ctx context.Context, itemID string, stage Stage, fraction float64) {
	info, ok := stage.info()
	if !ok {
		p.logger.Warn("unknown progress stage", "item", itemID, "stage", string(stage))
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	percent := info.percent + int(fraction*float64(info.ceiling-info.percent))
	if percent >= info.ceiling && info.ceiling > info.percent {
		percent = info.ceiling - 1
	}
	p.emit(ctx, itemID, stage, percent, info.message)
}

func (p *Publisher) emit(ctx context.Context, itemID string, stage Stage, percent int, message string) {
	terminal := stage == StageError || stage == StagePackageDone

	p.mu.Lock()
	if !terminal {
		if prev, ok := p.highWater[itemID]; ok && percent < prev {
			percent = prev
		}
		p.highWater[itemID] = percent
	} else {
		// Terminal stages bypass the gate and clear it, so a requeued
		// item can report low percentages again.
		delete(p.highWater, itemID)
	}
	p.mu.Unlock()

	event := Event{
		ItemID:  itemID,
		Stage:   string(stage),
		Percent: percent,
		Message: message,
		Time:    nowMillis(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("encode progress event", "item", itemID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, ChannelFor(itemID), payload); err != nil {
		p.logger.Warn("publish progress event", "item", itemID, "stage", string(stage), "error", err)
	}
}

// writeStatus mirrors selected stage transitions into the record store.
// Failures are logged and never block the pipeline.
func (p *Publisher) writeStatus(ctx context.Context, itemID string, stage Stage) {
	if p.records == nil {
		return
	}
	var status catalog.Status
	switch stage {
	case StageTranscodeStart:
		status = catalog.StatusProcessing
	case StagePackageDone:
		status = catalog.StatusReady
	default:
		return
	}
	if err := p.records.UpdateStatus(ctx, itemID, status); err != nil {
		p.logger.Warn("status write-back failed", "item", itemID, "status", string(status), "error", err)
	}
}
