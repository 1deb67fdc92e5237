package progress

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"vodforge/internal/catalog"
)

type recordingBus struct {
	events []Event
}

func (b *recordingBus) Publish(ctx context.Context, channel string, payload []byte) error {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	if channel != ChannelFor(event.ItemID) {
		return errors.New("event published on wrong channel")
	}
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) PSubscribe(pattern string) Subscription {
	return nil
}

type recordingStatus struct {
	updates []catalog.Status
	err     error
}

func (r *recordingStatus) UpdateStatus(ctx context.Context, id string, status catalog.Status) error {
	r.updates = append(r.updates, status)
	return r.err
}

func newTestPublisher() (*Publisher, *recordingBus, *recordingStatus) {
	bus := &recordingBus{}
	status := &recordingStatus{}
	return NewPublisher(PublisherConfig{Bus: bus, Records: status}), bus, status
}

func TestPublisherStageEmitsTableValues(t *testing.T) {
	p, bus, status := newTestPublisher()
	ctx := context.Background()

	p.Stage(ctx, "v1", StageTranscodeStart)

	if len(bus.events) != 1 {
		t.Fatalf("events = %d, want 1", len(bus.events))
	}
	event := bus.events[0]
	if event.ItemID != "v1" || event.Stage != "transcode_start" {
		t.Fatalf("event = %+v", event)
	}
	if event.Percent != 15 {
		t.Fatalf("percent = %d, want 15", event.Percent)
	}
	if event.Message != "Processing video..." {
		t.Fatalf("message = %q", event.Message)
	}
	if event.Time == 0 {
		t.Fatal("expected a timestamp")
	}
	if len(status.updates) != 1 || status.updates[0] != catalog.StatusProcessing {
		t.Fatalf("status updates = %v", status.updates)
	}
}

func TestPublisherAdvanceMapsIntoStageBand(t *testing.T) {
	p, bus, _ := newTestPublisher()
	ctx := context.Background()

	p.Advance(ctx, "v1", StageTranscodeStart, 0.5)
	if got := bus.events[0].Percent; got != 32 {
		t.Fatalf("percent = %d, want 32", got)
	}

	// Full in-stage progress must stay below the next stage's floor.
	p.Advance(ctx, "v1", StageTranscodeStart, 1.0)
	if got := bus.events[1].Percent; got != 49 {
		t.Fatalf("percent = %d, want 49", got)
	}

	// Out-of-range fractions clamp instead of escaping the band.
	p.Advance(ctx, "v2", StageTranscodeStart, -3)
	if got := bus.events[2].Percent; got != 15 {
		t.Fatalf("percent = %d, want 15", got)
	}
}

func TestPublisherPercentNeverDecreases(t *testing.T) {
	p, bus, _ := newTestPublisher()
	ctx := context.Background()

	p.Advance(ctx, "v1", StageTranscodeStart, 0.9)
	p.Advance(ctx, "v1", StageTranscodeStart, 0.2)
	p.Stage(ctx, "v1", StageTranscodeStart)

	prev := -1
	for _, event := range bus.events {
		if event.Percent < prev {
			t.Fatalf("percent regressed: %v", bus.events)
		}
		prev = event.Percent
	}
	if bus.events[1].Percent != bus.events[0].Percent {
		t.Fatalf("late lower report should hold at high water: %v", bus.events)
	}
}

func TestPublisherErrorBypassesGateAndResets(t *testing.T) {
	p, bus, _ := newTestPublisher()
	ctx := context.Background()

	p.Advance(ctx, "v1", StagePackageStart, 0.8)
	p.Stage(ctx, "v1", StageError)
	p.Stage(ctx, "v1", StageUploadStart)

	if got := bus.events[1].Percent; got != 100 {
		t.Fatalf("error percent = %d, want 100", got)
	}
	if got := bus.events[1].Message; got != "Something went wrong" {
		t.Fatalf("error message = %q", got)
	}
	// The gate resets on error so a requeued item reports from zero again.
	if got := bus.events[2].Percent; got != 0 {
		t.Fatalf("post-error percent = %d, want 0", got)
	}
}

func TestPublisherPackageDoneResetsGate(t *testing.T) {
	p, bus, status := newTestPublisher()
	ctx := context.Background()

	p.Stage(ctx, "v1", StagePackageDone)
	p.Stage(ctx, "v1", StageUploadStart)

	if got := bus.events[0].Percent; got != 100 {
		t.Fatalf("package_done percent = %d, want 100", got)
	}
	if got := bus.events[1].Percent; got != 0 {
		t.Fatalf("reprocessed item percent = %d, want 0", got)
	}
	if len(status.updates) != 1 || status.updates[0] != catalog.StatusReady {
		t.Fatalf("status updates = %v", status.updates)
	}
}

func TestPublisherUnknownStageDropped(t *testing.T) {
	p, bus, status := newTestPublisher()
	ctx := context.Background()

	p.Stage(ctx, "v1", Stage("mystery"))
	p.Advance(ctx, "v1", Stage("mystery"), 0.5)

	if len(bus.events) != 0 {
		t.Fatalf("unexpected events: %v", bus.events)
	}
	if len(status.updates) != 0 {
		t.Fatalf("unexpected status updates: %v", status.updates)
	}
}

func TestPublisherStatusFailureDoesNotBlockPublishing(t *testing.T) {
	bus := &recordingBus{}
	status := &recordingStatus{err: errors.New("catalog down")}
	p := NewPublisher(PublisherConfig{Bus: bus, Records: status})

	p.Stage(context.Background(), "v1", StageTranscodeStart)

	if len(bus.events) != 1 {
		t.Fatalf("events = %d, want 1", len(bus.events))
	}
}

func TestPublisherWithoutStatusWriter(t *testing.T) {
	bus := &recordingBus{}
	p := NewPublisher(PublisherConfig{Bus: bus})
	p.Stage(context.Background(), "v1", StagePackageDone)
	if len(bus.events) != 1 {
		t.Fatalf("events = %d, want 1", len(bus.events))
	}
}
