package progress

import (
	"context"
	"strings"
	"sync"
)

// Message is one payload delivered on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription represents an active pattern subscription.
type Subscription interface {
	Messages() <-chan Message
	Close()
}

// Bus carries progress payloads between publishers and the fan-out
// gateway. Delivery is best-effort and at-most-once: subscribers that
// arrive after a publish never see it.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(pattern string) Subscription
}

// NewMemoryBus initialises an in-process bus suitable for tests and
// single-node deployments.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (b *memoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !patternMatches(sub.pattern, channel) {
			continue
		}
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking to keep the publish path
			// responsive. Consumers are expected to drain promptly.
		}
	}
	return nil
}

func (b *memoryBus) PSubscribe(pattern string) Subscription {
	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		ch:      make(chan Message, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once    sync.Once
	bus     *memoryBus
	pattern string
	ch      chan Message
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// patternMatches supports the single trailing-asterisk glob used by the
// progress channels.
func patternMatches(pattern, channel string) bool {
	if prefix, found := strings.CutSuffix(pattern, "*"); found {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}
