package progress

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// NewRedisBus wraps a Redis client in the Bus interface using plain
// pub/sub channels.
func NewRedisBus(client redis.UniversalClient, buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &redisBus{client: client, buffer: buffer}
}

type redisBus struct {
	client redis.UniversalClient
	buffer int
}

func (b *redisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *redisBus) PSubscribe(pattern string) Subscription {
	ps := b.client.PSubscribe(context.Background(), pattern)
	sub := &redisSubscription{ps: ps, ch: make(chan Message, b.buffer)}
	go sub.run()
	return sub
}

type redisSubscription struct {
	ps   *redis.PubSub
	once sync.Once
	ch   chan Message
}

func (s *redisSubscription) run() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		_ = s.ps.Close()
	})
}
