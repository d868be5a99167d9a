package events

import (
	"context"
	"encoding/json"

	"keyrelay/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Publisher is the opaque fan-out primitive. Publishing happens after
// the transactional write has committed; a failed publish is logged and
// dropped, clients recover through the poll path.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type RedisPublisher struct {
	client   *redis.Client
	resolver ChannelResolver
	logger   *logger.Logger
}

func NewRedisPublisher(client *redis.Client, resolver ChannelResolver, l *logger.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, resolver: resolver, logger: l}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	channels := p.resolver.ResolveChannels(event)
	if len(channels) == 0 {
		return nil
	}

	env, err := NewEnvelope(event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	var lastErr error
	for _, channel := range channels {
		if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
			if p.logger != nil {
				p.logger.Errorf("publish to %s failed: %s", channel, err)
			}
			lastErr = err
		}
	}
	return lastErr
}

// NopPublisher drops everything; used in tests and when Redis is absent.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error {
	return nil
}
