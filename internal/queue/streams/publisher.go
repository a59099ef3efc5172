package streams

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher appends envelopes to a named stream and returns the broker id.
type Publisher interface {
	Publish(ctx context.Context, stream string, env Envelope) (string, error)
}

// PublishOption allows configuring Redis XADD behaviour.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox sets an approximate max length for the stream.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// RedisPublisher wraps Redis Stream publishing with schema validation.
type RedisPublisher struct {
	client   redis.Cmdable
	registry *SchemaRegistry
	opts     []PublishOption
}

// NewRedisPublisher creates a RedisPublisher. The options apply to every XADD.
func NewRedisPublisher(client redis.Cmdable, registry *SchemaRegistry, opts ...PublishOption) *RedisPublisher {
	return &RedisPublisher{client: client, registry: registry, opts: opts}
}

// prepare fills defaults, validates and encodes env.
func prepare(registry *SchemaRegistry, env *Envelope) ([]byte, error) {
	env.fillDefaults()
	if err := env.Check(); err != nil {
		return nil, fmt.Errorf("envelope %s: %w", env.EventType, err)
	}
	if registry != nil {
		if err := registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return nil, err
		}
	}
	return env.Encode()
}

// Publish validates the envelope and appends it to the given Redis stream.
func (p *RedisPublisher) Publish(ctx context.Context, stream string, env Envelope) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	raw, err := prepare(p.registry, &env)
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	for _, opt := range p.opts {
		opt(args)
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		recordPublish(ctx, stream, env.EventType, err)
		return "", fmt.Errorf("xadd: %w", err)
	}
	recordPublish(ctx, stream, env.EventType, nil)
	return id, nil
}

// PublishRaw wraps payload in an envelope and publishes it.
func PublishRaw(ctx context.Context, p Publisher, stream, eventType string, payload interface{}, oppID, actionID string) (string, error) {
	env, err := NewEnvelope(eventType, oppID, actionID, payload)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, stream, env)
}

// Discard accepts and drops every envelope. It backs the "none" backend.
type Discard struct{}

func (Discard) Publish(_ context.Context, _ string, env Envelope) (string, error) {
	if env.EventID == "" {
		return uuid.NewString(), nil
	}
	return env.EventID, nil
}
