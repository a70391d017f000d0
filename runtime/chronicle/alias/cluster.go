package alias

import (
	"context"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

// pulseInvalidator adapts a Pulse replicated map's event stream into the
// plain struct{} channel Resolver expects, mirroring the rmapClusterMap
// adapter goa-ai's adaptive rate limiter middleware wraps around rmap.Map.
type pulseInvalidator struct {
	m *rmap.Map
}

// NewPulseInvalidator coordinates alias cache invalidation across a process
// cluster using a Pulse replicated map. Any write to m by any process
// (typically the admin API bumping a version key after an alias write)
// drops every process's in-memory alias cache.
func NewPulseInvalidator(m *rmap.Map) invalidationSource {
	return &pulseInvalidator{m: m}
}

func (p *pulseInvalidator) Subscribe() <-chan struct{} {
	out := make(chan struct{})
	events := p.m.Subscribe()
	go func() {
		defer close(out)
		for range events {
			out <- struct{}{}
		}
	}()
	return out
}

// redisInvalidator is the standalone fallback transport for deployments that
// configure go-redis directly rather than Pulse: it subscribes to a
// dedicated pub/sub channel and treats any published message as "something
// changed, drop your cache".
type redisInvalidator struct {
	client  *redis.Client
	channel string
}

// NewRedisInvalidator returns an invalidationSource backed by a Redis
// pub/sub channel. The admin API publishes an empty message to channel
// after any alias write.
func NewRedisInvalidator(client *redis.Client, channel string) invalidationSource {
	return &redisInvalidator{client: client, channel: channel}
}

func (r *redisInvalidator) Subscribe() <-chan struct{} {
	out := make(chan struct{})
	sub := r.client.Subscribe(context.Background(), r.channel)
	ch := sub.Channel()
	go func() {
		defer close(out)
		for range ch {
			out <- struct{}{}
		}
	}()
	return out
}

// PublishInvalidation notifies the cluster via Redis that alias state
// changed, for deployments not using Pulse.
func PublishInvalidation(ctx context.Context, client *redis.Client, channel string) error {
	return client.Publish(ctx, channel, "invalidate").Err()
}
