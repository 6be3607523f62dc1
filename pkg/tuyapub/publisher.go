// Package tuyapub bridges a device's DPS mirror to Redis, the way
// cmd/bluetooth-service wired its nRF52 connection to a Redis pub/sub bus.
// It is not part of the core client contract (§1 Non-goals exclude cloud
// flows); it is the natural home in this repo for the corpus's go-redis
// dependency: an optional sink a caller can hand the device's on-update
// callback to.
package tuyapub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher writes a device's DPS mirror into a Redis hash and publishes a
// change notification, mirroring the HSet+Publish pipeline idiom the
// original Redis client used for battery/vehicle state.
type Publisher struct {
	client  *redis.Client
	ctx     context.Context
	key     string
	channel string
}

// New connects to addr and returns a Publisher that writes DPS state under
// the given hash key, publishing to channel on every write.
func New(addr, password string, db int, key, channel string) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("tuyapub: connect to redis at %s: %w", addr, err)
	}
	return &Publisher{client: client, ctx: ctx, key: key, channel: channel}, nil
}

// PublishDPS writes every field in dps into the hash as a string-rendered
// value and publishes each field name on the channel, one message per
// field. It does not compare against earlier values.
func (p *Publisher) PublishDPS(dps map[string]any) error {
	if len(dps) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for field, value := range dps {
		pipe.HSet(p.ctx, p.key, field, fmt.Sprintf("%v", value))
		pipe.Publish(p.ctx, p.channel, field)
	}
	_, err := pipe.Exec(p.ctx)
	if err != nil {
		return fmt.Errorf("tuyapub: publish dps: %w", err)
	}
	return nil
}

// PublishStopped announces a connection-stopped event on the channel.
func (p *Publisher) PublishStopped() error {
	return p.client.Publish(p.ctx, p.channel, "stopped").Err()
}

// Close closes the underlying Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
