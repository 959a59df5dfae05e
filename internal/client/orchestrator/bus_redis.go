package orchestrator

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	goredis "github.com/redis/go-redis/v9"
)

// RedisBus broadcasts SYNC_COMPLETE across sibling sessions of the same
// user running in different processes (other tabs or devices sharing a
// Redis-backed deployment), using one pub/sub channel per user.
type RedisBus struct {
	client *goredis.Client
}

// NewRedisBus connects to a Redis-compatible server at redisURL.
func NewRedisBus(ctx context.Context, redisURL string) (*RedisBus, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: invalid redis URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("orchestrator: redis ping failed: %w", err)
	}
	return &RedisBus{client: client}, nil
}

func channelFor(userID string) string { return "bookmarksync:sync-complete:" + userID }

// Publish sends a SYNC_COMPLETE notification to the user's channel.
func (b *RedisBus) Publish(ctx context.Context, userID string) error {
	return b.client.Publish(ctx, channelFor(userID), "SYNC_COMPLETE").Err()
}

// Subscribe listens on the user's channel until ctx is cancelled or the
// returned unsubscribe function is called.
func (b *RedisBus) Subscribe(ctx context.Context, userID string, fn func()) (func(), error) {
	pubsub := b.client.Subscribe(ctx, channelFor(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("orchestrator: subscribing to %s: %w", channelFor(userID), err)
	}

	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn()
			}
		}
	}()

	return func() {
		close(done)
		if err := pubsub.Close(); err != nil {
			log.Error("orchestrator: closing redis subscription", "err", err)
		}
	}, nil
}
