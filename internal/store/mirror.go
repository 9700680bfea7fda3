package store

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/sp34kn0w/sp34kn0w/internal/transcript"
)

// RedisMirror pushes finalized transcript entries to a per-session Redis
// list so external consumers can tail a live session. It is an optional
// side channel: the markdown file remains the durable record.
type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(ctx context.Context, address, prefix, sessionName string, ttl time.Duration) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: address})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", address, err)
	}

	return &RedisMirror{
		client: client,
		key:    prefix + sessionName,
		ttl:    ttl,
	}, nil
}

// Append pushes formatted entry lines onto the session list.
func (m *RedisMirror) Append(entries []transcript.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lines := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		line := fmt.Sprintf("[%s] %s", e.Timestamp, e.Text)
		if e.Translation != "" {
			line += " | " + e.Translation
		}
		lines = append(lines, line)
	}

	if err := m.client.RPush(ctx, m.key, lines...).Err(); err != nil {
		return fmt.Errorf("failed to push transcript entries: %w", err)
	}

	if m.ttl > 0 {
		if err := m.client.Expire(ctx, m.key, m.ttl).Err(); err != nil {
			return fmt.Errorf("failed to set mirror expiry: %w", err)
		}
	}

	return nil
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
