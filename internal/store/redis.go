package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

const markedSetTTL = 24 * time.Hour

// MarkedSet mirrors each session's marked students into a Redis set.
type MarkedSet struct {
	client redis.Cmdable
	prefix string
}

// NewMarkedSet creates the mirror. Keys are "<prefix><session id>".
func NewMarkedSet(client redis.Cmdable) *MarkedSet {
	return &MarkedSet{client: client, prefix: "classroll:marked:"}
}

func (m *MarkedSet) key(sessionID string) string { return m.prefix + sessionID }

// Add records a student as marked and refreshes the key expiry.
func (m *MarkedSet) Add(ctx context.Context, sessionID, studentID string) error {
	key := m.key(sessionID)
	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, key, studentID)
	pipe.Expire(ctx, key, markedSetTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Contains reports whether the student is in the session's set.
func (m *MarkedSet) Contains(ctx context.Context, sessionID, studentID string) (bool, error) {
	return m.client.SIsMember(ctx, m.key(sessionID), studentID).Result()
}

// Forget drops the session's set.
func (m *MarkedSet) Forget(ctx context.Context, sessionID string) error {
	return m.client.Del(ctx, m.key(sessionID)).Err()
}
