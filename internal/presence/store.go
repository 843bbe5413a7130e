package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys. Keys are refreshed on
	// every online edge, so a crashed instance leaves at most TTL of
	// stale presence behind.
	TTL = 1 * time.Hour
)

// Entry is a user's presence record as mirrored in Redis.
type Entry struct {
	UserID   string `redis:"user_id"`
	Server   string `redis:"server"`    // which transport instance holds the connections
	LastSeen int64  `redis:"last_seen"` // unix timestamp of the last edge
}

// Store mirrors online/offline edges into Redis so out-of-process readers
// (HTTP APIs, ops tooling) can answer "is this user online" without asking
// the transport. The in-memory registry remains the source of truth for
// fan-out; the mirror is strictly best-effort.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a presence store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// SetOnline records a user's online edge with a refreshed TTL.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	key := KeyPrefix + userID

	entry := map[string]interface{}{
		"user_id":   userID,
		"server":    s.serverName,
		"last_seen": time.Now().Unix(),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, entry)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("presence: set online %s: %w", userID, err)
	}
	return nil
}

// SetOffline removes a user's presence record.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, KeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("presence: set offline %s: %w", userID, err)
	}
	return nil
}

// Get retrieves a user's presence record. Returns nil if the user has no
// mirrored presence.
func (s *Store) Get(ctx context.Context, userID string) (*Entry, error) {
	var entry Entry
	if err := s.client.HGetAll(ctx, KeyPrefix+userID).Scan(&entry); err != nil {
		return nil, err
	}
	if entry.UserID == "" {
		return nil, nil
	}
	return &entry, nil
}
