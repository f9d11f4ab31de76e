package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionStore keeps the recent message window of a live conversation in
// Redis lists. It is a cache over the structured turn store.
type SessionStore struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

// NewSessionStore creates a session store keeping at most limit messages per
// conversation, expiring ttl after the last write.
func NewSessionStore(client *redis.Client, limit int, ttl time.Duration) *SessionStore {
	if limit <= 0 {
		limit = 20
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionStore{client: client, limit: limit, ttl: ttl}
}

func sessionKey(ownerID, conversationID uuid.UUID) string {
	return fmt.Sprintf("session:%s:%s", ownerID.String(), conversationID.String())
}

// Recent returns up to limit of the latest messages, oldest first.
func (s *SessionStore) Recent(ctx context.Context, ownerID, conversationID uuid.UUID, limit int) ([]ConversationEntry, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	key := sessionKey(ownerID, conversationID)

	vals, err := s.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}

	entries := make([]ConversationEntry, 0, len(vals))
	for _, v := range vals {
		var entry ConversationEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			continue // skip malformed entries
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Append adds entry to the window, trims it and refreshes the TTL.
func (s *SessionStore) Append(ctx context.Context, ownerID, conversationID uuid.UUID, entry ConversationEntry) error {
	key := sessionKey(ownerID, conversationID)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, string(data))
	pipe.LTrim(ctx, key, int64(-s.limit), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec for %s: %w", key, err)
	}
	return nil
}

// Clear drops the window of one conversation.
func (s *SessionStore) Clear(ctx context.Context, ownerID, conversationID uuid.UUID) error {
	return s.client.Del(ctx, sessionKey(ownerID, conversationID)).Err()
}
