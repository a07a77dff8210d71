package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fathima-sithara/realtime-service/internal/config"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// PresenceStore mirrors presence into redis so any instance can answer for any user.
// Keys used:
// - <prefix>:conn:<user>: set of live connection ids
// - <prefix>:presence:<user>: json {status,last_seen}
type PresenceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type presenceRecord struct {
	Status   domain.PresenceStatus `json:"status"`
	LastSeen int64                 `json:"last_seen"`
}

func NewPresenceStore(c *redis.Client, prefix string, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PresenceStore{client: c, prefix: prefix, ttl: ttl}
}

func (s *PresenceStore) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, userID)
}

func (s *PresenceStore) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userID)
}

// AddConnection adds connID to the user's deployment-wide set and returns the set
// size after the add. The three commands run in one MULTI so the count is exact.
func (s *PresenceStore) AddConnection(ctx context.Context, userID, connID string) (int64, error) {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.connKey(userID), connID)
	pipe.Expire(ctx, s.connKey(userID), s.ttl)
	card := pipe.SCard(ctx, s.connKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// RemoveConnection is AddConnection's inverse; it returns the set size after the removal.
func (s *PresenceStore) RemoveConnection(ctx context.Context, userID, connID string) (int64, error) {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, s.connKey(userID), connID)
	card := pipe.SCard(ctx, s.connKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// Refresh extends the TTL of a user's connection set while they stay connected.
func (s *PresenceStore) Refresh(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.connKey(userID), s.ttl)
	pipe.Expire(ctx, s.presenceKey(userID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// SetPresence records a status. Online records expire with the TTL so a crashed
// instance cannot leave a user online forever; offline records are kept.
func (s *PresenceStore) SetPresence(ctx context.Context, userID string, status domain.PresenceStatus, lastSeen time.Time) error {
	b, err := json.Marshal(presenceRecord{Status: status, LastSeen: lastSeen.Unix()})
	if err != nil {
		return err
	}
	ttl := s.ttl
	if status == domain.PresenceOffline {
		ttl = 0
	}
	return s.client.Set(ctx, s.presenceKey(userID), b, ttl).Err()
}

// GetPresence returns the mirrored presence. A user with no record is offline.
func (s *PresenceStore) GetPresence(ctx context.Context, userID string) (domain.UserPresence, error) {
	out := domain.UserPresence{UserID: userID, Status: domain.PresenceOffline}
	b, err := s.client.Get(ctx, s.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	var rec presenceRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return out, err
	}
	out.Status = rec.Status
	out.LastSeen = time.Unix(rec.LastSeen, 0).UTC()
	n, err := s.client.SCard(ctx, s.connKey(userID)).Result()
	if err == nil {
		out.Connections = int(n)
	}
	return out, nil
}
