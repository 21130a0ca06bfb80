package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Skotchmaster/academy/internal/cache"
	"github.com/Skotchmaster/academy/internal/models"
)

var ErrNotFound = errors.New("session not found")

// Store persists sessions. Get returns ErrNotFound for unknown or expired ids.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	SaveSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error
}

const sessionKeyPrefix = "session:"

// RedisStore keeps sessions as JSON values with a TTL matching ExpiresAt.
type RedisStore struct {
	cache *cache.Client
	now   func() time.Time
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(c *cache.Client) *RedisStore {
	return &RedisStore{cache: c, now: time.Now}
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.cache.Get(ctx, sessionKeyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	if data == nil {
		return nil, ErrNotFound
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if !sess.ExpiresAt.After(s.now()) {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, sess *models.Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.DeleteSession(ctx, sess.ID)
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.cache.Set(ctx, sessionKeyPrefix+sess.ID, payload, ttl)
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	return s.cache.Delete(ctx, sessionKeyPrefix+id)
}
