package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/academy/internal/cache"
	"github.com/Skotchmaster/academy/internal/models"
	"github.com/Skotchmaster/academy/internal/ratelimit"
)

func TestRedisStore_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	c := cache.Wrap(rc)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Ping(ctx))

	st := NewRedisStore(c)
	uid := uint(7)
	sess := &models.Session{
		ID:        "it-" + time.Now().Format("150405.000000"),
		UserID:    &uid,
		CSRFToken: "tok",
		Buckets:   ratelimit.Buckets{"login": {Count: 2, ResetAt: time.Now().Add(time.Minute).Unix()}},
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, st.SaveSession(ctx, sess))
	t.Cleanup(func() { _ = st.DeleteSession(context.Background(), sess.ID) })

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok", got.CSRFToken)
	require.NotNil(t, got.UserID)
	assert.Equal(t, uid, *got.UserID)
	assert.Equal(t, 2, got.Buckets["login"].Count)

	ttl, err := rc.TTL(ctx, sessionKeyPrefix+sess.ID).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	require.NoError(t, st.DeleteSession(ctx, sess.ID))
	_, err = st.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_ExpiredSaveDeletes(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c := cache.New(addr, "", 0)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	st := NewRedisStore(c)
	sess := &models.Session{ID: "it-expired", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, st.SaveSession(ctx, sess))

	sess.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, st.SaveSession(ctx, sess))
	_, err := st.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
