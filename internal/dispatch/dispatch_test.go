package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	db, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(db.Close)

	client := redis.NewClient(&redis.Options{
		Addr:            db.Addr(),
		Protocol:        2,
		DisableIdentity: true,
	})
	q := NewRedis(client, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { q.Close() })
	return q, db
}

func TestPublishPopOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "work/workload0.json", "work/workload1.json"))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "work/workload0.json", first)

	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "work/workload1.json", second)

	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPublishNothing(t *testing.T) {
	q, db := newTestQueue(t)
	require.NoError(t, q.Publish(context.Background()))
	assert.False(t, db.Exists(DefaultKey))
}

func TestNoopQueue(t *testing.T) {
	ctx := context.Background()
	q, err := New(ctx, Config{Backend: "none"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, "a"))
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "kafka"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
