//go:build integration

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ppiankov/statute/internal/model"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	q := NewRedis(client, RedisOptions{Block: 100 * time.Millisecond, Consumer: "test"})
	defer func() { _ = q.Close() }()

	_, err := q.Enqueue(ctx, model.StageCompose, model.ComposeJob{ConceptID: "vat-threshold", ClaimIDs: []string{"c1"}})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, model.StageCompose)
	require.NoError(t, err)
	var payload model.ComposeJob
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, "vat-threshold", payload.ConceptID)

	job.Fail(errors.New("busy"), time.Now())
	require.NoError(t, q.Retry(ctx, job, 50*time.Millisecond))

	pending, err := q.Pending(ctx, model.StageCompose)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	again, err := q.Dequeue(wctx, model.StageCompose)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)

	dl, err := q.DeadLetter(ctx, again, "validation")
	require.NoError(t, err)
	pending, err = q.Pending(ctx, model.StageCompose)
	require.NoError(t, err)
	assert.Zero(t, pending)

	listed, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, dl.ID, listed[0].ID)

	_, err = q.Replay(ctx, dl.ID)
	require.NoError(t, err)
	_, err = q.Replay(ctx, dl.ID)
	assert.ErrorIs(t, err, ErrAlreadyReplayed)

	replayed, err := q.Dequeue(wctx, model.StageCompose)
	require.NoError(t, err)
	assert.Zero(t, replayed.Attempts)
	require.NoError(t, q.Ack(ctx, replayed))
}

func TestRedisLease(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	lease := NewRedisLease(client)

	release, ok, err := lease.Acquire(ctx, "release", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lease.Acquire(ctx, "release", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	_, ok, err = lease.Acquire(ctx, "release", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
