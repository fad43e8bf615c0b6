package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/statute/internal/model"
)

func TestMemoryEnqueueDequeueOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	defer func() { _ = q.Close() }()

	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := q.Enqueue(ctx, model.StageExtract, model.ExtractJob{EvidenceID: id})
		require.NoError(t, err)
	}
	pending, err := q.Pending(ctx, model.StageExtract)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	for _, want := range []string{"e1", "e2", "e3"} {
		job, err := q.Dequeue(ctx, model.StageExtract)
		require.NoError(t, err)
		var payload model.ExtractJob
		require.NoError(t, job.Decode(&payload))
		assert.Equal(t, want, payload.EvidenceID)
		require.NoError(t, q.Ack(ctx, job))
	}
}

func TestMemoryDequeueHonoursContext(t *testing.T) {
	q := NewMemory()
	defer func() { _ = q.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx, model.StageCompose)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryCloseUnblocksDequeue(t *testing.T) {
	q := NewMemory()
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), model.StageReview)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return after close")
	}
}

func TestMemoryRetryDelaysRedelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	defer func() { _ = q.Close() }()

	_, err := q.Enqueue(ctx, model.StageSentinel, model.SentinelJob{SourceID: "s1"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, model.StageSentinel)
	require.NoError(t, err)

	job.Fail(errors.New("timeout"), time.Now())
	require.NoError(t, q.Retry(ctx, job, 30*time.Millisecond))

	pending, err := q.Pending(ctx, model.StageSentinel)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	again, err := q.Dequeue(wctx, model.StageSentinel)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "timeout", again.LastError)
	require.NotNil(t, again.FirstFailedAt)
}

func TestMemoryDeadLetterAndReplay(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	defer func() { _ = q.Close() }()

	_, err := q.Enqueue(ctx, model.StageExtract, model.ExtractJob{EvidenceID: "e1", RunID: "run-1"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, model.StageExtract)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		job.Fail(errors.New("model unavailable"), time.Now())
	}

	dl, err := q.DeadLetter(ctx, job, "transient")
	require.NoError(t, err)
	assert.Equal(t, model.StageExtract, dl.Stage)
	assert.Equal(t, 3, dl.Attempts)
	assert.Equal(t, "model unavailable", dl.Error)
	assert.JSONEq(t, string(job.Payload), string(dl.OriginalPayload))

	// Dead letters are terminal until replayed.
	pending, err := q.Pending(ctx, model.StageExtract)
	require.NoError(t, err)
	assert.Zero(t, pending)

	listed, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	replayed, err := q.Replay(ctx, dl.ID)
	require.NoError(t, err)
	assert.Zero(t, replayed.Attempts)
	assert.NotEqual(t, job.ID, replayed.ID)

	_, err = q.Replay(ctx, dl.ID)
	assert.ErrorIs(t, err, ErrAlreadyReplayed)
	_, err = q.Replay(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := q.GetDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.True(t, got.Replayed)

	again, err := q.Dequeue(ctx, model.StageExtract)
	require.NoError(t, err)
	var payload model.ExtractJob
	require.NoError(t, again.Decode(&payload))
	assert.Equal(t, "e1", payload.EvidenceID)
}

func TestMemoryLease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLease()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }

	release, ok, err := l.Acquire(ctx, "release", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "release", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// A crashed holder cannot wedge the lease past its TTL.
	now = now.Add(31 * time.Second)
	release2, ok, err := l.Acquire(ctx, "release", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale holder's release must not free the new holder's lease.
	release()
	_, ok, err = l.Acquire(ctx, "release", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	release2()
	_, ok, err = l.Acquire(ctx, "release", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
