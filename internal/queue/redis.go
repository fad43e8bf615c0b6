package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ppiankov/statute/internal/model"
)

const (
	group          = "statute"
	jobField       = "job"
	deadLetterKey  = "statute:deadletter"
	promoteBatch   = 100
	defaultBlock   = 2 * time.Second
	defaultMinIdle = 5 * time.Minute
)

// promoteScript moves due delayed jobs onto their stream atomically
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, job in ipairs(due) do
	redis.call('ZREM', KEYS[1], job)
	redis.call('XADD', KEYS[2], '*', 'job', job)
end
return #due
`)

// RedisOptions tunes the Redis Streams queue
type RedisOptions struct {
	Block    time.Duration // XREADGROUP block per poll
	MinIdle  time.Duration // Pending entries idle this long are reclaimed from dead consumers
	Consumer string
}

// Redis is a Queue on Redis Streams: one stream per stage consumed by a
// consumer group, a sorted set of delayed retries, and a dead-letter hash.
type Redis struct {
	client  redis.UniversalClient
	opts    RedisOptions
	groups  sync.Map
	closed  chan struct{}
	closeMu sync.Once
	now     func() time.Time
}

// NewRedis wraps an existing client
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = defaultMinIdle
	}
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		opts.Consumer = host + "-" + uuid.NewString()[:8]
	}
	return &Redis{
		client: client,
		opts:   opts,
		closed: make(chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DialRedis parses a redis:// URL and pings the server
func DialRedis(ctx context.Context, url string, opts RedisOptions) (*Redis, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, opts), nil
}

// Client exposes the underlying connection for the lease
func (r *Redis) Client() redis.UniversalClient { return r.client }

func streamKey(s model.Stage) string  { return "statute:queue:" + string(s) }
func delayedKey(s model.Stage) string { return "statute:delayed:" + string(s) }

func (r *Redis) ensureGroup(ctx context.Context, stage model.Stage) error {
	if _, ok := r.groups.Load(stage); ok {
		return nil
	}
	err := r.client.XGroupCreateMkStream(ctx, streamKey(stage), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group for %s: %w", stage, err)
	}
	r.groups.Store(stage, struct{}{})
	return nil
}

func (r *Redis) add(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(job.Stage),
		Values: map[string]any{jobField: data},
	}).Err()
}

func (r *Redis) Enqueue(ctx context.Context, stage model.Stage, payload any) (*Job, error) {
	job, err := NewJob(stage, payload)
	if err != nil {
		return nil, err
	}
	if err := r.add(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", stage, err)
	}
	return job, nil
}

func decodeMessage(msg redis.XMessage) (*Job, error) {
	raw, ok := msg.Values[jobField].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry %s has no job field", msg.ID)
	}
	job := new(Job)
	if err := json.Unmarshal([]byte(raw), job); err != nil {
		return nil, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
	}
	job.receipt = msg.ID
	return job, nil
}

func (r *Redis) promote(ctx context.Context, stage model.Stage) error {
	now := r.now().UnixMilli()
	err := promoteScript.Run(ctx, r.client, []string{delayedKey(stage), streamKey(stage)}, now, promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed %s: %w", stage, err)
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context, stage model.Stage) (*Job, error) {
	if err := r.ensureGroup(ctx, stage); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.closed:
			return nil, ErrClosed
		default:
		}

		if err := r.promote(ctx, stage); err != nil {
			return nil, err
		}

		// Reclaim deliveries abandoned by crashed consumers first.
		claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   streamKey(stage),
			Group:    group,
			Consumer: r.opts.Consumer,
			MinIdle:  r.opts.MinIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("reclaim %s: %w", stage, err)
		}
		if len(claimed) > 0 {
			return r.decodeOrDrop(ctx, stage, claimed[0])
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: r.opts.Consumer,
			Streams:  []string{streamKey(stage), ">"},
			Count:    1,
			Block:    r.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read %s: %w", stage, err)
		}
		for _, s := range streams {
			if len(s.Messages) > 0 {
				return r.decodeOrDrop(ctx, stage, s.Messages[0])
			}
		}
	}
}

// decodeOrDrop acks entries that can never decode so they are not redelivered forever
func (r *Redis) decodeOrDrop(ctx context.Context, stage model.Stage, msg redis.XMessage) (*Job, error) {
	job, err := decodeMessage(msg)
	if err != nil {
		_ = r.remove(ctx, stage, msg.ID)
		return nil, err
	}
	return job, nil
}

func (r *Redis) remove(ctx context.Context, stage model.Stage, id string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, streamKey(stage), group, id)
		p.XDel(ctx, streamKey(stage), id)
		return nil
	})
	return err
}

func (r *Redis) Ack(ctx context.Context, job *Job) error {
	if job.receipt == "" {
		return nil
	}
	if err := r.remove(ctx, job.Stage, job.receipt); err != nil {
		return fmt.Errorf("ack %s job %s: %w", job.Stage, job.ID, err)
	}
	return nil
}

func (r *Redis) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	due := r.now().Add(delay).UnixMilli()
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, delayedKey(job.Stage), redis.Z{Score: float64(due), Member: string(data)})
		if job.receipt != "" {
			p.XAck(ctx, streamKey(job.Stage), group, job.receipt)
			p.XDel(ctx, streamKey(job.Stage), job.receipt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry %s job %s: %w", job.Stage, job.ID, err)
	}
	return nil
}

func (r *Redis) DeadLetter(ctx context.Context, job *Job, kind string) (*model.DeadLetter, error) {
	dl := deadLetterFor(job, kind, r.now())
	data, err := json.Marshal(dl)
	if err != nil {
		return nil, err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, deadLetterKey, dl.ID, data)
		if job.receipt != "" {
			p.XAck(ctx, streamKey(job.Stage), group, job.receipt)
			p.XDel(ctx, streamKey(job.Stage), job.receipt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dead-letter %s job %s: %w", job.Stage, job.ID, err)
	}
	return dl, nil
}

func (r *Redis) DeadLetters(ctx context.Context) ([]*model.DeadLetter, error) {
	all, err := r.client.HGetAll(ctx, deadLetterKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]*model.DeadLetter, 0, len(all))
	for id, raw := range all {
		dl := new(model.DeadLetter)
		if err := json.Unmarshal([]byte(raw), dl); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", id, err)
		}
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadLetteredAt.Before(out[j].DeadLetteredAt) })
	return out, nil
}

func (r *Redis) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetter, error) {
	raw, err := r.client.HGet(ctx, deadLetterKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	dl := new(model.DeadLetter)
	if err := json.Unmarshal([]byte(raw), dl); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	return dl, nil
}

func (r *Redis) Replay(ctx context.Context, id string) (*Job, error) {
	dl, err := r.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.Replayed {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyReplayed)
	}
	job := replayJob(dl)
	now := r.now()
	dl.Replayed = true
	dl.ReplayedAt = &now

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	dlData, err := json.Marshal(dl)
	if err != nil {
		return nil, err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(job.Stage), Values: map[string]any{jobField: jobData}})
		p.HSet(ctx, deadLetterKey, dl.ID, dlData)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay dead letter %s: %w", id, err)
	}
	return job, nil
}

func (r *Redis) Pending(ctx context.Context, stage model.Stage) (int64, error) {
	var ready, delayed *redis.IntCmd
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.XLen(ctx, streamKey(stage))
		delayed = p.ZCard(ctx, delayedKey(stage))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("pending %s: %w", stage, err)
	}
	return ready.Val() + delayed.Val(), nil
}

func (r *Redis) Close() error {
	var err error
	r.closeMu.Do(func() {
		close(r.closed)
		err = r.client.Close()
	})
	return err
}
