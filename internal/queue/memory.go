package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/statute/internal/model"
)

type stageQueue struct {
	ready   []*Job
	delayed int
	notify  chan struct{}
}

// Memory is an in-process Queue. Jobs do not survive a restart.
type Memory struct {
	mu          sync.Mutex
	stages      map[model.Stage]*stageQueue
	deadLetters map[string]*model.DeadLetter
	timers      map[*time.Timer]struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	now         func() time.Time
}

// NewMemory creates an empty in-process queue
func NewMemory() *Memory {
	return &Memory{
		stages:      make(map[model.Stage]*stageQueue),
		deadLetters: make(map[string]*model.DeadLetter),
		timers:      make(map[*time.Timer]struct{}),
		closed:      make(chan struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) stage(s model.Stage) *stageQueue {
	q, ok := m.stages[s]
	if !ok {
		q = &stageQueue{notify: make(chan struct{}, 1)}
		m.stages[s] = q
	}
	return q
}

func signal(q *stageQueue) {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func copyJob(j *Job) *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	return &c
}

func (m *Memory) push(j *Job) {
	q := m.stage(j.Stage)
	q.ready = append(q.ready, j)
	signal(q)
}

func (m *Memory) Enqueue(_ context.Context, stage model.Stage, payload any) (*Job, error) {
	job, err := NewJob(stage, payload)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(copyJob(job))
	return job, nil
}

func (m *Memory) Dequeue(ctx context.Context, stage model.Stage) (*Job, error) {
	for {
		m.mu.Lock()
		q := m.stage(stage)
		if len(q.ready) > 0 {
			j := q.ready[0]
			q.ready = q.ready[1:]
			if len(q.ready) > 0 {
				signal(q)
			}
			m.mu.Unlock()
			return copyJob(j), nil
		}
		notify := q.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.closed:
			return nil, ErrClosed
		case <-notify:
		}
	}
}

// Ack is a no-op: a dequeued memory job is already removed
func (m *Memory) Ack(context.Context, *Job) error { return nil }

func (m *Memory) Retry(_ context.Context, job *Job, delay time.Duration) error {
	j := copyJob(job)
	m.mu.Lock()
	defer m.mu.Unlock()
	if delay <= 0 {
		m.push(j)
		return nil
	}
	q := m.stage(j.Stage)
	q.delayed++
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, timer)
		q.delayed--
		m.push(j)
	})
	m.timers[timer] = struct{}{}
	return nil
}

func (m *Memory) DeadLetter(_ context.Context, job *Job, kind string) (*model.DeadLetter, error) {
	dl := deadLetterFor(job, kind, m.now())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters[dl.ID] = dl
	out := *dl
	return &out, nil
}

func (m *Memory) DeadLetters(context.Context) ([]*model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.DeadLetter, 0, len(m.deadLetters))
	for _, dl := range m.deadLetters {
		c := *dl
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadLetteredAt.Before(out[j].DeadLetteredAt) })
	return out, nil
}

func (m *Memory) GetDeadLetter(_ context.Context, id string) (*model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.deadLetters[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	c := *dl
	return &c, nil
}

func (m *Memory) Replay(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.deadLetters[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if dl.Replayed {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyReplayed)
	}
	job := replayJob(dl)
	now := m.now()
	dl.Replayed = true
	dl.ReplayedAt = &now
	m.push(copyJob(job))
	return job, nil
}

func (m *Memory) Pending(_ context.Context, stage model.Stage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.stage(stage)
	return int64(len(q.ready) + q.delayed), nil
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		for t := range m.timers {
			t.Stop()
		}
		m.timers = make(map[*time.Timer]struct{})
		m.mu.Unlock()
		close(m.closed)
	})
	return nil
}
