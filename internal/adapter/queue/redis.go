// Package queue implements domain.Queue as a reliable redis list queue.
//
// A topic is a list. Consumers move entries atomically into
// "<topic>:processing" and hold a lease key while they work; entries whose
// lease disappeared are handed out again by the reaper.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cwygoda/fetcher/internal/domain"
)

const (
	DefaultLeaseTTL     = 2 * time.Minute
	DefaultReapInterval = time.Minute
	blockTimeout        = time.Second
	retryDelay          = time.Second
)

type envelope struct {
	ID         string            `json:"id"`
	Attempts   int               `json:"attempts"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithLeaseTTL sets how long a claimed entry stays owned without a Touch.
func WithLeaseTTL(d time.Duration) Option {
	return func(q *Queue) { q.leaseTTL = d }
}

// WithReapInterval sets the period of the lease-expiry scan.
func WithReapInterval(d time.Duration) Option {
	return func(q *Queue) { q.reapInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// Queue is a redis-backed domain.Queue.
type Queue struct {
	rdb          redis.UniversalClient
	leaseTTL     time.Duration
	reapInterval time.Duration
	log          zerolog.Logger

	mu       sync.Mutex
	suspects map[string]bool
}

var _ domain.Queue = (*Queue)(nil)

// New creates a queue on rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{
		rdb:          rdb,
		leaseTTL:     DefaultLeaseTTL,
		reapInterval: DefaultReapInterval,
		log:          zerolog.Nop(),
		suspects:     make(map[string]bool),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func processingKey(topic string) string { return topic + ":processing" }
func leaseKey(topic, id string) string  { return topic + ":lease:" + id }

// Publish appends payload to topic.
func (q *Queue) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	raw, err := json.Marshal(envelope{
		ID:         uuid.NewString(),
		Headers:    headers,
		Body:       payload,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, topic, raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Consume runs concurrency claim loops on topic plus the reaper, calling h
// for every delivery. It returns once ctx is done and every h returned.
func (q *Queue) Consume(ctx context.Context, topic string, concurrency int, h domain.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.reapLoop(ctx, topic)
	}()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.claimLoop(ctx, topic, h)
		}()
	}

	wg.Wait()
	return nil
}

func (q *Queue) claimLoop(ctx context.Context, topic string, h domain.Handler) {
	for ctx.Err() == nil {
		d, err := q.claim(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Error().Err(err).Str("topic", topic).Msg("claim failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		if d == nil {
			continue
		}
		h(ctx, d)
	}
}

// claim moves one entry into the processing list and takes its lease. A nil
// delivery means the blocking pop timed out.
func (q *Queue) claim(ctx context.Context, topic string) (*domain.Delivery, error) {
	raw, err := q.rdb.BRPopLPush(ctx, topic, processingKey(topic), blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		q.log.Error().Err(err).Str("topic", topic).Msg("dropping undecodable envelope")
		q.rdb.LRem(ctx, processingKey(topic), 1, raw)
		return nil, nil
	}

	if err := q.rdb.Set(ctx, leaseKey(topic, env.ID), 1, q.leaseTTL).Err(); err != nil {
		return nil, fmt.Errorf("take lease: %w", err)
	}

	return &domain.Delivery{
		ID:       env.ID,
		Topic:    topic,
		Body:     env.Body,
		Headers:  env.Headers,
		Attempts: env.Attempts + 1,
		Receipt:  raw,
	}, nil
}

// Ack removes the delivery for good.
func (q *Queue) Ack(ctx context.Context, d *domain.Delivery) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, processingKey(d.Topic), 1, d.Receipt)
		p.Del(ctx, leaseKey(d.Topic, d.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

// Nack returns the delivery to its topic with one more recorded attempt.
func (q *Queue) Nack(ctx context.Context, d *domain.Delivery) error {
	raw, err := bumpAttempts(d.Receipt)
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.ID, err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, processingKey(d.Topic), 1, d.Receipt)
		p.LPush(ctx, d.Topic, raw)
		p.Del(ctx, leaseKey(d.Topic, d.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.ID, err)
	}
	return nil
}

// Touch renews the delivery's lease.
func (q *Queue) Touch(ctx context.Context, d *domain.Delivery) error {
	if err := q.rdb.Set(ctx, leaseKey(d.Topic, d.ID), 1, q.leaseTTL).Err(); err != nil {
		return fmt.Errorf("touch %s: %w", d.ID, err)
	}
	return nil
}

func bumpAttempts(raw string) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	env.Attempts++
	return json.Marshal(env)
}

func (q *Queue) reapLoop(ctx context.Context, topic string) {
	ticker := time.NewTicker(q.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Reap(ctx, topic)
			if err != nil {
				if ctx.Err() == nil {
					q.log.Error().Err(err).Str("topic", topic).Msg("reap failed")
				}
				continue
			}
			if n > 0 {
				q.log.Warn().Int("count", n).Str("topic", topic).Msg("requeued expired deliveries")
			}
		}
	}
}

// Reap requeues processing entries whose lease was missing on this pass and
// the previous one. Entries seen without a lease for the first time are only
// marked, covering the window between claim and lease.
func (q *Queue) Reap(ctx context.Context, topic string) (int, error) {
	entries, err := q.rdb.LRange(ctx, processingKey(topic), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]bool, len(entries))
	requeued := 0
	for _, raw := range entries {
		seen[raw] = true

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			q.rdb.LRem(ctx, processingKey(topic), 1, raw)
			continue
		}
		n, err := q.rdb.Exists(ctx, leaseKey(topic, env.ID)).Result()
		if err != nil {
			return requeued, fmt.Errorf("check lease: %w", err)
		}
		if n > 0 {
			delete(q.suspects, raw)
			continue
		}
		if !q.suspects[raw] {
			q.suspects[raw] = true
			continue
		}

		next, err := bumpAttempts(raw)
		if err != nil {
			return requeued, err
		}
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, processingKey(topic), 1, raw)
			p.LPush(ctx, topic, next)
			return nil
		})
		if err != nil {
			return requeued, fmt.Errorf("requeue %s: %w", env.ID, err)
		}
		delete(q.suspects, raw)
		requeued++
	}

	for raw := range q.suspects {
		if !seen[raw] {
			delete(q.suspects, raw)
		}
	}
	return requeued, nil
}
