package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/snapcheck/internal/processing"
)

// JobClass is the Sidekiq job class analysis jobs are pushed under. Jobs of
// any other class found on the list are moved to the dead list.
const JobClass = "ProductAnalysisJob"

// sidekiqJob is the Sidekiq wire format. The descriptor rides along under
// its own key so Sidekiq tooling still sees a normal job.
type sidekiqJob struct {
	Class        string      `json:"class"`
	Args         []any       `json:"args"`
	JID          string      `json:"jid"`
	Queue        string      `json:"queue"`
	Retry        bool        `json:"retry"`
	RetryCount   int         `json:"retry_count,omitempty"`
	CreatedAt    float64     `json:"created_at"`
	EnqueuedAt   float64     `json:"enqueued_at"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Descriptor   *Descriptor `json:"snapcheck,omitempty"`
}

func redisKey(queue string) string { return "queue:" + queue }

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func newSidekiqJob(queue string, d Descriptor) sidekiqJob {
	return sidekiqJob{
		Class:      JobClass,
		Args:       []any{d.WorkItemID, d.ImageReference},
		JID:        strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Queue:      queue,
		Retry:      true,
		CreatedAt:  unixSeconds(d.EnqueuedAt),
		EnqueuedAt: unixSeconds(d.EnqueuedAt),
		Descriptor: &d,
	}
}

// descriptor returns the embedded descriptor, or derives an unsigned one from
// args for jobs pushed by a producer that predates descriptors.
func (j sidekiqJob) descriptor() (Descriptor, error) {
	if j.Class != JobClass {
		return Descriptor{}, fmt.Errorf("%w: unexpected job class %q", ErrMalformedDescriptor, j.Class)
	}
	if j.Descriptor != nil {
		return *j.Descriptor, j.Descriptor.check()
	}
	if len(j.Args) < 2 {
		return Descriptor{}, fmt.Errorf("%w: expected 2 args, got %d", ErrMalformedDescriptor, len(j.Args))
	}
	var id string
	switch v := j.Args[0].(type) {
	case string:
		id = v
	case float64:
		id = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return Descriptor{}, fmt.Errorf("%w: work item id has type %T", ErrMalformedDescriptor, j.Args[0])
	}
	ref, _ := j.Args[1].(string)
	d := Descriptor{
		Version:        DescriptorVersion,
		WorkItemID:     id,
		ImageReference: ref,
		EnqueuedAt:     time.Unix(0, int64(j.EnqueuedAt*float64(time.Second))).UTC(),
	}
	return d, d.check()
}

func decodeSidekiqJob(raw string) (sidekiqJob, error) {
	var job sidekiqJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return sidekiqJob{}, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	return job, nil
}

// RedisTransport pushes Sidekiq-compatible jobs onto queue:<name>.
type RedisTransport struct {
	client *redis.Client
	queue  string
}

// NewRedisTransport wraps an open client.
func NewRedisTransport(client *redis.Client, queue string) *RedisTransport {
	return &RedisTransport{client: client, queue: queue}
}

// Name identifies the transport in logs and errors.
func (t *RedisTransport) Name() string { return "redis" }

// Publish LPUSHes the job, the same way Sidekiq's client does.
func (t *RedisTransport) Publish(ctx context.Context, d Descriptor) error {
	data, err := json.Marshal(newSidekiqJob(t.queue, d))
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := t.client.LPush(ctx, redisKey(t.queue), data).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (t *RedisTransport) Close() error { return t.client.Close() }

// RedisConsumer pops jobs with BRPOP and runs them on a bounded pool.
// Failed jobs go back onto the list with retry_count bumped until MaxRetry,
// then onto queue:<name>:dead.
type RedisConsumer struct {
	client      *redis.Client
	queue       string
	maxRetry    int
	pool        *processing.Pool
	pollTimeout time.Duration
}

// NewRedisConsumer builds a consumer with the given concurrency.
func NewRedisConsumer(client *redis.Client, queue string, maxRetry, concurrency int) *RedisConsumer {
	return &RedisConsumer{
		client:      client,
		queue:       queue,
		maxRetry:    maxRetry,
		pool:        processing.New("redis", concurrency),
		pollTimeout: 5 * time.Second,
	}
}

// Consume pops jobs until ctx is cancelled, then waits for running jobs.
func (c *RedisConsumer) Consume(ctx context.Context, h Handler) error {
	key := redisKey(c.queue)
	c.pool.Start(context.WithoutCancel(ctx))
	defer c.pool.Stop()
	log.Info().Str("queue", key).Int("concurrency", c.pool.Size()).Msg("redis consumer listening")

	for {
		res, err := c.client.BRPop(ctx, c.pollTimeout, key).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("queue", key).Msg("redis pop failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		raw := res[1]
		if err := c.pool.Submit(ctx, func(taskCtx context.Context) error {
			return c.handle(taskCtx, raw, h)
		}); err != nil {
			// Shutting down with a popped job in hand: put it back where BRPOP
			// will see it first.
			if pushErr := c.client.RPush(context.WithoutCancel(ctx), key, raw).Err(); pushErr != nil {
				log.Error().Err(pushErr).Str("queue", key).Msg("could not return job to queue")
			}
			return nil
		}
	}
}

func (c *RedisConsumer) handle(ctx context.Context, raw string, h Handler) error {
	job, err := decodeSidekiqJob(raw)
	if err != nil {
		return c.bury(ctx, raw, err)
	}
	d, err := job.descriptor()
	if err != nil {
		return c.bury(ctx, raw, err)
	}
	herr := h(ctx, d)
	if herr == nil {
		return nil
	}
	if IsPermanent(herr) || job.RetryCount >= c.maxRetry {
		return c.bury(ctx, raw, herr)
	}
	job.RetryCount++
	job.ErrorMessage = herr.Error()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry: %w", err)
	}
	if err := c.client.LPush(context.WithoutCancel(ctx), redisKey(c.queue), data).Err(); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.JID, err)
	}
	log.Warn().Err(herr).Str("item_id", d.WorkItemID).Int("retry_count", job.RetryCount).Msg("job requeued")
	return nil
}

func (c *RedisConsumer) bury(ctx context.Context, raw string, cause error) error {
	dead := redisKey(c.queue) + ":dead"
	if err := c.client.LPush(context.WithoutCancel(ctx), dead, raw).Err(); err != nil {
		return fmt.Errorf("dead-letter job: %w (cause: %v)", err, cause)
	}
	log.Error().Err(cause).Str("queue", dead).Msg("job moved to dead list")
	return nil
}

// Close closes the Redis connection.
func (c *RedisConsumer) Close() error { return c.client.Close() }
