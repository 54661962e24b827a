package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// AnalyzeTask is scheduled once per submitted work item.
const AnalyzeTask = "workitem:analyze"

// AsynqOptions configures the asynq transport.
type AsynqOptions struct {
	Redis       asynq.RedisClientOpt
	Queue       string
	MaxRetry    int
	Concurrency int
}

// AsynqTransport enqueues descriptors as asynq tasks.
type AsynqTransport struct {
	client *asynq.Client
	opts   AsynqOptions
}

// NewAsynqTransport connects an asynq client.
func NewAsynqTransport(opts AsynqOptions) *AsynqTransport {
	return &AsynqTransport{client: asynq.NewClient(opts.Redis), opts: opts}
}

// Name identifies the transport in logs and errors.
func (t *AsynqTransport) Name() string { return "asynq" }

// Publish enqueues the analysis task.
func (t *AsynqTransport) Publish(ctx context.Context, d Descriptor) error {
	data, err := d.Encode()
	if err != nil {
		return err
	}
	task := asynq.NewTask(AnalyzeTask, data)
	if _, err := t.client.EnqueueContext(ctx, task, asynq.MaxRetry(t.opts.MaxRetry), asynq.Queue(t.opts.Queue)); err != nil {
		return fmt.Errorf("enqueue analyze task: %w", err)
	}
	return nil
}

// Close releases the client's Redis connection.
func (t *AsynqTransport) Close() error { return t.client.Close() }

// AsynqConsumer runs an asynq server bound to the analysis task.
type AsynqConsumer struct {
	server *asynq.Server
}

// NewAsynqConsumer builds the server; asynq owns the worker concurrency.
func NewAsynqConsumer(opts AsynqOptions) *AsynqConsumer {
	server := asynq.NewServer(opts.Redis, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues:      map[string]int{opts.Queue: 1},
		Logger:      asynqLogger{},
	})
	return &AsynqConsumer{server: server}
}

// Consume serves tasks until ctx is cancelled.
func (c *AsynqConsumer) Consume(ctx context.Context, h Handler) error {
	mux := asynq.NewServeMux()
	mux.Handle(AnalyzeTask, asynqHandler(h))
	if err := c.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	c.server.Shutdown()
	return nil
}

// Close is a no-op; Consume shuts the server down.
func (c *AsynqConsumer) Close() error { return nil }

func asynqHandler(h Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		d, err := DecodeDescriptor(task.Payload())
		if err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		if err := h(ctx, d); err != nil {
			if IsPermanent(err) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	})
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { log.Debug().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { log.Info().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { log.Warn().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { log.Error().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) { log.Fatal().Str("component", "asynq").Msg(fmt.Sprint(args...)) }
