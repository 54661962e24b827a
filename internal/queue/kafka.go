package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/dharsanguruparan/snapcheck/internal/processing"
)

// KafkaOptions configures the Kafka transport and consumer.
type KafkaOptions struct {
	Brokers     []string
	Topic       string
	GroupID     string
	Concurrency int
	MaxRetry    int
}

// KafkaTransport writes descriptors keyed by work item id, so redeliveries of
// one item land on one partition in order.
type KafkaTransport struct {
	writer *kafka.Writer
}

// NewKafkaTransport builds a writer that waits for all in-sync replicas.
func NewKafkaTransport(opts KafkaOptions) *KafkaTransport {
	return &KafkaTransport{writer: &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Topic:                  opts.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

// Name identifies the transport in logs and errors.
func (t *KafkaTransport) Name() string { return "kafka" }

// Publish writes one message.
func (t *KafkaTransport) Publish(ctx context.Context, d Descriptor) error {
	data, err := d.Encode()
	if err != nil {
		return err
	}
	if err := t.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.WorkItemID), Value: data}); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (t *KafkaTransport) Close() error { return t.writer.Close() }

// KafkaConsumer runs one group member per pool worker. Each member handles
// its partitions in order and commits only after the handler settles, so
// offsets never run ahead of processing.
type KafkaConsumer struct {
	opts    KafkaOptions
	pool    *processing.Pool
	backoff time.Duration
}

// NewKafkaConsumer builds the consumer; readers are created by Consume.
func NewKafkaConsumer(opts KafkaOptions) *KafkaConsumer {
	return &KafkaConsumer{
		opts:    opts,
		pool:    processing.New("kafka", opts.Concurrency),
		backoff: 500 * time.Millisecond,
	}
}

// Consume starts the group members and blocks until ctx is cancelled.
func (c *KafkaConsumer) Consume(ctx context.Context, h Handler) error {
	c.pool.Start(ctx)
	defer c.pool.Stop()
	log.Info().Str("topic", c.opts.Topic).Str("group", c.opts.GroupID).Int("members", c.pool.Size()).Msg("starting kafka consumer")

	for i := 0; i < c.pool.Size(); i++ {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.opts.Brokers,
			GroupID:  c.opts.GroupID,
			Topic:    c.opts.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
		if err := c.pool.Submit(ctx, func(memberCtx context.Context) error {
			defer reader.Close()
			return c.member(memberCtx, reader, h)
		}); err != nil {
			_ = reader.Close()
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (c *KafkaConsumer) member(ctx context.Context, reader *kafka.Reader, h Handler) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			log.Error().Err(err).Msg("failed to fetch message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}
		if !c.handle(ctx, msg, h) {
			return nil
		}
		if err := reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
		}
	}
}

// handle retries transient failures in place; Kafka has no per-message
// redelivery short of not committing, which would stall the partition. It
// returns false when shutdown interrupted the message, which must then stay
// uncommitted.
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message, h Handler) bool {
	d, err := DecodeDescriptor(msg.Value)
	if err != nil {
		log.Error().Err(err).Int64("offset", msg.Offset).Msg("skipping undecodable message")
		return true
	}
	delay := c.backoff
	for attempt := 0; ; attempt++ {
		err = h(ctx, d)
		if err == nil {
			log.Debug().Str("item_id", d.WorkItemID).Int64("offset", msg.Offset).Msg("message handled")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if IsPermanent(err) || attempt >= c.opts.MaxRetry {
			log.Error().Err(err).Str("item_id", d.WorkItemID).Int("attempts", attempt+1).Msg("giving up on message")
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Close is a no-op; readers close when Consume returns.
func (c *KafkaConsumer) Close() error { return nil }
