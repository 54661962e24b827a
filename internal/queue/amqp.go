package queue

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/snapcheck/internal/processing"
)

// AMQPTransport publishes persistent messages to a durable RabbitMQ queue and
// waits for the broker's publisher confirm.
type AMQPTransport struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

func dialAMQP(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return conn, ch, nil
}

// NewAMQPTransport dials the broker and declares the queue.
func NewAMQPTransport(url, queue string) (*AMQPTransport, error) {
	conn, ch, err := dialAMQP(url, queue)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &AMQPTransport{conn: conn, channel: ch, queue: queue}, nil
}

// Name identifies the transport in logs and errors.
func (t *AMQPTransport) Name() string { return "amqp" }

// Publish sends the descriptor and blocks until the broker confirms it.
func (t *AMQPTransport) Publish(ctx context.Context, d Descriptor) error {
	body, err := d.Encode()
	if err != nil {
		return err
	}
	t.mu.Lock()
	confirm, err := t.channel.PublishWithDeferredConfirmWithContext(ctx,
		"",      // exchange
		t.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    d.WorkItemID,
			Timestamp:    d.EnqueuedAt,
			Body:         body,
		},
	)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publisher confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message for %s", d.WorkItemID)
	}
	return nil
}

// Close closes the channel and connection.
func (t *AMQPTransport) Close() error {
	return closeAMQP(t.conn, t.channel)
}

func closeAMQP(conn *amqp.Connection, ch *amqp.Channel) error {
	if ch != nil {
		if err := ch.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing amqp channel")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing amqp connection")
		}
	}
	return nil
}

// AMQPConsumer consumes with manual acknowledgements. A transient failure is
// requeued once; a second failure, or a permanent one, is rejected so the
// broker can dead-letter it.
type AMQPConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	pool    *processing.Pool
}

// NewAMQPConsumer dials the broker and sets prefetch to the pool size.
func NewAMQPConsumer(url, queue string, concurrency int) (*AMQPConsumer, error) {
	conn, ch, err := dialAMQP(url, queue)
	if err != nil {
		return nil, err
	}
	pool := processing.New("amqp", concurrency)
	if err := ch.Qos(pool.Size(), 0, false); err != nil {
		closeAMQP(conn, ch)
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &AMQPConsumer{conn: conn, channel: ch, queue: queue, pool: pool}, nil
}

// Consume delivers messages to h until ctx is cancelled or the channel closes.
func (c *AMQPConsumer) Consume(ctx context.Context, h Handler) error {
	deliveries, err := c.channel.Consume(
		c.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.pool.Start(context.WithoutCancel(ctx))
	defer c.pool.Stop()
	log.Info().Str("queue", c.queue).Int("concurrency", c.pool.Size()).Msg("amqp consumer listening")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			if err := c.pool.Submit(ctx, func(taskCtx context.Context) error {
				return c.handle(taskCtx, msg, h)
			}); err != nil {
				_ = msg.Nack(false, true)
				return nil
			}
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, msg amqp.Delivery, h Handler) error {
	d, err := DecodeDescriptor(msg.Body)
	if err == nil {
		err = h(ctx, d)
	}
	if err == nil {
		return msg.Ack(false)
	}
	requeue := !IsPermanent(err) && !msg.Redelivered
	log.Warn().Err(err).Str("item_id", d.WorkItemID).Bool("requeue", requeue).Msg("amqp delivery failed")
	return msg.Nack(false, requeue)
}

// Close closes the channel and connection.
func (c *AMQPConsumer) Close() error {
	return closeAMQP(c.conn, c.channel)
}
